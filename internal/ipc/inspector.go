package ipc

import (
	"context"
	"encoding/json"
)

type serviceIDArgs struct {
	ServiceID string `json:"serviceId"`
}

func (d *Dispatcher) registerInspectorCommands() {
	d.register("mcp_get_service_capabilities", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[serviceIDArgs](payload)
		if err != nil {
			return nil, err
		}
		cache, ok := d.deps.Aggregator.GetCache(args.ServiceID)
		if !ok {
			// Not yet registered with the aggregator: refresh on demand.
			svc, err := d.deps.DB.GetService(args.ServiceID)
			if err != nil {
				return nil, err
			}
			d.deps.Aggregator.RegisterService(*svc)
			if err := d.deps.Aggregator.RefreshService(ctx, args.ServiceID); err != nil {
				return nil, err
			}
			cache, _ = d.deps.Aggregator.GetCache(args.ServiceID)
		}
		return cache, nil
	})

	d.register("mcp_call_tool", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}](payload)
		if err != nil {
			return nil, err
		}
		resp, err := d.deps.Aggregator.CallTool(ctx, args.Name, args.Arguments)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, appErr(KindCommunication, "backend error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	})

	d.register("mcp_read_resource", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			URI string `json:"uri"`
		}](payload)
		if err != nil {
			return nil, err
		}
		resp, err := d.deps.Aggregator.ReadResource(ctx, args.URI)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, appErr(KindCommunication, "backend error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	})

	d.register("mcp_stop_service", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[serviceIDArgs](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.deps.Procs.Stop(args.ServiceID)
	})

	d.register("mcp_list_running_services", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return d.deps.Procs.ListRunning(), nil
	})
}
