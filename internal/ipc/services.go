package ipc

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mantragw/mantra-gateway/internal/db"
)

// serviceArgs is the create/update payload for manually managed services.
type serviceArgs struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Transport         db.Transport      `json:"transport"`
	Command           string            `json:"command"`
	Args              []string          `json:"args"`
	Env               map[string]string `json:"env"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Enabled           *bool             `json:"enabled"`
	DefaultToolPolicy *db.ToolPolicy    `json:"defaultToolPolicy"`
}

func (d *Dispatcher) registerServiceCommands() {
	d.register("service_create", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[serviceArgs](payload)
		if err != nil {
			return nil, err
		}
		if args.Name == "" {
			return nil, appErr(KindInvalidInput, "service name is required")
		}
		if args.Name == db.ReservedGatewayServiceName() {
			return nil, appErr(KindInvalidInput, "%q is reserved for the gateway itself", args.Name)
		}
		svc := db.Service{
			ID:                uuid.NewString(),
			Name:              args.Name,
			Transport:         args.Transport,
			Command:           args.Command,
			Args:              args.Args,
			Env:               args.Env,
			URL:               args.URL,
			Headers:           args.Headers,
			Source:            db.SourceManual,
			Enabled:           args.Enabled == nil || *args.Enabled,
			DefaultToolPolicy: args.DefaultToolPolicy,
		}
		if err := d.deps.DB.CreateService(svc); err != nil {
			return nil, err
		}
		if d.deps.Aggregator != nil {
			d.deps.Aggregator.RegisterService(svc)
			go func() {
				_ = d.deps.Aggregator.RefreshService(context.Background(), svc.ID)
			}()
		}
		return map[string]string{"id": svc.ID}, nil
	})

	d.register("service_update", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[serviceArgs](payload)
		if err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, appErr(KindInvalidInput, "service id is required")
		}
		existing, err := d.deps.DB.GetService(args.ID)
		if err != nil {
			return nil, err
		}
		updated := *existing
		if args.Name != "" {
			updated.Name = args.Name
		}
		if args.Transport != "" {
			updated.Transport = args.Transport
		}
		updated.Command = args.Command
		updated.Args = args.Args
		updated.Env = args.Env
		updated.URL = args.URL
		updated.Headers = args.Headers
		if args.Enabled != nil {
			updated.Enabled = *args.Enabled
		}
		if args.DefaultToolPolicy != nil {
			updated.DefaultToolPolicy = args.DefaultToolPolicy
		}
		if err := d.deps.DB.UpdateService(updated); err != nil {
			return nil, err
		}
		// A config edit invalidates the live backend and its cache.
		if d.deps.Procs != nil {
			_ = d.deps.Procs.Stop(updated.ID)
		}
		if d.deps.Aggregator != nil {
			d.deps.Aggregator.UpdateService(updated)
		}
		return nil, nil
	})

	d.register("service_delete", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[serviceIDArgs](payload)
		if err != nil {
			return nil, err
		}
		if d.deps.Procs != nil {
			_ = d.deps.Procs.Stop(args.ServiceID)
		}
		if d.deps.OAuth != nil {
			_ = d.deps.OAuth.Disconnect(ctx, args.ServiceID)
		}
		if err := d.deps.DB.DeleteService(args.ServiceID); err != nil {
			return nil, err
		}
		if d.deps.Aggregator != nil {
			d.deps.Aggregator.RemoveService(args.ServiceID)
		}
		return nil, nil
	})

	d.register("service_list", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return d.deps.DB.ListServices()
	})

	d.register("service_set_enabled", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			ServiceID string `json:"serviceId"`
			Enabled   bool   `json:"enabled"`
		}](payload)
		if err != nil {
			return nil, err
		}
		if err := d.deps.DB.SetServiceEnabled(args.ServiceID, args.Enabled); err != nil {
			return nil, err
		}
		if !args.Enabled && d.deps.Procs != nil {
			_ = d.deps.Procs.Stop(args.ServiceID)
		}
		if d.deps.Aggregator != nil {
			if svc, err := d.deps.DB.GetService(args.ServiceID); err == nil {
				d.deps.Aggregator.UpdateService(*svc)
				if args.Enabled {
					go func(id string) {
						_ = d.deps.Aggregator.RefreshService(context.Background(), id)
					}(svc.ID)
				}
			}
		}
		return nil, nil
	})

	d.register("project_list", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return d.deps.DB.ListProjects()
	})

	d.register("project_ensure", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			Cwd string `json:"cwd"`
		}](payload)
		if err != nil {
			return nil, err
		}
		if args.Cwd == "" {
			return nil, appErr(KindInvalidInput, "cwd is required")
		}
		return d.deps.DB.EnsureProjectForCwd(args.Cwd)
	})

	d.register("project_link_service", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			ProjectID      string                 `json:"projectId"`
			ServiceID      string                 `json:"serviceId"`
			ConfigOverride map[string]interface{} `json:"configOverride"`
		}](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.deps.DB.LinkServiceToProject(db.ProjectServiceLink{
			ProjectID:      args.ProjectID,
			ServiceID:      args.ServiceID,
			ConfigOverride: args.ConfigOverride,
		})
	})

	d.register("project_unlink_service", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			ProjectID string `json:"projectId"`
			ServiceID string `json:"serviceId"`
		}](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.deps.DB.UnlinkServiceFromProject(args.ProjectID, args.ServiceID)
	})
}
