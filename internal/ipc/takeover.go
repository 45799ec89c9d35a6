package ipc

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/takeover"
)

type projectScanArgs struct {
	ProjectPath string `json:"projectPath"`
}

type smartTakeoverArgs struct {
	ProjectID   string          `json:"projectId"`
	ProjectPath string          `json:"projectPath"`
	Decisions   map[string]bool `json:"decisions"`
}

type backupIDArgs struct {
	BackupID string `json:"backupId"`
}

type byToolArgs struct {
	ToolType    string         `json:"toolType"`
	Scope       db.ConfigScope `json:"scope"`
	ProjectPath string         `json:"projectPath"`
}

type cleanupArgs struct {
	ToolType    string         `json:"toolType"`
	Scope       db.ConfigScope `json:"scope"`
	ProjectPath string         `json:"projectPath"`
	KeepN       int            `json:"keepN"`
}

func (d *Dispatcher) registerTakeoverCommands() {
	exec := d.deps.Executor

	d.register("scan_mcp_configs", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		return exec.Scanner().ScanAll(args.ProjectPath)
	})

	d.register("scan_all_tool_configs", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		return exec.Scanner().ScanAll(args.ProjectPath)
	})

	d.register("detect_installed_tools", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		return exec.Scanner().DetectInstalledTools(args.ProjectPath), nil
	})

	d.register("preview_mcp_import", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		return exec.PreviewSmart(args.ProjectPath)
	})

	d.register("execute_mcp_import", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[smartTakeoverArgs](payload)
		if err != nil {
			return nil, err
		}
		return d.runSmart(args)
	})

	d.register("rollback_mcp_import", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			BackupIDs []string `json:"backupIds"`
		}](payload)
		if err != nil {
			return nil, err
		}
		restored := 0
		for _, id := range args.BackupIDs {
			if err := exec.Backups().Restore(id); err != nil {
				return map[string]interface{}{"restored": restored, "failedAt": id, "error": classify(err)}, nil
			}
			restored++
		}
		return map[string]interface{}{"restored": restored}, nil
	})

	d.register("preview_smart_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[smartTakeoverArgs](payload)
		if err != nil {
			return nil, err
		}
		return exec.PreviewSmart(args.ProjectPath)
	})

	d.register("execute_smart_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[smartTakeoverArgs](payload)
		if err != nil {
			return nil, err
		}
		return d.runSmart(args)
	})

	d.register("preview_full_tool_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		return exec.PreviewSmart(args.ProjectPath)
	})

	d.register("execute_full_tool_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[smartTakeoverArgs](payload)
		if err != nil {
			return nil, err
		}
		result := exec.ExecuteFull(d.deps.Endpoint(), args.ProjectID, args.ProjectPath)
		d.syncAggregator(ctx, result)
		return result, nil
	})

	d.register("list_active_takeovers", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return d.deps.DB.ListActiveBackups("")
	})

	d.register("list_active_takeovers_with_integrity", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		rows, err := d.deps.DB.ListActiveBackups("")
		if err != nil {
			return nil, err
		}
		return exec.Backups().CheckIntegrity(rows), nil
	})

	d.register("delete_invalid_takeover_backups", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		rows, err := d.deps.DB.ListActiveBackups("")
		if err != nil {
			return nil, err
		}
		deleted := 0
		for _, item := range exec.Backups().CheckIntegrity(rows) {
			if item.Valid {
				continue
			}
			if err := exec.Backups().DeleteBackup(item.Backup.ID); err != nil {
				return nil, err
			}
			deleted++
		}
		return map[string]int{"deleted": deleted}, nil
	})

	d.register("cleanup_old_takeover_backups", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[cleanupArgs](payload)
		if err != nil {
			return nil, err
		}
		deleted, err := exec.Backups().CleanupOld(args.ToolType, args.Scope, args.ProjectPath, args.KeepN)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": deleted}, nil
	})

	d.register("cleanup_all_old_takeover_backups", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			KeepN int `json:"keepN"`
		}](payload)
		if err != nil {
			return nil, err
		}
		all, err := d.deps.DB.ListAllBackups()
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{})
		total := 0
		for _, b := range all {
			key := b.ToolType + "|" + string(b.Scope) + "|" + b.ProjectPath
			if _, done := seen[key]; done {
				continue
			}
			seen[key] = struct{}{}
			n, err := exec.Backups().CleanupOld(b.ToolType, b.Scope, b.ProjectPath, args.KeepN)
			if err != nil {
				return nil, err
			}
			total += n
		}
		return map[string]int{"deleted": total}, nil
	})

	d.register("list_takeover_backups_with_version", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return d.deps.DB.ListAllBackups()
	})

	d.register("delete_single_takeover_backup", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[backupIDArgs](payload)
		if err != nil {
			return nil, err
		}
		return nil, exec.Backups().DeleteBackup(args.BackupID)
	})

	d.register("restore_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[backupIDArgs](payload)
		if err != nil {
			return nil, err
		}
		return nil, exec.Backups().Restore(args.BackupID)
	})

	d.register("restore_takeover_by_tool", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[byToolArgs](payload)
		if err != nil {
			return nil, err
		}
		return nil, exec.RestoreByTool(args.ToolType, args.Scope, args.ProjectPath)
	})

	d.register("get_active_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[byToolArgs](payload)
		if err != nil {
			return nil, err
		}
		return d.deps.DB.GetActiveTakeoverByTool(args.ToolType, args.Scope, args.ProjectPath)
	})

	d.register("get_active_takeovers_by_project", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		return d.deps.DB.ListActiveBackups(args.ProjectPath)
	})

	d.register("scan_local_scopes", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return exec.Scanner().ScanLocalScopes()
	})

	d.register("restore_local_scope_takeover", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[backupIDArgs](payload)
		if err != nil {
			return nil, err
		}
		return nil, exec.Backups().RestoreLocalScope(args.BackupID, d.deps.Registry.Claude())
	})

	d.register("restore_all_local_scope_takeovers", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		restored, err := exec.RestoreAllLocalScopes()
		if err != nil {
			return map[string]interface{}{"restored": restored, "error": classify(err)}, nil
		}
		return map[string]interface{}{"restored": restored}, nil
	})

	d.register("get_active_local_scope_takeovers", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		rows, err := d.deps.DB.ListActiveBackups("")
		if err != nil {
			return nil, err
		}
		var out []db.TakeoverBackup
		for _, b := range rows {
			if b.Scope == db.ScopeLocal {
				out = append(out, b)
			}
		}
		return out, nil
	})
}

// runSmart previews then applies a smart takeover in one shot, used by
// both the import and the takeover command families.
func (d *Dispatcher) runSmart(args smartTakeoverArgs) (interface{}, error) {
	exec := d.deps.Executor
	scans, err := exec.Scanner().ScanAll(args.ProjectPath)
	if err != nil {
		return nil, err
	}
	if len(scans) == 0 {
		return nil, appErr(KindNotFound, "no assistant configurations detected")
	}
	existing, err := d.deps.DB.ListServices()
	if err != nil {
		return nil, err
	}
	plan := takeover.BuildPlan(args.ProjectPath, scans, existing)
	result := exec.ExecuteSmart(plan, scans, d.deps.Endpoint(), args.ProjectID, args.Decisions)
	d.syncAggregator(context.Background(), result)
	return result, nil
}

// syncAggregator registers services a takeover run created so the next
// tools/list sees them.
func (d *Dispatcher) syncAggregator(ctx context.Context, result takeover.Result) {
	if d.deps.Aggregator == nil || result.Err != "" {
		return
	}
	for _, name := range result.ServicesCreated {
		svc, err := d.deps.DB.GetServiceByName(name)
		if err != nil {
			continue
		}
		d.deps.Aggregator.RegisterService(*svc)
		go func(id string) {
			_ = d.deps.Aggregator.RefreshService(context.Background(), id)
		}(svc.ID)
	}
}

// readConfigAllowed reports whether path belongs to a known takeover row
// (original or backup file); read_config_file_content refuses anything
// else to prevent path traversal.
func (d *Dispatcher) readConfigAllowed(path string) (bool, error) {
	rows, err := d.deps.DB.ListAllBackups()
	if err != nil {
		return false, err
	}
	for _, b := range rows {
		if b.OriginalPath == path || b.BackupPath == path {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) registerProjectCommands() {
	d.register("check_project_mcp_status", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[projectScanArgs](payload)
		if err != nil {
			return nil, err
		}
		scans, err := d.deps.Executor.Scanner().ScanAll(args.ProjectPath)
		if err != nil {
			return nil, err
		}
		active, err := d.deps.DB.ListActiveBackups("")
		if err != nil {
			return nil, err
		}
		takenOver := make(map[string]bool)
		for _, b := range active {
			takenOver[b.OriginalPath] = true
		}
		type fileStatus struct {
			Path      string `json:"path"`
			AdapterID string `json:"adapterId"`
			Services  int    `json:"services"`
			TakenOver bool   `json:"takenOver"`
		}
		out := make([]fileStatus, 0, len(scans))
		for _, scan := range scans {
			out = append(out, fileStatus{
				Path:      scan.Path,
				AdapterID: scan.AdapterID,
				Services:  len(scan.Services),
				TakenOver: takenOver[scan.Path],
			})
		}
		return out, nil
	})

	d.register("read_config_file_content", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[struct {
			Path string `json:"path"`
		}](payload)
		if err != nil {
			return nil, err
		}
		ok, err := d.readConfigAllowed(args.Path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, appErr(KindInvalidInput, "path %q is not a known config or backup file", args.Path)
		}
		content, err := os.ReadFile(args.Path)
		if err != nil {
			return nil, err
		}
		return map[string]string{"path": args.Path, "content": string(content)}, nil
	})
}
