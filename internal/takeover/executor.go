package takeover

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/atomicfs"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/metrics"
	"github.com/rs/zerolog/log"
)

// GatewayEndpoint is what gets injected into every taken-over config.
type GatewayEndpoint struct {
	URL   string
	Token string
}

// Result is the outcome surfaced across the IPC boundary. The executor
// never throws past it: the first error is captured here alongside the
// rollback outcome.
type Result struct {
	ConfigsRewritten int      `json:"configsRewritten"`
	ServicesCreated  []string `json:"servicesCreated"`
	ServicesLinked   []string `json:"servicesLinked"`
	BackupIDs        []string `json:"backupIds"`
	Err              string   `json:"error,omitempty"`
	RolledBack       bool     `json:"rolledBack"`
	RollbackErr      string   `json:"rollbackError,omitempty"`
}

// Executor orchestrates multi-file takeover runs under a compensating
// transaction.
type Executor struct {
	store    *db.DB
	registry *adapters.Registry
	scanner  *Scanner
	backups  *BackupManager
}

func NewExecutor(store *db.DB, registry *adapters.Registry) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		scanner:  NewScanner(registry),
		backups:  NewBackupManager(store),
	}
}

// Scanner exposes the executor's scanner for preview commands.
func (e *Executor) Scanner() *Scanner { return e.scanner }

// SetHomeDir overrides home-directory resolution for scan patterns and
// the Claude Local-scope file, used by tests and sandboxed callers.
func (e *Executor) SetHomeDir(fn func() (string, error)) { e.scanner.homeFn = fn }

// Backups exposes the backup manager for restore/cleanup commands.
func (e *Executor) Backups() *BackupManager { return e.backups }

// PreviewSmart scans and classifies without touching anything.
func (e *Executor) PreviewSmart(projectPath string) (Plan, error) {
	scans, err := e.scanner.ScanAll(projectPath)
	if err != nil {
		return Plan{}, err
	}
	existing, err := e.store.ListServices()
	if err != nil {
		return Plan{}, err
	}
	return BuildPlan(projectPath, scans, existing), nil
}

// ExecuteFull runs the full tool takeover: create the detected services the
// plan marks AutoCreate (AutoSkip ones are linked, NeedsDecision ones are
// left alone), then rewrite every detected config to the single gateway
// entry. One transaction covers the whole run; the first error rolls
// everything back.
func (e *Executor) ExecuteFull(endpoint GatewayEndpoint, projectID, projectPath string) Result {
	scans, err := e.scanner.ScanAll(projectPath)
	if err != nil {
		return Result{Err: err.Error()}
	}
	if len(scans) == 0 {
		return Result{Err: ErrNothingDetected.Error()}
	}

	existing, err := e.store.ListServices()
	if err != nil {
		return Result{Err: err.Error()}
	}
	plan := BuildPlan(projectPath, scans, existing)

	tx := NewTransaction(e.store)
	result, err := e.applyRun(tx, plan, scans, endpoint, projectID)
	if err != nil {
		result.Err = err.Error()
		result.RolledBack = true
		if rbErr := tx.Rollback(); rbErr != nil {
			result.RollbackErr = rbErr.Error()
		}
		metrics.TakeoverOperations.WithLabelValues("full", "rolled_back").Inc()
		return result
	}
	tx.Commit()
	metrics.TakeoverOperations.WithLabelValues("full", "ok").Inc()
	return result
}

// ExecuteSmart applies a previously previewed plan: AutoCreate items
// become services + links, AutoSkip items are linked only, NeedsDecision
// items are untouched unless decisions maps the name to true. A true
// decision creates the service from the first candidate when no service of
// that name exists, and otherwise links the existing service without
// changing its configuration. Config rewriting then proceeds as in the
// full run.
func (e *Executor) ExecuteSmart(plan Plan, scans []ScanResult, endpoint GatewayEndpoint, projectID string, decisions map[string]bool) Result {
	tx := NewTransaction(e.store)
	resolved := Plan{ProjectPath: plan.ProjectPath}
	for _, item := range plan.Items {
		if item.Action == ActionNeedsDecision {
			if !decisions[item.ServiceName] {
				continue
			}
			if item.Existing != nil {
				item.Action = ActionAutoSkip
			} else {
				item.Action = ActionAutoCreate
			}
		}
		resolved.Items = append(resolved.Items, item)
	}

	result, err := e.applyRun(tx, resolved, scans, endpoint, projectID)
	if err != nil {
		result.Err = err.Error()
		result.RolledBack = true
		if rbErr := tx.Rollback(); rbErr != nil {
			result.RollbackErr = rbErr.Error()
		}
		metrics.TakeoverOperations.WithLabelValues("smart", "rolled_back").Inc()
		return result
	}
	tx.Commit()
	metrics.TakeoverOperations.WithLabelValues("smart", "ok").Inc()
	return result
}

// applyRun performs the service import and the per-file rewrite inside
// tx. It returns the partial result alongside the first error.
func (e *Executor) applyRun(tx *Transaction, plan Plan, scans []ScanResult, endpoint GatewayEndpoint, projectID string) (Result, error) {
	var result Result

	for _, item := range plan.Items {
		switch item.Action {
		case ActionAutoCreate:
			id, err := e.createService(tx, item.Candidates[0])
			if err != nil {
				return result, err
			}
			result.ServicesCreated = append(result.ServicesCreated, item.ServiceName)
			if projectID != "" {
				if err := e.linkService(tx, projectID, id, item.Candidates[0].AdapterID); err != nil {
					return result, err
				}
				result.ServicesLinked = append(result.ServicesLinked, item.ServiceName)
			}
		case ActionAutoSkip:
			if projectID != "" && item.Existing != nil {
				if err := e.linkService(tx, projectID, item.Existing.ID, item.Candidates[0].AdapterID); err != nil {
					return result, err
				}
				result.ServicesLinked = append(result.ServicesLinked, item.ServiceName)
			}
		case ActionNeedsDecision:
			// Left for the user; preview already surfaced the conflict.
		}
	}

	for _, scan := range scans {
		backupID, err := e.rewriteConfig(tx, scan, endpoint)
		if err != nil {
			return result, err
		}
		result.ConfigsRewritten++
		result.BackupIDs = append(result.BackupIDs, backupID)
	}
	return result, nil
}

func (e *Executor) createService(tx *Transaction, candidate adapters.DetectedService) (string, error) {
	svc := db.Service{
		ID:              uuid.NewString(),
		Name:            candidate.Name,
		Transport:       candidate.Transport,
		Command:         candidate.Command,
		Args:            candidate.Args,
		Env:             candidate.Env,
		URL:             candidate.URL,
		Headers:         candidate.Headers,
		Source:          db.SourceImported,
		SourceAdapterID: candidate.AdapterID,
		SourceScope:     string(candidate.Scope),
		SourceFile:      candidate.SourceFile,
		Enabled:         true,
	}
	if err := e.store.CreateService(svc); err != nil {
		return "", fmt.Errorf("takeover: create service %q: %w", candidate.Name, err)
	}
	tx.RecordServiceCreated(svc.ID)
	return svc.ID, nil
}

func (e *Executor) linkService(tx *Transaction, projectID, serviceID, adapterID string) error {
	err := e.store.LinkServiceToProject(db.ProjectServiceLink{
		ProjectID:         projectID,
		ServiceID:         serviceID,
		DetectedAdapterID: adapterID,
	})
	if err != nil {
		return fmt.Errorf("takeover: link service: %w", err)
	}
	tx.RecordProjectLinked(projectID, serviceID)
	return nil
}

// rewriteConfig backs up one config file and rewrites it to the single
// gateway entry. Step order is the crash-safety contract: backup
// file, backup row, pre-edit temp copy, then the destructive write.
func (e *Executor) rewriteConfig(tx *Transaction, scan ScanResult, endpoint GatewayEndpoint) (string, error) {
	adapter, ok := e.registry.Get(scan.AdapterID)
	if !ok {
		return "", fmt.Errorf("takeover: unknown adapter %q", scan.AdapterID)
	}

	projectPath := ""
	if scan.Scope == db.ScopeProject {
		projectPath = filepath.Dir(scan.Path)
	}
	backup, created, err := e.backups.EnsureBackup(scan.AdapterID, scan.Scope, projectPath, scan.Path)
	if err != nil {
		return "", err
	}
	if created {
		tx.RecordBackupCreated(backup.ID, backup.BackupPath)
	}

	original, err := os.ReadFile(scan.Path)
	if err != nil {
		return "", fmt.Errorf("takeover: read %s: %w", scan.Path, err)
	}

	preEdit, err := writePreEditCopy(scan.Path, original)
	if err != nil {
		return "", err
	}
	tx.RecordConfigModified(scan.Path, preEdit)

	injected, err := adapter.InjectGateway(original, adapters.InjectOptions{URL: endpoint.URL, Token: endpoint.Token})
	if err != nil {
		return "", fmt.Errorf("takeover: inject into %s: %w", scan.Path, err)
	}
	if _, err := atomicfs.AtomicWrite(scan.Path, injected); err != nil {
		return "", err
	}
	log.Info().Str("path", scan.Path).Str("adapter", scan.AdapterID).Msg("config taken over")
	return backup.ID, nil
}

// writePreEditCopy snapshots the pre-edit bytes into a temp sibling used
// only for rollback within this run.
func writePreEditCopy(path string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mantra-preedit-*")
	if err != nil {
		return "", fmt.Errorf("takeover: create pre-edit copy: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// TakeoverLocalScope backs up ~/.claude.json and clears one project key's
// mcpServers (Claude Local scope).
func (e *Executor) TakeoverLocalScope(projectKey string) Result {
	home, err := e.scanner.homeFn()
	if err != nil {
		return Result{Err: err.Error()}
	}
	path := filepath.Join(home, ".claude.json")
	claude := e.registry.Claude()

	tx := NewTransaction(e.store)
	backup, created, err := e.backups.EnsureBackup(claude.ID(), db.ScopeLocal, projectKey, path)
	if err != nil {
		return Result{Err: err.Error()}
	}
	if created {
		tx.RecordBackupCreated(backup.ID, backup.BackupPath)
	}

	original, err := os.ReadFile(path)
	if err == nil {
		var preEdit string
		preEdit, err = writePreEditCopy(path, original)
		if err == nil {
			tx.RecordConfigModified(path, preEdit)
			var cleared []byte
			cleared, err = claude.ClearLocalScopeForProject(original, projectKey)
			if err == nil {
				_, err = atomicfs.AtomicWrite(path, cleared)
			}
		}
	}
	if err != nil {
		res := Result{Err: err.Error(), RolledBack: true}
		if rbErr := tx.Rollback(); rbErr != nil {
			res.RollbackErr = rbErr.Error()
		}
		return res
	}
	tx.Commit()
	metrics.TakeoverOperations.WithLabelValues("local_scope", "ok").Inc()
	return Result{ConfigsRewritten: 1, BackupIDs: []string{backup.ID}}
}

// RestoreByTool restores the active takeover for a (tool, scope,
// project) triple.
func (e *Executor) RestoreByTool(toolType string, scope db.ConfigScope, projectPath string) error {
	b, err := e.store.GetActiveTakeoverByTool(toolType, scope, projectPath)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("takeover: no active takeover for %s/%s: %w", toolType, scope, err)
	}
	if err != nil {
		return err
	}
	if scope == db.ScopeLocal {
		return e.backups.RestoreLocalScope(b.ID, e.registry.Claude())
	}
	return e.backups.Restore(b.ID)
}

// RestoreAllLocalScopes restores every active Local-scope takeover,
// returning the project keys restored and the first error encountered.
func (e *Executor) RestoreAllLocalScopes() ([]string, error) {
	active, err := e.store.ListActiveBackups("")
	if err != nil {
		return nil, err
	}
	var restored []string
	var firstErr error
	for _, b := range active {
		if b.Scope != db.ScopeLocal {
			continue
		}
		if err := e.backups.RestoreLocalScope(b.ID, e.registry.Claude()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		restored = append(restored, b.ProjectPath)
	}
	return restored, firstErr
}
