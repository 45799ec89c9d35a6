package takeover

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/rs/zerolog/log"
)

// PlanAction classifies one detected service name into exactly one
// bucket of the smart-takeover preview.
type PlanAction string

const (
	ActionAutoCreate    PlanAction = "AutoCreate"
	ActionAutoSkip      PlanAction = "AutoSkip"
	ActionNeedsDecision PlanAction = "NeedsDecision"
)

// ConflictType names why a service needs a human decision.
type ConflictType string

const (
	ConflictMultipleCandidates ConflictType = "MultipleCandidates"
	ConflictMultiScope         ConflictType = "MultiScope"
	ConflictMultiAdapter       ConflictType = "MultiAdapter"
	ConflictConfigDiff         ConflictType = "ConfigDiff"
)

// FieldDiff is one per-field difference between an existing service and a
// detected candidate.
type FieldDiff struct {
	Field         string `json:"field"`
	ExistingValue string `json:"existingValue"`
	NewValue      string `json:"newValue"`
}

// ConflictDetail enumerates candidates and diffs for NeedsDecision items.
type ConflictDetail struct {
	Type       ConflictType               `json:"type"`
	Candidates []adapters.DetectedService `json:"candidates"`
	Diffs      []FieldDiff                `json:"diffs,omitempty"`
}

// PlanItem is the preview verdict for one service name.
type PlanItem struct {
	ServiceName string                     `json:"serviceName"`
	Action      PlanAction                 `json:"action"`
	Candidates  []adapters.DetectedService `json:"candidates"`
	Existing    *db.Service                `json:"existing,omitempty"`
	Conflict    *ConflictDetail            `json:"conflict,omitempty"`
}

// Plan is a full smart-takeover preview.
type Plan struct {
	ProjectPath string     `json:"projectPath"`
	Items       []PlanItem `json:"items"`
}

// ScanResult is one parsed config file.
type ScanResult struct {
	AdapterID string                     `json:"adapterId"`
	Scope     db.ConfigScope             `json:"scope"`
	Path      string                     `json:"path"`
	Services  []adapters.DetectedService `json:"services"`
}

// Scanner expands adapter scan patterns against the filesystem.
type Scanner struct {
	registry *adapters.Registry

	// Swappable for tests.
	homeFn func() (string, error)
}

func NewScanner(registry *adapters.Registry) *Scanner {
	return &Scanner{registry: registry, homeFn: os.UserHomeDir}
}

// expandPattern resolves "~" and anchors Project-scope patterns at
// projectPath. An empty result means the pattern does not apply.
func (s *Scanner) expandPattern(p adapters.ScanPattern, projectPath string) string {
	switch p.Scope {
	case db.ScopeUser:
		if strings.HasPrefix(p.PathPattern, "~/") {
			home, err := s.homeFn()
			if err != nil {
				return ""
			}
			return filepath.Join(home, p.PathPattern[2:])
		}
		return p.PathPattern
	case db.ScopeProject:
		if projectPath == "" {
			return ""
		}
		return filepath.Join(projectPath, p.PathPattern)
	default:
		return ""
	}
}

// ScanAll parses every adapter config present on disk. projectPath may be
// empty to scan user scope only. Claude Local scope is driven separately
// via ScanLocalScopes.
func (s *Scanner) ScanAll(projectPath string) ([]ScanResult, error) {
	var out []ScanResult
	for _, adapter := range s.registry.All() {
		for _, pattern := range adapter.ScanPatterns() {
			path := s.expandPattern(pattern, projectPath)
			if path == "" {
				continue
			}
			content, err := os.ReadFile(path)
			if err != nil {
				continue // absent configs are not errors
			}
			services, err := adapter.Parse(path, content, pattern.Scope)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config parse failed, skipping")
				continue
			}
			out = append(out, ScanResult{
				AdapterID: adapter.ID(),
				Scope:     pattern.Scope,
				Path:      path,
				Services:  services,
			})
		}
	}
	return out, nil
}

// DetectInstalledTools reports which assistants have any config file on
// disk, by adapter id.
func (s *Scanner) DetectInstalledTools(projectPath string) []string {
	var out []string
	for _, adapter := range s.registry.All() {
		for _, pattern := range adapter.ScanPatterns() {
			path := s.expandPattern(pattern, projectPath)
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err == nil {
				out = append(out, adapter.ID())
				break
			}
		}
	}
	return out
}

// ScanLocalScopes parses ~/.claude.json's projects.* entries.
func (s *Scanner) ScanLocalScopes() ([]ScanResult, error) {
	home, err := s.homeFn()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".claude.json")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	claude := s.registry.Claude()
	projectKeys, err := claude.ListLocalScopeProjects(content)
	if err != nil {
		return nil, err
	}

	var out []ScanResult
	for _, key := range projectKeys {
		services, err := claude.ParseLocalScopeForProject(content, key, path)
		if err != nil {
			log.Warn().Err(err).Str("project", key).Msg("local scope parse failed, skipping")
			continue
		}
		if len(services) == 0 {
			continue
		}
		out = append(out, ScanResult{AdapterID: claude.ID(), Scope: db.ScopeLocal, Path: path, Services: services})
	}
	return out, nil
}

// BuildPlan classifies scan results against existing services.
func BuildPlan(projectPath string, scans []ScanResult, existing []db.Service) Plan {
	byName := make(map[string][]adapters.DetectedService)
	var order []string
	for _, scan := range scans {
		for _, svc := range scan.Services {
			if _, seen := byName[svc.Name]; !seen {
				order = append(order, svc.Name)
			}
			byName[svc.Name] = append(byName[svc.Name], svc)
		}
	}

	existingByName := make(map[string]*db.Service, len(existing))
	for i := range existing {
		existingByName[existing[i].Name] = &existing[i]
	}

	plan := Plan{ProjectPath: projectPath}
	for _, name := range order {
		plan.Items = append(plan.Items, classify(name, byName[name], existingByName[name]))
	}
	return plan
}

func classify(name string, candidates []adapters.DetectedService, existing *db.Service) PlanItem {
	item := PlanItem{ServiceName: name, Candidates: candidates, Existing: existing}

	if len(candidates) > 1 {
		item.Action = ActionNeedsDecision
		item.Conflict = &ConflictDetail{Type: multiCandidateType(candidates), Candidates: candidates}
		return item
	}

	candidate := candidates[0]
	if existing == nil {
		item.Action = ActionAutoCreate
		return item
	}

	diffs := diffServiceConfig(existing, candidate)
	if len(diffs) == 0 {
		item.Action = ActionAutoSkip
		return item
	}
	item.Action = ActionNeedsDecision
	item.Conflict = &ConflictDetail{Type: ConflictConfigDiff, Candidates: candidates, Diffs: diffs}
	return item
}

// multiCandidateType distinguishes the multi-candidate flavors for the
// conflict detail shown to the user.
func multiCandidateType(candidates []adapters.DetectedService) ConflictType {
	adapterIDs := make(map[string]struct{})
	scopes := make(map[db.ConfigScope]struct{})
	for _, c := range candidates {
		adapterIDs[c.AdapterID] = struct{}{}
		scopes[c.Scope] = struct{}{}
	}
	if len(adapterIDs) > 1 {
		return ConflictMultiAdapter
	}
	if len(scopes) > 1 {
		return ConflictMultiScope
	}
	return ConflictMultipleCandidates
}

// diffServiceConfig compares on (transport, command, args, url) only —
// env and headers may carry secrets and are deliberately ignored.
func diffServiceConfig(existing *db.Service, candidate adapters.DetectedService) []FieldDiff {
	var diffs []FieldDiff
	if existing.Transport != candidate.Transport {
		diffs = append(diffs, FieldDiff{Field: "transport", ExistingValue: string(existing.Transport), NewValue: string(candidate.Transport)})
	}
	if existing.Command != candidate.Command {
		diffs = append(diffs, FieldDiff{Field: "command", ExistingValue: existing.Command, NewValue: candidate.Command})
	}
	if !argsEqual(existing.Args, candidate.Args) {
		diffs = append(diffs, FieldDiff{Field: "args", ExistingValue: strings.Join(existing.Args, " "), NewValue: strings.Join(candidate.Args, " ")})
	}
	if existing.URL != candidate.URL {
		diffs = append(diffs, FieldDiff{Field: "url", ExistingValue: existing.URL, NewValue: candidate.URL})
	}
	return diffs
}

func argsEqual(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// ErrNothingDetected is returned by executors when a scan found no
// configs to act on.
var ErrNothingDetected = errors.New("takeover: no assistant configurations detected")
