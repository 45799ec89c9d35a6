package adapters

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mantragw/mantra-gateway/internal/db"
)

const claudeAdapterID = "claude"

// ClaudeAdapter understands Claude Code's three config scopes: a per-
// project ".mcp.json" (Project scope), "~/.claude.json" top-level
// mcpServers (User scope), and "~/.claude.json"'s projects.{absolute_path}.
// mcpServers (Local scope, unique to Claude).
type ClaudeAdapter struct{}

func NewClaudeAdapter() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) ID() string   { return claudeAdapterID }
func (a *ClaudeAdapter) Name() string { return "Claude Code" }

func (a *ClaudeAdapter) ScanPatterns() []ScanPattern {
	return []ScanPattern{
		{Scope: db.ScopeUser, PathPattern: "~/.claude.json"},
		{Scope: db.ScopeProject, PathPattern: ".mcp.json"},
	}
}

func (a *ClaudeAdapter) Parse(path string, content []byte, scope db.ConfigScope) ([]DetectedService, error) {
	return parseJSONConfig(path, content, "mcpServers", claudeAdapterID, scope)
}

func (a *ClaudeAdapter) InjectGateway(content []byte, opts InjectOptions) ([]byte, error) {
	return injectGatewayJSON(content, "mcpServers", "disabledMcpjsonServers", "enabledMcpjsonServers", "headers", opts)
}

func (a *ClaudeAdapter) ClearMCPServers(content []byte) ([]byte, error) {
	return clearMCPServersJSON(content, "mcpServers")
}

// --- Local scope (~/.claude.json projects.{path}.mcpServers) ---

// ListLocalScopeProjects returns every absolute project path key present
// under the top-level "projects" object of a ~/.claude.json document.
func (a *ClaudeAdapter) ListLocalScopeProjects(content []byte) ([]string, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}
	projects, ok := root["projects"]
	if !ok {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(projects, &m); err != nil {
		return nil, fmt.Errorf("adapters: claude: parse projects: %w", err)
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out, nil
}

// ParseLocalScopeForProject extracts DetectedService rows from
// projects.{projectPath}.mcpServers.
func (a *ClaudeAdapter) ParseLocalScopeForProject(content []byte, projectPath, sourceFile string) ([]DetectedService, error) {
	entry, err := a.getProjectEntry(content, projectPath)
	if err != nil || entry == nil {
		return nil, err
	}
	raw, ok := entry["mcpServers"]
	if !ok {
		return nil, nil
	}
	var servers map[string]json.RawMessage
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, fmt.Errorf("adapters: claude: parse local mcpServers: %w", err)
	}
	services, err := parseServersFromJSON(servers, claudeAdapterID, db.ScopeLocal, sourceFile)
	if err != nil {
		return nil, err
	}
	for i := range services {
		services[i].ProjectPathKey = projectPath
	}
	return services, nil
}

// ClearLocalScopeForProject empties projects.{projectPath}.mcpServers to
// {} while leaving every other project key and every other field of that
// project's entry untouched.
func (a *ClaudeAdapter) ClearLocalScopeForProject(content []byte, projectPath string) ([]byte, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}
	entry, err := a.getProjectEntry(content, projectPath)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return content, nil
	}
	empty, _ := json.Marshal(map[string]json.RawMessage{})
	entry["mcpServers"] = empty
	if err := a.putProjectEntry(root, projectPath, entry); err != nil {
		return nil, err
	}
	return root.marshalIndent()
}

// ExtractLocalScopeBackup returns the raw mcpServers sub-object currently
// stored for projectPath, used to seed a backup before clearing it.
func (a *ClaudeAdapter) ExtractLocalScopeBackup(content []byte, projectPath string) (json.RawMessage, error) {
	entry, err := a.getProjectEntry(content, projectPath)
	if err != nil || entry == nil {
		return nil, err
	}
	raw, ok := entry["mcpServers"]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return raw, nil
}

// RestoreLocalScopeMcpServers merges backupServers back into the current
// file's projects.{projectPath}.mcpServers, touching no other top-level
// field and no other project's entry: Local-scope restore is additive,
// unlike every other adapter's byte-for-byte restore.
func (a *ClaudeAdapter) RestoreLocalScopeMcpServers(content []byte, projectPath string, backupServers json.RawMessage) ([]byte, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}
	entry, err := a.getProjectEntry(content, projectPath)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = map[string]json.RawMessage{}
	}
	entry["mcpServers"] = backupServers
	if err := a.putProjectEntry(root, projectPath, entry); err != nil {
		return nil, err
	}
	return root.marshalIndent()
}

func (a *ClaudeAdapter) getProjectEntry(content []byte, projectPath string) (map[string]json.RawMessage, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}
	projectsRaw, ok := root["projects"]
	if !ok {
		return nil, nil
	}
	var projects map[string]json.RawMessage
	if err := json.Unmarshal(projectsRaw, &projects); err != nil {
		return nil, fmt.Errorf("adapters: claude: parse projects: %w", err)
	}
	raw, ok := projects[projectPath]
	if !ok {
		return nil, nil
	}
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("adapters: claude: parse project entry: %w", err)
	}
	return entry, nil
}

func (a *ClaudeAdapter) putProjectEntry(root docRoot, projectPath string, entry map[string]json.RawMessage) error {
	projectsRaw, ok := root["projects"]
	var projects map[string]json.RawMessage
	if ok {
		if err := json.Unmarshal(projectsRaw, &projects); err != nil {
			return fmt.Errorf("adapters: claude: parse projects: %w", err)
		}
	} else {
		projects = map[string]json.RawMessage{}
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	projects[projectPath] = entryJSON
	projectsJSON, err := json.Marshal(projects)
	if err != nil {
		return err
	}
	root["projects"] = projectsJSON
	return nil
}

// ClaudeUserConfigPath resolves the default ~/.claude.json path.
func ClaudeUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude.json"), nil
}
