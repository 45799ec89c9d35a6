package adapters

import "github.com/mantragw/mantra-gateway/internal/db"

const cursorAdapterID = "cursor"

// CursorAdapter handles Cursor's "~/.cursor/mcp.json" (User scope) and
// "<project>/.cursor/mcp.json" (Project scope), both plain mcpServers JSON.
type CursorAdapter struct{}

func NewCursorAdapter() *CursorAdapter { return &CursorAdapter{} }

func (a *CursorAdapter) ID() string   { return cursorAdapterID }
func (a *CursorAdapter) Name() string { return "Cursor" }

func (a *CursorAdapter) ScanPatterns() []ScanPattern {
	return []ScanPattern{
		{Scope: db.ScopeUser, PathPattern: "~/.cursor/mcp.json"},
		{Scope: db.ScopeProject, PathPattern: ".cursor/mcp.json"},
	}
}

func (a *CursorAdapter) Parse(path string, content []byte, scope db.ConfigScope) ([]DetectedService, error) {
	return parseJSONConfig(path, content, "mcpServers", cursorAdapterID, scope)
}

func (a *CursorAdapter) InjectGateway(content []byte, opts InjectOptions) ([]byte, error) {
	return injectGatewayJSON(content, "mcpServers", "disabledMcpjsonServers", "enabledMcpjsonServers", "headers", opts)
}

func (a *CursorAdapter) ClearMCPServers(content []byte) ([]byte, error) {
	return clearMCPServersJSON(content, "mcpServers")
}
