package adapters

import "github.com/mantragw/mantra-gateway/internal/db"

const geminiAdapterID = "gemini"

// GeminiAdapter handles Gemini CLI's "~/.gemini/settings.json" (User
// scope) and "<project>/.gemini/settings.json" (Project scope), which
// nest mcpServers the same shape as Claude/Cursor.
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

func (a *GeminiAdapter) ID() string   { return geminiAdapterID }
func (a *GeminiAdapter) Name() string { return "Gemini CLI" }

func (a *GeminiAdapter) ScanPatterns() []ScanPattern {
	return []ScanPattern{
		{Scope: db.ScopeUser, PathPattern: "~/.gemini/settings.json"},
		{Scope: db.ScopeProject, PathPattern: ".gemini/settings.json"},
	}
}

func (a *GeminiAdapter) Parse(path string, content []byte, scope db.ConfigScope) ([]DetectedService, error) {
	return parseJSONConfig(path, content, "mcpServers", geminiAdapterID, scope)
}

func (a *GeminiAdapter) InjectGateway(content []byte, opts InjectOptions) ([]byte, error) {
	return injectGatewayJSON(content, "mcpServers", "disabledMcpjsonServers", "enabledMcpjsonServers", "headers", opts)
}

func (a *GeminiAdapter) ClearMCPServers(content []byte) ([]byte, error) {
	return clearMCPServersJSON(content, "mcpServers")
}
