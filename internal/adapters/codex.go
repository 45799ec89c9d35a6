package adapters

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mantragw/mantra-gateway/internal/db"
)

const codexAdapterID = "codex"

// CodexAdapter handles Codex's "~/.codex/config.toml" (User scope) and
// "<project>/.codex/config.toml" (Project scope). Codex names its table
// "mcp_servers" (snake_case, unlike the other adapters' "mcpServers") and
// its HTTP entries use "http_headers" instead of "headers".
//
// The read path decodes with BurntSushi/toml, the only trivia-unaware TOML
// library in the retrieval pack. The write path (InjectGateway,
// ClearMCPServers) cannot use it: BurntSushi/toml has no encoder that
// preserves comments, blank lines, or key order, and no toml_edit-style
// DOM library exists anywhere in the pack (see DESIGN.md). Instead it
// performs line-oriented surgical editing: every line belonging to a
// "[mcp_servers...]" table (tracked by header nesting) is stripped, and a
// freshly rendered "[mcp_servers.mantra-gateway]" block is appended. Every
// line outside that table — comments, spacing, unrelated tables — survives
// byte-for-byte.
type CodexAdapter struct{}

func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) ID() string   { return codexAdapterID }
func (a *CodexAdapter) Name() string { return "Codex" }

func (a *CodexAdapter) ScanPatterns() []ScanPattern {
	return []ScanPattern{
		{Scope: db.ScopeUser, PathPattern: "~/.codex/config.toml"},
		{Scope: db.ScopeProject, PathPattern: ".codex/config.toml"},
	}
}

type codexServerEntry struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Env         map[string]string `toml:"env"`
	URL         string            `toml:"url"`
	HTTPHeaders map[string]string `toml:"http_headers"`
}

type codexDoc struct {
	McpServers map[string]codexServerEntry `toml:"mcp_servers"`
}

func (a *CodexAdapter) Parse(path string, content []byte, scope db.ConfigScope) ([]DetectedService, error) {
	var doc codexDoc
	if _, err := toml.Decode(string(content), &doc); err != nil {
		return nil, fmt.Errorf("adapters: codex: parse toml: %w", err)
	}
	var out []DetectedService
	for name, entry := range doc.McpServers {
		if name == GatewayServiceName {
			continue
		}
		ds := DetectedService{
			Name:       name,
			AdapterID:  codexAdapterID,
			Scope:      scope,
			SourceFile: path,
		}
		if entry.URL != "" {
			ds.Transport = db.TransportHTTP
			ds.URL = entry.URL
			ds.Headers = entry.HTTPHeaders
		} else {
			ds.Transport = db.TransportStdio
			ds.Command = entry.Command
			ds.Args = entry.Args
			ds.Env = entry.Env
		}
		out = append(out, ds)
	}
	return out, nil
}

var codexTableHeaderRe = regexp.MustCompile(`^\s*\[{1,2}([^\]]+)\]{1,2}\s*$`)

// stripMcpServersTables removes every line belonging to any
// "[mcp_servers...]" table (including its array-of-tables and nested
// sub-tables such as "[mcp_servers.foo.env]"), leaving every other line
// untouched.
func stripMcpServersTables(content []byte) []string {
	lines := strings.Split(string(content), "\n")
	out := make([]string, 0, len(lines))
	inMcpTable := false
	for _, line := range lines {
		if m := codexTableHeaderRe.FindStringSubmatch(line); m != nil {
			header := strings.TrimSpace(m[1])
			inMcpTable = header == "mcp_servers" || strings.HasPrefix(header, "mcp_servers.")
			if inMcpTable {
				continue
			}
		} else if inMcpTable {
			continue
		}
		out = append(out, line)
	}
	return out
}

func (a *CodexAdapter) InjectGateway(content []byte, opts InjectOptions) ([]byte, error) {
	lines := stripMcpServersTables(content)
	result := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	if result != "" {
		result += "\n\n"
	}
	result += fmt.Sprintf("[mcp_servers.%s]\nurl = %s\n\n[mcp_servers.%s.http_headers]\nAuthorization = %s\n",
		GatewayServiceName, tomlQuote(opts.URL), GatewayServiceName, tomlQuote("Bearer "+opts.Token))
	return []byte(result), nil
}

func (a *CodexAdapter) ClearMCPServers(content []byte) ([]byte, error) {
	lines := stripMcpServersTables(content)
	return []byte(strings.Join(lines, "\n")), nil
}

// tomlQuote renders s as a TOML basic string.
func tomlQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
