// Package adapters implements the per-assistant ToolAdapterRegistry:
// one adapter per AI coding assistant (Claude, Cursor, Codex, Gemini), each
// able to scan its native config locations, parse the MCP servers already
// configured there, and non-destructively inject or clear the gateway's own
// entry. JSON adapters keep every sibling top-level field they do not own:
// each one round-trips through json.RawMessage with its value unchanged
// rather than through a typed unmarshal/remarshal. The rewritten file is
// not byte-identical to the original: comments are dropped, top-level keys
// come out in sorted order, and whitespace is re-indented by
// json.MarshalIndent (see DESIGN.md).
package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/mantragw/mantra-gateway/internal/db"
)

// GatewayServiceName is the reserved entry name every adapter injects and
// every scanner must skip, so the gateway never reports its own injection
// as a discoverable backend service. It mirrors internal/db's constant of
// the same value so neither package needs to import the other's constant
// directly.
const GatewayServiceName = "mantra-gateway"

// ScanPattern is one (scope, path-pattern) pair an adapter wants scanned.
// PathPattern may use "~" for the user's home directory and, for User/
// Project scope, a filepath glob. Local scope (Claude only) has no
// pattern — it is driven by ListLocalScopeProjects instead.
type ScanPattern struct {
	Scope       db.ConfigScope
	PathPattern string
}

// DetectedService is a normalized view of one server entry discovered by
// Parse. Env references are left as raw "$VAR"/"${VAR}" strings; resolution
// happens at process-spawn time (internal/process), never at parse time.
type DetectedService struct {
	Name            string
	Transport       db.Transport
	Command         string
	Args            []string
	Env             map[string]string
	URL             string
	Headers         map[string]string
	AdapterID       string
	Scope           db.ConfigScope
	SourceFile      string
	ProjectPathKey  string // set only for ConfigScope::Local entries
}

// InjectOptions carries the gateway endpoint an adapter injects.
type InjectOptions struct {
	URL   string
	Token string
}

// Adapter is the per-assistant contract.
type Adapter interface {
	ID() string
	Name() string
	ScanPatterns() []ScanPattern
	Parse(path string, content []byte, scope db.ConfigScope) ([]DetectedService, error)
	InjectGateway(content []byte, opts InjectOptions) ([]byte, error)
	ClearMCPServers(content []byte) ([]byte, error)
}

// stripJSONComments removes // line comments and /* */ block comments that
// lie outside string literals, so JSONC-flavored configs (Claude, Cursor)
// can be parsed with encoding/json. Both the parse path and the rewrite
// path go through it: an inject or clear re-marshals the document anyway,
// so comments cannot survive a rewrite, but they must never make the
// decode fail.
func stripJSONComments(b []byte) []byte {
	out := make([]byte, 0, len(b))
	inString, escaped, inLineComment, inBlockComment := false, false, false, false

	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
				out = append(out, c)
			}
		case inBlockComment:
			if c == '*' && i+1 < len(b) && b[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case inString:
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		default:
			if c == '"' {
				inString = true
				out = append(out, c)
			} else if c == '/' && i+1 < len(b) && b[i+1] == '/' {
				inLineComment = true
				i++
			} else if c == '/' && i+1 < len(b) && b[i+1] == '*' {
				inBlockComment = true
				i++
			} else {
				out = append(out, c)
			}
		}
	}
	return out
}

// rawServerEntry is the permissive shape a server entry decodes into
// before normalization: either stdio (command/args/env) or HTTP
// (url/headers, or Codex's http_headers).
type rawServerEntry struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	HTTPHeaders map[string]string `json:"http_headers"`
}

func (e rawServerEntry) toDetected(name, adapterID string, scope db.ConfigScope, sourceFile string) DetectedService {
	ds := DetectedService{
		Name:       name,
		AdapterID:  adapterID,
		Scope:      scope,
		SourceFile: sourceFile,
	}
	if e.URL != "" {
		ds.Transport = db.TransportHTTP
		ds.URL = e.URL
		if len(e.Headers) > 0 {
			ds.Headers = e.Headers
		} else {
			ds.Headers = e.HTTPHeaders
		}
		return ds
	}
	ds.Transport = db.TransportStdio
	ds.Command = e.Command
	ds.Args = e.Args
	ds.Env = e.Env
	return ds
}

// parseServersFromJSON decodes a JSON object of name -> server entry
// (already stripped of comments) into normalized DetectedService values,
// skipping the gateway's own reserved name.
func parseServersFromJSON(serversRaw map[string]json.RawMessage, adapterID string, scope db.ConfigScope, sourceFile string) ([]DetectedService, error) {
	var out []DetectedService
	for name, raw := range serversRaw {
		if name == GatewayServiceName {
			continue
		}
		var entry rawServerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("adapters: parse server %q: %w", name, err)
		}
		out = append(out, entry.toDetected(name, adapterID, scope, sourceFile))
	}
	return out, nil
}

// gatewayEntryJSON builds the raw JSON for the injected gateway entry.
// headersKey names the field that carries the Authorization header; the
// Codex adapter does not use this helper and renders its own TOML block.
func gatewayEntryJSON(opts InjectOptions, headersKey string) json.RawMessage {
	headers := map[string]string{"Authorization": "Bearer " + opts.Token}
	payload := map[string]interface{}{
		"url":      opts.URL,
		headersKey: headers,
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// docRoot is a generic top-level JSON object view: every key the adapter
// does not specifically own is kept as an opaque json.RawMessage so its
// bytes round-trip untouched through Marshal.
type docRoot map[string]json.RawMessage

// decodeDocRoot strips JSONC comments before decoding so a commented
// config that Parse accepted never fails in InjectGateway or
// ClearMCPServers afterwards.
func decodeDocRoot(content []byte) (docRoot, error) {
	var root docRoot
	if err := json.Unmarshal(stripJSONComments(content), &root); err != nil {
		return nil, fmt.Errorf("adapters: decode config: %w", err)
	}
	if root == nil {
		root = docRoot{}
	}
	return root, nil
}

func (r docRoot) marshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// stringListField decodes a top-level JSON array-of-strings field, if
// present, returning (values, present).
func (r docRoot) stringListField(key string) ([]string, bool) {
	raw, ok := r[key]
	if !ok {
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	return list, true
}

func (r docRoot) setStringListField(key string, values []string) {
	raw, _ := json.Marshal(values)
	r[key] = raw
}

// removeFromList returns a copy of values with target removed.
func removeFromList(values []string, target string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// parseJSONConfig is the shared Parse() body for every JSON-based adapter
// (Claude, Cursor, Gemini): strip comments, decode the named mcpServers-ish
// key, and normalize each entry.
func parseJSONConfig(path string, content []byte, mcpKey, adapterID string, scope db.ConfigScope) ([]DetectedService, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}
	raw, ok := root[mcpKey]
	if !ok {
		return nil, nil
	}
	var servers map[string]json.RawMessage
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, fmt.Errorf("adapters: parse %s: %w", mcpKey, err)
	}
	return parseServersFromJSON(servers, adapterID, scope, path)
}

// injectGatewayJSON is the shared InjectGateway() body for every JSON-based
// adapter. It preserves every sibling top-level field untouched, rewrites
// only mcpKey to contain exactly one GatewayServiceName entry, removes the
// gateway from disabledKey's list if present, and adds it to enabledKey's
// list only when that list is already non-empty (an empty or absent list
// means "allow all").
func injectGatewayJSON(content []byte, mcpKey, disabledKey, enabledKey, headersKey string, opts InjectOptions) ([]byte, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}

	servers := map[string]json.RawMessage{
		GatewayServiceName: gatewayEntryJSON(opts, headersKey),
	}
	serversJSON, _ := json.Marshal(servers)
	root[mcpKey] = serversJSON

	if disabled, ok := root.stringListField(disabledKey); ok {
		root.setStringListField(disabledKey, removeFromList(disabled, GatewayServiceName))
	}
	if enabled, ok := root.stringListField(enabledKey); ok && len(enabled) > 0 {
		if !containsString(enabled, GatewayServiceName) {
			root.setStringListField(enabledKey, append(enabled, GatewayServiceName))
		}
	}

	return root.marshalIndent()
}

// clearMCPServersJSON empties mcpKey to {} while preserving every sibling
// field. The takeover executor does not call ClearMCPServers: Project-scope
// files get the gateway entry through InjectGateway, as User-scope ones do.
func clearMCPServersJSON(content []byte, mcpKey string) ([]byte, error) {
	root, err := decodeDocRoot(content)
	if err != nil {
		return nil, err
	}
	empty, _ := json.Marshal(map[string]json.RawMessage{})
	root[mcpKey] = empty
	return root.marshalIndent()
}
