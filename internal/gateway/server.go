// Package gateway is the HTTP face of the aggregator: the
// Streamable HTTP endpoint at /mcp, the legacy /sse + /message pair, the
// session machine, bearer-token auth, CORS for the desktop shell, and the
// restartable server manager.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mantragw/mantra-gateway/internal/aggregator"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/metrics"
	"github.com/mantragw/mantra-gateway/internal/router"
	"github.com/rs/zerolog/log"
)

const sessionHeader = "Mcp-Session-Id"
const protocolHeader = "Mcp-Protocol-Version"

// PolicyFunc resolves effective tool policies in bulk for one request.
// Implemented by internal/policy at the composition root so the gateway
// package never touches the database directly.
type PolicyFunc func(projectID string, serviceIDs []string) map[string]db.ToolPolicy

// Options wires a Server.
type Options struct {
	Token      string
	StrictMode bool
	Version    string
	Aggregator *aggregator.Aggregator
	LPM        router.Client
	Policies   PolicyFunc
	Sessions   *SessionTable
}

// Server handles one bound listener's HTTP traffic.
type Server struct {
	token    string
	strict   bool
	version  string
	agg      *aggregator.Aggregator
	lpm      router.Client
	policies PolicyFunc
	sessions *SessionTable
}

func NewServer(opts Options) *Server {
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessionTable(nil)
	}
	return &Server{
		token:    opts.Token,
		strict:   opts.StrictMode,
		version:  opts.Version,
		agg:      opts.Aggregator,
		lpm:      opts.LPM,
		policies: opts.Policies,
		sessions: sessions,
	}
}

// Sessions exposes the session table for the manager's reaper.
func (s *Server) Sessions() *SessionTable { return s.sessions }

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.requireAuth(metrics.Handler()))
	mux.Handle("/mcp", s.requireAuth(http.HandlerFunc(s.handleMCP)))
	mux.Handle("/sse", s.requireAuth(http.HandlerFunc(s.handleSSE)))
	mux.Handle("/message", s.requireAuth(http.HandlerFunc(s.handleMessage)))
	return s.cors(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"version":  s.version,
		"sessions": s.sessions.Count(),
	})
}

// requireAuth enforces the gateway bearer token on every non-health path.
// Missing or wrong token answers 401 with an empty body.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.token)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors admits the desktop shell (tauri://localhost) and any localhost
// origin, exposing the session header; no credentials.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+sessionHeader+", "+protocolHeader)
			w.Header().Set("Access-Control-Expose-Headers", sessionHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if origin == "tauri://localhost" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

// handleMCP is the Streamable HTTP endpoint: POST carries JSON-RPC, GET
// reopens the server-to-client stream, DELETE terminates the session.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodGet:
		s.handleMCPStream(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.ErrParse, "parse error: "+err.Error())
		return
	}

	if req.Method == "initialize" {
		s.handleInitialize(w, r, req)
		return
	}

	session, ok := s.sessions.Get(r.Header.Get(sessionHeader))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if v := r.Header.Get(protocolHeader); v != "" && v != session.NegotiatedVersion {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if req.Method == "notifications/initialized" {
		s.sessions.MarkReady(session.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := s.dispatch(r, session, req)
	if resp == nil { // notification
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// initializeParams is the subset of the client's initialize params the
// gateway consumes: the advertised protocol version and the roots hint
// used for project-context resolution.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	RootURI         string `json:"rootUri"`
	Roots           []struct {
		URI string `json:"uri"`
	} `json:"roots"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req mcp.Request) {
	var params initializeParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	version := params.ProtocolVersion
	if version == "" {
		version = mcp.ProtocolVersion
	}

	session := s.sessions.Create(version)

	if path := rootsPath(params); path != "" {
		match := s.lpm.QueryProject(r.Context(), path)
		if match.ProjectID != "" {
			// Safe to write directly: the session id has not been revealed
			// to the client yet, so no concurrent reader exists.
			s.sessions.SetProject(session.ID, match.ProjectID, match.ProjectName)
			session.ProjectID = match.ProjectID
			session.ProjectName = match.ProjectName
			log.Debug().Str("sessionID", session.ID).Str("project", match.ProjectName).
				Msg("session bound to project context")
		}
	}

	result, _ := json.Marshal(mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.Capabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: true},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.PromptsCapability{},
		},
		ServerInfo: mcp.ServerInfo{Name: "mantra-gateway", Version: s.version},
	})
	w.Header().Set(sessionHeader, session.ID)
	writeJSON(w, http.StatusOK, &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// rootsPath extracts the filesystem path from the client's roots hint.
func rootsPath(params initializeParams) string {
	uri := params.RootURI
	if uri == "" && len(params.Roots) > 0 {
		uri = params.Roots[0].URI
	}
	return strings.TrimPrefix(uri, "file://")
}

func (s *Server) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(r.Header.Get(sessionHeader))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.serveSSE(w, r, session)
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Close(r.Header.Get(sessionHeader)) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// strictServices resolves the strict-mode service-id set for a session;
// nil means unrestricted. With strict mode on and no project context the
// set is empty: nothing is listed or callable.
func (s *Server) strictServices(r *http.Request, session *Session) map[string]struct{} {
	if !s.strict {
		return nil
	}
	allowed := make(map[string]struct{})
	if session.ProjectID != "" {
		for _, id := range s.lpm.QueryProjectServices(r.Context(), session.ProjectID) {
			allowed[id] = struct{}{}
		}
	}
	return allowed
}

// dispatch routes one non-lifecycle request. A nil return means the
// request was a notification with nothing to answer.
func (s *Server) dispatch(r *http.Request, session *Session, req mcp.Request) *mcp.Response {
	ctx := r.Context()
	allowed := s.strictServices(r, session)

	switch req.Method {
	case "ping":
		return resultResponse(req.ID, map[string]interface{}{})

	case "shutdown":
		s.sessions.Close(session.ID)
		return resultResponse(req.ID, map[string]interface{}{})

	case "tools/list":
		var policies map[string]db.ToolPolicy
		if s.policies != nil {
			services := s.agg.Services()
			ids := make([]string, 0, len(services))
			for _, svc := range services {
				ids = append(ids, svc.ID)
			}
			policies = s.policies(session.ProjectID, ids)
		}
		return resultResponse(req.ID, mcp.ListToolsResult{Tools: orEmptyTools(s.agg.ListTools(policies, allowed))})

	case "resources/list":
		return resultResponse(req.ID, mcp.ListResourcesResult{Resources: orEmptyResources(s.agg.ListResources(allowed))})

	case "prompts/list":
		return resultResponse(req.ID, mcp.ListPromptsResult{Prompts: orEmptyPrompts(s.agg.ListPrompts(allowed))})

	case "tools/call":
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.ErrInvalidParams, "invalid tools/call params")
		}
		if allowed != nil {
			svc, _, err := s.agg.ResolveTool(params.Name)
			if err != nil {
				return errorResponse(req.ID, mcp.ErrInvalidParams, err.Error())
			}
			if _, ok := allowed[svc.ID]; !ok {
				return errorResponse(req.ID, mcp.ErrInvalidParams,
					"tool's service is not linked to this project")
			}
		}
		resp, err := s.agg.CallTool(ctx, params.Name, params.Arguments)
		return forwardResponse(req.ID, resp, err)

	case "resources/read":
		var params mcp.ReadResourceParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.ErrInvalidParams, "invalid resources/read params")
		}
		resp, err := s.agg.ReadResource(ctx, params.URI)
		return forwardResponse(req.ID, resp, err)

	case "prompts/get":
		var params mcp.GetPromptParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.ErrInvalidParams, "invalid prompts/get params")
		}
		resp, err := s.agg.GetPrompt(ctx, params.Name, params.Arguments)
		return forwardResponse(req.ID, resp, err)

	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return nil
		}
		return errorResponse(req.ID, mcp.ErrMethodNotFound, "method not supported: "+req.Method)
	}
}

// forwardResponse re-stamps a backend response with the gateway-side
// request id; transport failures become JSON-RPC internal errors.
func forwardResponse(id interface{}, resp *mcp.Response, err error) *mcp.Response {
	if err != nil {
		return errorResponse(id, mcp.ErrInternal, err.Error())
	}
	return &mcp.Response{JSONRPC: "2.0", ID: id, Result: resp.Result, Error: resp.Error}
}

func resultResponse(id interface{}, result interface{}) *mcp.Response {
	raw, _ := json.Marshal(result)
	return &mcp.Response{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id interface{}, code int, message string) *mcp.Response {
	return &mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.Error{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	writeJSON(w, status, errorResponse(id, code, message))
}

// orEmptyTools keeps "no tools" as [] instead of null on the wire.
func orEmptyTools(in []mcp.Tool) []mcp.Tool {
	if in == nil {
		return []mcp.Tool{}
	}
	return in
}

func orEmptyResources(in []mcp.Resource) []mcp.Resource {
	if in == nil {
		return []mcp.Resource{}
	}
	return in
}

func orEmptyPrompts(in []mcp.Prompt) []mcp.Prompt {
	if in == nil {
		return []mcp.Prompt{}
	}
	return in
}

// serveSSE pumps a session's event channel as one data: frame per JSON-RPC
// message, with periodic keepalive comments.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, session *Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.pumpSSE(w, r, flusher, session)
}

func (s *Server) pumpSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, session *Session) {
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-session.events:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSSE is the legacy transport: GET opens a stream, an
// "endpoint" event tells the client where to POST, and responses flow
// back over the stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	session := s.sessions.Create(mcp.ProtocolVersion)
	defer s.sessions.Close(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("event: endpoint\ndata: /message?sessionId=" + session.ID + "\n\n")); err != nil {
		return
	}
	flusher.Flush()

	s.pumpSSE(w, r, flusher, session)
}

// handleMessage is the legacy single-shot JSON-RPC endpoint. With a
// sessionId query parameter the response also flows over that session's
// SSE stream; either way it is returned in the POST body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, mcp.ErrParse, "parse error: "+err.Error())
		return
	}

	var session *Session
	if id := r.URL.Query().Get("sessionId"); id != "" {
		var ok bool
		session, ok = s.sessions.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	} else {
		// Sessionless legacy call: a throwaway Ready session scopes the
		// request.
		session = s.sessions.Create(mcp.ProtocolVersion)
		s.sessions.MarkReady(session.ID)
		defer s.sessions.Close(session.ID)
	}

	var resp *mcp.Response
	switch req.Method {
	case "initialize":
		result, _ := json.Marshal(mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      mcp.ServerInfo{Name: "mantra-gateway", Version: s.version},
		})
		resp = &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: result}
	case "notifications/initialized":
		s.sessions.MarkReady(session.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	default:
		resp = s.dispatch(r, session, req)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if r.URL.Query().Get("sessionId") != "" {
		if frame, err := json.Marshal(resp); err == nil {
			s.sessions.Push(session.ID, frame)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
