package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/mantragw/mantra-gateway/internal/metrics"
	"github.com/rs/zerolog/log"
)

// SessionState is the MCP session lifecycle: Initializing on the
// first initialize request, Ready after notifications/initialized, Closed
// on DELETE or reap.
type SessionState string

const (
	StateInitializing SessionState = "Initializing"
	StateReady        SessionState = "Ready"
	StateClosed       SessionState = "Closed"
)

// sessionIdleTTL reaps sessions (Ready or Initializing) idle longer than this.
const sessionIdleTTL = time.Hour

// Session is one assistant connection's state.
type Session struct {
	ID                string
	State             SessionState
	ProjectID         string
	ProjectName       string
	NegotiatedVersion string
	CreatedAt         time.Time
	LastActivity      time.Time

	// events carries server-to-client SSE frames for an attached stream.
	events chan []byte
}

// SessionSink mirrors session state for audit display; backed by
// internal/db's sessions table, nil-able in tests.
type SessionSink interface {
	UpsertSessionRecord(id, projectContext, state, protocolVersion string, createdAt, lastActivity time.Time)
	DeleteSessionRecord(id string)
}

// SessionTable owns every live session. All mutation is serialized under
// one mutex; per-session SSE delivery happens outside it.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	sink     SessionSink

	// Swappable for tests.
	nowFn func() time.Time
}

func NewSessionTable(sink SessionSink) *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*Session),
		sink:     sink,
		nowFn:    time.Now,
	}
}

// Create registers a new Initializing session with a random URL-safe id.
func (t *SessionTable) Create(protocolVersion string) *Session {
	id := newSessionID()
	now := t.nowFn()
	s := &Session{
		ID:                id,
		State:             StateInitializing,
		NegotiatedVersion: protocolVersion,
		CreatedAt:         now,
		LastActivity:      now,
		events:            make(chan []byte, 32),
	}
	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	metrics.ActiveSessions.Inc()
	t.mirror(s)
	return s
}

// Get returns the live session, touching its activity clock. Closed
// sessions do not resolve.
func (t *SessionTable) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || s.State == StateClosed {
		return nil, false
	}
	s.LastActivity = t.nowFn()
	return s, true
}

// SetProject attaches the resolved project context.
func (t *SessionTable) SetProject(id, projectID, projectName string) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		s.ProjectID = projectID
		s.ProjectName = projectName
	}
	t.mu.Unlock()
	if ok {
		t.mirror(s)
	}
}

// MarkReady transitions Initializing -> Ready.
func (t *SessionTable) MarkReady(id string) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok && s.State == StateInitializing {
		s.State = StateReady
		s.LastActivity = t.nowFn()
	} else {
		ok = false
	}
	t.mu.Unlock()
	if ok {
		t.mirror(s)
	}
	return ok
}

// Close transitions to Closed and detaches any SSE stream.
func (t *SessionTable) Close(id string) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok && s.State != StateClosed {
		s.State = StateClosed
		close(s.events)
		delete(t.sessions, id)
	} else {
		ok = false
	}
	t.mu.Unlock()
	if ok {
		metrics.ActiveSessions.Dec()
		if t.sink != nil {
			t.sink.DeleteSessionRecord(id)
		}
	}
	return ok
}

// Push delivers one SSE frame to the session's stream, dropping it when
// the stream's buffer is full (a stalled client must not wedge dispatch).
func (t *SessionTable) Push(id string, frame []byte) bool {
	// The non-blocking send happens under the table lock so it cannot
	// race Close's channel close.
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || s.State == StateClosed {
		return false
	}
	select {
	case s.events <- frame:
		return true
	default:
		log.Warn().Str("sessionID", id).Msg("session stream full, dropping frame")
		return false
	}
}

// Count returns the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Reap closes sessions idle past the TTL. Initializing sessions get the
// same treatment: an assistant that never completed the handshake is
// as dead as an idle one.
func (t *SessionTable) Reap() int {
	cutoff := t.nowFn().Add(-sessionIdleTTL)
	t.mu.Lock()
	var stale []string
	for id, s := range t.sessions {
		if s.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		log.Info().Str("sessionID", id).Msg("reaping idle session")
		t.Close(id)
	}
	return len(stale)
}

func (t *SessionTable) mirror(s *Session) {
	if t.sink == nil {
		return
	}
	t.sink.UpsertSessionRecord(s.ID, s.ProjectID, string(s.State), s.NegotiatedVersion, s.CreatedAt, s.LastActivity)
}

func newSessionID() string {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failure is unrecoverable for session identity.
		panic("gateway: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}
