// Package process spawns and supervises stdio MCP backends. Each
// child gets exactly one I/O loop goroutine; requests are framed as
// newline-delimited JSON-RPC on stdin and matched to responses by id, so
// per-child ordering falls out of the single loop plus the pending map.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrTimeout         = errors.New("process: request timed out")
	ErrProcessExited   = errors.New("process: child exited")
	ErrServiceNotFound = errors.New("process: no running child for service")
)

const (
	// DefaultRequestTimeout bounds one JSON-RPC round trip.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultIdleTimeout is how long a child may sit without traffic
	// before the reaper kills it.
	DefaultIdleTimeout = 5 * time.Minute
	// spawnGrace gives network-dependent backends (mcp-remote and
	// friends) time to come up before the first request.
	spawnGrace = 500 * time.Millisecond

	// maxLineBytes caps a single stdout frame; tool results can carry
	// whole files.
	maxLineBytes = 16 * 1024 * 1024
)

// EnvLookup resolves a gateway-managed environment variable to its
// plaintext value. Implemented over db + crypto by the composition root.
type EnvLookup func(name string) (string, bool)

// Manager owns the child process table.
type Manager struct {
	requestTimeout time.Duration
	idleTimeout    time.Duration

	mu       sync.RWMutex
	children map[string]*child

	spawn singleflight.Group

	// Swappable for tests.
	graceFn func()
}

func NewManager() *Manager {
	return &Manager{
		requestTimeout: DefaultRequestTimeout,
		idleTimeout:    DefaultIdleTimeout,
		children:       make(map[string]*child),
		graceFn:        func() { time.Sleep(spawnGrace) },
	}
}

// SetRequestTimeout tunes the per-request deadline.
func (m *Manager) SetRequestTimeout(d time.Duration) { m.requestTimeout = d }

// SetIdleTimeout tunes the reaper threshold.
func (m *Manager) SetIdleTimeout(d time.Duration) { m.idleTimeout = d }

type child struct {
	serviceID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	writeMu sync.Mutex // serializes stdin frames

	pendingMu sync.Mutex
	pending   map[string]chan *mcp.Response

	activityMu   sync.Mutex
	lastActivity time.Time

	done chan struct{} // closed when the I/O loop exits
}

func (c *child) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *child) idleSince() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

// GetOrSpawn returns the running child for svc, spawning one if needed.
// Concurrent callers for the same service share a single spawn via
// singleflight. Env values go through ResolveEnvReferences with lookup
// before reaching the child.
func (m *Manager) GetOrSpawn(ctx context.Context, svc db.Service, lookup EnvLookup) error {
	if svc.Transport != db.TransportStdio {
		return fmt.Errorf("process: service %q is not stdio", svc.Name)
	}
	if svc.Command == "" {
		return fmt.Errorf("process: service %q has no command", svc.Name)
	}

	m.mu.RLock()
	_, running := m.children[svc.ID]
	m.mu.RUnlock()
	if running {
		return nil
	}

	_, err, _ := m.spawn.Do(svc.ID, func() (interface{}, error) {
		m.mu.RLock()
		_, running := m.children[svc.ID]
		m.mu.RUnlock()
		if running {
			return nil, nil
		}
		return nil, m.spawnChild(svc, lookup)
	})
	return err
}

func (m *Manager) spawnChild(svc db.Service, lookup EnvLookup) error {
	cmd := exec.Command(svc.Command, svc.Args...)
	cmd.Env = buildChildEnv(svc.Env, lookup)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("process: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: spawn %q: %w", svc.Command, err)
	}

	c := &child{
		serviceID: svc.ID,
		cmd:       cmd,
		stdin:     stdin,
		pending:   make(map[string]chan *mcp.Response),
		done:      make(chan struct{}),
	}
	c.touch()

	m.mu.Lock()
	m.children[svc.ID] = c
	m.mu.Unlock()
	metrics.RunningProcesses.Inc()

	go m.ioLoop(c, stdout)
	go drainStderr(svc.Name, stderr)

	log.Info().Str("service", svc.Name).Str("command", svc.Command).Int("pid", cmd.Process.Pid).
		Msg("spawned stdio backend")

	m.graceFn()
	return nil
}

// ioLoop is the single reader for one child's stdout. Responses complete
// their pending entry; frames with an unknown or absent id are server
// notifications, currently dropped.
func (m *Manager) ioLoop(c *child, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp mcp.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().Str("serviceID", c.serviceID).Msg("dropping unparseable stdout frame")
			continue
		}
		c.touch()
		if resp.ID == nil {
			continue // notification
		}
		key := idKey(resp.ID)
		c.pendingMu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// EOF or read error: the child is gone. Fail everything in flight.
	c.pendingMu.Lock()
	for key, ch := range c.pending {
		delete(c.pending, key)
		close(ch)
	}
	c.pendingMu.Unlock()
	close(c.done)

	_ = c.cmd.Wait()
	m.evict(c.serviceID, c)
	log.Info().Str("serviceID", c.serviceID).Msg("stdio backend exited")
}

func drainStderr(serviceName string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		log.Debug().Str("service", serviceName).Str("stderr", scanner.Text()).Msg("backend stderr")
	}
}

// evict removes c from the table if it is still the registered child for
// the service id (a replacement may already have been spawned).
func (m *Manager) evict(serviceID string, c *child) {
	m.mu.Lock()
	if current, ok := m.children[serviceID]; ok && current == c {
		delete(m.children, serviceID)
		metrics.RunningProcesses.Dec()
	}
	m.mu.Unlock()
}

// SendRequest writes one JSON-RPC request to the service's child and waits
// for the response with the matching id.
func (m *Manager) SendRequest(ctx context.Context, serviceID string, req mcp.Request) (*mcp.Response, error) {
	m.mu.RLock()
	c, ok := m.children[serviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrServiceNotFound
	}
	if req.ID == nil {
		return nil, errors.New("process: request requires an id")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	key := idKey(req.ID)
	reply := make(chan *mcp.Response, 1)
	c.pendingMu.Lock()
	c.pending[key] = reply
	c.pendingMu.Unlock()

	unregister := func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}

	c.writeMu.Lock()
	_, err = c.stdin.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		unregister()
		return nil, fmt.Errorf("%w: write: %v", ErrProcessExited, err)
	}
	c.touch()

	start := time.Now()
	timer := time.NewTimer(m.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			metrics.BackendRequestDuration.WithLabelValues("stdio", "exited").Observe(time.Since(start).Seconds())
			return nil, ErrProcessExited
		}
		metrics.BackendRequestDuration.WithLabelValues("stdio", "ok").Observe(time.Since(start).Seconds())
		return resp, nil
	case <-timer.C:
		unregister()
		metrics.BackendRequestDuration.WithLabelValues("stdio", "timeout").Observe(time.Since(start).Seconds())
		return nil, ErrTimeout
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	case <-c.done:
		metrics.BackendRequestDuration.WithLabelValues("stdio", "exited").Observe(time.Since(start).Seconds())
		return nil, ErrProcessExited
	}
}

// SendNotification writes a fire-and-forget JSON-RPC notification.
func (m *Manager) SendNotification(serviceID string, method string, params interface{}) error {
	m.mu.RLock()
	c, ok := m.children[serviceID]
	m.mu.RUnlock()
	if !ok {
		return ErrServiceNotFound
	}
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawParams = b
	}
	payload, err := json.Marshal(mcp.Request{JSONRPC: "2.0", Method: method, Params: rawParams})
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write: %v", ErrProcessExited, err)
	}
	c.touch()
	return nil
}

// Stop kills the child for serviceID, if any. Pending requests fail with
// ErrProcessExited through the I/O loop teardown.
func (m *Manager) Stop(serviceID string) error {
	m.mu.RLock()
	c, ok := m.children[serviceID]
	m.mu.RUnlock()
	if !ok {
		return ErrServiceNotFound
	}
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return nil
}

// StopAll kills every child, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.children))
	for id := range m.children {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// Running reports whether a child is alive for serviceID.
func (m *Manager) Running(serviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.children[serviceID]
	return ok
}

// ListRunning returns the service ids with live children.
func (m *Manager) ListRunning() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.children))
	for id := range m.children {
		out = append(out, id)
	}
	return out
}

// RunReaper kills children idle past the idle timeout until ctx is
// cancelled. Sweep cadence is a quarter of the timeout.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.RLock()
			var stale []string
			for id, c := range m.children {
				if now.Sub(c.idleSince()) > m.idleTimeout {
					stale = append(stale, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range stale {
				log.Info().Str("serviceID", id).Msg("reaping idle stdio backend")
				_ = m.Stop(id)
			}
		}
	}
}

// idKey normalizes a JSON-RPC id for map lookup; ids may arrive as
// numbers or strings and json decodes numbers as float64.
func idKey(id interface{}) string {
	return fmt.Sprintf("%v", id)
}
