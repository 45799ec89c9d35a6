package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrPortInUse is returned when an explicitly configured port is taken;
// only the default port silently falls back to an OS-assigned one.
var ErrPortInUse = errors.New("gateway: configured port is already in use")

// BuildServer constructs a fresh Server for the manager on every (re)start
// so restarts pick up current aggregator/policy/strict-mode wiring.
type BuildServer func() *Server

// ServerManager owns the running listener and hands out the bound port to
// subscribers, who re-emit gateway injection when it changes.
type ServerManager struct {
	build BuildServer

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	current     *Server
	port        int
	subscribers []chan int
	group       *errgroup.Group
	cancel      context.CancelFunc
}

func NewServerManager(build BuildServer) *ServerManager {
	return &ServerManager{build: build}
}

// Start binds and serves. portExplicit selects the binding policy: an
// explicit busy port fails with an actionable error; the default busy
// port transparently falls back to an OS-assigned one.
func (m *ServerManager) Start(port int, portExplicit bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.port, errors.New("gateway: already running")
	}
	return m.startLocked(port, portExplicit)
}

func (m *ServerManager) startLocked(port int, portExplicit bool) (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if portExplicit {
			return 0, fmt.Errorf("%w: port %d — free it or configure a different MANTRA_GATEWAY_PORT", ErrPortInUse, port)
		}
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("gateway: bind fallback port: %w", err)
		}
		log.Warn().Int("requested", port).Int("bound", listener.Addr().(*net.TCPAddr).Port).
			Msg("default port taken, fell back to OS-assigned port")
	}

	srv := m.build()
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	m.server = httpServer
	m.listener = listener
	m.current = srv
	m.port = listener.Addr().(*net.TCPAddr).Port
	m.group = group
	m.cancel = cancel

	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		runSessionReaper(ctx, srv.Sessions())
		return nil
	})

	log.Info().Int("port", m.port).Msg("gateway listening")
	m.notifyLocked(m.port)
	return m.port, nil
}

func runSessionReaper(ctx context.Context, sessions *SessionTable) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Reap(); n > 0 {
				log.Info().Int("count", n).Msg("sessions reaped")
			}
		}
	}
}

// Stop gracefully shuts the server down, waiting for in-flight requests.
func (m *ServerManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	cancel := m.cancel
	group := m.group
	m.server = nil
	m.listener = nil
	m.current = nil
	m.group = nil
	m.cancel = nil
	m.port = 0
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	cancel()
	if waitErr := group.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	return err
}

// Restart stops the current server, rebuilds the router, and starts on
// newPort (0 keeps the previous port). Subscribers observe the new bound
// port.
func (m *ServerManager) Restart(ctx context.Context, newPort int, portExplicit bool) (int, error) {
	m.mu.Lock()
	previous := m.port
	m.mu.Unlock()

	if err := m.Stop(ctx); err != nil {
		return 0, fmt.Errorf("gateway: restart shutdown: %w", err)
	}
	if newPort == 0 {
		newPort = previous
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(newPort, portExplicit)
}

// Port returns the currently bound port, 0 when stopped.
func (m *ServerManager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// Subscribe returns a channel receiving every newly bound port. The
// current port, when running, is delivered immediately.
func (m *ServerManager) Subscribe() <-chan int {
	ch := make(chan int, 4)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	if m.listener != nil {
		ch <- m.port
	}
	m.mu.Unlock()
	return ch
}

func (m *ServerManager) notifyLocked(port int) {
	for _, ch := range m.subscribers {
		select {
		case ch <- port:
		default: // slow subscriber keeps only the freshest ports
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- port:
			default:
			}
		}
	}
}
