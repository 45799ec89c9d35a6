package process

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoService uses cat(1) as a stdio backend: every request line comes
// straight back with its id intact, which is exactly what the pending-map
// pairing needs.
func echoService(id string) db.Service {
	return db.Service{ID: id, Name: id, Transport: db.TransportStdio, Command: "cat"}
}

func newTestManager() *Manager {
	m := NewManager()
	m.graceFn = func() {} // no spawn grace in tests
	return m
}

func TestGetOrSpawnAndEcho(t *testing.T) {
	m := newTestManager()
	defer m.StopAll()
	ctx := context.Background()

	require.NoError(t, m.GetOrSpawn(ctx, echoService("svc"), nil))
	require.True(t, m.Running("svc"))

	resp, err := m.SendRequest(ctx, "svc", mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), resp.ID)
}

func TestGetOrSpawnIdempotent(t *testing.T) {
	m := newTestManager()
	defer m.StopAll()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.GetOrSpawn(ctx, echoService("svc"), nil))
		}()
	}
	wg.Wait()
	assert.Len(t, m.ListRunning(), 1)
}

func TestConcurrentRequestsPairById(t *testing.T) {
	m := newTestManager()
	defer m.StopAll()
	ctx := context.Background()
	require.NoError(t, m.GetOrSpawn(ctx, echoService("svc"), nil))

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]interface{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := m.SendRequest(ctx, "svc", mcp.Request{JSONRPC: "2.0", ID: i, Method: "ping"})
			errs[i] = err
			if err == nil {
				ids[i] = resp.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "request %d", i)
		assert.Equal(t, float64(i), ids[i], "request %d got a cross-delivered response", i)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	m := newTestManager()
	m.SetRequestTimeout(100 * time.Millisecond)
	defer m.StopAll()
	ctx := context.Background()

	// sleep never answers on stdout.
	svc := db.Service{ID: "mute", Name: "mute", Transport: db.TransportStdio, Command: "sleep", Args: []string{"60"}}
	require.NoError(t, m.GetOrSpawn(ctx, svc, nil))

	_, err := m.SendRequest(ctx, "mute", mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendRequestAfterExitFails(t *testing.T) {
	m := newTestManager()
	defer m.StopAll()
	ctx := context.Background()
	require.NoError(t, m.GetOrSpawn(ctx, echoService("svc"), nil))
	require.NoError(t, m.Stop("svc"))

	// Allow the I/O loop to notice EOF and evict.
	require.Eventually(t, func() bool { return !m.Running("svc") }, 3*time.Second, 10*time.Millisecond)

	_, err := m.SendRequest(ctx, "svc", mcp.Request{JSONRPC: "2.0", ID: 2, Method: "ping"})
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestUnknownServiceErrors(t *testing.T) {
	m := newTestManager()
	_, err := m.SendRequest(context.Background(), "ghost", mcp.Request{JSONRPC: "2.0", ID: 1, Method: "ping"})
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.ErrorIs(t, m.SendNotification("ghost", "notifications/initialized", nil), ErrServiceNotFound)
}

func TestIdleReaperKillsQuietChildren(t *testing.T) {
	m := newTestManager()
	m.SetIdleTimeout(150 * time.Millisecond)
	defer m.StopAll()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.GetOrSpawn(ctx, echoService("svc"), nil))
	go m.RunReaper(ctx)

	require.Eventually(t, func() bool { return !m.Running("svc") }, 5*time.Second, 50*time.Millisecond)
}

func TestResolveEnvReferences(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "API_KEY" {
			return "secret123", true
		}
		return "", false
	}

	cases := []struct {
		in   string
		want string
	}{
		{"$API_KEY", "secret123"},
		{"${API_KEY}", "secret123"},
		{"prefix-${API_KEY}-suffix", "prefix-secret123-suffix"},
		{"$UNDEFINED", "$UNDEFINED"},
		{"${UNDEFINED}", "${UNDEFINED}"},
		{"no refs here", "no refs here"},
		{"$API_KEY and $UNDEFINED", "secret123 and $UNDEFINED"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveEnvReferences(tc.in, lookup), "input %q", tc.in)
	}
}

func TestResolveEnvReferencesNilLookup(t *testing.T) {
	assert.Equal(t, "$FOO", ResolveEnvReferences("$FOO", nil))
}

func TestBuildChildEnvServiceWins(t *testing.T) {
	t.Setenv("MANTRA_TEST_INHERITED", "from-parent")
	env := buildChildEnv(map[string]string{
		"MANTRA_TEST_INHERITED": "overridden",
		"WITH_REF":              "${TOKEN}",
	}, func(name string) (string, bool) {
		if name == "TOKEN" {
			return "tok", true
		}
		return "", false
	})

	byKey := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				byKey[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "overridden", byKey["MANTRA_TEST_INHERITED"])
	assert.Equal(t, "tok", byKey["WITH_REF"])
}

func TestIdKeyNormalizesNumericForms(t *testing.T) {
	// Server echoes back float64 for a request sent with int id.
	assert.Equal(t, idKey(7), fmt.Sprintf("%v", 7))
	assert.Equal(t, idKey(float64(7)), "7")
	assert.Equal(t, idKey(7), idKey(float64(7)))
}
