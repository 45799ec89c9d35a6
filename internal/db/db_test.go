package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestCreateAndGetService(t *testing.T) {
	d := openTestDB(t)

	svc := Service{
		ID:        uuid.NewString(),
		Name:      "filesystem",
		Transport: TransportStdio,
		Command:   "npx",
		Args:      []string{"-y", "@modelcontextprotocol/server-filesystem"},
		Env:       map[string]string{"FOO": "bar"},
		Source:    SourceManual,
		Enabled:   true,
	}
	require.NoError(t, d.CreateService(svc))

	got, err := d.GetServiceByName("filesystem")
	require.NoError(t, err)
	assert.Equal(t, svc.Command, got.Command)
	assert.Equal(t, svc.Args, got.Args)
	assert.Equal(t, "bar", got.Env["FOO"])
	assert.True(t, got.Enabled)
}

func TestCreateServiceDuplicateName(t *testing.T) {
	d := openTestDB(t)
	svc := Service{ID: uuid.NewString(), Name: "dup", Transport: TransportHTTP, URL: "https://example.com"}
	require.NoError(t, d.CreateService(svc))

	svc2 := Service{ID: uuid.NewString(), Name: "dup", Transport: TransportHTTP, URL: "https://example.com/2"}
	err := d.CreateService(svc2)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateServiceRequiresCommandOrURL(t *testing.T) {
	d := openTestDB(t)
	err := d.CreateService(Service{ID: uuid.NewString(), Name: "bad-stdio", Transport: TransportStdio})
	assert.Error(t, err)

	err = d.CreateService(Service{ID: uuid.NewString(), Name: "bad-http", Transport: TransportHTTP})
	assert.Error(t, err)
}

func TestGetServiceNotFound(t *testing.T) {
	d := openTestDB(t)
	_, err := d.GetService("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToolPolicyRoundTrip(t *testing.T) {
	d := openTestDB(t)
	policy := CustomPolicy("read_file", "write_file")
	svc := Service{
		ID: uuid.NewString(), Name: "scoped", Transport: TransportHTTP, URL: "https://example.com",
		DefaultToolPolicy: &policy,
	}
	require.NoError(t, d.CreateService(svc))

	got, err := d.GetServiceByName("scoped")
	require.NoError(t, err)
	require.NotNil(t, got.DefaultToolPolicy)
	assert.True(t, got.DefaultToolPolicy.Allows("read_file"))
	assert.False(t, got.DefaultToolPolicy.Allows("delete_file"))
}

func TestProjectPathResolution(t *testing.T) {
	d := openTestDB(t)
	p := Project{ID: uuid.NewString(), Cwd: "/home/user/proj", Name: "proj", PathType: PathLocal, PathExists: true}
	require.NoError(t, d.CreateProject(p))
	require.NoError(t, d.AddProjectPath(ProjectPath{ID: uuid.NewString(), ProjectID: p.ID, Path: "/home/user/proj", IsPrimary: true}))

	found, matched, err := d.FindProjectByPath("/home/user/proj/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
	assert.Equal(t, "/home/user/proj", matched)

	_, _, err = d.FindProjectByPath("/unrelated/path")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectPathResolutionPrefersLongestMatch(t *testing.T) {
	d := openTestDB(t)
	outer := Project{ID: uuid.NewString(), Cwd: "/home/user", Name: "outer", PathType: PathLocal}
	inner := Project{ID: uuid.NewString(), Cwd: "/home/user/nested", Name: "inner", PathType: PathLocal}
	require.NoError(t, d.CreateProject(outer))
	require.NoError(t, d.CreateProject(inner))
	require.NoError(t, d.AddProjectPath(ProjectPath{ID: uuid.NewString(), ProjectID: outer.ID, Path: "/home/user", IsPrimary: true}))
	require.NoError(t, d.AddProjectPath(ProjectPath{ID: uuid.NewString(), ProjectID: inner.ID, Path: "/home/user/nested", IsPrimary: true}))

	found, matched, err := d.FindProjectByPath("/home/user/nested/file.go")
	require.NoError(t, err)
	assert.Equal(t, inner.ID, found.ID)
	assert.Equal(t, "/home/user/nested", matched)
}

func TestTakeoverBackupLifecycle(t *testing.T) {
	d := openTestDB(t)
	b, err := d.CreateBackup(TakeoverBackup{
		ToolType: "claude-code", Scope: ScopeUser, OriginalPath: "/home/user/.claude.json",
		BackupPath: "/home/user/.mantra-gateway/backups/1.json", ContentHash: "abc123", IsActive: true,
	})
	require.NoError(t, err)

	active, err := d.GetActiveTakeoverByOriginalPath("/home/user/.claude.json")
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)

	byTool, err := d.GetActiveTakeoverByTool("claude-code", ScopeUser, "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byTool.ID)

	require.NoError(t, d.DeactivateBackup(b.ID))
	_, err = d.GetActiveTakeoverByTool("claude-code", ScopeUser, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupOldBackupsKeepsActiveAndRecent(t *testing.T) {
	d := openTestDB(t)
	var ids []string
	for i := 0; i < 5; i++ {
		b, err := d.CreateBackup(TakeoverBackup{
			ToolType: "cursor", Scope: ScopeUser, OriginalPath: "/x", BackupPath: "/x.bak",
			ContentHash: "h", IsActive: i == 4, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	deleted, err := d.CleanupOldBackups("cursor", ScopeUser, "", 2)
	require.NoError(t, err)

	remaining, err := d.ListBackups("cursor", ScopeUser, "")
	require.NoError(t, err)
	assert.Len(t, remaining, 2) // the 2 newest, the active one among them
	assert.Len(t, deleted, 3)

	var remainingIDs []string
	for _, r := range remaining {
		remainingIDs = append(remainingIDs, r.ID)
	}
	assert.Contains(t, remainingIDs, ids[4]) // active backup always survives
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	d := openTestDB(t)
	svc := Service{ID: uuid.NewString(), Name: "oauth-svc", Transport: TransportHTTP, URL: "https://example.com"}
	require.NoError(t, d.CreateService(svc))

	expires := time.Now().Add(time.Hour).UTC()
	require.NoError(t, d.UpsertOAuthToken(OAuthToken{
		ServiceID: svc.ID, EncryptedAccessToken: "enc-access", EncryptedRefreshToken: "enc-refresh",
		TokenType: "Bearer", ExpiresAt: &expires, Scopes: []string{"read", "write"},
	}))

	got, err := d.GetOAuthToken(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc-access", got.EncryptedAccessToken)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	require.NotNil(t, got.ExpiresAt)

	require.NoError(t, d.DeleteOAuthToken(svc.ID))
	_, err = d.GetOAuthToken(svc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedServiceTools(t *testing.T) {
	d := openTestDB(t)
	tools := []mcp.Tool{{Name: "read_file", Description: "reads a file"}}
	require.NoError(t, d.CacheServiceTools("svc-1", tools))

	got, cachedAt, err := d.GetCachedServiceTools("svc-1")
	require.NoError(t, err)
	assert.Equal(t, tools, got)
	assert.WithinDuration(t, time.Now().UTC(), cachedAt, time.Minute)

	_, _, err = d.GetCachedServiceTools("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionsAreAuditOnly(t *testing.T) {
	d := openTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, d.UpsertSession(SessionRecord{ID: "s1", State: "Ready", CreatedAt: now, LastActivity: now}))

	sessions, err := d.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, d.ClearSessions())
	sessions, err = d.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEnvVariableRoundTrip(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.UpsertEnvVariable(EnvVariable{Name: "API_KEY", EncryptedValue: "enc", Description: "test key"}))

	got, err := d.GetEnvVariable("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "enc", got.EncryptedValue)

	require.NoError(t, d.UpsertEnvVariable(EnvVariable{Name: "API_KEY", EncryptedValue: "enc2"}))
	got, err = d.GetEnvVariable("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "enc2", got.EncryptedValue)

	require.NoError(t, d.DeleteEnvVariable("API_KEY"))
	_, err = d.GetEnvVariable("API_KEY")
	assert.ErrorIs(t, err, ErrNotFound)
}
