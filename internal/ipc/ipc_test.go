package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/aggregator"
	"github.com/mantragw/mantra-gateway/internal/crypto"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/mantragw/mantra-gateway/internal/mcp"
	"github.com/mantragw/mantra-gateway/internal/process"
	"github.com/mantragw/mantra-gateway/internal/takeover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullDispatcher struct{}

func (nullDispatcher) Initialize(ctx context.Context, svc db.Service) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{ProtocolVersion: mcp.ProtocolVersion}, nil
}

func (nullDispatcher) Send(ctx context.Context, svc db.Service, req mcp.Request) (*mcp.Response, error) {
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}, nil
}

type testHarness struct {
	d    *Dispatcher
	home string
	db   *db.DB
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cm, err := crypto.NewCryptoManagerAt(t.TempDir())
	require.NoError(t, err)

	registry := adapters.NewRegistry()
	exec := takeover.NewExecutor(store, registry)
	home := t.TempDir()
	exec.SetHomeDir(func() (string, error) { return home, nil })

	d := NewDispatcher(Deps{
		DB:         store,
		Crypto:     cm,
		Registry:   registry,
		Executor:   exec,
		Aggregator: aggregator.New(nullDispatcher{}, nil),
		Procs:      process.NewManager(),
		Endpoint: func() takeover.GatewayEndpoint {
			return takeover.GatewayEndpoint{URL: "http://127.0.0.1:39600/mcp", Token: "T"}
		},
	})
	return &testHarness{d: d, home: home, db: store}
}

func (h *testHarness) call(t *testing.T, command string, payload interface{}) (json.RawMessage, *AppError) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	return h.d.Dispatch(context.Background(), command, raw)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	_, appErr := h.call(t, "no_such_command", nil)
	require.NotNil(t, appErr)
	assert.Equal(t, KindNotFound, appErr.Kind)
}

func TestEnvRoundTripAndMasking(t *testing.T) {
	h := newHarness(t)

	_, appErr := h.call(t, "env_set", map[string]string{
		"name": "API_TOKEN", "value": "sk-abcdefghijklmnop", "description": "test token"})
	require.Nil(t, appErr)

	raw, appErr := h.call(t, "env_get", map[string]string{"name": "API_TOKEN"})
	require.Nil(t, appErr)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "sk-abcdefghijklmnop", got["value"])

	raw, appErr = h.call(t, "env_list", nil)
	require.Nil(t, appErr)
	var list []EnvVariableView
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sk-****mnop", list[0].MaskedValue, "listing masks values")

	raw, appErr = h.call(t, "env_exists", map[string]string{"name": "API_TOKEN"})
	require.Nil(t, appErr)
	assert.JSONEq(t, `{"exists":true}`, string(raw))

	_, appErr = h.call(t, "env_delete", map[string]string{"name": "API_TOKEN"})
	require.Nil(t, appErr)

	raw, appErr = h.call(t, "env_exists", map[string]string{"name": "API_TOKEN"})
	require.Nil(t, appErr)
	assert.JSONEq(t, `{"exists":false}`, string(raw))

	_, appErr = h.call(t, "env_get", map[string]string{"name": "API_TOKEN"})
	require.NotNil(t, appErr)
	assert.Equal(t, KindNotFound, appErr.Kind)
}

func TestEnvSetRejectsBadName(t *testing.T) {
	h := newHarness(t)
	_, appErr := h.call(t, "env_set", map[string]string{"name": "lower-case", "value": "x"})
	require.NotNil(t, appErr)
	assert.Equal(t, KindInvalidInput, appErr.Kind)
}

func TestFullTakeoverCommandEndToEnd(t *testing.T) {
	h := newHarness(t)
	configPath := filepath.Join(h.home, ".claude.json")
	require.NoError(t, os.WriteFile(configPath,
		[]byte(`{"mcpServers":{"foo":{"command":"old"}}}`), 0o600))

	raw, appErr := h.call(t, "execute_full_tool_takeover", map[string]string{})
	require.Nil(t, appErr)
	var result takeover.Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Empty(t, result.Err)
	assert.Equal(t, 1, result.ConfigsRewritten)

	raw, appErr = h.call(t, "list_active_takeovers", nil)
	require.Nil(t, appErr)
	var active []db.TakeoverBackup
	require.NoError(t, json.Unmarshal(raw, &active))
	require.Len(t, active, 1)

	// Integrity listing reports the backup valid.
	raw, appErr = h.call(t, "list_active_takeovers_with_integrity", nil)
	require.Nil(t, appErr)
	var integrity []takeover.BackupIntegrity
	require.NoError(t, json.Unmarshal(raw, &integrity))
	require.Len(t, integrity, 1)
	assert.True(t, integrity[0].Valid)

	// The allow-listed read works for both sides of the backup pair.
	for _, path := range []string{active[0].OriginalPath, active[0].BackupPath} {
		raw, appErr = h.call(t, "read_config_file_content", map[string]string{"path": path})
		require.Nil(t, appErr, "path %s", path)
	}
	_, appErr = h.call(t, "read_config_file_content", map[string]string{"path": "/etc/passwd"})
	require.NotNil(t, appErr)
	assert.Equal(t, KindInvalidInput, appErr.Kind)

	// Restore brings the original bytes back.
	_, appErr = h.call(t, "restore_takeover", map[string]string{"backupId": active[0].ID})
	require.Nil(t, appErr)
	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers":{"foo":{"command":"old"}}}`, string(content))
}

func TestRestoreUnknownBackupIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, appErr := h.call(t, "restore_takeover", map[string]string{"backupId": "ghost"})
	require.NotNil(t, appErr)
	assert.Equal(t, KindNotFound, appErr.Kind)
}

func TestDetectInstalledToolsCommand(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.home, ".claude.json"),
		[]byte(`{"mcpServers":{}}`), 0o600))

	raw, appErr := h.call(t, "detect_installed_tools", map[string]string{})
	require.Nil(t, appErr)
	var tools []string
	require.NoError(t, json.Unmarshal(raw, &tools))
	assert.Equal(t, []string{"claude"}, tools)
}

func TestMcpListRunningServicesEmpty(t *testing.T) {
	h := newHarness(t)
	raw, appErr := h.call(t, "mcp_list_running_services", nil)
	require.Nil(t, appErr)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestCheckProjectMcpStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.home, ".claude.json"),
		[]byte(`{"mcpServers":{"foo":{"command":"c"}}}`), 0o600))

	raw, appErr := h.call(t, "check_project_mcp_status", map[string]string{})
	require.Nil(t, appErr)
	var statuses []struct {
		Path      string `json:"path"`
		AdapterID string `json:"adapterId"`
		Services  int    `json:"services"`
		TakenOver bool   `json:"takenOver"`
	}
	require.NoError(t, json.Unmarshal(raw, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "claude", statuses[0].AdapterID)
	assert.Equal(t, 1, statuses[0].Services)
	assert.False(t, statuses[0].TakenOver)

	_, appErr = h.call(t, "execute_full_tool_takeover", map[string]string{})
	require.Nil(t, appErr)

	raw, appErr = h.call(t, "check_project_mcp_status", map[string]string{})
	require.Nil(t, appErr)
	require.NoError(t, json.Unmarshal(raw, &statuses))
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].TakenOver)
}

func TestClassifyMapsKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{db.ErrNotFound, KindNotFound},
		{db.ErrDuplicateName, KindDuplicateName},
		{takeover.ErrBackupHashMismatch, KindBackupHashMismatch},
		{takeover.ErrBackupFileMissing, KindBackupFileMissing},
		{process.ErrTimeout, KindTimeout},
		{process.ErrProcessExited, KindProcessExited},
		{process.ErrServiceNotFound, KindServiceNotFound},
		{aggregator.ErrServiceNotFound, KindServiceNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, classify(tc.err).Kind, "error %v", tc.err)
	}
}

func TestFullCommandSurfaceRegistered(t *testing.T) {
	h := newHarness(t)
	names := h.d.Commands()
	assert.Greater(t, len(names), 30, "the full command surface is registered")
}

func TestServiceCRUDCommands(t *testing.T) {
	h := newHarness(t)

	raw, appErr := h.call(t, "service_create", map[string]interface{}{
		"name": "files", "transport": "stdio", "command": "file-server", "args": []string{"--root", "/tmp"},
	})
	require.Nil(t, appErr)
	var created map[string]string
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotEmpty(t, created["id"])

	// Duplicate names are rejected with the right kind.
	_, appErr = h.call(t, "service_create", map[string]interface{}{
		"name": "files", "transport": "stdio", "command": "other",
	})
	require.NotNil(t, appErr)
	assert.Equal(t, KindDuplicateName, appErr.Kind)

	// The reserved gateway name is refused outright.
	_, appErr = h.call(t, "service_create", map[string]interface{}{
		"name": "mantra-gateway", "transport": "http", "url": "http://x",
	})
	require.NotNil(t, appErr)
	assert.Equal(t, KindInvalidInput, appErr.Kind)

	raw, appErr = h.call(t, "service_list", nil)
	require.Nil(t, appErr)
	var services []db.Service
	require.NoError(t, json.Unmarshal(raw, &services))
	require.Len(t, services, 1)
	assert.Equal(t, db.SourceManual, services[0].Source)

	_, appErr = h.call(t, "service_update", map[string]interface{}{
		"id": created["id"], "transport": "stdio", "command": "file-server-v2",
	})
	require.Nil(t, appErr)
	svc, err := h.db.GetService(created["id"])
	require.NoError(t, err)
	assert.Equal(t, "file-server-v2", svc.Command)

	_, appErr = h.call(t, "service_set_enabled", map[string]interface{}{
		"serviceId": created["id"], "enabled": false,
	})
	require.Nil(t, appErr)
	svc, err = h.db.GetService(created["id"])
	require.NoError(t, err)
	assert.False(t, svc.Enabled)

	_, appErr = h.call(t, "service_delete", map[string]string{"serviceId": created["id"]})
	require.Nil(t, appErr)
	_, err = h.db.GetService(created["id"])
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestProjectCommands(t *testing.T) {
	h := newHarness(t)

	raw, appErr := h.call(t, "project_ensure", map[string]string{"cwd": h.home})
	require.Nil(t, appErr)
	var project db.Project
	require.NoError(t, json.Unmarshal(raw, &project))
	require.NotEmpty(t, project.ID)
	assert.Equal(t, db.PathLocal, project.PathType)

	raw, appErr = h.call(t, "service_create", map[string]interface{}{
		"name": "linked", "transport": "http", "url": "http://127.0.0.1:9",
	})
	require.Nil(t, appErr)
	var created map[string]string
	require.NoError(t, json.Unmarshal(raw, &created))

	_, appErr = h.call(t, "project_link_service", map[string]interface{}{
		"projectId": project.ID, "serviceId": created["id"],
		"configOverride": map[string]interface{}{"toolPolicy": "AllowAll"},
	})
	require.Nil(t, appErr)

	ids, err := h.db.ListServiceIDsForProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{created["id"]}, ids)

	_, appErr = h.call(t, "project_unlink_service", map[string]interface{}{
		"projectId": project.ID, "serviceId": created["id"],
	})
	require.Nil(t, appErr)
	ids, err = h.db.ListServiceIDsForProject(project.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	raw, appErr = h.call(t, "project_list", nil)
	require.Nil(t, appErr)
	var projects []db.Project
	require.NoError(t, json.Unmarshal(raw, &projects))
	assert.Len(t, projects, 1)
}
