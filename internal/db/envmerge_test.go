package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeEnvOverride(t *testing.T) {
	base := map[string]string{"A": "base-a", "B": "base-b"}
	override := map[string]string{"B": "override-b", "C": "override-c"}

	merged := MergeEnvOverride(base, override)
	assert.Equal(t, map[string]string{"A": "base-a", "B": "override-b", "C": "override-c"}, merged)

	// Inputs untouched.
	assert.Equal(t, "base-b", base["B"])
	assert.Len(t, override, 2)

	// No override returns base as-is.
	assert.Equal(t, base, MergeEnvOverride(base, nil))
}

func TestEffectiveServiceEnv(t *testing.T) {
	d := openTestDB(t)

	svc := Service{
		ID: "svc-1", Name: "svc", Transport: TransportStdio, Command: "run",
		Env: map[string]string{"TOKEN": "$SHARED", "MODE": "base"}, Enabled: true,
	}
	require.NoError(t, d.CreateService(svc))
	require.NoError(t, d.CreateProject(Project{ID: "p1", Cwd: "/p", Name: "p", PathType: PathLocal}))
	require.NoError(t, d.LinkServiceToProject(ProjectServiceLink{
		ProjectID: "p1", ServiceID: "svc-1",
		ConfigOverride: map[string]interface{}{
			"env": map[string]interface{}{"MODE": "project", "EXTRA": "added"},
		},
	}))

	env, err := d.EffectiveServiceEnv("p1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "$SHARED", "MODE": "project", "EXTRA": "added"}, env)

	// No project context: base env only.
	env, err = d.EffectiveServiceEnv("", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "$SHARED", "MODE": "base"}, env)

	// Linked project without an env override: base env only.
	require.NoError(t, d.CreateProject(Project{ID: "p2", Cwd: "/q", Name: "q", PathType: PathLocal}))
	require.NoError(t, d.LinkServiceToProject(ProjectServiceLink{ProjectID: "p2", ServiceID: "svc-1"}))
	env, err = d.EffectiveServiceEnv("p2", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "$SHARED", "MODE": "base"}, env)

	// Unlinked project falls back to base env rather than erroring.
	require.NoError(t, d.CreateProject(Project{ID: "p3", Cwd: "/r", Name: "r", PathType: PathLocal}))
	env, err = d.EffectiveServiceEnv("p3", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "$SHARED", "MODE": "base"}, env)
}

func TestEnsureProjectForCwd(t *testing.T) {
	d := openTestDB(t)
	dir := t.TempDir()

	p, err := d.EnsureProjectForCwd(dir + "/")
	require.NoError(t, err)
	assert.Equal(t, dir, p.Cwd)
	assert.Equal(t, PathLocal, p.PathType)
	assert.True(t, p.PathExists)

	// Same cwd resolves to the same project.
	again, err := d.EnsureProjectForCwd(dir)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	// A subdirectory maps to the existing claim via longest prefix.
	sub, err := d.EnsureProjectForCwd(dir + "/src/deep")
	require.NoError(t, err)
	assert.Equal(t, p.ID, sub.ID)

	// Virtual cwds materialize without touching the filesystem.
	v, err := d.EnsureProjectForCwd("gemini-project:abc123")
	require.NoError(t, err)
	assert.Equal(t, PathVirtual, v.PathType)
	assert.False(t, v.PathExists)
	assert.Equal(t, "abc123", v.Name)

	paths, err := d.ListProjectPaths(p.ID)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.True(t, paths[0].IsPrimary)
}
