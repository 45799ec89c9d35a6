package policy

import (
	"testing"

	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	services  map[string]*db.Service
	overrides map[string]*db.ProjectServiceLink // keyed by projectID+"/"+serviceID
}

func (f *fakeStore) GetService(id string) (*db.Service, error) {
	s, ok := f.services[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetProjectServiceOverride(projectID, serviceID string) (*db.ProjectServiceLink, error) {
	l, ok := f.overrides[projectID+"/"+serviceID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return l, nil
}

func TestGetPolicySystemDefaultIsAllowAll(t *testing.T) {
	r := NewResolver(&fakeStore{services: map[string]*db.Service{
		"svc": {ID: "svc"},
	}})
	p := r.GetPolicy("", "svc")
	assert.Equal(t, db.PolicyAllowAll, p.Kind)
}

func TestGetPolicyServiceDefaultWins(t *testing.T) {
	custom := db.CustomPolicy("read_file")
	r := NewResolver(&fakeStore{services: map[string]*db.Service{
		"svc": {ID: "svc", DefaultToolPolicy: &custom},
	}})
	p := r.GetPolicy("", "svc")
	require.Equal(t, db.PolicyCustom, p.Kind)
	assert.True(t, Allows(p, "read_file"))
	assert.False(t, Allows(p, "write_file"))
}

func TestGetPolicyServiceDefaultInheritFallsThrough(t *testing.T) {
	inherit := db.InheritPolicy()
	r := NewResolver(&fakeStore{services: map[string]*db.Service{
		"svc": {ID: "svc", DefaultToolPolicy: &inherit},
	}})
	assert.Equal(t, db.PolicyAllowAll, r.GetPolicy("", "svc").Kind)
}

func TestGetPolicyProjectOverrideWinsOverServiceDefault(t *testing.T) {
	allowAll := db.AllowAllPolicy()
	store := &fakeStore{
		services: map[string]*db.Service{"svc": {ID: "svc", DefaultToolPolicy: &allowAll}},
		overrides: map[string]*db.ProjectServiceLink{
			"proj/svc": {ConfigOverride: map[string]interface{}{
				"toolPolicy": map[string]interface{}{
					"kind":         "Custom",
					"allowedTools": []interface{}{"read_file"},
				},
			}},
		},
	}
	r := NewResolver(store)

	p := r.GetPolicy("proj", "svc")
	require.Equal(t, db.PolicyCustom, p.Kind)
	assert.True(t, Allows(p, "read_file"))
	assert.False(t, Allows(p, "delete_file"))

	// Without a project context the override is skipped.
	assert.Equal(t, db.PolicyAllowAll, r.GetPolicy("", "svc").Kind)
}

func TestGetPolicyProjectOverrideInheritFallsThrough(t *testing.T) {
	custom := db.CustomPolicy("read_file")
	store := &fakeStore{
		services: map[string]*db.Service{"svc": {ID: "svc", DefaultToolPolicy: &custom}},
		overrides: map[string]*db.ProjectServiceLink{
			"proj/svc": {ConfigOverride: map[string]interface{}{"toolPolicy": "Inherit"}},
		},
	}
	p := NewResolver(store).GetPolicy("proj", "svc")
	assert.Equal(t, db.PolicyCustom, p.Kind)
}

func TestGetPoliciesBulk(t *testing.T) {
	custom := db.CustomPolicy("a")
	r := NewResolver(&fakeStore{services: map[string]*db.Service{
		"svc-1": {ID: "svc-1", DefaultToolPolicy: &custom},
		"svc-2": {ID: "svc-2"},
	}})
	got := r.GetPolicies("", []string{"svc-1", "svc-2"})
	require.Len(t, got, 2)
	assert.Equal(t, db.PolicyCustom, got["svc-1"].Kind)
	assert.Equal(t, db.PolicyAllowAll, got["svc-2"].Kind)
}

func TestAllowsWildcardPatterns(t *testing.T) {
	p := db.CustomPolicy("fs_*", "exact")
	assert.True(t, Allows(p, "fs_read"))
	assert.True(t, Allows(p, "exact"))
	assert.False(t, Allows(p, "net_fetch"))
}

func TestAllowsNonePlaceholderBlocksEverything(t *testing.T) {
	p := db.CustomPolicy("__none__")
	assert.False(t, Allows(p, "read_file"))
	assert.False(t, Allows(p, "__anything__"))
}
