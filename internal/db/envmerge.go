package db

import "errors"

// MergeEnvOverride deep-merges a per-project env override over a
// service's base env: override wins per key, base entries without an
// override survive untouched. Neither input map is mutated.
func MergeEnvOverride(base, override map[string]string) map[string]string {
	if len(override) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// EffectiveServiceEnv resolves the env map a service should be spawned
// with for a project context: the project link's config_override "env"
// object merged over the service's own env. An empty projectID, a
// missing link, or a link without an env override all yield the base env.
func (d *DB) EffectiveServiceEnv(projectID, serviceID string) (map[string]string, error) {
	svc, err := d.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return svc.Env, nil
	}
	link, err := d.GetProjectServiceOverride(projectID, serviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return svc.Env, nil
		}
		return nil, err
	}
	return MergeEnvOverride(svc.Env, envFromOverride(link.ConfigOverride)), nil
}

func envFromOverride(override map[string]interface{}) map[string]string {
	if override == nil {
		return nil
	}
	raw, ok := override["env"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
