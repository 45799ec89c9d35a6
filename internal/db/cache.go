package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mantragw/mantra-gateway/internal/mcp"
)

// CacheServiceTools persists the last-known tools/list result for a service
// so the aggregator can answer list_tools while a backend is restarting or
// between the periodic revalidation sweep (internal/aggregator).
func (d *DB) CacheServiceTools(serviceID string, tools []mcp.Tool) error {
	payload, err := json.Marshal(tools)
	if err != nil {
		return err
	}
	_, err = d.conn.Exec(`INSERT INTO cached_tools (service_id, tools, cached_at) VALUES (?,?,?)
		ON CONFLICT(service_id) DO UPDATE SET tools=excluded.tools, cached_at=excluded.cached_at`,
		serviceID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetCachedServiceTools(serviceID string) ([]mcp.Tool, time.Time, error) {
	var payload, cachedAt string
	err := d.conn.QueryRow(`SELECT tools, cached_at FROM cached_tools WHERE service_id = ?`, serviceID).
		Scan(&payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	var tools []mcp.Tool
	if err := json.Unmarshal([]byte(payload), &tools); err != nil {
		return nil, time.Time{}, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, cachedAt)
	return tools, ts, nil
}

func (d *DB) CacheServiceResources(serviceID string, resources []mcp.Resource) error {
	payload, err := json.Marshal(resources)
	if err != nil {
		return err
	}
	_, err = d.conn.Exec(`INSERT INTO cached_resources (service_id, resources, cached_at) VALUES (?,?,?)
		ON CONFLICT(service_id) DO UPDATE SET resources=excluded.resources, cached_at=excluded.cached_at`,
		serviceID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetCachedServiceResources(serviceID string) ([]mcp.Resource, time.Time, error) {
	var payload, cachedAt string
	err := d.conn.QueryRow(`SELECT resources, cached_at FROM cached_resources WHERE service_id = ?`, serviceID).
		Scan(&payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	var resources []mcp.Resource
	if err := json.Unmarshal([]byte(payload), &resources); err != nil {
		return nil, time.Time{}, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, cachedAt)
	return resources, ts, nil
}

func (d *DB) CacheServicePrompts(serviceID string, prompts []mcp.Prompt) error {
	payload, err := json.Marshal(prompts)
	if err != nil {
		return err
	}
	_, err = d.conn.Exec(`INSERT INTO cached_prompts (service_id, prompts, cached_at) VALUES (?,?,?)
		ON CONFLICT(service_id) DO UPDATE SET prompts=excluded.prompts, cached_at=excluded.cached_at`,
		serviceID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetCachedServicePrompts(serviceID string) ([]mcp.Prompt, time.Time, error) {
	var payload, cachedAt string
	err := d.conn.QueryRow(`SELECT prompts, cached_at FROM cached_prompts WHERE service_id = ?`, serviceID).
		Scan(&payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	var prompts []mcp.Prompt
	if err := json.Unmarshal([]byte(payload), &prompts); err != nil {
		return nil, time.Time{}, err
	}
	ts, _ := time.Parse(time.RFC3339Nano, cachedAt)
	return prompts, ts, nil
}
