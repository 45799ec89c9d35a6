package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("db: not found")
var ErrDuplicateName = errors.New("db: duplicate name")

const reservedGatewayServiceName = "mantra-gateway"

// ReservedGatewayServiceName is the constant the scanners must skip.
func ReservedGatewayServiceName() string { return reservedGatewayServiceName }

func (d *DB) CreateService(s Service) error {
	if s.Transport == TransportStdio && s.Command == "" {
		return fmt.Errorf("db: stdio service %q requires a command", s.Name)
	}
	if s.Transport == TransportHTTP && s.URL == "" {
		return fmt.Errorf("db: http service %q requires a url", s.Name)
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	args, _ := json.Marshal(s.Args)
	env, _ := json.Marshal(s.Env)
	headers, _ := json.Marshal(s.Headers)
	var policyJSON []byte
	if s.DefaultToolPolicy != nil {
		policyJSON, _ = json.Marshal(s.DefaultToolPolicy)
	}

	_, err := d.conn.Exec(`INSERT INTO mcp_services
		(id, name, transport, command, args, env, url, headers, source, source_adapter_id, source_scope, source_file, enabled, default_tool_policy, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.Transport, s.Command, string(args), string(env), s.URL, string(headers),
		s.Source, s.SourceAdapterID, s.SourceScope, s.SourceFile, boolToInt(s.Enabled), nullString(string(policyJSON)),
		s.CreatedAt.Format(time.RFC3339Nano), s.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil && isUniqueConstraint(err) {
		return ErrDuplicateName
	}
	return err
}

func (d *DB) GetServiceByName(name string) (*Service, error) {
	row := d.conn.QueryRow(`SELECT id, name, transport, command, args, env, url, headers, source,
		source_adapter_id, source_scope, source_file, enabled, default_tool_policy, created_at, updated_at
		FROM mcp_services WHERE name = ?`, name)
	return scanService(row)
}

func (d *DB) GetService(id string) (*Service, error) {
	row := d.conn.QueryRow(`SELECT id, name, transport, command, args, env, url, headers, source,
		source_adapter_id, source_scope, source_file, enabled, default_tool_policy, created_at, updated_at
		FROM mcp_services WHERE id = ?`, id)
	return scanService(row)
}

func (d *DB) ListServices() ([]Service, error) {
	rows, err := d.conn.Query(`SELECT id, name, transport, command, args, env, url, headers, source,
		source_adapter_id, source_scope, source_file, enabled, default_tool_policy, created_at, updated_at
		FROM mcp_services ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanServiceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateService(s Service) error {
	if s.Transport == TransportStdio && s.Command == "" {
		return fmt.Errorf("db: stdio service %q requires a command", s.Name)
	}
	if s.Transport == TransportHTTP && s.URL == "" {
		return fmt.Errorf("db: http service %q requires a url", s.Name)
	}
	s.UpdatedAt = time.Now().UTC()

	args, _ := json.Marshal(s.Args)
	env, _ := json.Marshal(s.Env)
	headers, _ := json.Marshal(s.Headers)
	var policyJSON []byte
	if s.DefaultToolPolicy != nil {
		policyJSON, _ = json.Marshal(s.DefaultToolPolicy)
	}

	res, err := d.conn.Exec(`UPDATE mcp_services SET
		name=?, transport=?, command=?, args=?, env=?, url=?, headers=?,
		enabled=?, default_tool_policy=?, updated_at=? WHERE id=?`,
		s.Name, s.Transport, s.Command, string(args), string(env), s.URL, string(headers),
		boolToInt(s.Enabled), nullString(string(policyJSON)),
		s.UpdatedAt.Format(time.RFC3339Nano), s.ID)
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrDuplicateName
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) SetServiceEnabled(id string, enabled bool) error {
	res, err := d.conn.Exec(`UPDATE mcp_services SET enabled=?, updated_at=? WHERE id=?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) DeleteService(id string) error {
	_, err := d.conn.Exec(`DELETE FROM mcp_services WHERE id = ?`, id)
	return err
}

func (d *DB) LinkServiceToProject(link ProjectServiceLink) error {
	override, _ := json.Marshal(link.ConfigOverride)
	_, err := d.conn.Exec(`INSERT OR REPLACE INTO project_mcp_services
		(project_id, service_id, config_override, detected_adapter_id) VALUES (?,?,?,?)`,
		link.ProjectID, link.ServiceID, string(override), link.DetectedAdapterID)
	return err
}

func (d *DB) UnlinkServiceFromProject(projectID, serviceID string) error {
	_, err := d.conn.Exec(`DELETE FROM project_mcp_services WHERE project_id = ? AND service_id = ?`,
		projectID, serviceID)
	return err
}

func (d *DB) ListServiceIDsForProject(projectID string) ([]string, error) {
	rows, err := d.conn.Query(`SELECT service_id FROM project_mcp_services WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *DB) GetProjectServiceOverride(projectID, serviceID string) (*ProjectServiceLink, error) {
	var overrideJSON sql.NullString
	var adapterID sql.NullString
	err := d.conn.QueryRow(`SELECT config_override, detected_adapter_id FROM project_mcp_services
		WHERE project_id = ? AND service_id = ?`, projectID, serviceID).Scan(&overrideJSON, &adapterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	link := &ProjectServiceLink{ProjectID: projectID, ServiceID: serviceID, DetectedAdapterID: adapterID.String}
	if overrideJSON.Valid && overrideJSON.String != "" {
		_ = json.Unmarshal([]byte(overrideJSON.String), &link.ConfigOverride)
	}
	return link, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row *sql.Row) (*Service, error) {
	s, err := scanServiceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func scanServiceRow(row rowScanner) (*Service, error) {
	var s Service
	var argsJSON, envJSON, headersJSON string
	var policyJSON sql.NullString
	var enabledInt int
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.Name, &s.Transport, &s.Command, &argsJSON, &envJSON, &s.URL, &headersJSON,
		&s.Source, &s.SourceAdapterID, &s.SourceScope, &s.SourceFile, &enabledInt, &policyJSON,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Enabled = enabledInt != 0
	_ = json.Unmarshal([]byte(argsJSON), &s.Args)
	_ = json.Unmarshal([]byte(envJSON), &s.Env)
	_ = json.Unmarshal([]byte(headersJSON), &s.Headers)
	if policyJSON.Valid && policyJSON.String != "" {
		var p ToolPolicy
		if err := json.Unmarshal([]byte(policyJSON.String), &p); err == nil {
			s.DefaultToolPolicy = &p
		}
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
