// Package db is the embedded relational store: services, environment
// variables, projects, project/service links, takeover backups, OAuth
// tokens, and capability caches. modernc.org/sqlite is a pure-Go driver, so
// the gateway never needs cgo to ship a single static binary.
//
// The sqlite connection is not safe to share across goroutines the way the
// gateway's async handlers assume; callers that run off the main gateway
// goroutine should go through internal/router's channel bridge rather than
// holding a *DB reference directly on a hot path (see internal/router).
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS mcp_services (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	transport TEXT NOT NULL,
	command TEXT,
	args TEXT,
	env TEXT,
	url TEXT,
	headers TEXT,
	source TEXT NOT NULL DEFAULT 'Manual',
	source_adapter_id TEXT,
	source_scope TEXT,
	source_file TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	default_tool_policy TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS env_variables (
	name TEXT PRIMARY KEY,
	encrypted_value TEXT NOT NULL,
	description TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	cwd TEXT NOT NULL,
	name TEXT NOT NULL,
	path_type TEXT NOT NULL,
	path_exists INTEGER NOT NULL DEFAULT 0,
	git_remote_url TEXT,
	last_activity TEXT,
	is_empty INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS project_paths (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	is_primary INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_project_paths_path ON project_paths(path);

CREATE TABLE IF NOT EXISTS project_mcp_services (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	service_id TEXT NOT NULL REFERENCES mcp_services(id) ON DELETE CASCADE,
	config_override TEXT,
	detected_adapter_id TEXT,
	PRIMARY KEY (project_id, service_id)
);

CREATE TABLE IF NOT EXISTS takeover_backups (
	id TEXT PRIMARY KEY,
	tool_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	project_path TEXT,
	original_path TEXT NOT NULL,
	backup_path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_takeover_original_path ON takeover_backups(original_path);
CREATE INDEX IF NOT EXISTS idx_takeover_tool_scope ON takeover_backups(tool_type, scope, project_path);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	service_id TEXT PRIMARY KEY REFERENCES mcp_services(id) ON DELETE CASCADE,
	access_token TEXT NOT NULL,
	refresh_token TEXT,
	token_type TEXT NOT NULL,
	expires_at TEXT,
	scopes TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_tools (
	service_id TEXT NOT NULL REFERENCES mcp_services(id) ON DELETE CASCADE,
	tools TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	PRIMARY KEY (service_id)
);

CREATE TABLE IF NOT EXISTS cached_resources (
	service_id TEXT NOT NULL REFERENCES mcp_services(id) ON DELETE CASCADE,
	resources TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	PRIMARY KEY (service_id)
);

CREATE TABLE IF NOT EXISTS cached_prompts (
	service_id TEXT NOT NULL REFERENCES mcp_services(id) ON DELETE CASCADE,
	prompts TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	PRIMARY KEY (service_id)
);

-- Session listing for the inspector. The session machine itself
-- (internal/gateway) stays in-memory; this table is read-mostly, written
-- for display/audit, and always starts empty after a restart.
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_context TEXT,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL,
	state TEXT NOT NULL,
	negotiated_protocol_version TEXT
);
`

// DB owns the single sqlite connection. Exactly one goroutine should drive
// it directly; everything else submits requests through internal/router.
type DB struct {
	conn *sql.DB
}

// Open opens (and migrates) the sqlite database at path. An empty path
// opens an in-memory database, used by tests.
func Open(path string) (*DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite connections are not safe to fan out under write load
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: enable foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: migrate schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Conn exposes the raw *sql.DB for call sites (repositories in this
// package) that need to run SQL directly.
func (d *DB) Conn() *sql.DB { return d.conn }
