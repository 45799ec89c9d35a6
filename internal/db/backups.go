package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateBackup inserts a new backup row and marks it active. Callers are
// expected to have already deactivated any prior active backup for the same
// (tool_type, scope, project_path) via GetActiveTakeoverByTool.
func (d *DB) CreateBackup(b TakeoverBackup) (TakeoverBackup, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := d.conn.Exec(`INSERT INTO takeover_backups
		(id, tool_type, scope, project_path, original_path, backup_path, content_hash, is_active, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ToolType, b.Scope, nullString(b.ProjectPath), b.OriginalPath, b.BackupPath,
		b.ContentHash, boolToInt(b.IsActive), b.CreatedAt.Format(time.RFC3339Nano))
	return b, err
}

// GetActiveTakeoverByOriginalPath finds the active backup, if any, recorded
// for a given original config file path. Used before overwriting a config
// file to confirm the gateway already owns the takeover (idempotent reapply).
func (d *DB) GetActiveTakeoverByOriginalPath(originalPath string) (*TakeoverBackup, error) {
	row := d.conn.QueryRow(`SELECT id, tool_type, scope, project_path, original_path, backup_path,
		content_hash, is_active, created_at FROM takeover_backups
		WHERE original_path = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1`, originalPath)
	return scanBackup(row)
}

// GetActiveTakeoverByTool finds the active backup for a (tool, scope,
// project_path) triple, used to detect an existing takeover before creating
// a new one and to drive restore.
func (d *DB) GetActiveTakeoverByTool(toolType string, scope ConfigScope, projectPath string) (*TakeoverBackup, error) {
	row := d.conn.QueryRow(`SELECT id, tool_type, scope, project_path, original_path, backup_path,
		content_hash, is_active, created_at FROM takeover_backups
		WHERE tool_type = ? AND scope = ? AND project_path IS ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1`, toolType, scope, nullString(projectPath))
	return scanBackup(row)
}

func (d *DB) GetBackup(id string) (*TakeoverBackup, error) {
	row := d.conn.QueryRow(`SELECT id, tool_type, scope, project_path, original_path, backup_path,
		content_hash, is_active, created_at FROM takeover_backups WHERE id = ?`, id)
	return scanBackup(row)
}

func (d *DB) DeleteBackupRow(id string) error {
	_, err := d.conn.Exec(`DELETE FROM takeover_backups WHERE id = ?`, id)
	return err
}

// ListActiveBackups returns every active backup, optionally filtered to a
// project path ("" means all).
func (d *DB) ListActiveBackups(projectPath string) ([]TakeoverBackup, error) {
	query := `SELECT id, tool_type, scope, project_path, original_path, backup_path,
		content_hash, is_active, created_at FROM takeover_backups WHERE is_active = 1`
	args := []interface{}{}
	if projectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TakeoverBackup
	for rows.Next() {
		b, err := scanBackupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListAllBackups returns every backup row, newest first.
func (d *DB) ListAllBackups() ([]TakeoverBackup, error) {
	rows, err := d.conn.Query(`SELECT id, tool_type, scope, project_path, original_path, backup_path,
		content_hash, is_active, created_at FROM takeover_backups ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TakeoverBackup
	for rows.Next() {
		b, err := scanBackupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (d *DB) DeactivateBackup(id string) error {
	_, err := d.conn.Exec(`UPDATE takeover_backups SET is_active = 0 WHERE id = ?`, id)
	return err
}

func (d *DB) ListBackups(toolType string, scope ConfigScope, projectPath string) ([]TakeoverBackup, error) {
	rows, err := d.conn.Query(`SELECT id, tool_type, scope, project_path, original_path, backup_path,
		content_hash, is_active, created_at FROM takeover_backups
		WHERE tool_type = ? AND scope = ? AND project_path IS ?
		ORDER BY created_at DESC`, toolType, scope, nullString(projectPath))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TakeoverBackup
	for rows.Next() {
		b, err := scanBackupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// CleanupOldBackups retains only the keepN most recent backups (by
// created_at) for a (tool, scope, project_path) triple, always preserving
// the currently-active one regardless of age, and deletes the rest. It
// returns the deleted rows so the caller can unlink their backup_path files
// from disk.
func (d *DB) CleanupOldBackups(toolType string, scope ConfigScope, projectPath string, keepN int) ([]TakeoverBackup, error) {
	all, err := d.ListBackups(toolType, scope, projectPath)
	if err != nil {
		return nil, err
	}
	if keepN < 0 {
		keepN = 0
	}

	var kept, toDelete []TakeoverBackup
	for _, b := range all {
		if b.IsActive || len(kept) < keepN {
			kept = append(kept, b)
			continue
		}
		toDelete = append(toDelete, b)
	}

	for _, b := range toDelete {
		if _, err := d.conn.Exec(`DELETE FROM takeover_backups WHERE id = ?`, b.ID); err != nil {
			return nil, err
		}
	}
	return toDelete, nil
}

func scanBackup(row *sql.Row) (*TakeoverBackup, error) {
	b, err := scanBackupRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func scanBackupRow(row rowScanner) (*TakeoverBackup, error) {
	var b TakeoverBackup
	var projectPath sql.NullString
	var isActive int
	var createdAt string

	err := row.Scan(&b.ID, &b.ToolType, &b.Scope, &projectPath, &b.OriginalPath, &b.BackupPath,
		&b.ContentHash, &isActive, &createdAt)
	if err != nil {
		return nil, err
	}
	b.ProjectPath = projectPath.String
	b.IsActive = isActive != 0
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &b, nil
}
