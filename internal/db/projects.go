package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (d *DB) CreateProject(p Project) error {
	_, err := d.conn.Exec(`INSERT INTO projects
		(id, cwd, name, path_type, path_exists, git_remote_url, last_activity, is_empty)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Cwd, p.Name, p.PathType, boolToInt(p.PathExists), nullString(p.GitRemoteURL),
		formatOptionalTime(p.LastActivity), boolToInt(p.IsEmpty))
	return err
}

func (d *DB) UpdateProject(p Project) error {
	_, err := d.conn.Exec(`UPDATE projects SET cwd=?, name=?, path_type=?, path_exists=?,
		git_remote_url=?, last_activity=?, is_empty=? WHERE id=?`,
		p.Cwd, p.Name, p.PathType, boolToInt(p.PathExists), nullString(p.GitRemoteURL),
		formatOptionalTime(p.LastActivity), boolToInt(p.IsEmpty), p.ID)
	return err
}

func (d *DB) GetProject(id string) (*Project, error) {
	row := d.conn.QueryRow(`SELECT id, cwd, name, path_type, path_exists, git_remote_url,
		last_activity, is_empty FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (d *DB) ListProjects() ([]Project, error) {
	rows, err := d.conn.Query(`SELECT id, cwd, name, path_type, path_exists, git_remote_url,
		last_activity, is_empty FROM projects ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (d *DB) DeleteProject(id string) error {
	_, err := d.conn.Exec(`DELETE FROM projects WHERE id = ?`, id)
	return err
}

func (d *DB) AddProjectPath(pp ProjectPath) error {
	_, err := d.conn.Exec(`INSERT INTO project_paths (id, project_id, path, is_primary)
		VALUES (?,?,?,?)`, pp.ID, pp.ProjectID, pp.Path, boolToInt(pp.IsPrimary))
	return err
}

func (d *DB) RemoveProjectPath(id string) error {
	_, err := d.conn.Exec(`DELETE FROM project_paths WHERE id = ?`, id)
	return err
}

func (d *DB) ListProjectPaths(projectID string) ([]ProjectPath, error) {
	rows, err := d.conn.Query(`SELECT id, project_id, path, is_primary FROM project_paths
		WHERE project_id = ? ORDER BY is_primary DESC, path`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectPath
	for rows.Next() {
		var pp ProjectPath
		var isPrimary int
		if err := rows.Scan(&pp.ID, &pp.ProjectID, &pp.Path, &isPrimary); err != nil {
			return nil, err
		}
		pp.IsPrimary = isPrimary != 0
		out = append(out, pp)
	}
	return out, rows.Err()
}

// FindProjectByPath resolves a filesystem path to the project that claims it,
// matching the longest registered project_paths.path prefix. This is the
// table ContextRouter queries through internal/router's channel bridge.
func (d *DB) FindProjectByPath(path string) (*Project, string, error) {
	rows, err := d.conn.Query(`SELECT project_id, path FROM project_paths WHERE ? LIKE path || '%'`, path)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var bestProjectID, bestMatch string
	for rows.Next() {
		var projectID, candidate string
		if err := rows.Scan(&projectID, &candidate); err != nil {
			return nil, "", err
		}
		if len(candidate) > len(bestMatch) {
			bestProjectID, bestMatch = projectID, candidate
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if bestProjectID == "" {
		return nil, "", ErrNotFound
	}
	p, err := d.GetProject(bestProjectID)
	if err != nil {
		return nil, "", err
	}
	return p, bestMatch, nil
}

// EnsureProjectForCwd auto-materializes a project for a cwd an assistant
// referenced: the cwd is normalized and classified, an existing claim on
// the path wins, and otherwise a fresh project with a primary path row is
// created. Virtual and remote cwds are never stat'd.
func (d *DB) EnsureProjectForCwd(cwd string) (*Project, error) {
	normalized := NormalizeCwd(cwd)

	if p, _, err := d.FindProjectByPath(normalized); err == nil {
		p.LastActivity = time.Now().UTC()
		if err := d.UpdateProject(*p); err != nil {
			return nil, err
		}
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	pathType, exists := ClassifyPath(normalized)
	p := Project{
		ID:           uuid.NewString(),
		Cwd:          normalized,
		Name:         projectNameFromCwd(normalized),
		PathType:     pathType,
		PathExists:   exists,
		LastActivity: time.Now().UTC(),
	}
	if err := d.CreateProject(p); err != nil {
		return nil, err
	}
	err := d.AddProjectPath(ProjectPath{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Path:      normalized,
		IsPrimary: true,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// projectNameFromCwd derives a display name: the last path segment, or
// the identifier after a virtual scheme.
func projectNameFromCwd(normalized string) string {
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return strings.TrimPrefix(normalized, prefix)
		}
	}
	if normalized == "/" {
		return "/"
	}
	if i := strings.LastIndex(normalized, "/"); i >= 0 && i < len(normalized)-1 {
		return normalized[i+1:]
	}
	return normalized
}

func scanProject(row *sql.Row) (*Project, error) {
	p, err := scanProjectRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanProjectRow(row rowScanner) (*Project, error) {
	var p Project
	var pathExists, isEmpty int
	var gitRemote, lastActivity sql.NullString

	err := row.Scan(&p.ID, &p.Cwd, &p.Name, &p.PathType, &pathExists, &gitRemote, &lastActivity, &isEmpty)
	if err != nil {
		return nil, err
	}
	p.PathExists = pathExists != 0
	p.IsEmpty = isEmpty != 0
	p.GitRemoteURL = gitRemote.String
	if lastActivity.Valid {
		p.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity.String)
	}
	return &p, nil
}

func formatOptionalTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
