package db

import "time"

// UpsertSession is audit-only: the gateway's session state machine
// (internal/gateway) is the source of truth in memory, this table just
// gives the inspector something to list and survives nothing across a
// restart (see schema.go).
func (d *DB) UpsertSession(s SessionRecord) error {
	_, err := d.conn.Exec(`INSERT INTO sessions
		(id, project_context, created_at, last_activity, state, negotiated_protocol_version)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			project_context=excluded.project_context,
			last_activity=excluded.last_activity,
			state=excluded.state,
			negotiated_protocol_version=excluded.negotiated_protocol_version`,
		s.ID, nullString(s.ProjectContext), s.CreatedAt.Format(time.RFC3339Nano),
		s.LastActivity.Format(time.RFC3339Nano), s.State, nullString(s.NegotiatedProtocolVersion))
	return err
}

func (d *DB) DeleteSession(id string) error {
	_, err := d.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (d *DB) ListSessions() ([]SessionRecord, error) {
	rows, err := d.conn.Query(`SELECT id, project_context, created_at, last_activity, state,
		negotiated_protocol_version FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var projectContext, protocolVersion *string
		var createdAt, lastActivity string
		if err := rows.Scan(&s.ID, &projectContext, &createdAt, &lastActivity, &s.State, &protocolVersion); err != nil {
			return nil, err
		}
		if projectContext != nil {
			s.ProjectContext = *projectContext
		}
		if protocolVersion != nil {
			s.NegotiatedProtocolVersion = *protocolVersion
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		s.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClearSessions wipes the audit table, called once at startup since no
// in-memory session survives a restart.
func (d *DB) ClearSessions() error {
	_, err := d.conn.Exec(`DELETE FROM sessions`)
	return err
}
