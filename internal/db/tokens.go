package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// UpsertOAuthToken stores a token row keyed by service. Access/refresh
// tokens are expected to already be sealed by internal/crypto.TokenStore;
// this package treats them as opaque strings.
func (d *DB) UpsertOAuthToken(t OAuthToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	scopes, _ := json.Marshal(t.Scopes)
	_, err := d.conn.Exec(`INSERT INTO oauth_tokens
		(service_id, access_token, refresh_token, token_type, expires_at, scopes, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(service_id) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			token_type=excluded.token_type,
			expires_at=excluded.expires_at,
			scopes=excluded.scopes,
			created_at=excluded.created_at`,
		t.ServiceID, t.EncryptedAccessToken, nullString(t.EncryptedRefreshToken), t.TokenType,
		formatOptionalTimePtr(t.ExpiresAt), string(scopes), t.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetOAuthToken(serviceID string) (*OAuthToken, error) {
	row := d.conn.QueryRow(`SELECT service_id, access_token, refresh_token, token_type,
		expires_at, scopes, created_at FROM oauth_tokens WHERE service_id = ?`, serviceID)

	var t OAuthToken
	var refresh, expiresAt, scopesJSON sql.NullString
	var createdAt string
	err := row.Scan(&t.ServiceID, &t.EncryptedAccessToken, &refresh, &t.TokenType, &expiresAt, &scopesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.EncryptedRefreshToken = refresh.String
	if expiresAt.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			t.ExpiresAt = &parsed
		}
	}
	if scopesJSON.Valid {
		_ = json.Unmarshal([]byte(scopesJSON.String), &t.Scopes)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}

func (d *DB) DeleteOAuthToken(serviceID string) error {
	_, err := d.conn.Exec(`DELETE FROM oauth_tokens WHERE service_id = ?`, serviceID)
	return err
}

func formatOptionalTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
