package db

import (
	"database/sql"
	"errors"
	"time"
)

// EnvVariable is a gateway-managed environment variable row. Value is
// stored already-encrypted by the caller (internal/crypto.CryptoManager);
// this package never sees plaintext secrets.
type EnvVariable struct {
	Name           string
	EncryptedValue string
	Description    string
	UpdatedAt      time.Time
}

func (d *DB) UpsertEnvVariable(e EnvVariable) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := d.conn.Exec(`INSERT INTO env_variables (name, encrypted_value, description, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			encrypted_value=excluded.encrypted_value,
			description=excluded.description,
			updated_at=excluded.updated_at`,
		e.Name, e.EncryptedValue, nullString(e.Description), e.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func (d *DB) GetEnvVariable(name string) (*EnvVariable, error) {
	var e EnvVariable
	var description sql.NullString
	var updatedAt string
	err := d.conn.QueryRow(`SELECT name, encrypted_value, description, updated_at
		FROM env_variables WHERE name = ?`, name).Scan(&e.Name, &e.EncryptedValue, &description, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Description = description.String
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func (d *DB) ListEnvVariables() ([]EnvVariable, error) {
	rows, err := d.conn.Query(`SELECT name, encrypted_value, description, updated_at
		FROM env_variables ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EnvVariable
	for rows.Next() {
		var e EnvVariable
		var description sql.NullString
		var updatedAt string
		if err := rows.Scan(&e.Name, &e.EncryptedValue, &description, &updatedAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) DeleteEnvVariable(name string) error {
	_, err := d.conn.Exec(`DELETE FROM env_variables WHERE name = ?`, name)
	return err
}
