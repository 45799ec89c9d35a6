package ipc

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/mantragw/mantra-gateway/internal/crypto"
	"github.com/mantragw/mantra-gateway/internal/db"
)

var envNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type envSetArgs struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

type envNameArgs struct {
	Name string `json:"name"`
}

// EnvVariableView is the masked listing row: plaintext values never cross
// the IPC boundary except through env_get.
type EnvVariableView struct {
	Name        string `json:"name"`
	MaskedValue string `json:"maskedValue"`
	Description string `json:"description"`
}

func (d *Dispatcher) registerEnvCommands() {
	d.register("env_set", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[envSetArgs](payload)
		if err != nil {
			return nil, err
		}
		if !envNameRe.MatchString(args.Name) {
			return nil, appErr(KindInvalidInput, "environment variable name %q must be UPPER_SNAKE", args.Name)
		}
		encrypted, err := d.deps.Crypto.EncryptString(args.Value)
		if err != nil {
			return nil, err
		}
		return nil, d.deps.DB.UpsertEnvVariable(db.EnvVariable{
			Name:           args.Name,
			EncryptedValue: encrypted,
			Description:    args.Description,
		})
	})

	d.register("env_get", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[envNameArgs](payload)
		if err != nil {
			return nil, err
		}
		row, err := d.deps.DB.GetEnvVariable(args.Name)
		if err != nil {
			return nil, err
		}
		value, err := d.deps.Crypto.DecryptString(row.EncryptedValue)
		if err != nil {
			return nil, err
		}
		return map[string]string{"name": row.Name, "value": value, "description": row.Description}, nil
	})

	d.register("env_list", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		rows, err := d.deps.DB.ListEnvVariables()
		if err != nil {
			return nil, err
		}
		out := make([]EnvVariableView, 0, len(rows))
		for _, row := range rows {
			masked := "****"
			if value, err := d.deps.Crypto.DecryptString(row.EncryptedValue); err == nil {
				masked = crypto.MaskValue(value)
			}
			out = append(out, EnvVariableView{Name: row.Name, MaskedValue: masked, Description: row.Description})
		}
		return out, nil
	})

	d.register("env_delete", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[envNameArgs](payload)
		if err != nil {
			return nil, err
		}
		return nil, d.deps.DB.DeleteEnvVariable(args.Name)
	})

	d.register("env_exists", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		args, err := decode[envNameArgs](payload)
		if err != nil {
			return nil, err
		}
		_, err = d.deps.DB.GetEnvVariable(args.Name)
		if err != nil {
			if classify(err).Kind == KindNotFound {
				return map[string]bool{"exists": false}, nil
			}
			return nil, err
		}
		return map[string]bool{"exists": true}, nil
	})
}

// EnvLookup builds the spawn-time lookup closure over db + crypto, handed
// to internal/process and internal/transport by the composition root.
func EnvLookup(store *db.DB, cm *crypto.CryptoManager) func(name string) (string, bool) {
	return func(name string) (string, bool) {
		row, err := store.GetEnvVariable(name)
		if err != nil {
			return "", false
		}
		value, err := cm.DecryptString(row.EncryptedValue)
		if err != nil {
			return "", false
		}
		return value, true
	}
}
