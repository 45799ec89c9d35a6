package takeover

import (
	"errors"
	"fmt"
	"os"

	"github.com/mantragw/mantra-gateway/internal/atomicfs"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/rs/zerolog/log"
)

// opKind is the compensating-operation discriminant. Exactly four kinds
// exist; rollback replays them in reverse order.
type opKind int

const (
	opServiceCreated opKind = iota
	opProjectLinked
	opConfigModified
	opBackupCreated
)

type operation struct {
	kind opKind

	serviceID string // opServiceCreated, opProjectLinked
	projectID string // opProjectLinked

	path            string // opConfigModified
	preEditTempPath string // opConfigModified: "" when the file did not exist

	backupID   string // opBackupCreated
	backupPath string // opBackupCreated
}

// Transaction is the compensating-operation log wrapping one takeover
// run. It is not goroutine-safe; a run is single-threaded by design.
type Transaction struct {
	store *db.DB
	ops   []operation
	done  bool
}

func NewTransaction(store *db.DB) *Transaction {
	return &Transaction{store: store}
}

// RecordServiceCreated registers a service row for deletion on rollback.
func (tx *Transaction) RecordServiceCreated(serviceID string) {
	tx.ops = append(tx.ops, operation{kind: opServiceCreated, serviceID: serviceID})
}

// RecordProjectLinked registers a project/service link for removal on
// rollback.
func (tx *Transaction) RecordProjectLinked(projectID, serviceID string) {
	tx.ops = append(tx.ops, operation{kind: opProjectLinked, projectID: projectID, serviceID: serviceID})
}

// RecordConfigModified registers a filesystem edit. preEditTempPath holds
// a temp copy of the pre-edit bytes; empty means the file did not exist
// and rollback deletes it.
func (tx *Transaction) RecordConfigModified(path, preEditTempPath string) {
	tx.ops = append(tx.ops, operation{kind: opConfigModified, path: path, preEditTempPath: preEditTempPath})
}

// RecordBackupCreated registers a backup row + file pair for removal on
// rollback.
func (tx *Transaction) RecordBackupCreated(backupID, backupPath string) {
	tx.ops = append(tx.ops, operation{kind: opBackupCreated, backupID: backupID, backupPath: backupPath})
}

// Commit finalizes the run: pre-edit temp copies are no longer needed and
// are best-effort deleted.
func (tx *Transaction) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	for _, op := range tx.ops {
		if op.kind == opConfigModified && op.preEditTempPath != "" {
			_ = os.Remove(op.preEditTempPath)
		}
	}
	tx.ops = nil
}

// Rollback undoes every recorded operation in reverse order. NotFound on
// a compensation is not an error: CASCADE may already have removed the
// row. The first real failure is remembered but rollback continues
// through the rest of the log.
func (tx *Transaction) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true

	var firstErr error
	for i := len(tx.ops) - 1; i >= 0; i-- {
		if err := tx.compensate(tx.ops[i]); err != nil {
			log.Error().Err(err).Msg("takeover rollback step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	tx.ops = nil
	return firstErr
}

func (tx *Transaction) compensate(op operation) error {
	switch op.kind {
	case opServiceCreated:
		if err := tx.store.DeleteService(op.serviceID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("takeover: rollback service %s: %w", op.serviceID, err)
		}
	case opProjectLinked:
		if err := tx.store.UnlinkServiceFromProject(op.projectID, op.serviceID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("takeover: rollback link %s/%s: %w", op.projectID, op.serviceID, err)
		}
	case opConfigModified:
		if op.preEditTempPath == "" {
			if err := os.Remove(op.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("takeover: rollback created file %s: %w", op.path, err)
			}
			return nil
		}
		if _, err := os.Stat(op.preEditTempPath); err != nil {
			return fmt.Errorf("takeover: pre-edit copy for %s is gone: %w", op.path, err)
		}
		if _, err := atomicfs.AtomicCopy(op.preEditTempPath, op.path); err != nil {
			return fmt.Errorf("takeover: rollback config %s: %w", op.path, err)
		}
		_ = os.Remove(op.preEditTempPath)
	case opBackupCreated:
		if err := tx.store.DeleteBackupRow(op.backupID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("takeover: rollback backup row %s: %w", op.backupID, err)
		}
		if err := os.Remove(op.backupPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("takeover: rollback backup file %s: %w", op.backupPath, err)
		}
	}
	return nil
}
