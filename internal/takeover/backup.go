// Package takeover rewrites assistant configs to point at the gateway,
// with hash-verified sibling backups underneath every destructive edit.
// The ordering is deliberate: the backup row is committed to the
// database before the filesystem edit, so a crash between the two leaves a
// recoverable record rather than a silent overwrite.
package takeover

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mantragw/mantra-gateway/internal/adapters"
	"github.com/mantragw/mantra-gateway/internal/atomicfs"
	"github.com/mantragw/mantra-gateway/internal/db"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackupFileMissing  = errors.New("takeover: backup file missing")
	ErrBackupHashMismatch = errors.New("takeover: backup file hash mismatch")
)

// backupTimestampFormat names sibling backups
// "<original>.mantra-backup.<UTCYYYYMMDD_HHMMSS>".
const backupTimestampFormat = "20060102_150405"

// BackupManager creates and restores hash-verified config backups.
type BackupManager struct {
	store *db.DB

	// Swappable for tests.
	nowFn func() time.Time
}

func NewBackupManager(store *db.DB) *BackupManager {
	return &BackupManager{store: store, nowFn: time.Now}
}

// BackupPath computes the sibling backup file name for originalPath.
func (bm *BackupManager) BackupPath(originalPath string) string {
	return fmt.Sprintf("%s.mantra-backup.%s", originalPath, bm.nowFn().UTC().Format(backupTimestampFormat))
}

// EnsureBackup guarantees an active, hash-verified backup exists for
// originalPath before the caller edits it. If a takeover already owns the
// path the existing backup is returned untouched (idempotent
// reapply); otherwise the original bytes are copied to a sibling file
// and the row is inserted active. The returned bool reports whether a new
// backup was created.
func (bm *BackupManager) EnsureBackup(toolType string, scope db.ConfigScope, projectPath, originalPath string) (*db.TakeoverBackup, bool, error) {
	// Local scope shares one original file across many project keys, so
	// ownership is checked per (tool, scope, project) there; every other
	// scope owns its file exclusively.
	var existing *db.TakeoverBackup
	var err error
	if scope == db.ScopeLocal {
		existing, err = bm.store.GetActiveTakeoverByTool(toolType, scope, projectPath)
	} else {
		existing, err = bm.store.GetActiveTakeoverByOriginalPath(originalPath)
	}
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, err
	}

	backupPath := bm.BackupPath(originalPath)
	hash, err := atomicfs.AtomicCopy(originalPath, backupPath)
	if err != nil {
		return nil, false, fmt.Errorf("takeover: back up %s: %w", originalPath, err)
	}

	row, err := bm.store.CreateBackup(db.TakeoverBackup{
		ID:           ulid.Make().String(),
		ToolType:     toolType,
		Scope:        scope,
		ProjectPath:  projectPath,
		OriginalPath: originalPath,
		BackupPath:   backupPath,
		ContentHash:  hash,
		IsActive:     true,
		CreatedAt:    bm.nowFn().UTC(),
	})
	if err != nil {
		// The row is the durability floor; without it the backup file is
		// an orphan. Remove it rather than leave an untracked sibling.
		_ = os.Remove(backupPath)
		return nil, false, err
	}
	log.Info().Str("tool", toolType).Str("original", originalPath).Str("backup", backupPath).
		Msg("takeover backup created")
	return &row, true, nil
}

// VerifyBackup checks the backup file still exists and hashes to the
// stored content hash.
func (bm *BackupManager) VerifyBackup(b *db.TakeoverBackup) error {
	if _, err := os.Stat(b.BackupPath); err != nil {
		return ErrBackupFileMissing
	}
	ok, err := atomicfs.VerifyFileIntegrity(b.BackupPath, b.ContentHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBackupHashMismatch
	}
	return nil
}

// Restore copies the backup bytes back over the original path after
// verifying integrity, then deactivates the row. On hash mismatch nothing
// is touched.
func (bm *BackupManager) Restore(backupID string) error {
	b, err := bm.findBackup(backupID)
	if err != nil {
		return err
	}
	if err := bm.VerifyBackup(b); err != nil {
		return err
	}
	if _, err := atomicfs.AtomicCopy(b.BackupPath, b.OriginalPath); err != nil {
		return fmt.Errorf("takeover: restore %s: %w", b.OriginalPath, err)
	}
	if err := bm.store.DeactivateBackup(b.ID); err != nil {
		return err
	}
	log.Info().Str("original", b.OriginalPath).Msg("takeover restored")
	return nil
}

// RestoreLocalScope merges a Claude Local-scope backup back into the
// *current* ~/.claude.json: only projects.{projectPath}.mcpServers is
// replaced, every other project key and sibling field survives.
func (bm *BackupManager) RestoreLocalScope(backupID string, claude *adapters.ClaudeAdapter) error {
	b, err := bm.findBackup(backupID)
	if err != nil {
		return err
	}
	if b.Scope != db.ScopeLocal {
		return fmt.Errorf("takeover: backup %s is %s scope, not Local", b.ID, b.Scope)
	}
	if err := bm.VerifyBackup(b); err != nil {
		return err
	}

	backupContent, err := os.ReadFile(b.BackupPath)
	if err != nil {
		return err
	}
	savedServers, err := claude.ExtractLocalScopeBackup(backupContent, b.ProjectPath)
	if err != nil {
		return err
	}
	if savedServers == nil {
		savedServers = json.RawMessage(`{}`)
	}

	current, err := os.ReadFile(b.OriginalPath)
	if err != nil {
		return err
	}
	merged, err := claude.RestoreLocalScopeMcpServers(current, b.ProjectPath, savedServers)
	if err != nil {
		return err
	}
	if _, err := atomicfs.AtomicWrite(b.OriginalPath, merged); err != nil {
		return err
	}
	if err := bm.store.DeactivateBackup(b.ID); err != nil {
		return err
	}
	log.Info().Str("projectPath", b.ProjectPath).Msg("local scope takeover restored")
	return nil
}

// BackupIntegrity pairs a backup row with its current on-disk state.
type BackupIntegrity struct {
	Backup db.TakeoverBackup
	Valid  bool
	Reason string
}

// CheckIntegrity classifies every given backup row.
func (bm *BackupManager) CheckIntegrity(rows []db.TakeoverBackup) []BackupIntegrity {
	out := make([]BackupIntegrity, 0, len(rows))
	for _, b := range rows {
		item := BackupIntegrity{Backup: b, Valid: true}
		if err := bm.VerifyBackup(&b); err != nil {
			item.Valid = false
			item.Reason = err.Error()
		}
		out = append(out, item)
	}
	return out
}

// DeleteBackup removes the row and best-effort deletes the backup file,
// row first.
func (bm *BackupManager) DeleteBackup(backupID string) error {
	b, err := bm.findBackup(backupID)
	if err != nil {
		return err
	}
	if err := bm.store.DeleteBackupRow(b.ID); err != nil {
		return err
	}
	if err := os.Remove(b.BackupPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("backup", b.BackupPath).Msg("backup file removal failed")
	}
	return nil
}

// CleanupOld retains the newest keepN backups per grouping and deletes
// the rest, rows first, then files.
func (bm *BackupManager) CleanupOld(toolType string, scope db.ConfigScope, projectPath string, keepN int) (int, error) {
	deleted, err := bm.store.CleanupOldBackups(toolType, scope, projectPath, keepN)
	if err != nil {
		return 0, err
	}
	for _, b := range deleted {
		if err := os.Remove(b.BackupPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("backup", b.BackupPath).Msg("backup file removal failed")
		}
	}
	return len(deleted), nil
}

func (bm *BackupManager) findBackup(backupID string) (*db.TakeoverBackup, error) {
	b, err := bm.store.GetBackup(backupID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("takeover: backup %s: %w", backupID, err)
	}
	return b, err
}
