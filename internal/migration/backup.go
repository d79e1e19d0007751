package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/contextcore/internal/storage"
	"github.com/normanking/contextcore/pkg/types"
)

const backupManifestName = "backup-manifest.json"

func (p *Pipeline) backupRoot() string {
	return filepath.Join(p.cfg.BackupDir, p.migrationID)
}

func (p *Pipeline) prepareBackupDir() error {
	if err := os.MkdirAll(p.backupRoot(), 0o755); err != nil {
		return fmt.Errorf("prepare backup directory: %w", err)
	}
	return nil
}

// runBackup copies every legacy file verbatim into the per-migration backup
// folder and writes the backup manifest: the only artifact rollback can
// restore from.
func (p *Pipeline) runBackup(ctx context.Context) error {
	manifest := &types.BackupManifest{
		MigrationID: p.migrationID,
		CreatedAt:   time.Now().UTC(),
		LegacyRoot:  p.cfg.LegacyRoot,
	}

	filesDir := filepath.Join(p.backupRoot(), "files")
	for _, file := range p.files {
		rel, err := filepath.Rel(p.cfg.LegacyRoot, file.Path)
		if err != nil {
			rel = filepath.Base(file.Path)
		}
		dst := filepath.Join(filesDir, rel)
		if err := copyFile(file.Path, dst); err != nil {
			return fmt.Errorf("backup %s: %w", file.Path, err)
		}
		manifest.Files = append(manifest.Files, types.BackupPair{
			OriginalPath: file.Path,
			BackupPath:   dst,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.backupRoot(), backupManifestName), data, 0o644); err != nil {
		return fmt.Errorf("write backup manifest: %w", err)
	}

	p.backupManifest = manifest
	log.Info().Int("files", len(manifest.Files)).Str("dir", p.backupRoot()).Msg("legacy files backed up")
	return nil
}

// BackupManifest returns the manifest written by the backup phase, or nil
// when backup was disabled or has not run.
func (p *Pipeline) BackupManifest() *types.BackupManifest {
	return p.backupManifest
}

// Rollback deletes every ledger-recorded record via the coordinator, then
// restores legacy files from the backup manifest if one exists. Failures are
// collected as warnings; only a wholly failed deletion pass returns an
// error.
func (p *Pipeline) Rollback(ctx context.Context) error {
	p.mu.Lock()
	ids := append([]string(nil), p.ledger...)
	p.mu.Unlock()

	deleteFailures := 0
	for i := len(ids) - 1; i >= 0; i-- { // undo in reverse creation order
		if err := p.coordinator.Delete(ctx, ids[i]); err != nil {
			p.warn("rollback delete %s: %v", ids[i], err)
			deleteFailures++
		}
	}

	if p.backupManifest != nil {
		for _, pair := range p.backupManifest.Files {
			if _, err := os.Stat(pair.OriginalPath); err == nil {
				continue // source intact, nothing to restore
			}
			if err := copyFile(pair.BackupPath, pair.OriginalPath); err != nil {
				p.warn("rollback restore %s: %v", pair.OriginalPath, err)
			}
		}
	}

	p.mu.Lock()
	p.ledger = nil
	p.mu.Unlock()

	if deleteFailures > 0 && deleteFailures == len(ids) {
		return fmt.Errorf("rollback could not delete any of %d migrated records", len(ids))
	}
	log.Info().Int("deleted", len(ids)-deleteFailures).Msg("migration rolled back")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RollbackFromArtifacts rolls back a finished or crashed migration using its
// on-disk artifacts: record ids come from the newest checkpoint's ledger,
// legacy files from the backup manifest. Failures are collected into the
// returned warnings rather than aborting the pass.
func RollbackFromArtifacts(ctx context.Context, coordinator *storage.Coordinator, backupDir, migrationID string) (deleted int, warnings []string, err error) {
	checkpoint, err := LoadLatestCheckpoint(backupDir, migrationID)
	if err != nil {
		return 0, nil, err
	}

	if checkpoint != nil {
		if ledger, ok := checkpoint.State["ledger"].([]any); ok {
			for i := len(ledger) - 1; i >= 0; i-- {
				id, ok := ledger[i].(string)
				if !ok {
					continue
				}
				if derr := coordinator.Delete(ctx, id); derr != nil {
					warnings = append(warnings, fmt.Sprintf("delete %s: %v", id, derr))
				} else {
					deleted++
				}
			}
		}
	}

	manifest, err := LoadBackupManifest(backupDir, migrationID)
	if err != nil {
		return deleted, warnings, err
	}
	if manifest != nil {
		for _, pair := range manifest.Files {
			if _, serr := os.Stat(pair.OriginalPath); serr == nil {
				continue
			}
			if cerr := copyFile(pair.BackupPath, pair.OriginalPath); cerr != nil {
				warnings = append(warnings, fmt.Sprintf("restore %s: %v", pair.OriginalPath, cerr))
			}
		}
	}
	return deleted, warnings, nil
}

// LoadBackupManifest reads a backup manifest from a previous run, enabling
// rollback across process restarts.
func LoadBackupManifest(backupDir, migrationID string) (*types.BackupManifest, error) {
	path := filepath.Join(backupDir, migrationID, backupManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup manifest: %w", err)
	}
	var manifest types.BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	return &manifest, nil
}
