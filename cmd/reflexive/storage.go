package main

import (
	"path/filepath"

	"github.com/reflexive-dev/reflexive/internal/config"
	"github.com/reflexive-dev/reflexive/internal/storage"
)

// buildSnapshotStore picks a storage.Store for hosted/sandbox mode snapshots:
// SQLite under cfg.Hosted.StorageDir when set, otherwise an in-memory store
// (snapshots don't survive a restart, which is fine for local experimentation
// but not production hosted deployments).
func buildSnapshotStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Hosted.StorageDir == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewSQLiteStore(filepath.Join(cfg.Hosted.StorageDir, "snapshots.db"))
}
