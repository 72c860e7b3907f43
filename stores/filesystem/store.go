package filesystem

import (
	"context"
	"docsync-server/core"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

type fsStore struct {
	basePath string
}

// NewStore creates a new filesystem-based snapshot store. Snapshots live at
// <basePath>/<workspaceId>/<fileId>; the file modification time doubles as
// the snapshot update time.
func NewStore(basePath string) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return &fsStore{basePath: basePath}
}

func (s *fsStore) snapshotPath(key core.DocumentKey) string {
	return filepath.Join(s.basePath, key.WorkspaceID, key.FileID)
}

func (s *fsStore) Fetch(ctx context.Context, key core.DocumentKey) (*core.Snapshot, error) {
	filePath := s.snapshotPath(key)
	log := logrus.WithField("document", key.String()).WithField("file_path", filePath)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No snapshot on disk")
			return nil, core.ErrSnapshotNotFound
		}
		log.WithError(err).Error("Failed to read snapshot")
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	log.Debug("Snapshot retrieved")
	return &core.Snapshot{
		Data:      data,
		UpdatedAt: info.ModTime(),
	}, nil
}

func (s *fsStore) Store(ctx context.Context, key core.DocumentKey, snapshot *core.Snapshot) error {
	filePath := s.snapshotPath(key)
	log := logrus.WithFields(logrus.Fields{
		"document":    key.String(),
		"file_path":   filePath,
		"data_length": len(snapshot.Data),
	})

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		log.WithError(err).Error("Failed to create workspace directory")
		return err
	}

	// Write-then-rename so a crashed write never leaves a torn snapshot.
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, snapshot.Data, 0644); err != nil {
		log.WithError(err).Error("Failed to write snapshot")
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		log.WithError(err).Error("Failed to commit snapshot")
		return err
	}

	if !snapshot.UpdatedAt.IsZero() {
		_ = os.Chtimes(filePath, time.Now(), snapshot.UpdatedAt)
	}

	log.Debug("Snapshot stored")
	return nil
}
