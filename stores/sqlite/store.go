package sqlite

import (
	"context"
	"database/sql"
	"docsync-server/core"
	"errors"
	"log"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite-based snapshot store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	stmt := `
	CREATE TABLE IF NOT EXISTS snapshots (
		doc_key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	if _, err = db.Exec(stmt); err != nil {
		log.Fatalf("failed to create snapshots table: %v", err)
	}

	return &sqliteStore{db}
}

func (s *sqliteStore) Fetch(ctx context.Context, key core.DocumentKey) (*core.Snapshot, error) {
	log := logrus.WithField("document", key.String())

	var snapshot core.Snapshot
	err := s.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM snapshots WHERE doc_key = ?", key.String(),
	).Scan(&snapshot.Data, &snapshot.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("No stored snapshot")
			return nil, core.ErrSnapshotNotFound
		}
		log.WithError(err).Error("Failed to retrieve snapshot")
		return nil, err
	}

	log.Debug("Snapshot retrieved")
	return &snapshot, nil
}

func (s *sqliteStore) Store(ctx context.Context, key core.DocumentKey, snapshot *core.Snapshot) error {
	log := logrus.WithFields(logrus.Fields{
		"document":    key.String(),
		"data_length": len(snapshot.Data),
	})

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (doc_key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key.String(), snapshot.Data, updatedAt)
	if err != nil {
		log.WithError(err).Error("Failed to store snapshot")
		return err
	}

	log.Debug("Snapshot stored")
	return nil
}
