package memory

import (
	"context"
	"docsync-server/core"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// memStore keeps snapshots in process memory. Used for development and
// tests; nothing survives a restart.
type memStore struct {
	mu        sync.RWMutex
	snapshots map[string]core.Snapshot
}

// NewStore creates a new in-memory snapshot store.
func NewStore() *memStore {
	return &memStore{
		snapshots: make(map[string]core.Snapshot),
	}
}

func (s *memStore) Fetch(ctx context.Context, key core.DocumentKey) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := logrus.WithField("document", key.String())
	if snap, ok := s.snapshots[key.String()]; ok {
		log.Debug("Snapshot retrieved")
		copied := snap
		copied.Data = append([]byte(nil), snap.Data...)
		return &copied, nil
	}
	return nil, core.ErrSnapshotNotFound
}

func (s *memStore) Store(ctx context.Context, key core.DocumentKey, snapshot *core.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := core.Snapshot{
		Data:      append([]byte(nil), snapshot.Data...),
		UpdatedAt: snapshot.UpdatedAt,
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	s.snapshots[key.String()] = stored

	logrus.WithFields(logrus.Fields{
		"document":    key.String(),
		"data_length": len(stored.Data),
	}).Debug("Snapshot stored")
	return nil
}
