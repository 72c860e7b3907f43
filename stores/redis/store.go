package redis

import (
	"context"
	"docsync-server/core"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewStore creates a Redis-backed snapshot store. Each document is a hash
// holding the state blob and its update time.
func NewStore(redisURL string) (*redisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &redisStore{
		client: client,
		prefix: "docsync:snapshot:",
	}, nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client) *redisStore {
	return &redisStore{
		client: client,
		prefix: "docsync:snapshot:",
	}
}

func (s *redisStore) key(key core.DocumentKey) string {
	return s.prefix + key.String()
}

func (s *redisStore) Fetch(ctx context.Context, key core.DocumentKey) (*core.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrSnapshotNotFound
	}

	snapshot := &core.Snapshot{Data: []byte(fields["data"])}
	if raw, ok := fields["updated_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			snapshot.UpdatedAt = ts
		}
	}

	logrus.WithField("document", key.String()).Debug("Snapshot retrieved")
	return snapshot, nil
}

func (s *redisStore) Store(ctx context.Context, key core.DocumentKey, snapshot *core.Snapshot) error {
	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := s.client.HSet(ctx, s.key(key),
		"data", snapshot.Data,
		"updated_at", updatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"document":    key.String(),
		"data_length": len(snapshot.Data),
	}).Debug("Snapshot stored")
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
