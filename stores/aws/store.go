package aws

import (
	"bytes"
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"io"
	"log"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Store struct {
	s3Client *s3.Client
	bucket   string
}

// NewStore creates a new S3-based snapshot store.
func NewStore(bucketName string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	s3Client := s3.NewFromConfig(cfg)

	return &s3Store{
		s3Client: s3Client,
		bucket:   bucketName,
	}
}

func (s *s3Store) objectKey(key core.DocumentKey) string {
	return path.Join("snapshots", key.WorkspaceID, key.FileID)
}

func (s *s3Store) Fetch(ctx context.Context, key core.DocumentKey) (*core.Snapshot, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, core.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", key.String(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}

	snapshot := &core.Snapshot{Data: data}
	if resp.LastModified != nil {
		snapshot.UpdatedAt = *resp.LastModified
	}
	return snapshot, nil
}

func (s *s3Store) Store(ctx context.Context, key core.DocumentKey, snapshot *core.Snapshot) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(snapshot.Data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot for %s: %w", key.String(), err)
	}
	return nil
}
