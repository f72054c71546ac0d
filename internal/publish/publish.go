package publish

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Publisher uploads finished export files.
type Publisher interface {
	// Publish uploads the file at localPath as name and returns the object key.
	Publish(ctx context.Context, localPath, name string) (string, error)
}

// Store publishes to a bucket of an S3-compatible object store.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New connects to endpoint with static credentials.
func New(endpoint, accessKey, secretKey, bucket string, secure bool, logger *zap.Logger) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return NewStore(client, bucket, "exports", logger), nil
}

// NewStore publishes through an existing client. rootPrefix is prepended to all
// object keys.
func NewStore(client *minio.Client, bucket, rootPrefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
		logger: logger,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
	}
	s.logger.Info("Created bucket", zap.String("bucket", s.bucket))
	return nil
}

func (s *Store) Publish(ctx context.Context, localPath, name string) (string, error) {
	key := s.key(name)
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.logger.Info("Published export",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("bytes", info.Size),
	)
	return key, nil
}
