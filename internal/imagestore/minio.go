package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/config"
	"github.com/example/face-check/internal/logging"
)

const objectPrefix = "images/"

// MinIOStore keeps images in an S3-compatible bucket. Returned paths have the
// form s3://<bucket>/images/<name>.
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
	now    func() time.Time
}

// NewMinIOStore connects to the bucket described by cfg.
func NewMinIOStore(cfg config.MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, logger: logger.Named("image_store"), now: time.Now}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// SaveCanonical uploads the registered image for a user.
func (s *MinIOStore) SaveCanonical(ctx context.Context, userID string, img Image) (string, error) {
	return s.put(ctx, objectPrefix+canonicalName(userID, img.Ext()), img)
}

// SaveAttempt uploads a one-off image.
func (s *MinIOStore) SaveAttempt(ctx context.Context, prefix string, img Image) (string, error) {
	return s.put(ctx, objectPrefix+attemptName(prefix, s.now(), img.Ext()), img)
}

// Remove deletes an object by the path SaveCanonical or SaveAttempt returned.
func (s *MinIOStore) Remove(ctx context.Context, path string) error {
	key, ok := strings.CutPrefix(path, s.pathPrefix())
	if !ok {
		return fmt.Errorf("path %s is not in bucket %s", path, s.bucket)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return logging.NewOperationError("imagestore.remove", "", err)
	}
	return nil
}

// Ping checks MinIO connectivity.
func (s *MinIOStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *MinIOStore) pathPrefix() string {
	return "s3://" + s.bucket + "/"
}

func (s *MinIOStore) put(ctx context.Context, key string, img Image) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(img.Data), int64(len(img.Data)), minio.PutObjectOptions{
		ContentType: "image/" + img.Format,
	})
	if err != nil {
		wrapped := logging.NewOperationError("imagestore.save", "", fmt.Errorf("put object %s: %w", key, err))
		s.logger.Error("error saving image", zap.Error(wrapped))
		return "", wrapped
	}
	s.logger.Info("saved image", zap.String("key", key), zap.String("bucket", s.bucket))
	return s.pathPrefix() + key, nil
}
