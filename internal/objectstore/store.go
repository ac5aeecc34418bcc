// Package objectstore mirrors recorded and uploaded media to S3 compatible
// object storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"relaycast/internal/observability/logging"
)

// Store uploads and removes objects by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// NoopStore is used when no object storage is configured.
type NoopStore struct{}

func (NoopStore) Put(context.Context, string, io.Reader, int64, string) error { return nil }
func (NoopStore) Delete(context.Context, string) error { return nil }

// Config describes the remote bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every key, without a trailing slash.
	Prefix string
	Logger *slog.Logger
}

// Enabled reports whether an endpoint and bucket are configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.Bucket) != ""
}

// MinioStore stores objects through the MinIO client.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New returns a MinioStore when cfg is enabled and a NoopStore otherwise.
func New(cfg Config) (Store, error) {
	if !cfg.Enabled() {
		return NoopStore{}, nil
	}
	return NewMinioStore(cfg)
}

// NewMinioStore builds a MinIO backed store. It does not contact the server.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if !cfg.Enabled() {
		return nil, errors.New("object storage endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logging.WithComponent(logger, "objectstore"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("created bucket", "bucket", s.bucket)
	return nil
}

func (s *MinioStore) objectName(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	name := s.objectName(key)
	info, err := s.client.PutObject(ctx, s.bucket, name, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	s.logger.Debug("object uploaded", "key", name, "size", info.Size)
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	name := s.objectName(key)
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", name, err)
	}
	return nil
}
