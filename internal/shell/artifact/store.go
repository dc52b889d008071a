// Package artifact provides the blob store for packages, samples, and
// diagnostic bundles, backed by a MinIO/S3-compatible object store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
)

// =============================================================================
// Store Interface
// =============================================================================

// UploadInfo describes a completed upload.
type UploadInfo struct {
	Checksum string
	Size     int64
}

// Store is the blob-store surface the pipeline consumes.
type Store interface {
	// Download returns a reader for the object; the caller closes it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// DownloadTo streams the object into a local file.
	DownloadTo(ctx context.Context, key, destPath string) error

	// Upload stores an object and returns its checksum and size.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadInfo, error)

	// Presign returns a time-limited download URL for the object.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// =============================================================================
// MinIO Implementation
// =============================================================================

// MinioConfig holds object-store connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements Store on a MinIO/S3 bucket.
type MinioStore struct {
	mc     *minio.Client
	bucket string
}

// NewMinioStore creates the store client. EnsureBucket must be called once
// before first use.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("artifact store endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("artifact store access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "packcheck"
	}
	return &MinioStore{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Ping checks the object store is reachable and the bucket exists.
func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// Download returns a reader for the object; the caller closes it.
func (s *MinioStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	// GetObject defers errors until first read; stat now so a missing key
	// fails here instead of mid-copy.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return obj, nil
}

// DownloadTo streams the object into destPath.
func (s *MinioStore) DownloadTo(ctx context.Context, key, destPath string) error {
	reader, err := s.Download(ctx, key)
	if err != nil {
		return err
	}
	defer reader.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}

// Upload stores an object.
func (s *MinioStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadInfo, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.mc.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return &UploadInfo{Checksum: info.ETag, Size: info.Size}, nil
}

// Presign returns a time-limited GET URL for the object.
func (s *MinioStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.mc.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}
