package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	platformstore "github.com/flowtrace-labs/flowtrace-go/internal/platform/objectstore"
)

// defaultPresignTTL bounds presigned links when the caller does not ask
// for a lifetime.
const defaultPresignTTL = 10 * time.Minute

// MinioStore serves the Store interface over a MinIO (or any
// S3-compatible) endpoint.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, body, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get returns the object body and its metadata. The metadata comes from
// the object handle itself, so the body and the info describe the same
// version even if the key is overwritten concurrently.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return obj, infoFrom(stat), nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return infoFrom(stat), nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return s.presign(ctx, bucket, key, ttl, func(ctx context.Context, ttl time.Duration) (fmt.Stringer, error) {
		return s.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	})
}

func (s *MinioStore) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return s.presign(ctx, bucket, key, ttl, func(ctx context.Context, ttl time.Duration) (fmt.Stringer, error) {
		return s.client.PresignedPutObject(ctx, bucket, key, ttl)
	})
}

func (s *MinioStore) presign(ctx context.Context, bucket, key string, ttl time.Duration,
	sign func(context.Context, time.Duration) (fmt.Stringer, error)) (string, error) {
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	u, err := sign(ctx, ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func infoFrom(stat minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}
}
