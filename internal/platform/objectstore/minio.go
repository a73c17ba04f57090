package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// EnsureBucket creates the data bucket if it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketData)
	if err != nil {
		return fmt.Errorf("data bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.BucketData, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make data bucket: %w", err)
	}
	return nil
}

// CheckBucket is the readiness probe counterpart of EnsureBucket.
func CheckBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	exists, err := client.BucketExists(ctx, cfg.BucketData)
	if err != nil {
		return fmt.Errorf("data bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("data bucket missing: %s", cfg.BucketData)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
