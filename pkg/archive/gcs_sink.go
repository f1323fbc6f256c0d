//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
)

// GCSSink writes segments to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds configuration for GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSSink creates a GCS-backed segment sink. The client uses
// application default credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSSink) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := s.prefix + key

	w := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if len(key) > 5 && key[len(key)-5:] == ".json" {
		w.ContentType = "application/json"
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write %s: %w", objectKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close %s: %w", objectKey, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectKey), nil
}

func newGCSSinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("GENESIS_ARCHIVE_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: GENESIS_ARCHIVE_BUCKET is required for the gcs sink")
	}
	return NewGCSSink(ctx, GCSSinkConfig{
		Bucket: bucket,
		Prefix: os.Getenv("GENESIS_ARCHIVE_PREFIX"),
	})
}
