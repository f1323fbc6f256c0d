package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Sink stores a segment object under a key and returns a reference a
// human can follow (a path, an s3:// URL).
type Sink interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
}

// SinkType selects the archive storage backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// FileSink writes segments under a base directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the base directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create sink dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(ctx context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive: create segment dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", key, err)
	}
	return path, nil
}

// NewSinkFromEnv creates a sink based on environment variables.
//
// Environment variables:
//   - GENESIS_ARCHIVE_SINK: "fs" (default), "s3", or "gcs"
//   - GENESIS_ARCHIVE_DIR: base directory for the fs sink (default: "genesis/archive")
//
// For S3:
//   - GENESIS_ARCHIVE_BUCKET (required)
//   - AWS_REGION (default: "us-east-1")
//   - GENESIS_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - GENESIS_S3_PATH_STYLE (optional, "true" forces path-style addressing)
//   - GENESIS_ARCHIVE_PREFIX (optional)
//
// For GCS:
//   - GENESIS_ARCHIVE_BUCKET (required)
//   - GENESIS_ARCHIVE_PREFIX (optional)
func NewSinkFromEnv(ctx context.Context) (Sink, error) {
	sinkType := SinkType(os.Getenv("GENESIS_ARCHIVE_SINK"))
	if sinkType == "" {
		sinkType = SinkTypeFS
	}

	switch sinkType {
	case SinkTypeFS:
		dir := os.Getenv("GENESIS_ARCHIVE_DIR")
		if dir == "" {
			dir = "genesis/archive"
		}
		return NewFileSink(dir)
	case SinkTypeS3:
		return newS3SinkFromEnv(ctx)
	case SinkTypeGCS:
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported sink type: %s", sinkType)
	}
}
