package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// ObjectStore defines the interface for interacting with object storage (Local, S3, MinIO, etc.)
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Open returns an S3Store when S3_ENDPOINT is set and a LocalStore rooted
// at localDir otherwise.
func Open(ctx context.Context, localDir string, log *zap.Logger) (ObjectStore, error) {
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		log.Info("using S3/MinIO storage", zap.String("endpoint", endpoint), zap.String("bucket", os.Getenv("S3_BUCKET")))
		store, err := NewS3Store(
			ctx,
			endpoint,
			os.Getenv("S3_REGION"),
			os.Getenv("S3_BUCKET"),
			os.Getenv("S3_ACCESS_KEY"),
			os.Getenv("S3_SECRET_KEY"),
			log,
		)
		if err != nil {
			return nil, fmt.Errorf("init S3 store: %w", err)
		}
		return store, nil
	}

	log.Info("using local storage", zap.String("dir", localDir))
	store, err := NewLocalStore(localDir)
	if err != nil {
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return store, nil
}
