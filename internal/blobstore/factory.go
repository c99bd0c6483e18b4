package blobstore

import (
	"context"
	"fmt"

	"github.com/inferplane/inferplane/internal/config"
)

// NewFromConfig selects and constructs the configured backend, fanning out
// to LocalStore or S3Store behind the single Store interface.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch Backend(cfg.BlobBackend) {
	case BackendLocal, "":
		return NewLocalStore(cfg.BlobLocalDir)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("blobstore: S3_BUCKET is required when BLOB_BACKEND=s3")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("blobstore: unsupported backend %q", cfg.BlobBackend)
	}
}
