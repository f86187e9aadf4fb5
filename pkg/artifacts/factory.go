package artifacts

import (
	"context"
	"fmt"
)

// StoreType selects the mirror backend.
type StoreType string

const (
	StoreTypeNone StoreType = "none"
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// MirrorConfig is filled from ARCHIVE_MIRROR_* environment variables by the
// config package.
type MirrorConfig struct {
	Type       StoreType
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	GCSBucket  string
	GCSPrefix  string
}

// NewStore builds the configured mirror. It returns (nil, nil) when the
// mirror is disabled.
func NewStore(ctx context.Context, cfg MirrorConfig) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeNone:
		return nil, nil
	case StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("ARCHIVE_MIRROR_DIR is required for fs mirror")
		}
		return NewFileStore(cfg.Dir)
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_MIRROR_S3_BUCKET is required for S3 mirror")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive mirror type: %s", cfg.Type)
	}
}
