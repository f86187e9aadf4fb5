//go:build gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg MirrorConfig) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("ARCHIVE_MIRROR_GCS_BUCKET is required for GCS mirror")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
