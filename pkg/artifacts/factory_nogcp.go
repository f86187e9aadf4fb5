//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, MirrorConfig) (Store, error) {
	return nil, fmt.Errorf("GCS mirror is not enabled in this build (use -tags gcp)")
}
