// Package artifacts mirrors archived inbound messages into content-addressed
// storage. Blobs are keyed by "sha256:<hex>" and are never deleted.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrCorrupt  = errors.New("artifact content does not match its hash")
)

const hashPrefix = "sha256:"

// Store is append-only content-addressed storage.
type Store interface {
	// Put persists data and returns its content hash. Storing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under hash, verified against it.
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

func digest(data []byte) (prefixed, raw string) {
	raw = canonicalize.HashBytes(data)
	return hashPrefix + raw, raw
}

// parseHash validates "sha256:<64 hex>" and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw, nil
}

// objectKey fans blobs out by the first hash byte: "<prefix>ab/ab12...ef.json".
func objectKey(prefix, raw string) string {
	return prefix + raw[:2] + "/" + raw + ".json"
}

// verify rejects bytes whose digest is not raw.
func verify(raw string, data []byte) ([]byte, error) {
	if _, got := digest(data); got != raw {
		return nil, fmt.Errorf("%w: sha256:%s", ErrCorrupt, raw)
	}
	return data, nil
}

// FileStore keeps blobs under a local directory.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure mirror dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(objectKey("", raw)))
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	prefixed, raw := digest(data)
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}
	shard := filepath.Dir(path)
	if err := os.MkdirAll(shard, 0750); err != nil {
		return "", fmt.Errorf("failed to create shard: %w", err)
	}

	tmp, err := os.CreateTemp(shard, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return prefixed, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw)) //nolint:gosec // hash validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return verify(raw, data)
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
