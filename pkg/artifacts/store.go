// Package artifacts implements content-addressed storage for opaque blobs:
// raw verifier logs, structured reports, sandbox output streams, and diff
// payloads. Control events never carry raw bytes; they reference artifacts
// by SHA-256 hash through this package.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/choiros/director/pkg/canonicalize"
)

// Store is the content-addressed artifact contract. Put is idempotent:
// storing identical bytes twice yields the same hash and one object.
type Store interface {
	// Put persists data and returns its prefixed content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether an artifact is present.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes an artifact. Deleting a missing artifact is not an
	// error; retention runs are idempotent.
	Delete(ctx context.Context, hash string) error
}

// FileStore is the filesystem backend: one blob file per hash under a flat
// directory, written atomically via tmp+rename.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(hash string) (string, error) {
	hexPart, err := canonicalize.HexDigest(hash)
	if err != nil || !canonicalize.ValidHash(hash) {
		return "", fmt.Errorf("artifacts: invalid hash %q", hash)
	}
	return filepath.Join(s.baseDir, hexPart+".blob"), nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	path, err := s.blobPath(hash)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("artifacts: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("artifacts: close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return hash, nil
}

// Get re-verifies the content hash on read, so a corrupted blob surfaces as
// an error instead of silently feeding bad evidence downstream.
func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	path, err := s.blobPath(hash)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: not found: %s", hash)
		}
		return nil, fmt.Errorf("artifacts: open blob: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	if got := canonicalize.HashBytes(data); got != hash {
		return nil, fmt.Errorf("artifacts: corrupted blob %s: content hashes to %s", hash, got)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	path, err := s.blobPath(hash)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat blob: %w", err)
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	path, err := s.blobPath(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}

// PutJSON canonicalizes v (RFC 8785) and stores the result, so equal values
// always land on the same hash. Used for structured reports and
// attestations.
func PutJSON(ctx context.Context, s Store, v any) (string, error) {
	b, err := canonicalize.JCS(v)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, b)
}
