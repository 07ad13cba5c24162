package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/choiros/director/pkg/canonicalize"
)

// GCSStore keeps artifacts in a Google Cloud Storage bucket, keyed the same
// way as the S3 backend. Credentials come from Application Default
// Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore builds a GCS artifact store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(hash string) (*storage.ObjectHandle, error) {
	hexPart, err := canonicalize.HexDigest(hash)
	if err != nil || !canonicalize.ValidHash(hash) {
		return nil, fmt.Errorf("artifacts: invalid hash %q", hash)
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + hexPart + ".blob"), nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	obj, err := s.object(hash)
	if err != nil {
		return "", err
	}

	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifacts: gcs close: %w", err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	obj, err := s.object(hash)
	if err != nil {
		return nil, err
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", hash, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", hash, err)
	}
	if got := canonicalize.HashBytes(data); got != hash {
		return nil, fmt.Errorf("artifacts: corrupted blob %s: content hashes to %s", hash, got)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	obj, err := s.object(hash)
	if err != nil {
		return false, err
	}

	_, err = obj.Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: gcs attrs: %w", err)
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	obj, err := s.object(hash)
	if err != nil {
		return err
	}

	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", hash, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
