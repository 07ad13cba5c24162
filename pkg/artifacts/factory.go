package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// NewStoreFromURL builds a Store keyed by URL scheme:
//
//	""                      → file store under dataDir/artifacts
//	file:///abs/path        → file store at the given path
//	s3://bucket/prefix      → S3 backend
//	gs://bucket/prefix      → GCS backend
//
// For s3 URLs, query parameters region and endpoint override defaults, e.g.
// s3://blobs/artifacts?region=eu-west-1&endpoint=http://localhost:9000.
func NewStoreFromURL(ctx context.Context, rawURL, dataDir string) (Store, error) {
	if rawURL == "" {
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("artifacts: parse url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "file":
		return NewFileStore(u.Path)
	case "s3":
		region := u.Query().Get("region")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Region:   region,
			Endpoint: u.Query().Get("endpoint"),
			Prefix:   keyPrefix(u.Path),
		})
	case "gs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket: u.Host,
			Prefix: keyPrefix(u.Path),
		})
	default:
		return nil, fmt.Errorf("artifacts: unsupported scheme %q", u.Scheme)
	}
}

func keyPrefix(path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
