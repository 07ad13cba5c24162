package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/choiros/director/pkg/canonicalize"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("STDOUT\nok\nSTDERR\n")
	hash, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !canonicalize.ValidHash(hash) {
		t.Fatalf("hash %q is not a valid content hash", hash)
	}

	got, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h1, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("idempotence broken: %s vs %s", h1, h2)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	hash, err := s.Put(ctx, []byte("pristine"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	hexPart, _ := canonicalize.HexDigest(hash)
	if err := os.WriteFile(filepath.Join(dir, hexPart+".blob"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := s.Get(ctx, hash); err == nil || !strings.Contains(err.Error(), "corrupted") {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hash, err := s.Put(ctx, []byte("ephemeral"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := s.Exists(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	if err := s.Delete(ctx, hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, hash); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}

	ok, err = s.Exists(ctx, hash)
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v", ok, err)
	}
}

func TestRejectsMalformedHashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, bad := range []string{"", "deadbeef", "sha256:xyz", "md5:abcd"} {
		if _, err := s.Get(ctx, bad); err == nil {
			t.Errorf("Get(%q) accepted malformed hash", bad)
		}
		if _, err := s.Exists(ctx, bad); err == nil {
			t.Errorf("Exists(%q) accepted malformed hash", bad)
		}
	}
}

func TestPutJSONIsCanonical(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Same logical value, different field order in the map literal.
	h1, err := PutJSON(ctx, s, map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	h2, err := PutJSON(ctx, s, map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("canonical JSON hashes differ: %s vs %s", h1, h2)
	}
}

func TestFactorySchemes(t *testing.T) {
	ctx := context.Background()

	s, err := NewStoreFromURL(ctx, "", t.TempDir())
	if err != nil {
		t.Fatalf("default store: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("default store is %T, want *FileStore", s)
	}

	if _, err := NewStoreFromURL(ctx, "ftp://nope", ""); err == nil {
		t.Fatal("unsupported scheme accepted")
	}
}
