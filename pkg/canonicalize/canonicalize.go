// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content addressing. Everything the control plane
// hashes — events, verifier plans, attestations, atoms, AHDB snapshots —
// goes through this package so equal values always produce equal hashes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every content hash with its algorithm.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted by UTF-16 code units and HTML escaping is disabled,
// so the output is byte-stable across processes and replays.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// Hash returns the prefixed SHA-256 digest of the canonical JSON of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// HashString is HashBytes over a string, used for derived identifiers such
// as verifier plan IDs.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HexDigest strips the algorithm prefix, returning the bare hex digest.
// It returns an error when the hash does not carry the expected prefix.
func HexDigest(hash string) (string, error) {
	if !strings.HasPrefix(hash, HashPrefix) {
		return "", fmt.Errorf("canonicalize: unexpected hash format: %q", hash)
	}
	return strings.TrimPrefix(hash, HashPrefix), nil
}

// ValidHash reports whether s looks like a prefixed SHA-256 digest.
func ValidHash(s string) bool {
	hexPart, err := HexDigest(s)
	if err != nil || len(hexPart) != 64 {
		return false
	}
	_, err = hex.DecodeString(hexPart)
	return err == nil
}
