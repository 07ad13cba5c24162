// Package verifier plans and executes the allowlisted verification suite.
// Only verifiers declared in the static allowlist may ever run; the planner
// chooses deterministically from that set, and the runner keeps raw output
// out of the control stream by streaming it to the artifact store.
package verifier

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/config"
)

// ErrAllowlistMissing means no verifier allowlist could be loaded. The CLI
// maps this to its own exit code.
var ErrAllowlistMissing = errors.New("verifier allowlist missing")

// Entry is one allowlisted verifier.
type Entry struct {
	ID          string   `json:"id" yaml:"id"`
	Type        string   `json:"type" yaml:"type"` // unit|lint|typecheck|security|integration|wasm
	Command     string   `json:"command" yaml:"command"`
	Scopes      []string `json:"scopes,omitempty" yaml:"scopes"`
	Moods       []string `json:"moods,omitempty" yaml:"moods"`
	Priority    int      `json:"priority" yaml:"priority"`
	Independent bool     `json:"independent,omitempty" yaml:"independent"`
	TimeoutSec  int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	Required    bool     `json:"required,omitempty" yaml:"required"`
	MinVersion  string   `json:"min_version,omitempty" yaml:"min_version"`
	Version     string   `json:"version,omitempty" yaml:"version"`
}

// Argv splits the command template into an argv vector.
func (e Entry) Argv() []string {
	return strings.Fields(e.Command)
}

type allowlistFile struct {
	Verifiers    []Entry             `json:"verifiers" yaml:"verifiers"`
	MoodDefaults map[string][]string `json:"mood_defaults,omitempty" yaml:"mood_defaults"`
}

const allowlistSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["verifiers"],
	"properties": {
		"verifiers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type", "command"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "enum": ["unit", "lint", "typecheck", "security", "integration", "regression", "wasm"]},
					"command": {"type": "string", "minLength": 1},
					"scopes": {"type": "array", "items": {"type": "string"}},
					"moods": {"type": "array", "items": {"type": "string"}},
					"priority": {"type": "integer"},
					"independent": {"type": "boolean"},
					"timeout_seconds": {"type": "integer", "minimum": 1},
					"required": {"type": "boolean"},
					"min_version": {"type": "string"},
					"version": {"type": "string"}
				}
			}
		},
		"mood_defaults": {
			"type": "object",
			"additionalProperties": {"type": "array", "items": {"type": "string"}}
		}
	}
}`

// Registry is the loaded, validated allowlist.
type Registry struct {
	entries      map[string]Entry
	moodDefaults map[string][]string
	configHash   string
}

// LoadRegistry reads and validates the allowlist YAML. A missing file is
// ErrAllowlistMissing; schema or semver violations are load errors.
func LoadRegistry(path string) (*Registry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAllowlistMissing, path)
	}
	var file allowlistFile
	if err := config.LoadValidatedYAML(path, allowlistSchema, &file); err != nil {
		return nil, fmt.Errorf("verifier: allowlist: %w", err)
	}
	return newRegistry(file)
}

func newRegistry(file allowlistFile) (*Registry, error) {
	r := &Registry{
		entries:      make(map[string]Entry, len(file.Verifiers)),
		moodDefaults: file.MoodDefaults,
	}
	for _, e := range file.Verifiers {
		if _, dup := r.entries[e.ID]; dup {
			return nil, fmt.Errorf("verifier: duplicate allowlist id %q", e.ID)
		}
		if e.MinVersion != "" {
			if _, err := semver.NewVersion(e.MinVersion); err != nil {
				return nil, fmt.Errorf("verifier: %s: bad min_version %q: %w", e.ID, e.MinVersion, err)
			}
		}
		if e.Version == "" {
			e.Version = "v0"
		}
		if v, err := semver.NewVersion(strings.TrimPrefix(e.Version, "v")); err == nil && e.MinVersion != "" {
			min := semver.MustParse(e.MinVersion)
			if v.LessThan(min) {
				return nil, fmt.Errorf("verifier: %s: version %s below min_version %s", e.ID, e.Version, e.MinVersion)
			}
		}
		if e.TimeoutSec <= 0 {
			e.TimeoutSec = 300
		}
		r.entries[e.ID] = e
	}

	hash, err := canonicalize.Hash(file)
	if err != nil {
		return nil, err
	}
	r.configHash = hash
	return r, nil
}

// Get returns one entry by ID.
func (r *Registry) Get(id string) (Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// ConfigHash content-addresses the whole allowlist; attestations carry it so
// a plan binds to the exact configuration it ran under.
func (r *Registry) ConfigHash() string { return r.configHash }

// MoodDefaults returns the default verifier set for a mood.
func (r *Registry) MoodDefaults(mood string) []string {
	return r.moodDefaults[strings.ToUpper(mood)]
}

// Entries returns all allowlisted verifiers (unordered).
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
