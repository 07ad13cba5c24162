package mood

import (
	"fmt"
	"strings"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/config"
	"github.com/choiros/director/pkg/contracts"
)

// Strictness controls how verifier results gate commits under a mood.
type Strictness string

const (
	StrictnessLenient  Strictness = "lenient"  // only fail blocks
	StrictnessStandard Strictness = "standard" // fail blocks, inconclusive warns
	StrictnessStrict   Strictness = "strict"   // fail and inconclusive block
)

// Profile is the capability posture of one mood. Profiles are loaded once
// and never mutated.
type Profile struct {
	Mood               Mood              `json:"mood" yaml:"mood"`
	ModelTier          string            `json:"model_tier" yaml:"model_tier"`
	ToolAllowlist      []string          `json:"tool_allowlist,omitempty" yaml:"tool_allowlist"`
	DataScope          string            `json:"data_scope" yaml:"data_scope"`
	VerifierStrictness Strictness        `json:"verifier_strictness" yaml:"verifier_strictness"`
	Budgets            contracts.Budgets `json:"budgets" yaml:"budgets"`
	StopRules          []string          `json:"stop_rules,omitempty" yaml:"stop_rules"`
	Egress             string            `json:"egress" yaml:"egress"` // off|allowlist|full
}

// BlocksInconclusive reports whether an inconclusive verifier result blocks
// commit under this profile.
func (p Profile) BlocksInconclusive() bool {
	return p.VerifierStrictness == StrictnessStrict
}

// ToolAllowed reports whether the profile admits a tool. An empty allowlist
// admits nothing; "*" admits everything.
func (p Profile) ToolAllowed(tool string) bool {
	for _, t := range p.ToolAllowlist {
		if t == "*" || t == tool {
			return true
		}
	}
	return false
}

type profileFile struct {
	Version  string    `json:"version" yaml:"version"`
	Profiles []Profile `json:"profiles" yaml:"profiles"`
}

const profileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "profiles"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"profiles": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["mood", "model_tier", "verifier_strictness", "egress"],
				"properties": {
					"mood": {"type": "string", "enum": ["CALM", "CURIOUS", "SKEPTICAL", "PARANOID", "BOLD", "PETTY", "CONTRITE", "DEFERENTIAL"]},
					"model_tier": {"type": "string", "minLength": 1},
					"tool_allowlist": {"type": "array", "items": {"type": "string"}},
					"data_scope": {"type": "string"},
					"verifier_strictness": {"type": "string", "enum": ["lenient", "standard", "strict"]},
					"budgets": {
						"type": "object",
						"properties": {
							"tokens": {"type": "integer", "minimum": 0},
							"time_ms": {"type": "integer", "minimum": 0},
							"iterations": {"type": "integer", "minimum": 0},
							"diff_bytes": {"type": "integer", "minimum": 0}
						}
					},
					"stop_rules": {"type": "array", "items": {"type": "string"}},
					"egress": {"type": "string", "enum": ["off", "allowlist", "full"]}
				}
			}
		}
	}
}`

// ProfileSet is a validated, versioned set of mood profiles.
type ProfileSet struct {
	version    string
	profiles   map[Mood]Profile
	configHash string
}

// LoadProfiles reads and validates a profile YAML document. Every mood must
// have exactly one profile.
func LoadProfiles(path string) (*ProfileSet, error) {
	var file profileFile
	if err := config.LoadValidatedYAML(path, profileSchema, &file); err != nil {
		return nil, fmt.Errorf("mood: profiles: %w", err)
	}
	return newProfileSet(file)
}

// ParseProfiles validates an in-memory profile document.
func ParseProfiles(data []byte) (*ProfileSet, error) {
	var file profileFile
	if err := config.ValidateYAML(data, profileSchema, &file, "mood-profiles"); err != nil {
		return nil, fmt.Errorf("mood: profiles: %w", err)
	}
	return newProfileSet(file)
}

func newProfileSet(file profileFile) (*ProfileSet, error) {
	set := &ProfileSet{
		version:  file.Version,
		profiles: make(map[Mood]Profile, len(file.Profiles)),
	}
	for _, p := range file.Profiles {
		m := Mood(strings.ToUpper(string(p.Mood)))
		if _, dup := set.profiles[m]; dup {
			return nil, fmt.Errorf("mood: duplicate profile for %s", m)
		}
		p.Mood = m
		set.profiles[m] = p
	}
	for _, m := range Moods {
		if _, ok := set.profiles[m]; !ok {
			return nil, fmt.Errorf("mood: no profile for %s", m)
		}
	}
	hash, err := canonicalize.Hash(file)
	if err != nil {
		return nil, err
	}
	set.configHash = hash
	return set, nil
}

// Version is the profile document's declared version.
func (s *ProfileSet) Version() string { return s.version }

// ConfigHash content-addresses the whole profile document.
func (s *ProfileSet) ConfigHash() string { return s.configHash }

// Get returns the profile of one mood.
func (s *ProfileSet) Get(m Mood) (Profile, bool) {
	p, ok := s.profiles[m]
	return p, ok
}

// defaultProfilesYAML ships a conservative baseline so the engine works
// without an operator-supplied document. PARANOID and DEFERENTIAL deny
// egress and trim budgets hard; BOLD is the only full-egress posture.
const defaultProfilesYAML = `
version: "v1"
profiles:
  - mood: CALM
    model_tier: standard
    tool_allowlist: ["*"]
    data_scope: workspace
    verifier_strictness: standard
    egress: allowlist
    budgets: {tokens: 200000, time_ms: 600000, iterations: 25, diff_bytes: 262144}
  - mood: CURIOUS
    model_tier: standard
    tool_allowlist: ["read", "search", "ask"]
    data_scope: workspace
    verifier_strictness: lenient
    egress: allowlist
    budgets: {tokens: 100000, time_ms: 300000, iterations: 15, diff_bytes: 65536}
  - mood: SKEPTICAL
    model_tier: standard
    tool_allowlist: ["*"]
    data_scope: workspace
    verifier_strictness: strict
    egress: allowlist
    budgets: {tokens: 200000, time_ms: 600000, iterations: 25, diff_bytes: 131072}
  - mood: PARANOID
    model_tier: premium
    tool_allowlist: ["read", "verify"]
    data_scope: sandbox
    verifier_strictness: strict
    egress: "off"
    budgets: {tokens: 100000, time_ms: 300000, iterations: 10, diff_bytes: 32768}
    stop_rules: ["stop_on_first_denial"]
  - mood: BOLD
    model_tier: premium
    tool_allowlist: ["*"]
    data_scope: workspace
    verifier_strictness: standard
    egress: full
    budgets: {tokens: 400000, time_ms: 1200000, iterations: 40, diff_bytes: 524288}
  - mood: PETTY
    model_tier: standard
    tool_allowlist: ["read"]
    data_scope: sandbox
    verifier_strictness: strict
    egress: "off"
    budgets: {tokens: 50000, time_ms: 120000, iterations: 5, diff_bytes: 0}
    stop_rules: ["require_operator_review"]
  - mood: CONTRITE
    model_tier: standard
    tool_allowlist: ["read", "rebuild"]
    data_scope: sandbox
    verifier_strictness: strict
    egress: "off"
    budgets: {tokens: 50000, time_ms: 300000, iterations: 5, diff_bytes: 0}
    stop_rules: ["rebuild_projection_first"]
  - mood: DEFERENTIAL
    model_tier: standard
    tool_allowlist: ["read", "ask"]
    data_scope: workspace
    verifier_strictness: strict
    egress: "off"
    budgets: {tokens: 50000, time_ms: 300000, iterations: 5, diff_bytes: 0}
    stop_rules: ["wait_for_preference"]
`

// DefaultProfiles returns the built-in profile set. It panics only if the
// embedded document is itself invalid, which is a programming error.
func DefaultProfiles() *ProfileSet {
	set, err := ParseProfiles([]byte(defaultProfilesYAML))
	if err != nil {
		panic(err)
	}
	return set
}
