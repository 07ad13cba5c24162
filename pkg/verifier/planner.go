package verifier

import (
	"path"
	"sort"
	"strings"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/contracts"
)

// Plan is a deterministic verifier selection. The same inputs always
// produce the same plan ID, so a run's evidence binds to exactly one
// selection decision.
type Plan struct {
	PlanID          string   `json:"plan_id"`
	InputsHash      string   `json:"inputs_hash"`
	VerifierIDs     []string `json:"verifier_ids"`
	UnknownRequired []string `json:"unknown_required,omitempty"`
}

// Planner selects verifier plans from one registry.
type Planner struct {
	registry *Registry
}

// NewPlanner wires the registry.
func NewPlanner(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// Select builds the plan for one run: required verifiers are force-included
// when known (both the per-run list and entries flagged required in the
// allowlist), the mood's default set is added, and every allowlisted
// verifier whose mood coverage and scope match the touched paths joins.
// Order is priority descending, then ID. Unknown required verifiers cannot
// run but are carried in the inputs so the gap is visible in the plan.
func (p *Planner) Select(mood string, touchedPaths []string, riskTier contracts.RiskTier, required []string) (Plan, error) {
	moodKey := strings.ToUpper(mood)
	selected := make(map[string]bool)
	var unknownRequired []string

	for _, id := range required {
		if _, ok := p.registry.Get(id); ok {
			selected[id] = true
		} else {
			unknownRequired = append(unknownRequired, id)
		}
	}
	for _, id := range p.registry.MoodDefaults(moodKey) {
		if _, ok := p.registry.Get(id); ok {
			selected[id] = true
		}
	}
	for _, e := range p.registry.Entries() {
		if e.Required {
			selected[e.ID] = true
			continue
		}
		if !moodCovered(e, moodKey) {
			continue
		}
		if matchesScope(touchedPaths, e.Scopes) {
			selected[e.ID] = true
		}
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := p.registry.Get(ids[i])
		b, _ := p.registry.Get(ids[j])
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return ids[i] < ids[j]
	})
	sort.Strings(unknownRequired)

	normTouched := normalizedSet(touchedPaths)
	sortedRequired := append([]string(nil), required...)
	sort.Strings(sortedRequired)

	inputs := map[string]any{
		"touched_paths":      normTouched,
		"mood":               moodKey,
		"required_verifiers": sortedRequired,
		"risk_tier":          string(riskTier),
		"verifier_ids":       ids,
		"unknown_required":   unknownRequired,
		"config_hash":        p.registry.ConfigHash(),
	}
	inputsHash, err := canonicalize.Hash(inputs)
	if err != nil {
		return Plan{}, err
	}

	return Plan{
		PlanID:          canonicalize.HashString("plan:" + inputsHash),
		InputsHash:      inputsHash,
		VerifierIDs:     ids,
		UnknownRequired: unknownRequired,
	}, nil
}

// moodCovered applies the entry's mood list; an empty list covers every
// mood.
func moodCovered(e Entry, moodKey string) bool {
	if len(e.Moods) == 0 || moodKey == "" {
		return true
	}
	for _, m := range e.Moods {
		if strings.ToUpper(m) == moodKey {
			return true
		}
	}
	return false
}

// matchesScope reports whether any touched path falls under any scope
// pattern. A scope ending in "/" is a directory prefix; anything else is a
// glob.
func matchesScope(touched, scopes []string) bool {
	if len(scopes) == 0 {
		return false
	}
	for _, scope := range scopes {
		s := normalizePath(scope)
		for _, t := range touched {
			tn := normalizePath(t)
			if strings.HasSuffix(s, "/") {
				if strings.HasPrefix(tn, s) {
					return true
				}
				continue
			}
			if ok, _ := path.Match(s, tn); ok {
				return true
			}
		}
	}
	return false
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimLeft(p, "./")
}

func normalizedSet(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := normalizePath(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
