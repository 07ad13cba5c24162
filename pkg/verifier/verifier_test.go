package verifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/contracts"
)

const allowlistYAML = `
verifiers:
  - id: v-unit
    type: unit
    command: "go test ./..."
    scopes: ["pkg/"]
    moods: [CALM, SKEPTICAL, PARANOID]
    priority: 10
    timeout_seconds: 60
  - id: v-lint
    type: lint
    command: "golangci-lint run"
    scopes: ["*.go", "pkg/"]
    priority: 20
    independent: true
  - id: v-sec
    type: security
    command: "gosec ./..."
    moods: [PARANOID]
    scopes: ["pkg/"]
    priority: 5
mood_defaults:
  SKEPTICAL: [v-unit]
  PARANOID: [v-unit, v-sec]
`

func writeAllowlist(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(allowlistYAML), 0o640))
	return path
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllowlistMissing))
}

func TestLoadRegistryRejectsBadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verifiers:\n  - id: x\n"), 0o640))
	_, err := LoadRegistry(path)
	require.Error(t, err, "entries without type/command must be rejected")
}

func TestLoadRegistryRejectsBadSemver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	bad := "verifiers:\n  - id: x\n    type: unit\n    command: \"true\"\n    min_version: \"not-a-version\"\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o640))
	_, err := LoadRegistry(path)
	require.Error(t, err)
}

func TestPlannerSelectDeterministic(t *testing.T) {
	reg, err := LoadRegistry(writeAllowlist(t))
	require.NoError(t, err)
	p := NewPlanner(reg)

	plan1, err := p.Select("SKEPTICAL", []string{"pkg/a.go", "pkg/b.go"}, contracts.RiskLow, nil)
	require.NoError(t, err)
	plan2, err := p.Select("SKEPTICAL", []string{"pkg/b.go", "pkg/a.go", "./pkg/a.go"}, contracts.RiskLow, nil)
	require.NoError(t, err)

	assert.Equal(t, plan1.PlanID, plan2.PlanID, "path order and ./ prefixes must not change the plan")
	// v-lint has higher priority than v-unit
	assert.Equal(t, []string{"v-lint", "v-unit"}, plan1.VerifierIDs)
}

func TestPlannerMoodCoverageAndRequired(t *testing.T) {
	reg, err := LoadRegistry(writeAllowlist(t))
	require.NoError(t, err)
	p := NewPlanner(reg)

	// v-sec only covers PARANOID, so a CALM run does not pick it by scope
	calm, err := p.Select("CALM", []string{"pkg/a.go"}, contracts.RiskLow, nil)
	require.NoError(t, err)
	assert.NotContains(t, calm.VerifierIDs, "v-sec")

	// but a required verifier is force-included regardless of mood
	forced, err := p.Select("CALM", []string{"pkg/a.go"}, contracts.RiskLow, []string{"v-sec"})
	require.NoError(t, err)
	assert.Contains(t, forced.VerifierIDs, "v-sec")

	// unknown required verifiers are carried, not dropped silently
	ghost, err := p.Select("CALM", nil, contracts.RiskLow, []string{"v-ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"v-ghost"}, ghost.UnknownRequired)

	withGhost, err := p.Select("CALM", nil, contracts.RiskLow, nil)
	require.NoError(t, err)
	assert.NotEqual(t, withGhost.PlanID, ghost.PlanID, "unknown required must change the plan identity")
}

func TestPlannerAllowlistRequiredAlwaysIncluded(t *testing.T) {
	yaml := "verifiers:\n" +
		"  - id: v-contract\n" +
		"    type: typecheck\n" +
		"    command: \"contractcheck\"\n" +
		"    moods: [PARANOID]\n" +
		"    required: true\n"
	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o640))
	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	// included even though the mood does not cover it and nothing matches
	plan, err := NewPlanner(reg).Select("CALM", nil, contracts.RiskLow, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-contract"}, plan.VerifierIDs)
}

func TestScopeMatching(t *testing.T) {
	assert.True(t, matchesScope([]string{"pkg/api/server.go"}, []string{"pkg/"}))
	assert.True(t, matchesScope([]string{"main.go"}, []string{"*.go"}))
	assert.False(t, matchesScope([]string{"docs/readme.md"}, []string{"pkg/", "*.go"}))
	assert.False(t, matchesScope([]string{"pkg/a.go"}, nil))
}

// scriptedSession plays back canned exec results.
type scriptedSession struct {
	results  []scriptedResult
	call     int
	restores int
}

type scriptedResult struct {
	exit           int
	stdout, stderr string
	err            error
}

func (s *scriptedSession) Run(_ context.Context, _ []string, _ time.Duration) (int, []byte, []byte, error) {
	r := s.results[s.call]
	if s.call < len(s.results)-1 {
		s.call++
	}
	return r.exit, []byte(r.stdout), []byte(r.stderr), r.err
}

func (s *scriptedSession) Restore(context.Context) error { s.restores++; return nil }
func (s *scriptedSession) Close(context.Context) error   { return nil }

func scriptedFactory(sessions ...*scriptedSession) SessionFactory {
	i := 0
	return func(context.Context) (Session, error) {
		s := sessions[i]
		if i < len(sessions)-1 {
			i++
		}
		return s, nil
	}
}

func newTestRunner(t *testing.T, factory SessionFactory) (*Runner, *Registry, artifacts.Store) {
	t.Helper()
	reg, err := LoadRegistry(writeAllowlist(t))
	require.NoError(t, err)
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewRunner(reg, store, factory), reg, store
}

func TestRunnerPass(t *testing.T) {
	ctx := context.Background()
	sess := &scriptedSession{results: []scriptedResult{{exit: 0, stdout: "ok\n"}}}
	r, reg, store := newTestRunner(t, scriptedFactory(sess))

	p := NewPlanner(reg)
	plan, err := p.Select("CALM", nil, contracts.RiskLow, []string{"v-unit"})
	require.NoError(t, err)

	outcomes, err := r.Execute(ctx, plan)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	assert.Equal(t, contracts.VerifierPass, out.Report.Result)
	assert.Equal(t, reg.ConfigHash(), out.Attestation.ConfigHash)
	assert.Equal(t, out.AttestationHash, out.Attestation.ID)

	raw, err := store.Get(ctx, out.ArtifactHash)
	require.NoError(t, err)
	assert.Equal(t, "STDOUT\nok\n\nSTDERR\n", string(raw))
}

func TestRunnerFlakyOnCleanRetryPass(t *testing.T) {
	sess := &scriptedSession{results: []scriptedResult{
		{exit: 1, stderr: "FAIL: TestX race 42\n"},
		{exit: 0, stdout: "ok\n"},
	}}
	r, reg, _ := newTestRunner(t, scriptedFactory(sess))
	plan, err := NewPlanner(reg).Select("CALM", nil, contracts.RiskLow, []string{"v-unit"})
	require.NoError(t, err)

	outcomes, err := r.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifierFlaky, outcomes[0].Report.Result)
	assert.Equal(t, 1, sess.restores, "retry must start from a clean restore")
	assert.True(t, outcomes[0].Report.Retried)
}

func TestRunnerFailOnRepeatedSignature(t *testing.T) {
	sess := &scriptedSession{results: []scriptedResult{
		{exit: 1, stderr: "FAIL: TestX line 42\n"},
		{exit: 1, stderr: "FAIL: TestX line 42\n"},
	}}
	r, reg, _ := newTestRunner(t, scriptedFactory(sess))
	plan, err := NewPlanner(reg).Select("CALM", nil, contracts.RiskLow, []string{"v-unit"})
	require.NoError(t, err)

	outcomes, err := r.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifierFail, outcomes[0].Report.Result)
	assert.Equal(t, []string{"fail: testx line #"}, outcomes[0].Report.FailureSignatures)
}

func TestRunnerInconclusiveOnNondeterministicFailure(t *testing.T) {
	sess := &scriptedSession{results: []scriptedResult{
		{exit: 1, stderr: "FAIL: TestX\n"},
		{exit: 2, stderr: "panic: something else\n"},
	}}
	r, reg, _ := newTestRunner(t, scriptedFactory(sess))
	plan, err := NewPlanner(reg).Select("CALM", nil, contracts.RiskLow, []string{"v-unit"})
	require.NoError(t, err)

	outcomes, err := r.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifierInconclusive, outcomes[0].Report.Result)
}

func TestRunnerCrashIsInconclusive(t *testing.T) {
	sess := &scriptedSession{results: []scriptedResult{
		{err: errors.New("executor lost")},
	}}
	r, reg, _ := newTestRunner(t, scriptedFactory(sess))
	plan, err := NewPlanner(reg).Select("CALM", nil, contracts.RiskLow, []string{"v-unit"})
	require.NoError(t, err)

	outcomes, err := r.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerifierInconclusive, outcomes[0].Report.Result)
	require.NotEmpty(t, outcomes[0].Report.FailureSignatures)
	assert.Contains(t, outcomes[0].Report.FailureSignatures[0], "crash")
}

func TestRunnerOutcomesInPlanOrder(t *testing.T) {
	// v-lint (independent) and v-unit both pass; outcomes must follow plan
	// order whatever the completion order
	lint := &scriptedSession{results: []scriptedResult{{exit: 0}}}
	unit := &scriptedSession{results: []scriptedResult{{exit: 0}}}
	r, reg, _ := newTestRunner(t, scriptedFactory(unit, lint))

	plan, err := NewPlanner(reg).Select("SKEPTICAL", []string{"pkg/a.go"}, contracts.RiskLow, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"v-lint", "v-unit"}, plan.VerifierIDs)

	outcomes, err := r.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "v-lint", outcomes[0].VerifierID)
	assert.Equal(t, "v-unit", outcomes[1].VerifierID)
}
