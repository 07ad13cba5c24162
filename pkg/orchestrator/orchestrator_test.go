package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/mood"
	"github.com/choiros/director/pkg/orchestrator"
	"github.com/choiros/director/pkg/projection"
	"github.com/choiros/director/pkg/sandbox"
	"github.com/choiros/director/pkg/verifier"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const passingAllowlist = `
verifiers:
  - id: v-unit
    type: unit
    command: "true"
    scopes: ["src/"]
    priority: 10
    timeout_seconds: 30
mood_defaults:
  CALM: [v-unit]
  SKEPTICAL: [v-unit]
`

const failingAllowlist = `
verifiers:
  - id: v-unit
    type: unit
    command: "false"
    scopes: ["src/"]
    priority: 10
    timeout_seconds: 30
mood_defaults:
  CALM: [v-unit]
`

// escalationAllowlist fails in CALM and covers nothing in SKEPTICAL, so a
// strict run ends up with zero evidence.
const escalationAllowlist = `
verifiers:
  - id: v-unit
    type: unit
    command: "false"
    moods: [CALM]
    scopes: ["src/"]
    priority: 10
    timeout_seconds: 30
mood_defaults:
  CALM: [v-unit]
`

// fakeAssociate plays back a scripted result sequence; the last entry
// repeats once the script runs out.
type fakeAssociate struct {
	mu     sync.Mutex
	script []contracts.AssociateResult
	calls  int
}

func (f *fakeAssociate) Execute(_ context.Context, task contracts.DirectorTask) (contracts.AssociateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) == 0 {
		return contracts.AssociateResult{TaskID: task.TaskID}, nil
	}
	res := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	res.TaskID = task.TaskID
	return res, nil
}

func (f *fakeAssociate) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	log   *eventlog.MemoryLog
	store *projection.Store
	dir   *orchestrator.Director
}

func newHarness(t *testing.T, allowlist string, assoc orchestrator.Associate) *harness {
	t.Helper()
	ctx := context.Background()

	db, dialect, err := database.Open(ctx, "", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := projection.New(ctx, db, dialect)
	require.NoError(t, err)

	arts, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sb, err := sandbox.NewLocal(t.TempDir(), arts)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(allowlist), 0o640))
	registry, err := verifier.LoadRegistry(path)
	require.NoError(t, err)

	log := eventlog.NewMemoryLog()
	dir, err := orchestrator.New(orchestrator.Deps{
		Log:       log,
		Store:     store,
		Sandboxes: sb,
		Verifiers: registry,
		Artifacts: arts,
		Profiles:  mood.DefaultProfiles(),
		Associate: assoc,
	}, orchestrator.Config{UserID: "tester", LeaseSecret: "orchestrator-test-secret"})
	require.NoError(t, err)

	return &harness{log: log, store: store, dir: dir}
}

func (h *harness) createItem(t *testing.T, id string, acceptance ...string) {
	t.Helper()
	require.NoError(t, h.dir.CreateWorkItem(context.Background(), contracts.WorkItem{
		ID:                 id,
		Description:        "objective " + id,
		AcceptanceCriteria: acceptance,
		RiskTier:           contracts.RiskLow,
	}))
}

// seedConjectures fills the conjectures lane so the entry guard lands in
// CALM instead of CURIOUS.
func (h *harness) seedConjectures(t *testing.T) {
	t.Helper()
	_, err := h.dir.Emitter().AHDBDelta(context.Background(), "", map[string]any{
		"conjectures": []any{map[string]any{"text": "the fix is local to src"}},
	})
	require.NoError(t, err)
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	last, err := h.log.LastSequence(ctx)
	require.NoError(t, err)
	envs, err := h.log.Range(ctx, 1, last)
	require.NoError(t, err)
	types := make([]string, 0, len(envs))
	for _, env := range envs {
		types = append(types, env.Event.EventType)
	}
	return types
}

func receiptKinds(records []projection.ReceiptRecord) []string {
	kinds := make([]string, 0, len(records))
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func TestCleanRunCommits(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		FileWrites:   []contracts.FileWrite{{Path: "src/main.txt", Content: "hello\n"}},
		SelfVerified: true,
		TokensUsed:   100,
	}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "test t_ok passes")
	h.seedConjectures(t)

	res, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCommitted, res.Status)
	assert.Equal(t, "CALM", res.Mood)
	assert.NotEmpty(t, res.PlanID)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, contracts.VerifierPass, res.Outcomes[0].Report.Result)

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCommitted, run.Status)

	item, err := h.store.GetWorkItem(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.WorkItemDone, item.Status)

	kinds := receiptKinds(mustReceipts(t, h, res.RunID))
	assert.Contains(t, kinds, eventlog.TypeReceiptPatch)
	assert.Contains(t, kinds, eventlog.TypeReceiptVerifier)
	assert.Contains(t, kinds, eventlog.TypeReceiptCommit)

	types := h.eventTypes(t)
	assert.NotContains(t, types, eventlog.TypeNoteHyperthesis)
	assert.Contains(t, types, eventlog.TypeFileWrite)
}

func mustReceipts(t *testing.T, h *harness, runID string) []projection.ReceiptRecord {
	t.Helper()
	records, err := h.store.ReceiptsForRun(context.Background(), runID)
	require.NoError(t, err)
	return records
}

func TestVerifierFailureDiscardsWithNotes(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		FileWrites:   []contracts.FileWrite{{Path: "src/main.txt", Content: "broken\n"}},
		SelfVerified: true,
	}}}
	h := newHarness(t, failingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "test t_ok passes")
	h.seedConjectures(t)

	res, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDiscarded, res.Status)
	assert.True(t, res.CommitRefused)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, contracts.VerifierFail, res.Outcomes[0].Report.Result)

	// No durable code: file events only land at commit.
	types := h.eventTypes(t)
	assert.NotContains(t, types, eventlog.TypeFileWrite)
	assert.Contains(t, types, eventlog.TypeNoteHypothesis)
	assert.Contains(t, types, eventlog.TypeNoteHyperthesis)
	assert.NotContains(t, receiptKinds(mustReceipts(t, h, res.RunID)), eventlog.TypeReceiptCommit)

	// The objective stays open for a later run.
	item, err := h.store.GetWorkItem(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.WorkItemOpen, item.Status)
}

func TestMoodEscalatesAfterRepeatedDiscards(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		FileWrites:   []contracts.FileWrite{{Path: "src/main.txt", Content: "x"}},
		SelfVerified: true,
	}}}
	h := newHarness(t, escalationAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "test t_ok passes")
	h.seedConjectures(t)

	first, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, "CALM", first.Mood)
	assert.Equal(t, contracts.RunDiscarded, first.Status)

	second, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDiscarded, second.Status)

	third, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, "SKEPTICAL", third.Mood)
	// Nothing in the allowlist covers SKEPTICAL, and a strict posture
	// refuses to commit on zero evidence.
	assert.Equal(t, contracts.RunDiscarded, third.Status)
	assert.Contains(t, third.Reason, "no verifier evidence")
}

func TestBudgetExhaustionEmitsTimeout(t *testing.T) {
	// Never self-verifies and never finishes: the iteration budget is the
	// only way out.
	assoc := &fakeAssociate{}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "test t_ok passes")
	h.seedConjectures(t)

	res, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDiscarded, res.Status)
	assert.Contains(t, res.Reason, "iterations")
	assert.Contains(t, receiptKinds(mustReceipts(t, h, res.RunID)), eventlog.TypeReceiptTimeout)
}

func TestInfeasibleRunSplitsWorkItem(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		Infeasible:     true,
		SplitProposals: []string{"extract the parser", "port the writer"},
	}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "everything at once")
	h.seedConjectures(t)

	res, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunDiscarded, res.Status)
	assert.True(t, res.Split)

	parent, err := h.store.GetWorkItem(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, contracts.WorkItemSplit, parent.Status)

	for _, id := range []string{"W1.1", "W1.2"} {
		child, err := h.store.GetWorkItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.WorkItemOpen, child.Status)
		assert.Equal(t, "W1", child.ParentID)
	}
}

func TestDeniedWritesDoNotDiscard(t *testing.T) {
	// No acceptance criteria: the entry guard lands in CURIOUS, whose tool
	// allowlist does not admit writes.
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		FileWrites:   []contracts.FileWrite{{Path: "src/main.txt", Content: "sneaky"}},
		SelfVerified: true,
	}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1")

	res, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, "CURIOUS", res.Mood)
	// The denied write is skipped, the run itself keeps going and commits
	// with nothing to apply.
	assert.Equal(t, contracts.RunCommitted, res.Status)

	kinds := receiptKinds(mustReceipts(t, h, res.RunID))
	assert.Contains(t, kinds, "receipt.capability.denied")
	assert.NotContains(t, kinds, eventlog.TypeReceiptPatch)
	assert.NotContains(t, h.eventTypes(t), eventlog.TypeFileWrite)
}

func TestConcurrentRunsStayIsolated(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		FileWrites:   []contracts.FileWrite{{Path: "src/shared.txt", Content: "payload"}},
		SelfVerified: true,
	}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "R1", "demo r1")
	h.createItem(t, "R2", "demo r2")
	h.seedConjectures(t)

	results, err := h.dir.RunConcurrent(ctx, []string{"R1", "R2"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NotEqual(t, results[0].RunID, results[1].RunID)
	for _, res := range results {
		assert.Equal(t, contracts.RunCommitted, res.Status, "run %s", res.RunID)
		kinds := receiptKinds(mustReceipts(t, h, res.RunID))
		assert.Contains(t, kinds, eventlog.TypeReceiptCommit)
	}
}

func TestStartRunReturnsBeforeTerminal(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		SelfVerified: true,
	}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "demo")
	h.seedConjectures(t)

	runID, err := h.dir.StartRun(ctx, "W1")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := h.store.GetRun(ctx, runID)
		if err == nil && run.Status.Terminal() {
			assert.Equal(t, contracts.RunCommitted, run.Status)
			break
		}
		require.True(t, time.Now().Before(deadline), "run %s never reached a terminal state", runID)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunEpisodeRejectsNonOpenItem(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{SelfVerified: true}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "demo")
	h.seedConjectures(t)
	_, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)

	_, err = h.dir.RunEpisode(ctx, "W1")
	require.Error(t, err)
	assert.Equal(t, contracts.KindContractViolation, contracts.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "not open"))
}

func TestHaltRefusesNewRuns(t *testing.T) {
	assoc := &fakeAssociate{}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "demo")
	h.dir.Halt("poison marker, operator must acknowledge")

	_, err := h.dir.RunEpisode(ctx, "W1")
	require.Error(t, err)
	assert.Zero(t, assoc.callCount())

	h.dir.Resume()
	halted, _ := h.dir.Halted()
	assert.False(t, halted)
}

func TestCommitGateCheckReportsTerminalRuns(t *testing.T) {
	assoc := &fakeAssociate{script: []contracts.AssociateResult{{
		FileWrites:   []contracts.FileWrite{{Path: "src/main.txt", Content: "ok"}},
		SelfVerified: true,
	}}}
	h := newHarness(t, passingAllowlist, assoc)
	ctx := context.Background()

	h.createItem(t, "W1", "demo")
	h.seedConjectures(t)
	res, err := h.dir.RunEpisode(ctx, "W1")
	require.NoError(t, err)
	require.Equal(t, contracts.RunCommitted, res.Status)

	dec, err := h.dir.CommitGateCheck(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "committed")
}
