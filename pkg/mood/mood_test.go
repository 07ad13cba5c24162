package mood

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/projection"
)

func TestSelectInitial(t *testing.T) {
	cases := []struct {
		name  string
		in    Signals
		want  Mood
		guard string
	}{
		{"clean start", Signals{HasDemo: true, ConjecturesPresent: true}, CALM, GuardEntryDefault},
		{"crash wins over everything", Signals{CrashDetected: true, HasDemo: true, ConjecturesPresent: true}, CONTRITE, GuardEntryCrash},
		{"missing demo", Signals{HasDemo: false, ConjecturesPresent: true}, CURIOUS, GuardEntryNoDemo},
		{"no conjectures", Signals{HasDemo: true, ConjecturesPresent: false}, CURIOUS, GuardEntryNoDemo},
		{"repeated regressions", Signals{HasDemo: true, ConjecturesPresent: true, RepeatedVerifierFailures: true}, SKEPTICAL, GuardEntryRegress},
		{"privilege with preference", Signals{HasDemo: true, ConjecturesPresent: true, PrivilegeBoundary: true}, PARANOID, GuardEntryPrivilege},
		{"privilege without preference", Signals{HasDemo: true, ConjecturesPresent: true, PrivilegeBoundary: true, PreferenceMissing: true}, DEFERENTIAL, GuardEntryPrivilege},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, guard := SelectInitial(tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.guard, guard)
		})
	}
}

func TestTransitionGuards(t *testing.T) {
	cases := []struct {
		name    string
		current Mood
		in      Signals
		want    Mood
		guard   string
	}{
		{"crash from anywhere", BOLD, Signals{CrashDetected: true}, CONTRITE, GuardAnyCrash},
		{"reward hack from anywhere", CALM, Signals{SuspectedRewardHack: true}, PETTY, GuardAnyRewardHack},
		{"missing preference from anywhere", SKEPTICAL, Signals{PreferenceMissing: true}, DEFERENTIAL, GuardAnyPreference},
		{"calm to curious on ambiguity", CALM, Signals{AmbiguityBlocking: true}, CURIOUS, GuardCalmAmbiguity},
		{"calm to curious on user idk", CALM, Signals{UserUnsure: true}, CURIOUS, GuardCalmAmbiguity},
		{"calm to skeptical on regression", CALM, Signals{VerifiersRegress: true}, SKEPTICAL, GuardCalmRegress},
		{"skeptical to paranoid on hyperthesis", SKEPTICAL, Signals{HyperthesisHigh: true}, PARANOID, GuardSkepticalHyper},
		{"skeptical back to calm once verified", SKEPTICAL, Signals{VerifiedAndBounded: true}, CALM, GuardSkepticalVerified},
		{"paranoid to bold after mitigations", PARANOID, Signals{MitigationsInstalled: true}, BOLD, GuardParanoidMitigated},
		{"contrite recovers to previous", CONTRITE, Signals{StateConsistent: true, PreviousMood: SKEPTICAL}, SKEPTICAL, GuardContriteRecovered},
		{"contrite without previous goes curious", CONTRITE, Signals{StateConsistent: true}, CURIOUS, GuardContriteRecovered},
		{"contrite holds on inconsistent state", CONTRITE, Signals{StateConsistent: false}, CONTRITE, GuardContriteHold},
		{"no guard holds", BOLD, Signals{StateConsistent: true}, BOLD, GuardHold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, guard := Transition(tc.current, tc.in)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.guard, guard)
		})
	}
}

func TestTransitionIsDeterministic(t *testing.T) {
	s := Signals{HasDemo: true, ConjecturesPresent: true, VerifiersRegress: true, StateConsistent: true}
	first, _ := Transition(CALM, s)
	for i := 0; i < 10; i++ {
		got, _ := Transition(CALM, s)
		assert.Equal(t, first, got)
	}
}

func TestStatusPayload(t *testing.T) {
	c := Change{From: CALM, To: SKEPTICAL, Guard: GuardCalmRegress}
	p := c.StatusPayload("r-1")
	assert.Equal(t, "mood_transition", p["kind"])
	assert.Equal(t, "CALM", p["from"])
	assert.Equal(t, "SKEPTICAL", p["to"])
	assert.Equal(t, GuardCalmRegress, p["guard"])
	assert.Equal(t, "r-1", p["run_id"])
}

func TestDefaultProfilesCoverEveryMood(t *testing.T) {
	set := DefaultProfiles()
	require.NotEmpty(t, set.Version())
	require.NotEmpty(t, set.ConfigHash())
	for _, m := range Moods {
		p, ok := set.Get(m)
		require.True(t, ok, "missing profile for %s", m)
		assert.Equal(t, m, p.Mood)
	}

	paranoid, _ := set.Get(PARANOID)
	assert.True(t, paranoid.BlocksInconclusive())
	assert.Equal(t, "off", paranoid.Egress)
	assert.False(t, paranoid.ToolAllowed("write"))
	assert.True(t, paranoid.ToolAllowed("read"))

	calm, _ := set.Get(CALM)
	assert.False(t, calm.BlocksInconclusive())
	assert.True(t, calm.ToolAllowed("anything"))
}

func TestParseProfilesRejectsIncompleteSet(t *testing.T) {
	doc := `
version: "v1"
profiles:
  - mood: CALM
    model_tier: standard
    verifier_strictness: standard
    egress: allowlist
`
	_, err := ParseProfiles([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profile for")
}

func TestParseProfilesRejectsBadStrictness(t *testing.T) {
	doc := `
version: "v1"
profiles:
  - mood: CALM
    model_tier: standard
    verifier_strictness: ruthless
    egress: allowlist
`
	_, err := ParseProfiles([]byte(doc))
	require.Error(t, err)
}

func newSnapshotStore(t *testing.T) (*projection.Store, eventlog.Log) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "projection.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := projection.New(context.Background(), db, database.DialectSQLite)
	require.NoError(t, err)
	return s, eventlog.NewMemoryLog()
}

func apply(t *testing.T, log eventlog.Log, s *projection.Store, eventType string, payload map[string]any) {
	t.Helper()
	ctx := context.Background()
	ev := eventlog.New("local", eventlog.SourceSystem, eventType, payload)
	ev.TimestampMS = 1_700_000_000_000
	seq, err := log.Append(ctx, ev)
	require.NoError(t, err)
	env, err := log.Get(ctx, seq)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, env))
}

func TestSnapshotFromProjection(t *testing.T) {
	ctx := context.Background()
	s, log := newSnapshotStore(t)

	apply(t, log, s, eventlog.TypeWorkItemCreate, map[string]any{
		"work_item_id": "W1", "description": "d",
		"acceptance_criteria": []any{"t_ok passes"},
	})
	apply(t, log, s, eventlog.TypeRunStart, map[string]any{
		"run_id": "W1-r1", "work_item_id": "W1", "mood": "CALM",
	})
	apply(t, log, s, eventlog.TypeRunDiscard, map[string]any{
		"run_id": "W1-r1", "reason": "verifier failed",
	})
	apply(t, log, s, eventlog.TypeRunStart, map[string]any{
		"run_id": "W1-r2", "work_item_id": "W1", "mood": "SKEPTICAL",
	})
	apply(t, log, s, eventlog.TypeRunDiscard, map[string]any{
		"run_id": "W1-r2", "reason": "verifier failed",
	})

	sig, err := Snapshot(ctx, s, "W1", nil, false)
	require.NoError(t, err)
	assert.True(t, sig.HasDemo)
	assert.False(t, sig.ConjecturesPresent)
	assert.True(t, sig.RepeatedVerifierFailures)
	assert.True(t, sig.VerifiersRegress)
	assert.Equal(t, SKEPTICAL, sig.PreviousMood)
	assert.True(t, sig.StateConsistent)

	m, guard := SelectInitial(sig)
	assert.Equal(t, CURIOUS, m, "no conjectures yet")
	assert.Equal(t, GuardEntryNoDemo, guard)
}

func TestSnapshotTailMarkers(t *testing.T) {
	ctx := context.Background()
	s, log := newSnapshotStore(t)
	apply(t, log, s, eventlog.TypeWorkItemCreate, map[string]any{
		"work_item_id": "W1", "description": "d",
	})

	tail := []eventlog.Event{
		eventlog.New("local", eventlog.SourceAgent, eventlog.TypeNoteObservation,
			map[string]any{"signal": SignalPreference}),
		eventlog.New("local", eventlog.SourceAgent, eventlog.TypeNoteHyperthesis,
			map[string]any{"severity": "high"}),
	}
	sig, err := Snapshot(ctx, s, "W1", tail, false)
	require.NoError(t, err)
	assert.True(t, sig.PreferenceMissing)
	assert.True(t, sig.HyperthesisHigh)

	next, guard := Transition(SKEPTICAL, sig)
	assert.Equal(t, DEFERENTIAL, next, "missing preference preempts the hyperthesis guard")
	assert.Equal(t, GuardAnyPreference, guard)
}
