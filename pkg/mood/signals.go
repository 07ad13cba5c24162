package mood

import (
	"context"
	"strings"

	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/projection"
)

// Tail-note signal markers. A producer that wants to influence the next
// transition sets payload["signal"] on a note event.
const (
	SignalAmbiguity   = "ambiguity_blocking"
	SignalUserUnsure  = "user_idk"
	SignalPreference  = "preference_missing"
	SignalPrivilege   = "privilege_boundary"
	SignalRewardHack  = "reward_hack"
	SignalMitigations = "mitigations_installed"
	SignalVerified    = "verified_and_bounded"
)

// Snapshot computes the Signals vector for one work item from the
// projection and the unread event tail. restarted is the process-level flag
// for a start without clean handoff; the engine cannot derive it from state
// alone.
func Snapshot(ctx context.Context, store *projection.Store, workItemID string, tail []eventlog.Event, restarted bool) (Signals, error) {
	s := Signals{CrashDetected: restarted, StateConsistent: true}

	item, err := store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return Signals{}, err
	}
	s.HasDemo = len(item.AcceptanceCriteria) > 0

	ahdb, err := store.AHDB(ctx)
	if err != nil {
		return Signals{}, err
	}
	s.ConjecturesPresent = len(ahdb.Conjectures) > 0
	for _, h := range ahdb.Hypertheses {
		if highSeverity(h) {
			s.HyperthesisHigh = true
			break
		}
	}

	runs, err := store.RunsForWorkItem(ctx, workItemID)
	if err != nil {
		return Signals{}, err
	}
	discardStreak := 0
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status != contracts.RunDiscarded {
			break
		}
		discardStreak++
	}
	s.RepeatedVerifierFailures = discardStreak >= 2
	s.VerifiersRegress = discardStreak >= 1
	if n := len(runs); n > 0 {
		s.PreviousMood = Mood(runs[n-1].Mood)
	}

	poisoned, err := store.PoisonCount(ctx)
	if err != nil {
		return Signals{}, err
	}
	s.StateConsistent = poisoned == 0

	applyTail(&s, tail)
	return s, nil
}

// applyTail folds unread tail events into the snapshot. Only note markers
// and hyperthesis severity matter; everything else is already projected.
func applyTail(s *Signals, tail []eventlog.Event) {
	for _, e := range tail {
		if e.EventType == eventlog.TypeNoteHyperthesis && highSeverity(e.Payload) {
			s.HyperthesisHigh = true
		}
		if !strings.HasPrefix(e.EventType, "note.") {
			continue
		}
		sig, _ := e.Payload["signal"].(string)
		switch sig {
		case SignalAmbiguity:
			s.AmbiguityBlocking = true
		case SignalUserUnsure:
			s.UserUnsure = true
		case SignalPreference:
			s.PreferenceMissing = true
		case SignalPrivilege:
			s.PrivilegeBoundary = true
		case SignalRewardHack:
			s.SuspectedRewardHack = true
		case SignalMitigations:
			s.MitigationsInstalled = true
		case SignalVerified:
			s.VerifiedAndBounded = true
		}
	}
}

func highSeverity(payload map[string]any) bool {
	sev, _ := payload["severity"].(string)
	switch strings.ToLower(sev) {
	case "high", "critical":
		return true
	}
	return false
}
