// Package mood implements the deterministic mood state machine. A mood is a
// capability posture; the engine selects one from a Signals snapshot and
// decides admissible transitions through a fixed guard table. Given the same
// snapshot the same mood comes out, so replays reproduce the sequence.
package mood

// Mood is one of the eight capability postures.
type Mood string

const (
	CALM        Mood = "CALM"
	CURIOUS     Mood = "CURIOUS"
	SKEPTICAL   Mood = "SKEPTICAL"
	PARANOID    Mood = "PARANOID"
	BOLD        Mood = "BOLD"
	PETTY       Mood = "PETTY"
	CONTRITE    Mood = "CONTRITE"
	DEFERENTIAL Mood = "DEFERENTIAL"
)

// Moods lists every mood in a stable order.
var Moods = []Mood{CALM, CURIOUS, SKEPTICAL, PARANOID, BOLD, PETTY, CONTRITE, DEFERENTIAL}

// Valid reports whether m names a known mood.
func Valid(m Mood) bool {
	for _, known := range Moods {
		if m == known {
			return true
		}
	}
	return false
}

// Signals is the snapshot the guard table evaluates. It is computed once
// from (projection state, unread event tail) and then treated as immutable;
// the engine itself never reads live state.
type Signals struct {
	CrashDetected            bool
	HasDemo                  bool
	ConjecturesPresent       bool
	RepeatedVerifierFailures bool
	PrivilegeBoundary        bool
	PreferenceMissing        bool
	AmbiguityBlocking        bool
	UserUnsure               bool
	VerifiersRegress         bool
	HyperthesisHigh          bool
	MitigationsInstalled     bool
	VerifiedAndBounded       bool
	SuspectedRewardHack      bool
	StateConsistent          bool
	PreviousMood             Mood
}

// Guard identifiers, recorded on every note.status transition event so a
// reader can tell which rule fired.
const (
	GuardEntryCrash     = "entry.crash_restart"
	GuardEntryNoDemo    = "entry.missing_demo"
	GuardEntryRegress   = "entry.repeated_regressions"
	GuardEntryPrivilege = "entry.privilege_boundary"
	GuardEntryDefault   = "entry.default"

	GuardAnyCrash      = "any.crash_restart"
	GuardAnyRewardHack = "any.reward_hack"
	GuardAnyPreference = "any.preference_missing"

	GuardCalmAmbiguity     = "calm.ambiguity_blocking"
	GuardCalmRegress       = "calm.verifiers_regress"
	GuardSkepticalHyper    = "skeptical.hyperthesis_high"
	GuardSkepticalVerified = "skeptical.verified_and_bounded"
	GuardParanoidMitigated = "paranoid.mitigations_installed"
	GuardContriteRecovered = "contrite.projection_consistent"
	GuardContriteHold      = "contrite.projection_inconsistent"
	GuardHold              = "hold"
)

// SelectInitial picks the mood a fresh run starts in. Guards are ordered;
// the first match wins.
func SelectInitial(s Signals) (Mood, string) {
	switch {
	case s.CrashDetected:
		return CONTRITE, GuardEntryCrash
	case !s.HasDemo || !s.ConjecturesPresent:
		return CURIOUS, GuardEntryNoDemo
	case s.RepeatedVerifierFailures:
		return SKEPTICAL, GuardEntryRegress
	case s.PrivilegeBoundary && s.PreferenceMissing:
		return DEFERENTIAL, GuardEntryPrivilege
	case s.PrivilegeBoundary:
		return PARANOID, GuardEntryPrivilege
	default:
		return CALM, GuardEntryDefault
	}
}

// Transition evaluates the reactive guards. Global guards (crash, reward
// hack, missing preference) fire from any mood; the rest depend on the
// current mood. When nothing fires the mood holds and the guard is
// GuardHold.
func Transition(current Mood, s Signals) (Mood, string) {
	switch {
	case s.CrashDetected:
		return CONTRITE, GuardAnyCrash
	case s.SuspectedRewardHack:
		return PETTY, GuardAnyRewardHack
	case s.PreferenceMissing:
		return DEFERENTIAL, GuardAnyPreference
	}

	switch current {
	case CALM:
		if s.AmbiguityBlocking || s.UserUnsure {
			return CURIOUS, GuardCalmAmbiguity
		}
		if s.VerifiersRegress {
			return SKEPTICAL, GuardCalmRegress
		}
	case SKEPTICAL:
		if s.HyperthesisHigh {
			return PARANOID, GuardSkepticalHyper
		}
		if s.VerifiedAndBounded {
			return CALM, GuardSkepticalVerified
		}
	case PARANOID:
		if s.MitigationsInstalled {
			return BOLD, GuardParanoidMitigated
		}
	case CONTRITE:
		if s.StateConsistent {
			prev := s.PreviousMood
			if prev == "" || !Valid(prev) {
				prev = CURIOUS
			}
			return prev, GuardContriteRecovered
		}
		return CONTRITE, GuardContriteHold
	}
	return current, GuardHold
}

// Change describes one applied transition, ready to be appended as a
// note.status event.
type Change struct {
	From  Mood   `json:"from"`
	To    Mood   `json:"to"`
	Guard string `json:"guard"`
}

// StatusPayload builds the note.status payload for a mood change.
func (c Change) StatusPayload(runID string) map[string]any {
	return map[string]any{
		"kind":   "mood_transition",
		"from":   string(c.From),
		"to":     string(c.To),
		"guard":  c.Guard,
		"run_id": runID,
	}
}
