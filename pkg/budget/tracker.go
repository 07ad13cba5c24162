// Package budget enforces per-run budgets over tokens, wall time,
// iterations, and diff bytes. Enforcement is fail-closed: the moment any
// dimension reaches its cap the run must transition to discarded with a
// receipt.timeout.
package budget

import (
	"sync"
	"time"

	"github.com/choiros/director/pkg/contracts"
)

// Dimension names a budget axis.
type Dimension string

const (
	DimTokens     Dimension = "tokens"
	DimTimeMS     Dimension = "time_ms"
	DimIterations Dimension = "iterations"
	DimDiffBytes  Dimension = "diff_bytes"
)

// Tracker accounts usage against a fixed set of caps. A cap of zero means
// the dimension is unlimited. Crossing a cap at exactly the declared limit
// exhausts it.
type Tracker struct {
	mu      sync.Mutex
	caps    contracts.Budgets
	used    contracts.Budgets
	started time.Time
	clock   func() time.Time

	exhaustedBy Dimension
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker starts accounting from now.
func NewTracker(caps contracts.Budgets, opts ...Option) *Tracker {
	t := &Tracker{caps: caps, clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.started = t.clock()
	return t
}

// Charge records usage on one dimension and returns budget_exhausted when
// the dimension's cap is reached or crossed. Usage is recorded even on the
// exhausting charge so receipts report the true final footprint.
func (t *Tracker) Charge(dim Dimension, amount int64) error {
	if amount < 0 {
		return contracts.Errorf(contracts.KindBudgetExhausted, "budget.charge", "negative charge %d on %s", amount, dim)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var used *int64
	var cap int64
	switch dim {
	case DimTokens:
		used, cap = &t.used.Tokens, t.caps.Tokens
	case DimIterations:
		used, cap = &t.used.Iterations, t.caps.Iterations
	case DimDiffBytes:
		used, cap = &t.used.DiffBytes, t.caps.DiffBytes
	case DimTimeMS:
		used, cap = &t.used.TimeMS, t.caps.TimeMS
	default:
		return contracts.Errorf(contracts.KindBudgetExhausted, "budget.charge", "unknown dimension %q", dim)
	}

	*used += amount
	if cap > 0 && *used >= cap {
		if t.exhaustedBy == "" {
			t.exhaustedBy = dim
		}
		return t.exhaustedErr(dim, *used, cap)
	}
	return nil
}

// CheckTime charges elapsed wall time against the time_ms cap. Call at
// every safe point; it is how the time budget composes over child calls.
func (t *Tracker) CheckTime() error {
	t.mu.Lock()
	elapsed := t.clock().Sub(t.started).Milliseconds()
	t.used.TimeMS = elapsed
	cap := t.caps.TimeMS
	if cap > 0 && elapsed >= cap {
		if t.exhaustedBy == "" {
			t.exhaustedBy = DimTimeMS
		}
		t.mu.Unlock()
		return t.exhaustedErr(DimTimeMS, elapsed, cap)
	}
	t.mu.Unlock()
	return nil
}

func (t *Tracker) exhaustedErr(dim Dimension, used, cap int64) error {
	return contracts.Errorf(contracts.KindBudgetExhausted, "budget.charge",
		"%s exhausted: %d of %d", dim, used, cap)
}

// Exhausted reports which dimension first crossed its cap, or empty.
func (t *Tracker) Exhausted() Dimension {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhaustedBy
}

// Snapshot returns the caps and current usage for receipts.
func (t *Tracker) Snapshot() (caps, used contracts.Budgets) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used.TimeMS = t.clock().Sub(t.started).Milliseconds()
	return t.caps, t.used
}

// Remaining reports the headroom on each dimension; zero cap reports -1
// (unlimited).
func (t *Tracker) Remaining() contracts.Budgets {
	caps, used := t.Snapshot()
	rem := func(cap, used int64) int64 {
		if cap <= 0 {
			return -1
		}
		if used >= cap {
			return 0
		}
		return cap - used
	}
	return contracts.Budgets{
		Tokens:     rem(caps.Tokens, used.Tokens),
		TimeMS:     rem(caps.TimeMS, used.TimeMS),
		Iterations: rem(caps.Iterations, used.Iterations),
		DiffBytes:  rem(caps.DiffBytes, used.DiffBytes),
	}
}
