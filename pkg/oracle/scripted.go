package oracle

import (
	"context"
	"sync"

	"github.com/choiros/director/pkg/contracts"
)

// Scripted replays a fixed sequence of completions. It is deterministic by
// construction: call order alone decides the answer, so the same run script
// produces the same episode every time. Once the script is exhausted further
// calls fail closed rather than improvising.
type Scripted struct {
	mu     sync.Mutex
	steps  []Completion
	cursor int
}

// NewScripted builds a scripted oracle. Steps with zero TokensUsed are
// charged a deterministic estimate of one token per four content bytes.
func NewScripted(steps ...Completion) *Scripted {
	for i := range steps {
		if steps[i].TokensUsed == 0 {
			steps[i].TokensUsed = int64(len(steps[i].Content)/4 + 1)
		}
		if steps[i].FinishReason == "" {
			steps[i].FinishReason = "stop"
		}
	}
	return &Scripted{steps: steps}
}

// Complete returns the next scripted step.
func (s *Scripted) Complete(ctx context.Context, _ Prompt) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, contracts.Wrap(contracts.KindCancelled, "oracle.complete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= len(s.steps) {
		return Completion{}, contracts.E(contracts.KindBudgetExhausted, "oracle.complete",
			"scripted oracle exhausted")
	}
	c := s.steps[s.cursor]
	s.cursor++
	return c, nil
}

// Remaining reports how many scripted steps are left.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.cursor
}

var _ Oracle = (*Scripted)(nil)
