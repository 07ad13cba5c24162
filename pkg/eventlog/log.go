package eventlog

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/contracts"
)

// Envelope is an event as stored: the event plus its position, subject, and
// content hashes. PrevHash/Hash form a tamper-evident chain on backends that
// maintain one; backends with native integrity leave Hash empty.
type Envelope struct {
	Sequence     uint64 `json:"sequence"`
	Subject      string `json:"subject"`
	Event        Event  `json:"event"`
	PayloadHash  string `json:"payload_hash"`
	PrevHash     string `json:"prev_hash,omitempty"`
	Hash         string `json:"hash,omitempty"`
	AppendedAtMS int64  `json:"appended_at_ms"`
}

// Log is the append-only event log contract. Sequence numbers are monotonic
// and start at 1. Append is durable before return and idempotent by event
// ID: a duplicate append collapses to the earlier sequence.
type Log interface {
	Append(ctx context.Context, e Event) (uint64, error)
	Get(ctx context.Context, seq uint64) (Envelope, error)
	// Range returns envelopes for sequences [from, to], inclusive and
	// finite. A to of 0 means the current last sequence.
	Range(ctx context.Context, from, to uint64) ([]Envelope, error)
	// Tail streams envelopes in append order starting at from (1 replays
	// everything). The channel closes when ctx is done.
	Tail(ctx context.Context, from uint64) (<-chan Envelope, error)
	LastSequence(ctx context.Context) (uint64, error)
}

const genesisHash = "genesis"

// MemoryLog is an in-memory Log with a tamper-evident hash chain. It backs
// tests and single-process deployments; the chain layout matches the SQL
// backend so projections replay identically.
type MemoryLog struct {
	mu        sync.Mutex
	appended  *sync.Cond
	namespace string
	entries   []Envelope
	byID      map[string]uint64
	headHash  string
	clock     func() time.Time
}

// MemoryOption configures a MemoryLog.
type MemoryOption func(*MemoryLog)

// WithClock injects a deterministic clock for tests and replay.
func WithClock(clock func() time.Time) MemoryOption {
	return func(l *MemoryLog) { l.clock = clock }
}

// WithNamespace overrides the subject namespace.
func WithNamespace(ns string) MemoryOption {
	return func(l *MemoryLog) { l.namespace = ns }
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		namespace: DefaultNamespace,
		byID:      make(map[string]uint64),
		headHash:  genesisHash,
		clock:     time.Now,
	}
	l.appended = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates, hashes, and stores the event. Duplicate IDs return the
// earlier sequence without writing.
func (l *MemoryLog) Append(_ context.Context, e Event) (uint64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if err := ValidatePayload(e); err != nil {
		return 0, err
	}
	payloadHash, err := canonicalize.Hash(e.Payload)
	if err != nil {
		return 0, contracts.Wrap(contracts.KindContractViolation, "eventlog.append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if seq, ok := l.byID[e.ID]; ok {
		return seq, nil
	}
	env := Envelope{
		Sequence:     uint64(len(l.entries)) + 1,
		Subject:      Subject(l.namespace, e),
		Event:        e,
		PayloadHash:  payloadHash,
		PrevHash:     l.headHash,
		AppendedAtMS: l.clock().UnixMilli(),
	}
	env.Hash = chainHash(env)
	l.entries = append(l.entries, env)
	l.byID[e.ID] = env.Sequence
	l.headHash = env.Hash
	l.appended.Broadcast()
	return env.Sequence, nil
}

func chainHash(env Envelope) string {
	h, err := canonicalize.Hash(map[string]any{
		"sequence":     env.Sequence,
		"subject":      env.Subject,
		"event_id":     env.Event.ID,
		"payload_hash": env.PayloadHash,
		"prev_hash":    env.PrevHash,
	})
	if err != nil {
		// The chain input is a fixed-shape map of scalars; canonicalization
		// cannot fail on it.
		panic("eventlog: chain hash: " + err.Error())
	}
	return h
}

func (l *MemoryLog) Get(_ context.Context, seq uint64) (Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return Envelope{}, contracts.Errorf(contracts.KindProjectionInconsistency, "eventlog.get", "sequence %d out of range", seq)
	}
	return l.entries[seq-1], nil
}

func (l *MemoryLog) Range(_ context.Context, from, to uint64) ([]Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := uint64(len(l.entries))
	if to == 0 || to > last {
		to = last
	}
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	out := make([]Envelope, to-from+1)
	copy(out, l.entries[from-1:to])
	return out, nil
}

// Tail replays from the requested sequence and then follows live appends in
// order, without gaps. Slow consumers exert backpressure on their own
// stream only; appends never block on a tail.
func (l *MemoryLog) Tail(ctx context.Context, from uint64) (<-chan Envelope, error) {
	if from == 0 {
		from = 1
	}
	out := make(chan Envelope)

	// Wake pending waiters when the context ends so the goroutine exits.
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		l.appended.Broadcast()
		l.mu.Unlock()
	}()

	go func() {
		defer close(out)
		next := from
		for {
			l.mu.Lock()
			for uint64(len(l.entries)) < next && ctx.Err() == nil {
				l.appended.Wait()
			}
			if ctx.Err() != nil {
				l.mu.Unlock()
				return
			}
			batch := make([]Envelope, uint64(len(l.entries))-next+1)
			copy(batch, l.entries[next-1:])
			l.mu.Unlock()

			for _, env := range batch {
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
			next = batch[len(batch)-1].Sequence + 1
		}
	}()
	return out, nil
}

func (l *MemoryLog) LastSequence(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries)), nil
}

// Head returns the current chain head hash.
func (l *MemoryLog) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headHash
}

// VerifyChain walks the hash chain and reports the first inconsistency.
func (l *MemoryLog) VerifyChain() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := genesisHash
	for _, env := range l.entries {
		if env.PrevHash != prev {
			return false, "broken link at sequence " + strconv.FormatUint(env.Sequence, 10)
		}
		if chainHash(env) != env.Hash {
			return false, "hash mismatch at sequence " + strconv.FormatUint(env.Sequence, 10)
		}
		prev = env.Hash
	}
	return true, ""
}
