package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/database"
)

// SQLLog persists the event log in SQLite or Postgres. Appends are
// serialized: the supervisor process is the single writer, matching the
// ownership rule that only append mutates the log.
type SQLLog struct {
	db        *sql.DB
	dialect   database.Dialect
	namespace string
	clock     func() time.Time
	poll      time.Duration

	mu sync.Mutex // serializes Append
}

// SQLOption configures a SQLLog.
type SQLOption func(*SQLLog)

// WithSQLNamespace overrides the subject namespace.
func WithSQLNamespace(ns string) SQLOption {
	return func(l *SQLLog) { l.namespace = ns }
}

// WithSQLClock injects a deterministic clock.
func WithSQLClock(clock func() time.Time) SQLOption {
	return func(l *SQLLog) { l.clock = clock }
}

// WithPollInterval tunes how often Tail checks for new rows.
func WithPollInterval(d time.Duration) SQLOption {
	return func(l *SQLLog) { l.poll = d }
}

// NewSQLLog creates the log and runs migrations.
func NewSQLLog(ctx context.Context, db *sql.DB, dialect database.Dialect, opts ...SQLOption) (*SQLLog, error) {
	l := &SQLLog{
		db:        db,
		dialect:   dialect,
		namespace: DefaultNamespace,
		clock:     time.Now,
		poll:      200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLLog) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS events (
	seq          %s,
	event_id     TEXT NOT NULL UNIQUE,
	subject      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	source       TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	raw_type     TEXT NOT NULL DEFAULT '',
	timestamp_ms BIGINT NOT NULL,
	payload      TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	chain_hash   TEXT NOT NULL,
	appended_at_ms BIGINT NOT NULL
)`, database.AutoIncrementPK(l.dialect))
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventlog: migrate events: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_subject ON events (subject)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)`,
	} {
		if _, err := l.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("eventlog: migrate index: %w", err)
		}
	}
	return nil
}

// Append validates and persists the event. Structural violations are
// returned immediately; storage errors are retried with bounded exponential
// backoff before surfacing.
func (l *SQLLog) Append(ctx context.Context, e Event) (uint64, error) {
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

	var seq uint64
	backoff := 50 * time.Millisecond
	const attempts = 4
	for i := 0; ; i++ {
		seq, err = l.appendOnce(ctx, e, payloadHash)
		if err == nil {
			return seq, nil
		}
		if i == attempts-1 || ctx.Err() != nil {
			return 0, fmt.Errorf("eventlog: append: %w", err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, fmt.Errorf("eventlog: append: %w", ctx.Err())
		}
		backoff *= 2
	}
}

func (l *SQLLog) appendOnce(ctx context.Context, e Event, payloadHash string) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing uint64
	err = tx.QueryRowContext(ctx,
		database.Rebind(l.dialect, `SELECT seq FROM events WHERE event_id = ?`), e.ID,
	).Scan(&existing)
	switch {
	case err == nil:
		return existing, tx.Commit() // idempotent duplicate
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	lastSeq, head := uint64(0), genesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM events ORDER BY seq DESC LIMIT 1`,
	).Scan(&lastSeq, &head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	env := Envelope{
		Sequence:     lastSeq + 1,
		Subject:      Subject(l.namespace, e),
		Event:        e,
		PayloadHash:  payloadHash,
		PrevHash:     head,
		AppendedAtMS: l.clock().UnixMilli(),
	}
	env.Hash = chainHash(env)

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, database.Rebind(l.dialect, `
INSERT INTO events
	(seq, event_id, subject, user_id, source, event_type, raw_type,
	 timestamp_ms, payload, payload_hash, prev_hash, chain_hash, appended_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		env.Sequence, e.ID, env.Subject, e.UserID, string(e.Source), e.EventType, e.RawType,
		e.TimestampMS, string(payload), env.PayloadHash, env.PrevHash, env.Hash,
		env.AppendedAtMS,
	)
	if err != nil {
		return 0, err
	}
	return env.Sequence, tx.Commit()
}

const envelopeColumns = `seq, event_id, subject, user_id, source, event_type, raw_type,
	timestamp_ms, payload, payload_hash, prev_hash, chain_hash, appended_at_ms`

func scanEnvelope(rows interface{ Scan(...any) error }) (Envelope, error) {
	var (
		env     Envelope
		payload string
	)
	err := rows.Scan(
		&env.Sequence, &env.Event.ID, &env.Subject, &env.Event.UserID,
		(*string)(&env.Event.Source), &env.Event.EventType, &env.Event.RawType,
		&env.Event.TimestampMS, &payload, &env.PayloadHash, &env.PrevHash, &env.Hash,
		&env.AppendedAtMS,
	)
	if err != nil {
		return Envelope{}, err
	}
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &env.Event.Payload); err != nil {
			return Envelope{}, fmt.Errorf("eventlog: decode payload: %w", err)
		}
	}
	return env, nil
}

func (l *SQLLog) Get(ctx context.Context, seq uint64) (Envelope, error) {
	row := l.db.QueryRowContext(ctx,
		database.Rebind(l.dialect, `SELECT `+envelopeColumns+` FROM events WHERE seq = ?`), seq)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Envelope{}, contracts.Errorf(contracts.KindProjectionInconsistency, "eventlog.get", "sequence %d out of range", seq)
	}
	return env, err
}

func (l *SQLLog) Range(ctx context.Context, from, to uint64) ([]Envelope, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		last, err := l.LastSequence(ctx)
		if err != nil {
			return nil, err
		}
		to = last
	}
	if from > to {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		database.Rebind(l.dialect, `SELECT `+envelopeColumns+` FROM events WHERE seq >= ? AND seq <= ? ORDER BY seq`),
		from, to)
	if err != nil {
		return nil, fmt.Errorf("eventlog: range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Tail polls for new rows. The poll interval bounds delivery latency; the
// stream is gap-free because rows are read in sequence order.
func (l *SQLLog) Tail(ctx context.Context, from uint64) (<-chan Envelope, error) {
	if from == 0 {
		from = 1
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		next := from
		ticker := time.NewTicker(l.poll)
		defer ticker.Stop()
		for {
			batch, err := l.Range(ctx, next, 0)
			if err == nil {
				for _, env := range batch {
					select {
					case out <- env:
						next = env.Sequence + 1
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (l *SQLLog) LastSequence(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("eventlog: last sequence: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// VerifyChain recomputes the hash chain over the whole table.
func (l *SQLLog) VerifyChain(ctx context.Context) (bool, string, error) {
	envs, err := l.Range(ctx, 1, 0)
	if err != nil {
		return false, "", err
	}
	prev := genesisHash
	for _, env := range envs {
		if env.PrevHash != prev {
			return false, fmt.Sprintf("broken link at sequence %d", env.Sequence), nil
		}
		if chainHash(env) != env.Hash {
			return false, fmt.Sprintf("hash mismatch at sequence %d", env.Sequence), nil
		}
		prev = env.Hash
	}
	return true, "", nil
}
