// Package projection materializes queryable views of the event log: the
// AHDB state vector, the work-item graph, the run lifecycle table, a file
// and conversation mirror, and a receipts index. The store is single-writer;
// readers consume snapshots keyed by the cursor. A failing event never halts
// the log: it is recorded as a poison marker, skipped, and reported through
// the diagnostics hook.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
)

// Lanes of the AHDB control-state vector.
var Lanes = []string{"assert", "hypothesize", "drive", "believe", "hypertheses", "conjectures"}

// Diagnostics receives poison-event reports. The orchestrator wires this to
// the receipt emitter so every skipped event leaves a trace on the log.
type Diagnostics func(ctx context.Context, detail map[string]any)

// Store is the projection over one database. All writes go through Apply.
type Store struct {
	db      *sql.DB
	dialect database.Dialect
	logger  *slog.Logger
	diag    Diagnostics
	clock   func() time.Time

	mu sync.Mutex // single writer
}

// Option configures a Store.
type Option func(*Store)

// WithDiagnostics registers the poison-event hook.
func WithDiagnostics(d Diagnostics) Option {
	return func(s *Store) { s.diag = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates the store and runs migrations.
func New(ctx context.Context, db *sql.DB, dialect database.Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "projection"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			work_item_id        TEXT PRIMARY KEY,
			description         TEXT NOT NULL,
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			required_verifiers  TEXT NOT NULL DEFAULT '[]',
			risk_tier           TEXT NOT NULL DEFAULT 'low',
			dependencies        TEXT NOT NULL DEFAULT '[]',
			status              TEXT NOT NULL,
			parent_id           TEXT NOT NULL DEFAULT '',
			created_at_ms       BIGINT NOT NULL,
			updated_at_ms       BIGINT NOT NULL,
			last_event_seq      BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id           TEXT PRIMARY KEY,
			work_item_id     TEXT NOT NULL,
			mood             TEXT NOT NULL DEFAULT '',
			budgets          TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			sandbox_id       TEXT NOT NULL DEFAULT '',
			verifier_plan_id TEXT NOT NULL DEFAULT '',
			created_at_ms    BIGINT NOT NULL,
			updated_at_ms    BIGINT NOT NULL,
			last_event_seq   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			path           TEXT PRIMARY KEY,
			content_hash   TEXT NOT NULL DEFAULT '',
			blob_url       TEXT NOT NULL DEFAULT '',
			updated_at_ms  BIGINT NOT NULL,
			last_event_seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			started_at_ms   BIGINT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			last_event_seq  BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id              %s,
			conversation_id TEXT NOT NULL DEFAULT '',
			event_seq       BIGINT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp_ms    BIGINT NOT NULL
		)`, database.AutoIncrementPK(s.dialect)),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id    TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			event_seq       BIGINT NOT NULL,
			tool_name       TEXT NOT NULL,
			tool_input      TEXT NOT NULL DEFAULT '{}',
			tool_result     TEXT,
			timestamp_ms    BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id  TEXT PRIMARY KEY,
			sandbox_id     TEXT NOT NULL DEFAULT '',
			commit_sha     TEXT NOT NULL DEFAULT '',
			message        TEXT NOT NULL DEFAULT '',
			created_at_ms  BIGINT NOT NULL,
			last_event_seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS receipts_index (
			receipt_id   TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			run_id       TEXT NOT NULL DEFAULT '',
			lease_id     TEXT NOT NULL DEFAULT '',
			refs         TEXT NOT NULL DEFAULT '[]',
			event_seq    BIGINT NOT NULL,
			timestamp_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_run ON receipts_index (run_id)`,
		`CREATE TABLE IF NOT EXISTS atoms (
			hash           TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			state          TEXT NOT NULL,
			refs           TEXT NOT NULL DEFAULT '[]',
			body           TEXT NOT NULL DEFAULT '{}',
			last_event_seq BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attestations (
			attestation_id   TEXT PRIMARY KEY,
			target_atom_hash TEXT NOT NULL DEFAULT '',
			verifier_id      TEXT NOT NULL DEFAULT '',
			verifier_type    TEXT NOT NULL DEFAULT '',
			verifier_version TEXT NOT NULL DEFAULT '',
			result           TEXT NOT NULL,
			artifact_hash    TEXT NOT NULL DEFAULT '',
			confidence       REAL NOT NULL DEFAULT 0,
			run_id           TEXT NOT NULL DEFAULT '',
			last_event_seq   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ahdb_lanes (
			lane           TEXT PRIMARY KEY,
			entries        TEXT NOT NULL DEFAULT '[]',
			last_event_seq BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS poison_events (
			id             %s,
			event_seq      BIGINT NOT NULL,
			event_id       TEXT NOT NULL DEFAULT '',
			event_type     TEXT NOT NULL DEFAULT '',
			reason         TEXT NOT NULL,
			recorded_at_ms BIGINT NOT NULL
		)`, database.AutoIncrementPK(s.dialect)),
		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("projection: migrate: %w", err)
		}
	}
	return nil
}

// Cursor returns the last applied log sequence, zero when nothing has been
// applied yet.
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		database.Rebind(s.dialect, `SELECT value FROM sync_state WHERE key = ?`), "cursor",
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("projection: read cursor: %w", err)
	}
	var seq uint64
	if _, err := fmt.Sscanf(value, "%d", &seq); err != nil {
		return 0, fmt.Errorf("projection: decode cursor %q: %w", value, err)
	}
	return seq, nil
}

func setSyncState(ctx context.Context, tx *sql.Tx, dialect database.Dialect, key, value string) error {
	res, err := tx.ExecContext(ctx,
		database.Rebind(dialect, `UPDATE sync_state SET value = ? WHERE key = ?`), value, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		database.Rebind(dialect, `INSERT INTO sync_state (key, value) VALUES (?, ?)`), key, value)
	return err
}

// Apply materializes one envelope and advances the cursor in the same
// transaction. Already-applied sequences are no-ops; an event whose apply
// fails is poisoned, skipped, and the cursor still advances.
func (s *Store) Apply(ctx context.Context, env eventlog.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, env)
}

func (s *Store) applyLocked(ctx context.Context, env eventlog.Envelope) error {
	cursor, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if env.Sequence <= cursor {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: begin: %w", err)
	}

	applyErr := s.applyEvent(ctx, tx, env)
	if applyErr == nil {
		if err := setSyncState(ctx, tx, s.dialect, "cursor", fmt.Sprint(env.Sequence)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("projection: advance cursor: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("projection: commit: %w", err)
		}
		return nil
	}

	// Poison path: drop the partial update, record the marker, advance past
	// the bad event so the log keeps flowing.
	_ = tx.Rollback()
	return s.poison(ctx, env, applyErr.Error())
}

func (s *Store) poison(ctx context.Context, env eventlog.Envelope, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: begin poison: %w", err)
	}
	_, err = tx.ExecContext(ctx, database.Rebind(s.dialect, `
INSERT INTO poison_events (event_seq, event_id, event_type, reason, recorded_at_ms)
VALUES (?, ?, ?, ?, ?)`),
		env.Sequence, env.Event.ID, env.Event.EventType, reason, s.clock().UnixMilli())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("projection: record poison: %w", err)
	}
	if err := setSyncState(ctx, tx, s.dialect, "cursor", fmt.Sprint(env.Sequence)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("projection: advance cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("projection: commit poison: %w", err)
	}

	s.logger.Warn("poison event",
		"seq", env.Sequence, "event_type", env.Event.EventType, "reason", reason)
	if s.diag != nil {
		s.diag(ctx, map[string]any{
			"poison":     true,
			"event_seq":  env.Sequence,
			"event_id":   env.Event.ID,
			"event_type": env.Event.EventType,
			"reason":     reason,
		})
	}
	return nil
}

// Follow tails the log from the cursor and applies every envelope until ctx
// is done. This is the projector loop run by `director serve`.
func (s *Store) Follow(ctx context.Context, log eventlog.Log) error {
	cursor, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	tail, err := log.Tail(ctx, cursor+1)
	if err != nil {
		return err
	}
	for {
		select {
		case env, ok := <-tail:
			if !ok {
				return ctx.Err()
			}
			if err := s.Apply(ctx, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PoisonCount reports how many events have been skipped.
func (s *Store) PoisonCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM poison_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("projection: count poison: %w", err)
	}
	return n, nil
}

func encodeJSON(v any) string {
	if v == nil {
		return "[]"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
