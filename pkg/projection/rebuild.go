package projection

import (
	"context"
	"fmt"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/eventlog"
)

// projectedTables lists every table that is a pure function of the log,
// in hash order. sync_state is excluded (cursor + wall clock); poison
// markers are hashed without their recorded_at_ms.
var projectedTables = []string{
	"work_items", "runs", "files", "conversations", "messages", "tool_calls",
	"checkpoints", "receipts_index", "atoms", "attestations", "ahdb_lanes",
}

// Rebuild clears every projected table and replays the log from genesis,
// returning the resulting state hash. Callers compare it against the live
// hash to detect projection inconsistency.
func (s *Store) Rebuild(ctx context.Context, log eventlog.Log) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range append(append([]string{}, projectedTables...), "poison_events", "sync_state") {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return "", fmt.Errorf("projection: clear %s: %w", table, err)
		}
	}

	envs, err := log.Range(ctx, 1, 0)
	if err != nil {
		return "", err
	}
	for _, env := range envs {
		if err := s.applyLocked(ctx, env); err != nil {
			return "", err
		}
	}
	return s.stateHash(ctx)
}

// StateHash hashes the deterministic portion of the projection. Two stores
// that applied the same log prefix produce the same hash.
func (s *Store) StateHash(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateHash(ctx)
}

func (s *Store) stateHash(ctx context.Context) (string, error) {
	state := make(map[string]any, len(projectedTables)+1)
	for _, table := range projectedTables {
		rows, err := s.dumpTable(ctx, table)
		if err != nil {
			return "", err
		}
		state[table] = rows
	}
	// poison markers count, minus their wall-clock column
	poison, err := s.dumpQuery(ctx,
		`SELECT event_seq, event_id, event_type, reason FROM poison_events ORDER BY event_seq, reason`)
	if err != nil {
		return "", err
	}
	state["poison_events"] = poison

	return canonicalize.Hash(state)
}

// tableOrder gives each table a total ordering so dumps are deterministic.
var tableOrder = map[string]string{
	"work_items":     "work_item_id",
	"runs":           "run_id",
	"files":          "path",
	"conversations":  "conversation_id",
	"messages":       "event_seq, role, content",
	"tool_calls":     "tool_call_id",
	"checkpoints":    "checkpoint_id",
	"receipts_index": "receipt_id",
	"atoms":          "hash",
	"attestations":   "attestation_id",
	"ahdb_lanes":     "lane",
}

func (s *Store) dumpTable(ctx context.Context, table string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", table, tableOrder[table])
	return s.dumpQuery(ctx, query)
}

func (s *Store) dumpQuery(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("projection: dump: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		// messages carry a synthetic autoincrement id that depends on
		// insertion history, not log content
		delete(row, "id")
		out = append(out, row)
	}
	return out, rows.Err()
}

// CheckConsistency rebuilds from genesis and compares against the live
// state hash taken beforehand. A mismatch is a projection inconsistency.
func (s *Store) CheckConsistency(ctx context.Context, log eventlog.Log) error {
	live, err := s.StateHash(ctx)
	if err != nil {
		return err
	}
	rebuilt, err := s.Rebuild(ctx, log)
	if err != nil {
		return err
	}
	if live != rebuilt {
		return contracts.Errorf(contracts.KindProjectionInconsistency, "projection.check",
			"rebuild hash %s disagrees with live %s", rebuilt, live)
	}
	return nil
}
