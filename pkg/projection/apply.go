package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
)

// applyEvent dispatches one event to its table updates. Unknown canonical
// types are ignored for forward compatibility; malformed payloads of known
// types are errors and poison the event.
func (s *Store) applyEvent(ctx context.Context, tx *sql.Tx, env eventlog.Envelope) error {
	p := env.Event.Payload
	seq := env.Sequence
	ts := env.Event.TimestampMS

	switch t := env.Event.EventType; {
	case t == eventlog.TypeWorkItemCreate:
		return s.applyWorkItemCreate(ctx, tx, p, seq, ts)
	case t == eventlog.TypeWorkItemUpdate:
		return s.applyWorkItemUpdate(ctx, tx, p, seq, ts)
	case t == eventlog.TypeRunStart:
		return s.applyRunStart(ctx, tx, p, seq, ts)
	case t == eventlog.TypeRunStatus:
		return s.applyRunStatus(ctx, tx, p, seq, ts)
	case t == eventlog.TypeRunDiscard:
		return s.setRunStatus(ctx, tx, str(p, "run_id"), contracts.RunDiscarded, seq, ts)
	case t == eventlog.TypeSplitRequest:
		return s.applySplit(ctx, tx, p, seq, ts)
	case t == eventlog.TypeFileWrite:
		return s.applyFileWrite(ctx, tx, p, seq, ts)
	case t == eventlog.TypeFileDelete:
		return s.exec(ctx, tx, `DELETE FROM files WHERE path = ?`, str(p, "path"))
	case t == eventlog.TypeFileMove:
		return s.applyFileMove(ctx, tx, p, seq, ts)
	case t == eventlog.TypeMessage:
		return s.applyMessage(ctx, tx, p, seq, ts)
	case t == eventlog.TypeToolCall:
		return s.applyToolCall(ctx, tx, p, seq, ts)
	case t == eventlog.TypeToolResult:
		return s.applyToolResult(ctx, tx, p)
	case t == eventlog.TypeCheckpoint:
		return s.applyCheckpoint(ctx, tx, p, seq, ts)
	case t == eventlog.TypeReceiptAHDBDelta:
		if err := s.applyReceipt(ctx, tx, p, seq, ts); err != nil {
			return err
		}
		return s.applyAHDBDelta(ctx, tx, p, seq)
	case t == eventlog.TypeReceiptAttestations:
		if err := s.applyReceipt(ctx, tx, p, seq, ts); err != nil {
			return err
		}
		return s.applyAttestations(ctx, tx, p, seq)
	case t == eventlog.TypeReceiptCommit:
		if err := s.applyReceipt(ctx, tx, p, seq, ts); err != nil {
			return err
		}
		return s.applyCommit(ctx, tx, p, seq, ts)
	case strings.HasPrefix(t, "receipt."):
		return s.applyReceipt(ctx, tx, p, seq, ts)
	case strings.HasPrefix(t, "note."):
		return s.applyNote(ctx, tx, p, seq)
	default:
		return nil
	}
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, database.Rebind(s.dialect, query), args...)
	return err
}

func (s *Store) applyWorkItemCreate(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	id := str(p, "work_item_id")
	if id == "" {
		return fmt.Errorf("work.item.create without work_item_id")
	}
	status := str(p, "status")
	if status == "" {
		status = string(contracts.WorkItemOpen)
	}
	risk := str(p, "risk_tier")
	if risk == "" {
		risk = string(contracts.RiskLow)
	}
	return s.exec(ctx, tx, `
INSERT INTO work_items
	(work_item_id, description, acceptance_criteria, required_verifiers,
	 risk_tier, dependencies, status, parent_id, created_at_ms, updated_at_ms, last_event_seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, str(p, "description"), encodeJSON(p["acceptance_criteria"]),
		encodeJSON(p["required_verifiers"]), risk, encodeJSON(p["dependencies"]),
		status, str(p, "parent_id"), ts, ts, seq)
}

func (s *Store) applyWorkItemUpdate(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	id := str(p, "work_item_id")
	if id == "" {
		return fmt.Errorf("work.item.update without work_item_id")
	}
	if status := str(p, "status"); status != "" {
		if err := s.exec(ctx, tx, `
UPDATE work_items SET status = ?, updated_at_ms = ?, last_event_seq = ? WHERE work_item_id = ?`,
			status, ts, seq, id); err != nil {
			return err
		}
	}
	if desc := str(p, "description"); desc != "" {
		if err := s.exec(ctx, tx, `
UPDATE work_items SET description = ?, updated_at_ms = ?, last_event_seq = ? WHERE work_item_id = ?`,
			desc, ts, seq, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyRunStart(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	runID := str(p, "run_id")
	itemID := str(p, "work_item_id")
	if runID == "" || itemID == "" {
		return fmt.Errorf("run.start without run_id or work_item_id")
	}
	if err := s.exec(ctx, tx, `
INSERT INTO runs
	(run_id, work_item_id, mood, budgets, status, sandbox_id, verifier_plan_id,
	 created_at_ms, updated_at_ms, last_event_seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, itemID, str(p, "mood"), encodeMap(p["budgets"]),
		string(contracts.RunExecuting), str(p, "sandbox_id"), str(p, "verifier_plan_id"),
		ts, ts, seq); err != nil {
		return err
	}
	return s.exec(ctx, tx, `
UPDATE work_items SET status = ?, updated_at_ms = ?, last_event_seq = ? WHERE work_item_id = ?`,
		string(contracts.WorkItemRunning), ts, seq, itemID)
}

func (s *Store) applyRunStatus(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	runID := str(p, "run_id")
	status := contracts.RunStatus(str(p, "status"))
	switch status {
	case contracts.RunPending, contracts.RunExecuting, contracts.RunVerifying,
		contracts.RunCommitting, contracts.RunCommitted, contracts.RunDiscarded:
	default:
		return fmt.Errorf("run.status with unknown status %q", status)
	}
	if err := s.setRunStatus(ctx, tx, runID, status, seq, ts); err != nil {
		return err
	}
	if mood := str(p, "mood"); mood != "" {
		if err := s.exec(ctx, tx, `
UPDATE runs SET mood = ?, last_event_seq = ? WHERE run_id = ?`, mood, seq, runID); err != nil {
			return err
		}
	}
	if sandboxID := str(p, "sandbox_id"); sandboxID != "" {
		if err := s.exec(ctx, tx, `
UPDATE runs SET sandbox_id = ?, last_event_seq = ? WHERE run_id = ?`, sandboxID, seq, runID); err != nil {
			return err
		}
	}
	if planID := str(p, "verifier_plan_id"); planID != "" {
		return s.exec(ctx, tx, `
UPDATE runs SET verifier_plan_id = ?, last_event_seq = ? WHERE run_id = ?`, planID, seq, runID)
	}
	return nil
}

func (s *Store) setRunStatus(ctx context.Context, tx *sql.Tx, runID string, status contracts.RunStatus, seq uint64, ts int64) error {
	if runID == "" {
		return fmt.Errorf("run event without run_id")
	}
	if err := s.exec(ctx, tx, `
UPDATE runs SET status = ?, updated_at_ms = ?, last_event_seq = ? WHERE run_id = ?`,
		string(status), ts, seq, runID); err != nil {
		return err
	}
	if status == contracts.RunDiscarded {
		// the objective stays open; a later run may pick it up again
		return s.exec(ctx, tx, `
UPDATE work_items SET status = ?, updated_at_ms = ?, last_event_seq = ?
WHERE work_item_id = (SELECT work_item_id FROM runs WHERE run_id = ?) AND status = ?`,
			string(contracts.WorkItemOpen), ts, seq, runID, string(contracts.WorkItemRunning))
	}
	return nil
}

func (s *Store) applySplit(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	parentID := str(p, "work_item_id")
	if parentID == "" {
		return fmt.Errorf("split.request without work_item_id")
	}
	if err := s.exec(ctx, tx, `
UPDATE work_items SET status = ?, updated_at_ms = ?, last_event_seq = ? WHERE work_item_id = ?`,
		string(contracts.WorkItemSplit), ts, seq, parentID); err != nil {
		return err
	}
	children, _ := p["children"].([]any)
	for _, raw := range children {
		child, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("split.request child is not an object")
		}
		child["parent_id"] = parentID
		if err := s.applyWorkItemCreate(ctx, tx, child, seq, ts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyFileWrite(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	path := str(p, "path")
	if path == "" {
		return fmt.Errorf("file.write without path")
	}
	if err := s.exec(ctx, tx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return err
	}
	return s.exec(ctx, tx, `
INSERT INTO files (path, content_hash, blob_url, updated_at_ms, last_event_seq)
VALUES (?, ?, ?, ?, ?)`,
		path, str(p, "content_hash"), str(p, "blob_url"), ts, seq)
}

func (s *Store) applyFileMove(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	from, to := str(p, "from"), str(p, "to")
	if from == "" || to == "" {
		return fmt.Errorf("file.move without from/to")
	}
	if err := s.exec(ctx, tx, `DELETE FROM files WHERE path = ?`, to); err != nil {
		return err
	}
	return s.exec(ctx, tx, `
UPDATE files SET path = ?, updated_at_ms = ?, last_event_seq = ? WHERE path = ?`,
		to, ts, seq, from)
}

func (s *Store) ensureConversation(ctx context.Context, tx *sql.Tx, id string, seq uint64, ts int64) error {
	if id == "" {
		return nil
	}
	var one int
	err := tx.QueryRowContext(ctx,
		database.Rebind(s.dialect, `SELECT 1 FROM conversations WHERE conversation_id = ?`), id,
	).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return s.exec(ctx, tx, `
INSERT INTO conversations (conversation_id, started_at_ms, last_event_seq) VALUES (?, ?, ?)`,
		id, ts, seq)
}

func (s *Store) applyMessage(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	convID := str(p, "conversation_id")
	if err := s.ensureConversation(ctx, tx, convID, seq, ts); err != nil {
		return err
	}
	if err := s.exec(ctx, tx, `
INSERT INTO messages (conversation_id, event_seq, role, content, timestamp_ms)
VALUES (?, ?, ?, ?, ?)`,
		convID, seq, str(p, "role"), str(p, "content"), ts); err != nil {
		return err
	}
	if convID == "" {
		return nil
	}
	return s.exec(ctx, tx, `
UPDATE conversations SET last_event_seq = ? WHERE conversation_id = ?`, seq, convID)
}

func (s *Store) applyToolCall(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	callID := str(p, "tool_call_id")
	if callID == "" {
		return fmt.Errorf("tool.call without tool_call_id")
	}
	convID := str(p, "conversation_id")
	if err := s.ensureConversation(ctx, tx, convID, seq, ts); err != nil {
		return err
	}
	return s.exec(ctx, tx, `
INSERT INTO tool_calls (tool_call_id, conversation_id, event_seq, tool_name, tool_input, timestamp_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		callID, convID, seq, str(p, "tool_name"), encodeMap(p["tool_input"]), ts)
}

func (s *Store) applyToolResult(ctx context.Context, tx *sql.Tx, p map[string]any) error {
	callID := str(p, "tool_call_id")
	if callID == "" {
		return fmt.Errorf("tool.result without tool_call_id")
	}
	return s.exec(ctx, tx, `
UPDATE tool_calls SET tool_result = ? WHERE tool_call_id = ?`,
		encodeMap(p["result"]), callID)
}

func (s *Store) applyCheckpoint(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	id := str(p, "checkpoint_id")
	if id == "" {
		return fmt.Errorf("checkpoint without checkpoint_id")
	}
	return s.exec(ctx, tx, `
INSERT INTO checkpoints (checkpoint_id, sandbox_id, commit_sha, message, created_at_ms, last_event_seq)
VALUES (?, ?, ?, ?, ?, ?)`,
		id, str(p, "sandbox_id"), str(p, "commit_sha"), str(p, "message"), ts, seq)
}

func (s *Store) applyReceipt(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	id := str(p, "receipt_id")
	if id == "" {
		return fmt.Errorf("receipt without receipt_id")
	}
	return s.exec(ctx, tx, `
INSERT INTO receipts_index (receipt_id, kind, run_id, lease_id, refs, event_seq, timestamp_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, str(p, "kind"), str(p, "run_id"), str(p, "lease_id"),
		encodeJSON(p["references"]), seq, ts)
}

// applyNote registers the atom carried by a note event, if any. Notes
// without an atom body only live on the log.
func (s *Store) applyNote(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64) error {
	atom, ok := p["atom"].(map[string]any)
	if !ok {
		return nil
	}
	hash := str(atom, "hash")
	if hash == "" {
		return fmt.Errorf("note atom without hash")
	}
	state := str(atom, "state")
	if state == "" {
		state = string(contracts.AtomUntrusted)
	}
	if err := s.exec(ctx, tx, `DELETE FROM atoms WHERE hash = ?`, hash); err != nil {
		return err
	}
	return s.exec(ctx, tx, `
INSERT INTO atoms (hash, kind, state, refs, body, last_event_seq)
VALUES (?, ?, ?, ?, ?, ?)`,
		hash, str(atom, "kind"), state, encodeJSON(atom["refs"]), encodeMap(atom["body"]), seq)
}

// applyAttestations records verifier attestations and promotes their target
// atoms on a passing result. Retracted atoms never come back.
func (s *Store) applyAttestations(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64) error {
	list, _ := p["attestations"].([]any)
	for _, raw := range list {
		at, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("attestation is not an object")
		}
		id := str(at, "attestation_id")
		if id == "" {
			return fmt.Errorf("attestation without attestation_id")
		}
		if err := s.exec(ctx, tx, `DELETE FROM attestations WHERE attestation_id = ?`, id); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, `
INSERT INTO attestations
	(attestation_id, target_atom_hash, verifier_id, verifier_type, verifier_version,
	 result, artifact_hash, confidence, run_id, last_event_seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, str(at, "target_atom_hash"), str(at, "verifier_id"), str(at, "verifier_type"),
			str(at, "verifier_version"), str(at, "result"), str(at, "artifact_hash"),
			f64(at, "confidence"), str(at, "run_id"), seq); err != nil {
			return err
		}
		target := str(at, "target_atom_hash")
		if target != "" && str(at, "result") == string(contracts.VerifierPass) {
			if err := s.exec(ctx, tx, `
UPDATE atoms SET state = ?, last_event_seq = ? WHERE hash = ? AND state != ?`,
				string(contracts.AtomPromoted), seq, target, string(contracts.AtomRetracted)); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyCommit closes the run and its work item.
func (s *Store) applyCommit(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64, ts int64) error {
	runID := str(p, "run_id")
	if runID == "" {
		return fmt.Errorf("receipt.commit without run_id")
	}
	if err := s.exec(ctx, tx, `
UPDATE runs SET status = ?, updated_at_ms = ?, last_event_seq = ? WHERE run_id = ?`,
		string(contracts.RunCommitted), ts, seq, runID); err != nil {
		return err
	}
	return s.exec(ctx, tx, `
UPDATE work_items SET status = ?, updated_at_ms = ?, last_event_seq = ?
WHERE work_item_id = (SELECT work_item_id FROM runs WHERE run_id = ?)`,
		string(contracts.WorkItemDone), ts, seq, runID)
}

// applyAHDBDelta replaces the named lanes with the delta's entries,
// last writer wins per lane. ASSERT entries referencing anything but a
// PROMOTED atom are dropped with a poison marker; the rest of the delta
// still lands.
func (s *Store) applyAHDBDelta(ctx context.Context, tx *sql.Tx, p map[string]any, seq uint64) error {
	delta, ok := p["delta"].(map[string]any)
	if !ok {
		return fmt.Errorf("receipt.ahdb.delta without delta object")
	}
	for lane, raw := range delta {
		if !validLane(lane) {
			return fmt.Errorf("unknown AHDB lane %q", lane)
		}
		entries, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("lane %q entries are not a list", lane)
		}
		if lane == "assert" {
			kept, err := s.filterAssertEntries(ctx, tx, entries, seq)
			if err != nil {
				return err
			}
			entries = kept
		}
		if err := s.exec(ctx, tx, `DELETE FROM ahdb_lanes WHERE lane = ?`, lane); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, `
INSERT INTO ahdb_lanes (lane, entries, last_event_seq) VALUES (?, ?, ?)`,
			lane, encodeJSON(entries), seq); err != nil {
			return err
		}
	}
	return nil
}

// filterAssertEntries drops ASSERT entries whose referenced atoms are not
// PROMOTED, leaving a poison marker per dropped entry.
func (s *Store) filterAssertEntries(ctx context.Context, tx *sql.Tx, entries []any, seq uint64) ([]any, error) {
	kept := make([]any, 0, len(entries))
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			kept = append(kept, raw)
			continue
		}
		ok, err := s.assertRefsPromoted(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.exec(ctx, tx, `
INSERT INTO poison_events (event_seq, event_type, reason, recorded_at_ms)
VALUES (?, ?, ?, ?)`,
				seq, eventlog.TypeReceiptAHDBDelta,
				fmt.Sprintf("assert entry references unpromoted atom: %v", entry["refers_to"]),
				s.clock().UnixMilli()); err != nil {
				return nil, err
			}
			continue
		}
		kept = append(kept, raw)
	}
	return kept, nil
}

func (s *Store) assertRefsPromoted(ctx context.Context, tx *sql.Tx, entry map[string]any) (bool, error) {
	var refs []string
	switch v := entry["refers_to"].(type) {
	case string:
		refs = []string{v}
	case []any:
		for _, r := range v {
			if h, ok := r.(string); ok {
				refs = append(refs, h)
			}
		}
	}
	for _, hash := range refs {
		var state string
		err := tx.QueryRowContext(ctx,
			database.Rebind(s.dialect, `SELECT state FROM atoms WHERE hash = ?`), hash,
		).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if state != string(contracts.AtomPromoted) {
			return false, nil
		}
	}
	return true, nil
}

func validLane(lane string) bool {
	for _, l := range Lanes {
		if l == lane {
			return true
		}
	}
	return false
}

func str(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func f64(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func encodeMap(v any) string {
	if v == nil {
		return "{}"
	}
	s := encodeJSON(v)
	if s == "[]" {
		return "{}"
	}
	return s
}
