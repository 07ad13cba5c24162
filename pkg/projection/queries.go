package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/database"
)

// AHDBState is the projected control-state vector.
type AHDBState struct {
	Assert       []map[string]any `json:"assert"`
	Hypothesize  []map[string]any `json:"hypothesize"`
	Drive        []map[string]any `json:"drive"`
	Believe      []map[string]any `json:"believe"`
	Hypertheses  []map[string]any `json:"hypertheses"`
	Conjectures  []map[string]any `json:"conjectures"`
	LastEventSeq uint64           `json:"last_event_seq"`
}

// RunRecord is the projected view of one run.
type RunRecord struct {
	RunID          string              `json:"run_id"`
	WorkItemID     string              `json:"work_item_id"`
	Mood           string              `json:"mood"`
	Budgets        contracts.Budgets   `json:"budgets"`
	Status         contracts.RunStatus `json:"status"`
	SandboxID      string              `json:"sandbox_id,omitempty"`
	VerifierPlanID string              `json:"verifier_plan_id,omitempty"`
	CreatedAtMS    int64               `json:"created_at_ms"`
	UpdatedAtMS    int64               `json:"updated_at_ms"`
	LastEventSeq   uint64              `json:"last_event_seq"`
}

// ReceiptRecord is one entry of the receipts index.
type ReceiptRecord struct {
	ReceiptID   string   `json:"receipt_id"`
	Kind        string   `json:"kind"`
	RunID       string   `json:"run_id,omitempty"`
	LeaseID     string   `json:"lease_id,omitempty"`
	References  []string `json:"references,omitempty"`
	EventSeq    uint64   `json:"event_seq"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// GetWorkItem returns one work item by ID.
func (s *Store) GetWorkItem(ctx context.Context, id string) (contracts.WorkItem, error) {
	var (
		w                     contracts.WorkItem
		acceptance, verifiers string
		deps                  string
	)
	err := s.db.QueryRowContext(ctx, database.Rebind(s.dialect, `
SELECT work_item_id, description, acceptance_criteria, required_verifiers,
       risk_tier, dependencies, status, parent_id, created_at_ms, updated_at_ms
FROM work_items WHERE work_item_id = ?`), id).Scan(
		&w.ID, &w.Description, &acceptance, &verifiers,
		(*string)(&w.RiskTier), &deps, (*string)(&w.Status), &w.ParentID,
		&w.CreatedAtMS, &w.UpdatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.WorkItem{}, fmt.Errorf("projection: work item %s not found", id)
	}
	if err != nil {
		return contracts.WorkItem{}, fmt.Errorf("projection: get work item: %w", err)
	}
	_ = json.Unmarshal([]byte(acceptance), &w.AcceptanceCriteria)
	_ = json.Unmarshal([]byte(verifiers), &w.RequiredVerifiers)
	_ = json.Unmarshal([]byte(deps), &w.Dependencies)
	return w, nil
}

// ListWorkItems returns all work items in the given status, or all of them
// when status is empty.
func (s *Store) ListWorkItems(ctx context.Context, status contracts.WorkItemStatus) ([]contracts.WorkItem, error) {
	query := `
SELECT work_item_id, description, acceptance_criteria, required_verifiers,
       risk_tier, dependencies, status, parent_id, created_at_ms, updated_at_ms
FROM work_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at_ms, work_item_id`

	rows, err := s.db.QueryContext(ctx, database.Rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("projection: list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.WorkItem
	for rows.Next() {
		var (
			w                     contracts.WorkItem
			acceptance, verifiers string
			deps                  string
		)
		if err := rows.Scan(&w.ID, &w.Description, &acceptance, &verifiers,
			(*string)(&w.RiskTier), &deps, (*string)(&w.Status), &w.ParentID,
			&w.CreatedAtMS, &w.UpdatedAtMS); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(acceptance), &w.AcceptanceCriteria)
		_ = json.Unmarshal([]byte(verifiers), &w.RequiredVerifiers)
		_ = json.Unmarshal([]byte(deps), &w.Dependencies)
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	var (
		r       RunRecord
		budgets string
	)
	err := s.db.QueryRowContext(ctx, database.Rebind(s.dialect, `
SELECT run_id, work_item_id, mood, budgets, status, sandbox_id, verifier_plan_id,
       created_at_ms, updated_at_ms, last_event_seq
FROM runs WHERE run_id = ?`), runID).Scan(
		&r.RunID, &r.WorkItemID, &r.Mood, &budgets, (*string)(&r.Status),
		&r.SandboxID, &r.VerifierPlanID, &r.CreatedAtMS, &r.UpdatedAtMS, &r.LastEventSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("projection: run %s not found", runID)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("projection: get run: %w", err)
	}
	_ = json.Unmarshal([]byte(budgets), &r.Budgets)
	return r, nil
}

// RunsForWorkItem lists every run opened against a work item, oldest first.
func (s *Store) RunsForWorkItem(ctx context.Context, workItemID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, database.Rebind(s.dialect, `
SELECT run_id, work_item_id, mood, budgets, status, sandbox_id, verifier_plan_id,
       created_at_ms, updated_at_ms, last_event_seq
FROM runs WHERE work_item_id = ? ORDER BY created_at_ms, run_id`), workItemID)
	if err != nil {
		return nil, fmt.Errorf("projection: runs for work item: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			budgets string
		)
		if err := rows.Scan(&r.RunID, &r.WorkItemID, &r.Mood, &budgets,
			(*string)(&r.Status), &r.SandboxID, &r.VerifierPlanID,
			&r.CreatedAtMS, &r.UpdatedAtMS, &r.LastEventSeq); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(budgets), &r.Budgets)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AHDB returns the projected control-state vector at the current cursor.
func (s *Store) AHDB(ctx context.Context) (AHDBState, error) {
	state := AHDBState{}
	cursor, err := s.Cursor(ctx)
	if err != nil {
		return state, err
	}
	state.LastEventSeq = cursor

	rows, err := s.db.QueryContext(ctx, `SELECT lane, entries FROM ahdb_lanes`)
	if err != nil {
		return state, fmt.Errorf("projection: read lanes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var lane, raw string
		if err := rows.Scan(&lane, &raw); err != nil {
			return state, err
		}
		var entries []map[string]any
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return state, fmt.Errorf("projection: decode lane %s: %w", lane, err)
		}
		switch lane {
		case "assert":
			state.Assert = entries
		case "hypothesize":
			state.Hypothesize = entries
		case "drive":
			state.Drive = entries
		case "believe":
			state.Believe = entries
		case "hypertheses":
			state.Hypertheses = entries
		case "conjectures":
			state.Conjectures = entries
		}
	}
	return state, rows.Err()
}

// GetReceipt returns one receipts-index entry.
func (s *Store) GetReceipt(ctx context.Context, receiptID string) (ReceiptRecord, error) {
	var (
		r    ReceiptRecord
		refs string
	)
	err := s.db.QueryRowContext(ctx, database.Rebind(s.dialect, `
SELECT receipt_id, kind, run_id, lease_id, refs, event_seq, timestamp_ms
FROM receipts_index WHERE receipt_id = ?`), receiptID).Scan(
		&r.ReceiptID, &r.Kind, &r.RunID, &r.LeaseID, &refs, &r.EventSeq, &r.TimestampMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ReceiptRecord{}, fmt.Errorf("projection: receipt %s not found", receiptID)
	}
	if err != nil {
		return ReceiptRecord{}, fmt.Errorf("projection: get receipt: %w", err)
	}
	_ = json.Unmarshal([]byte(refs), &r.References)
	return r, nil
}

// ReceiptsForRun lists the receipts index for one run in log order.
func (s *Store) ReceiptsForRun(ctx context.Context, runID string) ([]ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, database.Rebind(s.dialect, `
SELECT receipt_id, kind, run_id, lease_id, refs, event_seq, timestamp_ms
FROM receipts_index WHERE run_id = ? ORDER BY event_seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("projection: receipts for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ReceiptRecord
	for rows.Next() {
		var (
			r    ReceiptRecord
			refs string
		)
		if err := rows.Scan(&r.ReceiptID, &r.Kind, &r.RunID, &r.LeaseID,
			&refs, &r.EventSeq, &r.TimestampMS); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(refs), &r.References)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAtom returns one atom by content hash.
func (s *Store) GetAtom(ctx context.Context, hash string) (contracts.Atom, error) {
	var (
		a          contracts.Atom
		refs, body string
	)
	err := s.db.QueryRowContext(ctx, database.Rebind(s.dialect, `
SELECT hash, kind, state, refs, body FROM atoms WHERE hash = ?`), hash).Scan(
		&a.Hash, (*string)(&a.Kind), (*string)(&a.State), &refs, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Atom{}, fmt.Errorf("projection: atom %s not found", hash)
	}
	if err != nil {
		return contracts.Atom{}, fmt.Errorf("projection: get atom: %w", err)
	}
	_ = json.Unmarshal([]byte(refs), &a.Refs)
	_ = json.Unmarshal([]byte(body), &a.Body)
	return a, nil
}

// AttestationsForAtom lists the attestations bound to one atom.
func (s *Store) AttestationsForAtom(ctx context.Context, atomHash string) ([]contracts.Attestation, error) {
	rows, err := s.db.QueryContext(ctx, database.Rebind(s.dialect, `
SELECT attestation_id, target_atom_hash, verifier_id, verifier_type, verifier_version,
       result, artifact_hash, confidence, run_id
FROM attestations WHERE target_atom_hash = ? ORDER BY attestation_id`), atomHash)
	if err != nil {
		return nil, fmt.Errorf("projection: attestations for atom: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Attestation
	for rows.Next() {
		var a contracts.Attestation
		if err := rows.Scan(&a.ID, &a.TargetAtomHash, &a.VerifierID, &a.VerifierType,
			&a.VerifierVersion, (*string)(&a.Result), &a.ArtifactHash,
			&a.Confidence, &a.RunID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttestationsForRun lists the attestations a run collected, in ID order.
func (s *Store) AttestationsForRun(ctx context.Context, runID string) ([]contracts.Attestation, error) {
	rows, err := s.db.QueryContext(ctx, database.Rebind(s.dialect, `
SELECT attestation_id, target_atom_hash, verifier_id, verifier_type, verifier_version,
       result, artifact_hash, confidence, run_id
FROM attestations WHERE run_id = ? ORDER BY attestation_id`), runID)
	if err != nil {
		return nil, fmt.Errorf("projection: attestations for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Attestation
	for rows.Next() {
		var a contracts.Attestation
		if err := rows.Scan(&a.ID, &a.TargetAtomHash, &a.VerifierID, &a.VerifierType,
			&a.VerifierVersion, (*string)(&a.Result), &a.ArtifactHash,
			&a.Confidence, &a.RunID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FileHash returns the projected content hash of one path, empty when the
// path does not exist.
func (s *Store) FileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		database.Rebind(s.dialect, `SELECT content_hash FROM files WHERE path = ?`), path,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("projection: file hash: %w", err)
	}
	return hash, nil
}
