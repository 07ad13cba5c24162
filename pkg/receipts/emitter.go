// Package receipts builds and appends the observability events the control
// plane emits on every capability use and lifecycle transition. Receipts
// are ordinary events on the log; this package owns their payload shape and
// keeps a run-local hash-chained trail for commit gating.
package receipts

import (
	"context"

	"github.com/google/uuid"

	"github.com/choiros/director/pkg/eventlog"
)

// Receipt is the common payload shape of every receipt.* event. Extra
// fields per kind ride alongside these in the event payload.
type Receipt struct {
	ReceiptID  string   `json:"receipt_id"`
	Kind       string   `json:"kind"`
	RunID      string   `json:"run_id,omitempty"`
	LeaseID    string   `json:"lease_id,omitempty"`
	References []string `json:"references,omitempty"`
}

// Emitter appends receipt events for one principal. The orchestrator holds
// one emitter per deployment and stamps run and lease IDs per call.
type Emitter struct {
	log    eventlog.Log
	userID string
	// observer, when set, sees every emitted receipt. The run-local
	// evidence ledger hooks in here.
	observer func(Receipt, map[string]any)
}

// NewEmitter builds an emitter appending as the given user.
func NewEmitter(log eventlog.Log, userID string) *Emitter {
	return &Emitter{log: log, userID: userID}
}

// Observe registers an observer for emitted receipts. One observer only;
// later calls replace earlier ones.
func (e *Emitter) Observe(fn func(Receipt, map[string]any)) {
	e.observer = fn
}

// Emit appends a receipt event of the given kind. The kind must be one of
// the canonical receipt.* event types; extra carries kind-specific fields
// and must not contain raw artifact bytes, only hash references.
func (e *Emitter) Emit(ctx context.Context, kind, runID, leaseID string, refs []string, extra map[string]any) (Receipt, error) {
	r := Receipt{
		ReceiptID:  uuid.NewString(),
		Kind:       kind,
		RunID:      runID,
		LeaseID:    leaseID,
		References: refs,
	}

	payload := map[string]any{
		"receipt_id": r.ReceiptID,
		"kind":       r.Kind,
	}
	if runID != "" {
		payload["run_id"] = runID
	}
	if leaseID != "" {
		payload["lease_id"] = leaseID
	}
	if len(refs) > 0 {
		payload["references"] = refs
	}
	for k, v := range extra {
		payload[k] = v
	}

	ev := eventlog.New(e.userID, eventlog.SourceSystem, kind, payload)
	ev.TimestampMS = nowMS()
	if _, err := e.log.Append(ctx, ev); err != nil {
		return Receipt{}, err
	}
	if e.observer != nil {
		e.observer(r, extra)
	}
	return r, nil
}

// Patch records a workspace or sandbox mutation by diff hash.
func (e *Emitter) Patch(ctx context.Context, runID, leaseID, diffHash string, paths []string) (Receipt, error) {
	return e.Emit(ctx, eventlog.TypeReceiptPatch, runID, leaseID, []string{diffHash}, map[string]any{
		"diff_hash": diffHash,
		"paths":     paths,
	})
}

// Verifier records one verifier execution outcome. Raw output stays in the
// artifact store; only the hashes travel here.
func (e *Emitter) Verifier(ctx context.Context, runID, planID, verifierID, result, artifactHash, reportHash string, confidence float64) (Receipt, error) {
	return e.Emit(ctx, eventlog.TypeReceiptVerifier, runID, "", []string{artifactHash, reportHash}, map[string]any{
		"verifier_plan_id": planID,
		"verifier_id":      verifierID,
		"result":           result,
		"artifact_hash":    artifactHash,
		"report_hash":      reportHash,
		"confidence":       confidence,
	})
}

// Commit records a gated commit with its evidence set.
func (e *Emitter) Commit(ctx context.Context, runID, leaseID, diffHash, planID string, attestationHashes []string) (Receipt, error) {
	refs := append([]string{diffHash}, attestationHashes...)
	return e.Emit(ctx, eventlog.TypeReceiptCommit, runID, leaseID, refs, map[string]any{
		"run_id":           runID,
		"diff_hash":        diffHash,
		"verifier_plan_id": planID,
		"attestations":     attestationHashes,
	})
}

// Timeout records budget exhaustion; dimension names the crossed axis.
func (e *Emitter) Timeout(ctx context.Context, runID, dimension string, used, cap int64) (Receipt, error) {
	return e.Emit(ctx, eventlog.TypeReceiptTimeout, runID, "", nil, map[string]any{
		"dimension": dimension,
		"used":      used,
		"cap":       cap,
	})
}

// Denied records a capability denial together with the suggested safer
// alternative handed back to the requester.
func (e *Emitter) Denied(ctx context.Context, runID, leaseID, operation, reason, suggestion string) (Receipt, error) {
	return e.Emit(ctx, eventlog.TypeReceiptDenied, runID, leaseID, nil, map[string]any{
		"operation":  operation,
		"reason":     reason,
		"suggestion": suggestion,
	})
}

// Rebuild records a projection rebuild or a poison-event diagnostic.
func (e *Emitter) Rebuild(ctx context.Context, detail map[string]any) (Receipt, error) {
	return e.Emit(ctx, eventlog.TypeReceiptRebuild, "", "", nil, detail)
}

// AHDBDelta records a control-state delta; lanes carries per-lane entries.
func (e *Emitter) AHDBDelta(ctx context.Context, runID string, delta map[string]any) (Receipt, error) {
	return e.Emit(ctx, eventlog.TypeReceiptAHDBDelta, runID, "", nil, map[string]any{
		"delta": delta,
	})
}
