package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/mood"
	"github.com/choiros/director/pkg/workspace"
)

// StartRun launches an episode asynchronously and returns its run ID
// before the run terminates. The outcome lands on the log like any other
// episode; callers observe it through the projection.
func (d *Director) StartRun(ctx context.Context, workItemID string) (string, error) {
	const op = "orchestrator.start_run"
	if halted, reason := d.Halted(); halted {
		return "", contracts.Errorf(contracts.KindProjectionInconsistency, op, "director halted: %s", reason)
	}
	if err := d.syncProjection(ctx); err != nil {
		return "", err
	}
	item, err := d.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return "", contracts.Wrap(contracts.KindContractViolation, op, err)
	}
	if item.Status != contracts.WorkItemOpen {
		return "", contracts.Errorf(contracts.KindContractViolation, op,
			"work item %s is %s, not open", workItemID, item.Status)
	}

	runID := uuid.NewString()
	go func() {
		if _, err := d.runEpisode(context.WithoutCancel(ctx), workItemID, runID); err != nil {
			d.logger.Error("background episode failed", "run", runID, "work_item", workItemID, "error", err)
		}
	}()
	return runID, nil
}

// AppendNote records a typed note event against a run. The note type must
// live under the note.* family; anything else is a contract violation at
// the caller.
func (d *Director) AppendNote(ctx context.Context, runID, noteType string, body map[string]any) error {
	const op = "orchestrator.append_note"
	noteType = eventlog.Normalize(noteType)
	if !strings.HasPrefix(noteType, "note.") {
		return contracts.Errorf(contracts.KindContractViolation, op, "%q is not a note type", noteType)
	}
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["run_id"] = runID
	_, err := d.append(ctx, eventlog.SourceUser, noteType, payload)
	return err
}

// AttachAttestation records an externally produced attestation against a
// run. The referenced artifact must already exist in the artifact store;
// raw verifier bytes never ride in the event payload.
func (d *Director) AttachAttestation(ctx context.Context, runID string, att contracts.Attestation) error {
	const op = "orchestrator.attach_attestation"
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.ArtifactHash == "" {
		return contracts.E(contracts.KindContractViolation, op, "attestation without artifact_hash")
	}
	ok, err := d.artifacts.Exists(ctx, att.ArtifactHash)
	if err != nil {
		return err
	}
	if !ok {
		return contracts.Errorf(contracts.KindContractViolation, op,
			"artifact %s is not in the store", att.ArtifactHash)
	}
	att.RunID = runID
	_, err = d.emitter.Emit(ctx, eventlog.TypeReceiptAttestations, runID, "",
		[]string{att.ArtifactHash}, map[string]any{
			"attestations": []any{map[string]any{
				"attestation_id":   att.ID,
				"target_atom_hash": att.TargetAtomHash,
				"verifier_id":      att.VerifierID,
				"verifier_type":    att.VerifierType,
				"verifier_version": att.VerifierVersion,
				"result":           string(att.Result),
				"artifact_hash":    att.ArtifactHash,
				"confidence":       att.Confidence,
				"run_id":           runID,
			}},
		})
	if err != nil {
		return err
	}
	return d.syncProjection(ctx)
}

// GateDecision is the commit gate's answer to an external request.
type GateDecision struct {
	RunID   string `json:"run_id"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CommitGateCheck evaluates the commit gate for a run from its projected
// attestation set and records the decision as a policy receipt. It never
// commits anything itself; committed runs report their terminal state.
func (d *Director) CommitGateCheck(ctx context.Context, runID string) (GateDecision, error) {
	const op = "orchestrator.commit_gate_check"
	if err := d.syncProjection(ctx); err != nil {
		return GateDecision{}, err
	}
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return GateDecision{}, contracts.Wrap(contracts.KindContractViolation, op, err)
	}
	dec := GateDecision{RunID: runID}
	if run.Status.Terminal() {
		dec.Allowed = run.Status == contracts.RunCommitted
		dec.Reason = "run already " + string(run.Status)
		return dec, nil
	}

	profile, ok := d.profiles.Get(mood.Mood(run.Mood))
	if !ok {
		return GateDecision{}, contracts.Errorf(contracts.KindContractViolation, op, "no profile for mood %s", run.Mood)
	}
	atts, err := d.store.AttestationsForRun(ctx, runID)
	if err != nil {
		return GateDecision{}, err
	}

	var failures, blocked int
	for _, a := range atts {
		switch a.Result {
		case contracts.VerifierFail:
			failures++
		case contracts.VerifierInconclusive, contracts.VerifierFlaky:
			if a.Confidence <= d.cfg.ConfidenceThreshold {
				blocked++
			}
		}
	}
	switch {
	case failures > 0:
		dec.Reason = "failed attestations on record"
	case len(atts) == 0 && profile.VerifierStrictness == mood.StrictnessStrict:
		dec.Reason = "no verifier evidence under a strict posture"
	case blocked > 0 && profile.BlocksInconclusive():
		dec.Reason = "inconclusive attestations under a strict posture"
	default:
		dec.Allowed = true
	}

	if _, err := d.emitter.Emit(ctx, eventlog.TypeReceiptPolicyTokens, runID, "", nil, map[string]any{
		"decision":     dec.Allowed,
		"reason":       dec.Reason,
		"attestations": len(atts),
		"failures":     failures,
		"inconclusive": blocked,
	}); err != nil {
		return GateDecision{}, err
	}
	return dec, d.syncProjection(ctx)
}

// Undo restores the most recent durable-workspace snapshots and records
// the canonical undo event.
func (d *Director) Undo(ctx context.Context, count int) ([]workspace.Restored, error) {
	restored, err := d.history.Undo(count)
	if err != nil {
		return nil, err
	}
	if _, err := d.append(ctx, eventlog.SourceUser, eventlog.TypeUndo, workspace.UndoPayload(restored)); err != nil {
		return restored, err
	}
	return restored, nil
}
