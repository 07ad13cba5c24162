package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/director/pkg/budget"
	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/capability"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/mood"
	"github.com/choiros/director/pkg/sandbox"
	"github.com/choiros/director/pkg/verifier"
)

// Result is what one episode produced. A run always terminates in exactly
// one of committed or discarded.
type Result struct {
	RunID      string
	WorkItemID string
	Status     contracts.RunStatus
	Mood       string
	PlanID     string
	Outcomes   []verifier.Outcome
	CommitSHA  string
	DiffHash   string
	// Reason is set on discarded runs.
	Reason string
	// CommitRefused marks a discard that came from the commit gate rather
	// than from budgets, cancellation, or a split.
	CommitRefused bool
	// Split marks a discard that replaced the item with children.
	Split bool
}

// RunEpisode drives one work item through a full run: mood selection,
// sandbox allocation, associate execution, verification, and the commit
// gate. Budget exhaustion, cancellation, splits, and gate refusals all end
// in a discarded run with the reason on the log; only infrastructure
// failures come back as errors.
func (d *Director) RunEpisode(ctx context.Context, workItemID string) (Result, error) {
	return d.runEpisode(ctx, workItemID, uuid.NewString())
}

// discardState carries what a discard has to unwind: the sandbox to roll
// back to its pre-run checkpoint, plus any diagnostic notes the run
// produced on the way down.
type discardState struct {
	sandboxID string
	preRunRef string
	// hypothesis says what observation would discriminate the failure;
	// blindSpot says what the verifiers could not rule out, with its
	// mitigation. Both empty means the discard carried no diagnostics.
	hypothesis string
	blindSpot  string
	mitigation string
}

func (d *Director) runEpisode(ctx context.Context, workItemID, runID string) (Result, error) {
	const op = "orchestrator.run_episode"

	if halted, reason := d.Halted(); halted {
		return Result{}, contracts.Errorf(contracts.KindProjectionInconsistency, op, "director halted: %s", reason)
	}
	if err := d.syncProjection(ctx); err != nil {
		return Result{}, err
	}

	item, err := d.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return Result{}, contracts.Wrap(contracts.KindContractViolation, op, err)
	}
	if item.Status != contracts.WorkItemOpen {
		return Result{}, contracts.Errorf(contracts.KindContractViolation, op,
			"work item %s is %s, not open", workItemID, item.Status)
	}

	tail, err := d.unreadTail(ctx)
	if err != nil {
		return Result{}, err
	}
	signals, err := mood.Snapshot(ctx, d.store, workItemID, tail, d.takeRestartFlag())
	if err != nil {
		return Result{}, err
	}
	m, guard := mood.SelectInitial(signals)
	profile, ok := d.profiles.Get(m)
	if !ok {
		return Result{}, contracts.Errorf(contracts.KindContractViolation, op, "no profile for mood %s", m)
	}

	tracker := budget.NewTracker(profile.Budgets, budget.WithClock(d.clock))

	sandboxID, err := d.sandboxes.Create(ctx, sandbox.PolicyForMood(string(m)))
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = d.sandboxes.Destroy(context.WithoutCancel(ctx), sandboxID) }()

	// Checkpoint before any write; a discard rolls back to exactly this point.
	preRun, err := d.sandboxes.Checkpoint(ctx, sandboxID, "pre-run")
	if err != nil {
		return Result{}, err
	}
	ds := &discardState{sandboxID: sandboxID, preRunRef: preRun.ID}

	res := Result{RunID: runID, WorkItemID: workItemID, Mood: string(m)}

	d.logger.Info("episode started",
		"run", runID, "work_item", workItemID, "mood", m, "guard", guard, "sandbox", sandboxID)

	if _, err := d.append(ctx, eventlog.SourceSystem, eventlog.TypeRunStart, map[string]any{
		"run_id":       runID,
		"work_item_id": workItemID,
		"mood":         string(m),
		"mood_guard":   guard,
		"budgets":      budgetsPayload(profile.Budgets),
		"sandbox_id":   sandboxID,
	}); err != nil {
		return Result{}, err
	}
	defer func() { _ = d.issuer.RevokeRun(context.WithoutCancel(ctx), runID) }()

	writeLease, _, err := d.issuer.Issue(ctx, capability.IssueRequest{
		RunID:        runID,
		UserID:       d.cfg.UserID,
		Mood:         string(m),
		SyscallClass: capability.ClassWrite,
		Scopes:       []string{"/"},
		TTL:          d.cfg.LeaseTTL,
		Budget:       profile.Budgets,
	})
	if err != nil {
		return Result{}, err
	}

	// Executing.
	var (
		touched   []string
		patches   []sandbox.FilePatch
		diffBytes int64
	)
	for {
		if ctx.Err() != nil {
			return d.finishDiscard(ctx, res, ds, "cancelled")
		}
		if err := tracker.CheckTime(); err != nil {
			return d.budgetStop(ctx, res, ds, tracker)
		}
		if err := tracker.Charge(budget.DimIterations, 1); err != nil {
			return d.budgetStop(ctx, res, ds, tracker)
		}

		out, err := d.associate.Execute(ctx, contracts.DirectorTask{
			TaskID:       uuid.NewString(),
			WorkItemID:   workItemID,
			Objective:    item.Description,
			Acceptance:   item.AcceptanceCriteria,
			Mood:         string(m),
			TouchedPaths: touched,
			Constraints:  profile.StopRules,
			Budgets:      tracker.Remaining(),
		})
		if err != nil {
			switch contracts.KindOf(err) {
			case contracts.KindCancelled:
				return d.finishDiscard(ctx, res, ds, "cancelled")
			case contracts.KindBudgetExhausted:
				caps, used := tracker.Snapshot()
				_, _ = d.emitter.Timeout(context.WithoutCancel(ctx), runID,
					string(budget.DimTokens), used.Tokens, caps.Tokens)
				return d.finishDiscard(ctx, res, ds, "budget exhausted: tokens")
			default:
				return d.finishDiscard(ctx, res, ds, "associate failed: "+err.Error())
			}
		}
		if err := tracker.Charge(budget.DimTokens, out.TokensUsed); err != nil {
			return d.budgetStop(ctx, res, ds, tracker)
		}

		if out.Infeasible {
			return d.splitItem(ctx, res, ds, item, out.SplitProposals)
		}

		apply, bytes := d.admitWrites(ctx, runID, writeLease.ID, profile, out.FileWrites)
		if len(apply) > 0 {
			if err := tracker.Charge(budget.DimDiffBytes, bytes); err != nil {
				return d.budgetStop(ctx, res, ds, tracker)
			}
			diffHash, err := d.sandboxes.WriteFiles(ctx, sandboxID, uuid.NewString(), apply)
			if err != nil {
				return Result{}, err
			}
			diffBytes += bytes
			paths := make([]string, 0, len(apply))
			for _, p := range apply {
				paths = append(paths, p.Path)
				touched = appendUnique(touched, p.Path)
			}
			patches = append(patches, apply...)
			if _, err := d.emitter.Patch(ctx, runID, writeLease.ID, diffHash, paths); err != nil {
				return Result{}, err
			}
		}

		if out.SelfVerified {
			break
		}
	}

	if ctx.Err() != nil {
		return d.finishDiscard(ctx, res, ds, "cancelled")
	}

	// Re-snapshot at the verify boundary; the mood may shift mid-run.
	tail, err = d.unreadTail(ctx)
	if err != nil {
		return Result{}, err
	}
	signals, err = mood.Snapshot(ctx, d.store, workItemID, tail, false)
	if err != nil {
		return Result{}, err
	}
	if next, g := mood.Transition(m, signals); next != m {
		change := mood.Change{From: m, To: next, Guard: g}
		if _, err := d.append(ctx, eventlog.SourceSystem, eventlog.TypeNoteStatus, change.StatusPayload(runID)); err != nil {
			return Result{}, err
		}
		m = next
		res.Mood = string(m)
		if p, ok := d.profiles.Get(m); ok {
			profile = p
		}
	}

	// Verifying.
	plan, err := d.planner.Select(string(m), touched, item.RiskTier, item.RequiredVerifiers)
	if err != nil {
		return Result{}, err
	}
	res.PlanID = plan.PlanID
	if _, err := d.append(ctx, eventlog.SourceSystem, eventlog.TypeRunStatus, map[string]any{
		"run_id":           runID,
		"status":           string(contracts.RunVerifying),
		"mood":             string(m),
		"verifier_plan_id": plan.PlanID,
	}); err != nil {
		return Result{}, err
	}

	outcomes, err := d.runVerifiers(ctx, plan, m, patches)
	if err != nil {
		if contracts.KindOf(err) == contracts.KindCancelled || ctx.Err() != nil {
			return d.finishDiscard(ctx, res, ds, "cancelled")
		}
		return Result{}, err
	}
	res.Outcomes = outcomes

	attHashes := make([]string, 0, len(outcomes))
	atts := make([]any, 0, len(outcomes))
	for _, o := range outcomes {
		if _, err := d.emitter.Verifier(ctx, runID, plan.PlanID, o.VerifierID,
			string(o.Report.Result), o.ArtifactHash, o.ReportHash, o.Report.Confidence); err != nil {
			return Result{}, err
		}
		attHashes = append(attHashes, o.AttestationHash)
		atts = append(atts, map[string]any{
			"attestation_id":   o.Attestation.ID,
			"verifier_id":      o.VerifierID,
			"verifier_type":    "command",
			"verifier_version": o.Attestation.VerifierVersion,
			"result":           string(o.Report.Result),
			"artifact_hash":    o.ArtifactHash,
			"confidence":       o.Report.Confidence,
			"run_id":           runID,
		})
	}
	if len(atts) > 0 {
		if _, err := d.emitter.Emit(ctx, eventlog.TypeReceiptAttestations, runID, "", attHashes,
			map[string]any{"attestations": atts}); err != nil {
			return Result{}, err
		}
	}
	if err := d.syncProjection(ctx); err != nil {
		return Result{}, err
	}

	// Commit gate.
	if refusal := d.gate(profile, plan, outcomes, policyInput{
		Mood:          string(m),
		RiskTier:      item.RiskTier,
		VerifierCount: len(outcomes),
		DiffBytes:     diffBytes,
	}); refusal != "" {
		_, _ = d.emitter.Denied(context.WithoutCancel(ctx), runID, "", "commit", refusal,
			"address the verifier findings and open a new run")
		res.CommitRefused = true
		ds.noteFrom(outcomes)
		return d.finishDiscard(ctx, res, ds, refusal)
	}

	if ctx.Err() != nil {
		return d.finishDiscard(ctx, res, ds, "cancelled")
	}

	// Committing, under the exclusive workspace write lease.
	if _, err := d.append(ctx, eventlog.SourceSystem, eventlog.TypeRunStatus, map[string]any{
		"run_id": runID,
		"status": string(contracts.RunCommitting),
	}); err != nil {
		return Result{}, err
	}
	wsLease, _, release, err := d.issuer.IssueWorkspaceWrite(ctx, capability.IssueRequest{
		RunID:  runID,
		UserID: d.cfg.UserID,
		Mood:   string(m),
		Scopes: []string{"/"},
		TTL:    d.cfg.LeaseTTL,
		Budget: profile.Budgets,
	})
	if err != nil {
		if contracts.KindOf(err) == contracts.KindCancelled {
			return d.finishDiscard(ctx, res, ds, "cancelled")
		}
		return Result{}, err
	}
	defer release()

	commitSHA, diffHash, err := d.applyDurable(ctx, runID, sandboxID, patches)
	if err != nil {
		return Result{}, err
	}
	if _, err := d.emitter.Commit(ctx, runID, wsLease.ID, diffHash, plan.PlanID, attHashes); err != nil {
		return Result{}, err
	}
	release()
	if err := d.syncProjection(ctx); err != nil {
		return Result{}, err
	}

	res.Status = contracts.RunCommitted
	res.CommitSHA = commitSHA
	res.DiffHash = diffHash
	d.logger.Info("episode committed", "run", runID, "work_item", workItemID, "commit", commitSHA)
	return res, nil
}

// admitWrites authorizes each proposed write against the mood profile and
// the run's write lease. Denied writes are skipped with a receipt; the run
// keeps going with whatever was admitted.
func (d *Director) admitWrites(ctx context.Context, runID, leaseID string, profile mood.Profile, writes []contracts.FileWrite) ([]sandbox.FilePatch, int64) {
	var (
		apply []sandbox.FilePatch
		bytes int64
	)
	for _, w := range writes {
		if !profile.ToolAllowed("write") {
			_, _ = d.emitter.Denied(ctx, runID, leaseID, "sandbox.write",
				fmt.Sprintf("mood %s does not admit writes", profile.Mood),
				"narrow the objective or wait for a calmer posture")
			continue
		}
		dec, err := d.authorizer.Authorize(ctx, leaseID, capability.Use{
			Class:     capability.ClassWrite,
			Path:      w.Path,
			Bytes:     int64(len(w.Content)),
			Operation: "sandbox.write",
		})
		if err != nil || !dec.Allowed {
			reason := dec.Reason
			if err != nil {
				reason = err.Error()
			}
			_, _ = d.emitter.Denied(ctx, runID, leaseID, "sandbox.write", reason, dec.Suggestion)
			continue
		}
		apply = append(apply, sandbox.FilePatch{
			Path:    w.Path,
			Content: []byte(w.Content),
			Delete:  w.Delete,
		})
		bytes += int64(len(w.Content))
	}
	return apply, bytes
}

// runVerifiers executes the plan in fresh sessions seeded with the run's
// sandbox state. Cancellation is graceful: in-flight verifiers get a bounded
// grace window to finish before their context is cut.
func (d *Director) runVerifiers(ctx context.Context, plan verifier.Plan, m mood.Mood, seed []sandbox.FilePatch) ([]verifier.Outcome, error) {
	sessions := verifier.NewSandboxSessions(d.sandboxes, d.artifacts, sandbox.PolicyForMood(string(m)), seed)
	runner := verifier.NewRunner(d.registry, d.artifacts, sessions)

	verCtx, cancelVer := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelVer()
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		grace := time.NewTimer(verifierGrace)
		defer grace.Stop()
		select {
		case <-grace.C:
			cancelVer()
		case <-done:
		}
	}()
	outcomes, err := runner.Execute(verCtx, plan)
	close(done)
	return outcomes, err
}

// gate decides whether the run's evidence admits a commit. An empty string
// allows; anything else is the refusal reason.
func (d *Director) gate(profile mood.Profile, plan verifier.Plan, outcomes []verifier.Outcome, in policyInput) string {
	if len(plan.UnknownRequired) > 0 {
		return fmt.Sprintf("required verifiers %v are not in the allowlist", plan.UnknownRequired)
	}

	var failures, blocked int
	var failSigs []string
	for _, o := range outcomes {
		switch o.Report.Result {
		case contracts.VerifierFail:
			failures++
			failSigs = append(failSigs, o.Report.FailureSignatures...)
		case contracts.VerifierInconclusive, contracts.VerifierFlaky:
			if o.Report.Confidence <= d.cfg.ConfidenceThreshold {
				blocked++
			}
		}
	}
	switch {
	case failures > 0:
		return fmt.Sprintf("%d verifier(s) failed: %s", failures, strings.Join(failSigs, "; "))
	case len(outcomes) == 0 && profile.VerifierStrictness == mood.StrictnessStrict:
		return "no verifier evidence under a strict posture"
	case blocked > 0 && profile.BlocksInconclusive():
		return fmt.Sprintf("%d inconclusive verifier(s) under a strict posture", blocked)
	}

	in.Failures = failures
	in.Inconclusive = blocked
	if ok, reason := d.policy.Allow(in); !ok {
		return reason
	}
	return ""
}

// applyDurable lands the run's accumulated patches in the durable workspace
// and records them as file events. It returns the checkpoint SHA and the
// diff hash binding the commit receipt to exactly these mutations.
func (d *Director) applyDurable(ctx context.Context, runID, sandboxID string, patches []sandbox.FilePatch) (string, string, error) {
	manifest := make([]map[string]any, 0, len(patches))
	for _, p := range patches {
		if d.ws != nil {
			abs := filepath.Join(d.ws.Root(), filepath.FromSlash(p.Path))
			if err := d.history.Save(abs); err != nil {
				return "", "", err
			}
			if p.Delete {
				if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
					return "", "", fmt.Errorf("orchestrator: delete %s: %w", p.Path, err)
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
					return "", "", fmt.Errorf("orchestrator: write %s: %w", p.Path, err)
				}
				if err := os.WriteFile(abs, p.Content, 0o640); err != nil {
					return "", "", fmt.Errorf("orchestrator: write %s: %w", p.Path, err)
				}
			}
		}
		entry := map[string]any{"path": p.Path, "delete": p.Delete}
		if p.Delete {
			if _, err := d.append(ctx, eventlog.SourceAgent, eventlog.TypeFileDelete,
				map[string]any{"path": p.Path, "run_id": runID}); err != nil {
				return "", "", err
			}
		} else {
			entry["content_hash"] = canonicalize.HashBytes(p.Content)
			if _, err := d.append(ctx, eventlog.SourceAgent, eventlog.TypeFileWrite, map[string]any{
				"path":         p.Path,
				"content_hash": entry["content_hash"],
				"run_id":       runID,
			}); err != nil {
				return "", "", err
			}
		}
		manifest = append(manifest, entry)
	}

	diffHash, err := canonicalize.Hash(map[string]any{"run_id": runID, "patches": manifest})
	if err != nil {
		return "", "", err
	}

	commitSHA := ""
	if d.ws != nil {
		ck, err := d.ws.Checkpoint(ctx, "run "+runID)
		if err != nil {
			return "", "", err
		}
		commitSHA = ck.SHA
		if _, err := d.append(ctx, eventlog.SourceSystem, eventlog.TypeCheckpoint, map[string]any{
			"checkpoint_id": uuid.NewString(),
			"sandbox_id":    sandboxID,
			"commit_sha":    commitSHA,
			"message":       "run " + runID,
		}); err != nil {
			return "", "", err
		}
	}
	return commitSHA, diffHash, nil
}

// splitItem replaces an infeasible item with child objectives and discards
// the run. With no proposals there is nothing to split into, so the run is
// discarded as plainly infeasible and the item stays open.
func (d *Director) splitItem(ctx context.Context, res Result, ds *discardState, item contracts.WorkItem, proposals []string) (Result, error) {
	if len(proposals) == 0 {
		return d.finishDiscard(ctx, res, ds, "infeasible, no split proposed")
	}
	children := make([]any, 0, len(proposals))
	for i, p := range proposals {
		children = append(children, map[string]any{
			"work_item_id": item.ID + "." + strconv.Itoa(i+1),
			"description":  p,
			"risk_tier":    string(item.RiskTier),
		})
	}
	if _, err := d.append(context.WithoutCancel(ctx), eventlog.SourceSystem, eventlog.TypeSplitRequest, map[string]any{
		"work_item_id": item.ID,
		"run_id":       res.RunID,
		"children":     children,
	}); err != nil {
		return res, err
	}
	res.Split = true
	return d.finishDiscard(ctx, res, ds, "split into "+strconv.Itoa(len(proposals))+" children")
}

// budgetStop emits the timeout receipt for the exhausted dimension and
// discards the run.
func (d *Director) budgetStop(ctx context.Context, res Result, ds *discardState, tracker *budget.Tracker) (Result, error) {
	dim := tracker.Exhausted()
	caps, used := tracker.Snapshot()
	usedV, capV := dimensionValues(dim, used, caps)
	_, _ = d.emitter.Timeout(context.WithoutCancel(ctx), res.RunID, string(dim), usedV, capV)
	return d.finishDiscard(ctx, res, ds, "budget exhausted: "+string(dim))
}

// finishDiscard rolls the sandbox back to its pre-run checkpoint, records
// any diagnostic notes, closes the run as discarded, and revokes its
// leases. Everything runs detached from ctx so cancellation cannot strand
// a run in a non-terminal state.
func (d *Director) finishDiscard(ctx context.Context, res Result, ds *discardState, reason string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if ds != nil && ds.preRunRef != "" {
		if err := d.sandboxes.Restore(ctx, ds.sandboxID, ds.preRunRef); err != nil {
			d.logger.Error("pre-run restore failed", "run", res.RunID, "sandbox", ds.sandboxID, "error", err)
		}
	}
	if ds != nil && ds.hypothesis != "" {
		if _, err := d.append(ctx, eventlog.SourceAgent, eventlog.TypeNoteHypothesis, map[string]any{
			"run_id":       res.RunID,
			"work_item_id": res.WorkItemID,
			"text":         ds.hypothesis,
		}); err != nil {
			return res, err
		}
	}
	if ds != nil && ds.blindSpot != "" {
		if _, err := d.append(ctx, eventlog.SourceAgent, eventlog.TypeNoteHyperthesis, map[string]any{
			"run_id":       res.RunID,
			"work_item_id": res.WorkItemID,
			"text":         ds.blindSpot,
			"mitigation":   ds.mitigation,
		}); err != nil {
			return res, err
		}
	}
	if _, err := d.append(ctx, eventlog.SourceSystem, eventlog.TypeRunDiscard, map[string]any{
		"run_id": res.RunID,
		"reason": reason,
	}); err != nil {
		return res, err
	}
	_ = d.issuer.RevokeRun(ctx, res.RunID)
	res.Status = contracts.RunDiscarded
	res.Reason = reason
	d.logger.Info("episode discarded", "run", res.RunID, "work_item", res.WorkItemID, "reason", reason)
	return res, nil
}

// noteFrom turns verifier outcomes into the discard's diagnostic notes:
// the hypothesis names what would discriminate the failure, the blind spot
// names what the evidence could not rule out and how to close it.
func (ds *discardState) noteFrom(outcomes []verifier.Outcome) {
	var failSig, failID string
	sawInconclusive := false
	for _, o := range outcomes {
		switch o.Report.Result {
		case contracts.VerifierFail:
			if failSig == "" {
				failID = o.VerifierID
				if len(o.Report.FailureSignatures) > 0 {
					failSig = o.Report.FailureSignatures[0]
				} else {
					failSig = o.Report.Summary
				}
			}
		case contracts.VerifierInconclusive, contracts.VerifierFlaky:
			sawInconclusive = true
		}
	}
	switch {
	case failSig != "":
		ds.hypothesis = fmt.Sprintf(
			"a minimal case reproducing %q under %s would discriminate a code fault from an environment fault",
			failSig, failID)
		ds.blindSpot = "verification only exercised the touched scope; behavior outside it is unchecked"
		ds.mitigation = "re-run under a stricter mood so the plan broadens to the full suite"
	case sawInconclusive:
		ds.hypothesis = "a deterministic re-run in a pinned environment would separate a timing-dependent fault from noise"
		ds.blindSpot = "flaky or inconclusive evidence cannot rule out a nondeterministic fault"
		ds.mitigation = "isolate the verifier and re-run it from a clean checkpoint"
	}
}

func dimensionValues(dim budget.Dimension, used, caps contracts.Budgets) (int64, int64) {
	switch dim {
	case budget.DimTokens:
		return used.Tokens, caps.Tokens
	case budget.DimTimeMS:
		return used.TimeMS, caps.TimeMS
	case budget.DimIterations:
		return used.Iterations, caps.Iterations
	case budget.DimDiffBytes:
		return used.DiffBytes, caps.DiffBytes
	default:
		return 0, 0
	}
}

func budgetsPayload(b contracts.Budgets) map[string]any {
	return map[string]any{
		"tokens":     b.Tokens,
		"time_ms":    b.TimeMS,
		"iterations": b.Iterations,
		"diff_bytes": b.DiffBytes,
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
