package contracts

// RiskTier grades how much damage a work item can do if it goes wrong.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// WorkItemStatus is the lifecycle of a single bounded objective.
type WorkItemStatus string

const (
	WorkItemOpen    WorkItemStatus = "open"
	WorkItemRunning WorkItemStatus = "running"
	WorkItemDone    WorkItemStatus = "done"
	WorkItemSplit   WorkItemStatus = "split"
	WorkItemFailed  WorkItemStatus = "failed"
)

// WorkItem is the unit of planning: one bounded objective that a single run
// either satisfies or splits.
type WorkItem struct {
	ID                 string         `json:"work_item_id"`
	Description        string         `json:"description"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	RequiredVerifiers  []string       `json:"required_verifiers,omitempty"`
	RiskTier           RiskTier       `json:"risk_tier"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	Status             WorkItemStatus `json:"status"`
	// ParentID is set on children created by a split; empty otherwise.
	ParentID    string `json:"parent_id,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

// RunStatus is the run lifecycle. A run always terminates in exactly one of
// RunCommitted or RunDiscarded.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunExecuting  RunStatus = "executing"
	RunVerifying  RunStatus = "verifying"
	RunCommitting RunStatus = "committing"
	RunCommitted  RunStatus = "committed"
	RunDiscarded  RunStatus = "discarded"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunCommitted || s == RunDiscarded
}

// Budgets bounds a single run. Zero means unlimited for that dimension.
// Crossing any budget at exactly the declared limit exhausts it.
type Budgets struct {
	Tokens     int64 `json:"tokens"`
	TimeMS     int64 `json:"time_ms"`
	Iterations int64 `json:"iterations"`
	DiffBytes  int64 `json:"diff_bytes"`
}

// DirectorTask is what the director hands to an execution associate: the
// objective, its acceptance, and the posture it must work under.
type DirectorTask struct {
	TaskID       string   `json:"task_id"`
	WorkItemID   string   `json:"work_item_id"`
	Objective    string   `json:"objective"`
	Acceptance   []string `json:"acceptance,omitempty"`
	Mood         string   `json:"mood"`
	TouchedPaths []string `json:"touched_paths,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	Budgets      Budgets  `json:"budgets"`
}

// FileWrite is one structured file mutation proposed by an associate. The
// orchestrator applies it to the run's sandbox during execution and to the
// durable workspace only at commit.
type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// AssociateResult is the associate's answer: structured file mutations, the
// commands it ran, and its own verification claim. The director never trusts
// SelfVerified alone; it gates commit on attestations.
type AssociateResult struct {
	TaskID       string      `json:"task_id"`
	FileWrites   []FileWrite `json:"file_writes,omitempty"`
	Diff         string      `json:"diff,omitempty"`
	CommandsRun  []string    `json:"commands_run,omitempty"`
	SelfVerified bool        `json:"self_verified"`
	Notes        string      `json:"notes,omitempty"`
	TokensUsed   int64       `json:"tokens_used"`
	Infeasible   bool        `json:"infeasible,omitempty"`
	// SplitProposals carries child objectives when the associate judges the
	// item unsatisfiable within budget.
	SplitProposals []string `json:"split_proposals,omitempty"`
}

// VerifierResult is the outcome of a single verifier execution.
type VerifierResult string

const (
	VerifierPass         VerifierResult = "pass"
	VerifierFail         VerifierResult = "fail"
	VerifierFlaky        VerifierResult = "flaky"
	VerifierInconclusive VerifierResult = "inconclusive"
)

// Attestation binds a verifier outcome to its target. It is the only object
// that can promote an atom; raw verifier output stays behind ArtifactHash.
type Attestation struct {
	ID              string         `json:"attestation_id"`
	TargetAtomHash  string         `json:"target_atom_hash,omitempty"`
	VerifierID      string         `json:"verifier_id"`
	VerifierType    string         `json:"verifier_type"`
	VerifierVersion string         `json:"verifier_version"`
	Result          VerifierResult `json:"result"`
	ArtifactHash    string         `json:"artifact_hash"`
	Confidence      float64        `json:"confidence"`
	RunID           string         `json:"run_id,omitempty"`
}

// AtomKind is the kind of a content-addressed reasoning unit.
type AtomKind string

const (
	AtomSource      AtomKind = "source"
	AtomExtract     AtomKind = "extract"
	AtomClaim       AtomKind = "claim"
	AtomBinding     AtomKind = "binding"
	AtomConjecture  AtomKind = "conjecture"
	AtomHyperthesis AtomKind = "hyperthesis"
	AtomSynthesis   AtomKind = "synthesis"
)

// AtomState is the promotion lifecycle of an atom. Only attestations move
// atoms forward; only PROMOTED atoms may be referenced from the ASSERT lane.
type AtomState string

const (
	AtomUntrusted        AtomState = "UNTRUSTED"
	AtomQuarantined      AtomState = "QUARANTINED"
	AtomPromotionPending AtomState = "PROMOTION_PENDING"
	AtomPromoted         AtomState = "PROMOTED"
	AtomRetracted        AtomState = "RETRACTED"
)

// Atom is a content-addressed unit of reasoning. References between atoms
// are hashes, never pointers.
type Atom struct {
	Hash     string         `json:"hash"`
	Kind     AtomKind       `json:"kind"`
	State    AtomState      `json:"state"`
	Refs     []string       `json:"refs,omitempty"` // hashes of cited atoms
	Body     map[string]any `json:"body,omitempty"`
	SpanRefs []SpanRef      `json:"span_refs,omitempty"`
}

// SpanRef points at evidence by (hash, span) instead of pasting content.
type SpanRef struct {
	Hash  string `json:"hash"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}
