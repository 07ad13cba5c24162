// Package orchestrator implements the Director: the component that owns the
// run lifecycle. It binds runs to work items, selects moods, allocates
// sandboxes, issues every capability lease, drives verification, and gates
// commits. All of its side effects are events; the projection is how anyone
// else sees them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/capability"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/mood"
	"github.com/choiros/director/pkg/projection"
	"github.com/choiros/director/pkg/receipts"
	"github.com/choiros/director/pkg/sandbox"
	"github.com/choiros/director/pkg/verifier"
	"github.com/choiros/director/pkg/workspace"
)

// verifierGrace bounds how long in-flight verifiers may keep running after
// a run is cancelled.
const verifierGrace = 5 * time.Second

// Config tunes the director.
type Config struct {
	// UserID stamps every event the director appends.
	UserID string
	// LeaseSecret seeds the capability signing key.
	LeaseSecret string
	// ConfidenceThreshold lets a single inconclusive attestation through the
	// commit gate under a strict mood when its confidence exceeds this.
	// Zero means the default of 0.8.
	ConfidenceThreshold float64
	// CommitPolicy is an optional CEL expression evaluated at the commit
	// gate; it must yield a bool. Empty allows.
	CommitPolicy string
	// LeaseTTL bounds execution leases. Zero means 5 minutes.
	LeaseTTL time.Duration
	// Restarted marks a process start without clean handoff; the first mood
	// selection after it lands in CONTRITE.
	Restarted bool
}

// Deps are the components the director coordinates.
type Deps struct {
	Log       eventlog.Log
	Store     *projection.Store
	Sandboxes sandbox.Provider
	Verifiers *verifier.Registry
	Artifacts artifacts.Store
	Profiles  *mood.ProfileSet
	Associate Associate
	// Leases is the lease registry shared with any external verifier of
	// tokens. Nil means in-memory.
	Leases capability.Registry
	// Workspace is the durable workspace commits land in. Nil disables
	// durable file writes (events still record them).
	Workspace *workspace.Git
}

// Director owns run lifecycles. Safe for concurrent use; each run owns its
// sandbox and lease set, and the commit-time workspace lease is serialized
// by the issuer.
type Director struct {
	log        eventlog.Log
	store      *projection.Store
	sandboxes  sandbox.Provider
	registry   *verifier.Registry
	planner    *verifier.Planner
	artifacts  artifacts.Store
	profiles   *mood.ProfileSet
	associate  Associate
	issuer     *capability.Issuer
	authorizer *capability.Authorizer
	emitter    *receipts.Emitter
	ws         *workspace.Git
	history    *workspace.History
	policy     *commitPolicy
	logger     *slog.Logger
	clock      func() time.Time
	cfg        Config

	mu         sync.Mutex
	halted     bool
	haltReason string
	restarted  bool
}

// New wires a director. Every dependency except Workspace and Leases is
// required.
func New(deps Deps, cfg Config) (*Director, error) {
	switch {
	case deps.Log == nil:
		return nil, fmt.Errorf("orchestrator: nil event log")
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: nil projection store")
	case deps.Sandboxes == nil:
		return nil, fmt.Errorf("orchestrator: nil sandbox provider")
	case deps.Verifiers == nil:
		return nil, fmt.Errorf("orchestrator: nil verifier registry")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("orchestrator: nil artifact store")
	case deps.Profiles == nil:
		return nil, fmt.Errorf("orchestrator: nil mood profiles")
	case deps.Associate == nil:
		return nil, fmt.Errorf("orchestrator: nil associate")
	}
	if cfg.UserID == "" {
		cfg.UserID = "local"
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}

	leases := deps.Leases
	if leases == nil {
		leases = capability.NewMemoryRegistry()
	}
	issuer, err := capability.NewIssuer(cfg.LeaseSecret, leases)
	if err != nil {
		return nil, err
	}
	policy, err := newCommitPolicy(cfg.CommitPolicy)
	if err != nil {
		return nil, err
	}

	d := &Director{
		log:        deps.Log,
		store:      deps.Store,
		sandboxes:  deps.Sandboxes,
		registry:   deps.Verifiers,
		planner:    verifier.NewPlanner(deps.Verifiers),
		artifacts:  deps.Artifacts,
		profiles:   deps.Profiles,
		associate:  deps.Associate,
		issuer:     issuer,
		authorizer: capability.NewAuthorizer(leases),
		emitter:    receipts.NewEmitter(deps.Log, cfg.UserID),
		ws:         deps.Workspace,
		history:    workspace.NewHistory(),
		policy:     policy,
		logger:     slog.Default().With("component", "director"),
		clock:      time.Now,
		cfg:        cfg,
		restarted:  cfg.Restarted,
	}
	return d, nil
}

// WithClock injects a deterministic clock for tests.
func (d *Director) WithClock(clock func() time.Time) *Director {
	d.clock = clock
	return d
}

// Emitter exposes the receipt emitter so outer layers (API, projector
// diagnostics) append through the same principal.
func (d *Director) Emitter() *receipts.Emitter { return d.emitter }

// Issuer exposes the lease issuer for token verification at the API edge.
func (d *Director) Issuer() *capability.Issuer { return d.issuer }

// Halt stops the director from accepting new runs until Resume. Wired to
// projection diagnostics: a poison event is a global invariant violation an
// operator must acknowledge.
func (d *Director) Halt(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = true
	d.haltReason = reason
	d.logger.Error("director halted", "reason", reason)
}

// Resume clears a halt after operator acknowledgement.
func (d *Director) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = false
	d.haltReason = ""
}

// Halted reports the current halt state.
func (d *Director) Halted() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted, d.haltReason
}

// OnDiagnostics is the projection diagnostics hook: poison events become
// rebuild receipts and halt new-run acceptance.
func (d *Director) OnDiagnostics(ctx context.Context, detail map[string]any) {
	if _, err := d.emitter.Rebuild(ctx, detail); err != nil {
		d.logger.Error("diagnostic receipt failed", "error", err)
	}
	d.Halt(fmt.Sprintf("projection poisoned event %v", detail["event_seq"]))
}

// takeRestartFlag consumes the restart marker; only the first episode after
// a dirty start sees it.
func (d *Director) takeRestartFlag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.restarted
	d.restarted = false
	return r
}

// append validates, stamps, appends, and projects one event. The director
// projects inline so its own queries observe its own writes; a Follow-based
// projector elsewhere is harmless since Apply is idempotent per sequence.
func (d *Director) append(ctx context.Context, source eventlog.Source, eventType string, payload map[string]any) (uint64, error) {
	ev := eventlog.New(d.cfg.UserID, source, eventType, payload)
	ev.TimestampMS = d.clock().UnixMilli()
	seq, err := d.log.Append(ctx, ev)
	if err != nil {
		return 0, err
	}
	return seq, d.project(ctx, seq)
}

// project applies every unapplied envelope up to seq, in order. Concurrent
// runs interleave appends, so each catch-up walks from the cursor rather
// than applying just its own event.
func (d *Director) project(ctx context.Context, seq uint64) error {
	cursor, err := d.store.Cursor(ctx)
	if err != nil {
		return err
	}
	if seq <= cursor {
		return nil
	}
	envs, err := d.log.Range(ctx, cursor+1, seq)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := d.store.Apply(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// syncProjection catches the projection up to the log head. Receipt
// emitter appends bypass the director's append helper, so episode
// boundaries call this before querying.
func (d *Director) syncProjection(ctx context.Context) error {
	last, err := d.log.LastSequence(ctx)
	if err != nil {
		return err
	}
	return d.project(ctx, last)
}

// unreadTail returns events appended but not yet projected, for mood
// signal computation.
func (d *Director) unreadTail(ctx context.Context) ([]eventlog.Event, error) {
	cursor, err := d.store.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	last, err := d.log.LastSequence(ctx)
	if err != nil || last <= cursor {
		return nil, err
	}
	envs, err := d.log.Range(ctx, cursor+1, last)
	if err != nil {
		return nil, err
	}
	events := make([]eventlog.Event, 0, len(envs))
	for _, env := range envs {
		events = append(events, env.Event)
	}
	return events, nil
}

// CreateWorkItem appends a work.item.create event and projects it.
func (d *Director) CreateWorkItem(ctx context.Context, item contracts.WorkItem) error {
	if item.ID == "" {
		return contracts.E(contracts.KindContractViolation, "orchestrator.create_work_item", "missing work_item_id")
	}
	payload := map[string]any{
		"work_item_id": item.ID,
		"description":  item.Description,
	}
	if len(item.AcceptanceCriteria) > 0 {
		payload["acceptance_criteria"] = item.AcceptanceCriteria
	}
	if len(item.RequiredVerifiers) > 0 {
		payload["required_verifiers"] = item.RequiredVerifiers
	}
	if item.RiskTier != "" {
		payload["risk_tier"] = string(item.RiskTier)
	}
	if len(item.Dependencies) > 0 {
		payload["dependencies"] = item.Dependencies
	}
	_, err := d.append(ctx, eventlog.SourceUser, eventlog.TypeWorkItemCreate, payload)
	return err
}

// RunConcurrent drives one episode per work item on its own goroutine. Each
// run owns its sandbox and leases; results come back in argument order.
func (d *Director) RunConcurrent(ctx context.Context, workItemIDs []string) ([]Result, error) {
	results := make([]Result, len(workItemIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range workItemIDs {
		i, id := i, id
		g.Go(func() error {
			res, err := d.RunEpisode(gctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
