package verifier

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/sandbox"
)

// Session is one isolated verifier execution context, distinct from the
// run's own sandbox so verifier output never flows back into the run's
// control stream. Restore returns the session to its clean state for a
// deterministic re-run.
type Session interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (exitCode int, stdout, stderr []byte, err error)
	Restore(ctx context.Context) error
	Close(ctx context.Context) error
}

// SessionFactory allocates a fresh session per verifier.
type SessionFactory func(ctx context.Context) (Session, error)

// sandboxSession runs verifiers through a sandbox provider, one sandbox per
// session, with a clean checkpoint taken right after seeding.
type sandboxSession struct {
	provider  sandbox.Provider
	store     artifacts.Store
	sandboxID string
	clean     string // checkpoint ID of the seeded state
}

// NewSandboxSessions builds a factory that allocates one sandbox per
// session under the given policy, seeds it with the workspace snapshot, and
// checkpoints the clean state.
func NewSandboxSessions(provider sandbox.Provider, store artifacts.Store, policy sandbox.Policy, seed []sandbox.FilePatch) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		id, err := provider.Create(ctx, policy)
		if err != nil {
			return nil, err
		}
		if len(seed) > 0 {
			if _, err := provider.WriteFiles(ctx, id, "seed-"+uuid.NewString(), seed); err != nil {
				_ = provider.Destroy(ctx, id)
				return nil, err
			}
		}
		ckpt, err := provider.Checkpoint(ctx, id, "clean")
		if err != nil {
			_ = provider.Destroy(ctx, id)
			return nil, err
		}
		return &sandboxSession{provider: provider, store: store, sandboxID: id, clean: ckpt.ID}, nil
	}
}

func (s *sandboxSession) Run(ctx context.Context, argv []string, timeout time.Duration) (int, []byte, []byte, error) {
	res, err := s.provider.Exec(ctx, s.sandboxID, sandbox.Command{
		OperationID: uuid.NewString(),
		Argv:        argv,
		Timeout:     timeout,
	})
	if err != nil {
		return 0, nil, nil, err
	}
	stdout, err := s.store.Get(ctx, res.StdoutRef)
	if err != nil {
		return 0, nil, nil, err
	}
	stderr, err := s.store.Get(ctx, res.StderrRef)
	if err != nil {
		return 0, nil, nil, err
	}
	return res.ExitCode, stdout, stderr, nil
}

func (s *sandboxSession) Restore(ctx context.Context) error {
	return s.provider.Restore(ctx, s.sandboxID, s.clean)
}

func (s *sandboxSession) Close(ctx context.Context) error {
	return s.provider.Destroy(ctx, s.sandboxID)
}
