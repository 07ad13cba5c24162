package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/contracts"
)

// Local runs sandboxes as per-sandbox directory trees under a root.
// Checkpoints are numbered snapshot copies; exec goes through os/exec with
// the output streamed into the artifact store.
type Local struct {
	root  string
	store artifacts.Store
	clock func() time.Time

	mu      sync.Mutex
	results map[string]ExecResult // (sandbox_id, operation_id) -> recorded result
	diffs   map[string]string     // (sandbox_id, operation_id) -> diff hash
}

// NewLocal creates the backend rooted at dir.
func NewLocal(dir string, store artifacts.Store) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	return &Local{
		root:    dir,
		store:   store,
		clock:   time.Now,
		results: make(map[string]ExecResult),
		diffs:   make(map[string]string),
	}, nil
}

func (l *Local) dir(sandboxID string) string        { return filepath.Join(l.root, sandboxID) }
func (l *Local) workspace(sandboxID string) string  { return filepath.Join(l.root, sandboxID, "workspace") }
func (l *Local) snapshots(sandboxID string) string  { return filepath.Join(l.root, sandboxID, "checkpoints") }
func (l *Local) policyPath(sandboxID string) string { return filepath.Join(l.root, sandboxID, "policy.json") }

func (l *Local) Create(_ context.Context, policy Policy) (string, error) {
	id := "sb-" + uuid.NewString()
	if err := os.MkdirAll(l.workspace(id), 0o750); err != nil {
		return "", contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.create", err)
	}
	if err := os.MkdirAll(l.snapshots(id), 0o750); err != nil {
		return "", contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.create", err)
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("sandbox: encode policy: %w", err)
	}
	if err := os.WriteFile(l.policyPath(id), raw, 0o640); err != nil {
		return "", contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.create", err)
	}
	return id, nil
}

func (l *Local) policy(sandboxID string) (Policy, error) {
	raw, err := os.ReadFile(l.policyPath(sandboxID))
	if err != nil {
		return Policy{}, contracts.Errorf(contracts.KindSandboxUnavailable, "sandbox.policy",
			"sandbox %s not found", sandboxID)
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("sandbox: decode policy: %w", err)
	}
	return p, nil
}

func opKey(sandboxID, operationID string) string { return sandboxID + "/" + operationID }

func (l *Local) Exec(ctx context.Context, sandboxID string, cmd Command) (ExecResult, error) {
	if cmd.OperationID != "" {
		l.mu.Lock()
		if r, ok := l.results[opKey(sandboxID, cmd.OperationID)]; ok {
			l.mu.Unlock()
			return r, nil
		}
		l.mu.Unlock()
	}

	policy, err := l.policy(sandboxID)
	if err != nil {
		return ExecResult{}, err
	}
	if !policy.ExecAllowed {
		return ExecResult{}, contracts.Errorf(contracts.KindCapabilityDenied, "sandbox.exec",
			"exec not permitted under the sandbox policy")
	}
	if len(cmd.Argv) == 0 {
		return ExecResult{}, fmt.Errorf("sandbox: empty command")
	}

	timeout := cmd.Timeout
	if timeout <= 0 || (policy.MaxWallTime > 0 && timeout > policy.MaxWallTime) {
		timeout = policy.MaxWallTime
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dir := l.workspace(sandboxID)
	if cmd.Dir != "" {
		dir = filepath.Join(dir, cmd.Dir)
	}
	c := exec.CommandContext(execCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = dir
	c.Env = execEnv(cmd.Env)
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	runErr := c.Run()
	result := ExecResult{ExitCode: 0}
	switch {
	case execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = 124
		result.TimedOut = true
		stderr.WriteString("\nTIMEOUT")
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.exec", runErr)
		}
	}

	storeCtx := context.WithoutCancel(ctx)
	if result.StdoutRef, err = l.store.Put(storeCtx, stdout.Bytes()); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: store stdout: %w", err)
	}
	if result.StderrRef, err = l.store.Put(storeCtx, stderr.Bytes()); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: store stderr: %w", err)
	}

	if cmd.OperationID != "" {
		l.mu.Lock()
		l.results[opKey(sandboxID, cmd.OperationID)] = result
		l.mu.Unlock()
	}
	return result, nil
}

// execEnv builds a minimal environment: PATH plus the caller's variables.
// The ambient process environment does not leak into sandboxes.
func execEnv(extra map[string]string) []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (l *Local) WriteFiles(_ context.Context, sandboxID, operationID string, patch []FilePatch) (string, error) {
	if operationID != "" {
		l.mu.Lock()
		if h, ok := l.diffs[opKey(sandboxID, operationID)]; ok {
			l.mu.Unlock()
			return h, nil
		}
		l.mu.Unlock()
	}
	if _, err := l.policy(sandboxID); err != nil {
		return "", err
	}

	ws := l.workspace(sandboxID)
	summary := make([]map[string]any, 0, len(patch))
	for _, p := range patch {
		target := filepath.Join(ws, filepath.Clean("/"+p.Path))
		if p.Delete {
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("sandbox: delete %s: %w", p.Path, err)
			}
			summary = append(summary, map[string]any{"path": p.Path, "delete": true})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return "", fmt.Errorf("sandbox: mkdir for %s: %w", p.Path, err)
		}
		if err := os.WriteFile(target, p.Content, 0o640); err != nil {
			return "", fmt.Errorf("sandbox: write %s: %w", p.Path, err)
		}
		summary = append(summary, map[string]any{
			"path": p.Path, "content_hash": canonicalize.HashBytes(p.Content),
		})
	}

	diffHash, err := canonicalize.Hash(summary)
	if err != nil {
		return "", err
	}
	if operationID != "" {
		l.mu.Lock()
		l.diffs[opKey(sandboxID, operationID)] = diffHash
		l.mu.Unlock()
	}
	return diffHash, nil
}

func (l *Local) Checkpoint(_ context.Context, sandboxID, label string) (Checkpoint, error) {
	if _, err := l.policy(sandboxID); err != nil {
		return Checkpoint{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.snapshots(sandboxID))
	if err != nil {
		return Checkpoint{}, contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.checkpoint", err)
	}
	id := fmt.Sprintf("v%d", len(entries)+1)
	dst := filepath.Join(l.snapshots(sandboxID), id)
	if err := copyTree(l.workspace(sandboxID), dst); err != nil {
		return Checkpoint{}, fmt.Errorf("sandbox: snapshot: %w", err)
	}
	return Checkpoint{
		ID:          id,
		SandboxID:   sandboxID,
		Label:       label,
		CreatedAtMS: l.clock().UnixMilli(),
	}, nil
}

func (l *Local) Restore(_ context.Context, sandboxID, checkpointID string) error {
	if _, err := l.policy(sandboxID); err != nil {
		return err
	}
	src := filepath.Join(l.snapshots(sandboxID), checkpointID)
	if _, err := os.Stat(src); err != nil {
		return contracts.Errorf(contracts.KindSandboxUnavailable, "sandbox.restore",
			"checkpoint %s not found for sandbox %s", checkpointID, sandboxID)
	}
	ws := l.workspace(sandboxID)
	if err := os.RemoveAll(ws); err != nil {
		return fmt.Errorf("sandbox: clear workspace: %w", err)
	}
	if err := copyTree(src, ws); err != nil {
		return fmt.Errorf("sandbox: restore: %w", err)
	}
	return nil
}

// Destroy is idempotent: destroying an unknown sandbox is a no-op.
func (l *Local) Destroy(_ context.Context, sandboxID string) error {
	if err := os.RemoveAll(l.dir(sandboxID)); err != nil {
		return contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.destroy", err)
	}
	return nil
}

// OpenProxy is not supported by the local backend.
func (l *Local) OpenProxy(_ context.Context, _ string, _ int) (string, error) {
	return "", fmt.Errorf("%w by the local backend", ErrProxyUnsupported)
}

// WorkspacePath exposes the sandbox working directory; the verifier runner
// mounts sessions from here.
func (l *Local) WorkspacePath(sandboxID string) string {
	return l.workspace(sandboxID)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}
