// Package sandbox provides a uniform interface over isolated execution
// backends: a local per-directory runner, a remote HTTP adapter, and a
// hermetic wasm executor for verifiers. Command output never travels
// inline; stdout and stderr land in the artifact store and only their
// hashes come back.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrProxyUnsupported means the backend has no tunnel facility. Callers
// surface it as "not implemented" rather than a sandbox failure.
var ErrProxyUnsupported = errors.New("sandbox: proxy tunnels not supported")

// Egress is the network posture of a sandbox.
type Egress string

const (
	EgressOff       Egress = "off"
	EgressAllowlist Egress = "allowlist"
	EgressFull      Egress = "full"
)

// Policy encodes what a sandbox may touch. It is derived from the
// requesting mood at allocation time and fixed for the sandbox lifetime.
type Policy struct {
	Egress        Egress        `json:"egress"`
	AllowedHosts  []string      `json:"allowed_hosts,omitempty"`
	ReadPaths     []string      `json:"read_paths,omitempty"`
	WritePaths    []string      `json:"write_paths,omitempty"`
	MaxCPUSeconds int           `json:"max_cpu_seconds"`
	MaxMemoryMB   int           `json:"max_memory_mb"`
	MaxWallTime   time.Duration `json:"max_wall_time"`
	ExecAllowed   bool          `json:"exec_allowed"`
}

// PolicyForMood maps a mood to its sandbox posture. Unknown moods get the
// most restrictive profile.
func PolicyForMood(mood string) Policy {
	base := Policy{
		Egress:        EgressOff,
		ReadPaths:     []string{"/"},
		WritePaths:    []string{"/"},
		MaxCPUSeconds: 120,
		MaxMemoryMB:   1024,
		MaxWallTime:   10 * time.Minute,
		ExecAllowed:   true,
	}
	switch mood {
	case "CALM", "CURIOUS":
		base.Egress = EgressAllowlist
	case "BOLD":
		base.Egress = EgressFull
		base.MaxWallTime = 20 * time.Minute
	case "SKEPTICAL", "CONTRITE", "PETTY":
		base.Egress = EgressOff
	case "PARANOID", "DEFERENTIAL":
		base.Egress = EgressOff
		base.ExecAllowed = false
		base.MaxWallTime = 5 * time.Minute
	default:
		base.ExecAllowed = false
	}
	return base
}

// Command is one exec request. OperationID makes the call idempotent:
// replaying the same (sandbox, operation) returns the recorded result.
type Command struct {
	OperationID string            `json:"operation_id"`
	Argv        []string          `json:"argv"`
	Dir         string            `json:"dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Stdin       []byte            `json:"stdin,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// ExecResult carries the exit code and artifact references for one exec.
// Exit code 124 means the command was killed on timeout.
type ExecResult struct {
	ExitCode  int    `json:"exit_code"`
	StdoutRef string `json:"stdout_ref"`
	StderrRef string `json:"stderr_ref"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

// FilePatch is one structured file mutation inside a sandbox.
type FilePatch struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// Checkpoint is a restorable point of a sandbox filesystem.
type Checkpoint struct {
	ID          string `json:"checkpoint_id"`
	SandboxID   string `json:"sandbox_id"`
	Label       string `json:"label,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// Provider is the uniform sandbox backend contract. All operations are
// idempotent on (sandbox_id, operation_id).
type Provider interface {
	Create(ctx context.Context, policy Policy) (string, error)
	Exec(ctx context.Context, sandboxID string, cmd Command) (ExecResult, error)
	WriteFiles(ctx context.Context, sandboxID, operationID string, patch []FilePatch) (string, error)
	Checkpoint(ctx context.Context, sandboxID, label string) (Checkpoint, error)
	Restore(ctx context.Context, sandboxID, checkpointID string) error
	Destroy(ctx context.Context, sandboxID string) error
	// OpenProxy exposes a sandbox port for UI rehydration; optional,
	// backends without tunnels return ErrProxyUnsupported.
	OpenProxy(ctx context.Context, sandboxID string, port int) (string, error)
}
