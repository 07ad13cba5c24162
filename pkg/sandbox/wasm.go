package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/choiros/director/pkg/artifacts"
)

// WASMExecutor runs wasm verifiers hermetically: no filesystem, no network,
// no environment, no clock. Input arrives on stdin, output leaves on
// stdout/stderr and lands in the artifact store like any other exec.
type WASMExecutor struct {
	store       artifacts.Store
	memoryLimit int64
}

// NewWASMExecutor builds the executor. memoryLimitBytes of zero means one
// wasm page.
func NewWASMExecutor(store artifacts.Store, memoryLimitBytes int64) *WASMExecutor {
	return &WASMExecutor{store: store, memoryLimit: memoryLimitBytes}
}

// Run instantiates the module and feeds it input. The module's exit code is
// returned; a context deadline maps to exit 124 like a timed-out process.
func (w *WASMExecutor) Run(ctx context.Context, module, input []byte, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if w.memoryLimit > 0 {
		pages := uint32(w.memoryLimit / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer func() { _ = r.Close(context.Background()) }()

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	var stdout, stderr bytes.Buffer
	// deny by default: no FS mounts, no env, no random source, no clocks
	cfg := wazero.NewModuleConfig().
		WithName("verifier").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	result := ExecResult{}
	_, runErr := r.InstantiateWithConfig(ctx, module, cfg)
	switch {
	case ctx.Err() != nil:
		result.ExitCode = 124
		result.TimedOut = true
		stderr.WriteString("\nTIMEOUT")
	case runErr != nil:
		if exitErr, ok := runErr.(*sys.ExitError); ok {
			result.ExitCode = int(exitErr.ExitCode())
		} else {
			return ExecResult{}, fmt.Errorf("sandbox: wasm run: %w", runErr)
		}
	}

	// store even when the run timed out; the expired deadline must not lose
	// the partial output
	storeCtx := context.WithoutCancel(ctx)
	var err error
	if result.StdoutRef, err = w.store.Put(storeCtx, stdout.Bytes()); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: store stdout: %w", err)
	}
	if result.StderrRef, err = w.store.Put(storeCtx, stderr.Bytes()); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: store stderr: %w", err)
	}
	return result, nil
}
