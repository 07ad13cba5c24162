package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/choiros/director/pkg/contracts"
)

// RemoteConfig wires the HTTP adapter to a remote sandbox service.
type RemoteConfig struct {
	BaseURL  string
	Token    string
	Deadline time.Duration // total budget for one operation, retries included
	// RequestsPerSecond paces retries; zero means 4/s.
	RequestsPerSecond float64
}

// Remote talks to a remote sandbox service over HTTP. Every mutating call
// carries an idempotency key, so retrying after a network error never
// duplicates work on the far side.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewRemote builds the adapter.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 60 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	return &Remote{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// call POSTs one operation with retries: exponential backoff paced by the
// limiter, bounded by the configured deadline. On deadline expiry the error
// is sandbox_unavailable; the orchestrator discards the run.
func (r *Remote) call(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("sandbox: encode request: %w", err)
		}
	}

	backoff := 250 * time.Millisecond
	var lastErr error
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return r.unavailable(path, lastErr, err)
		}
		err := r.once(ctx, method, path, idempotencyKey, payload, out)
		if err == nil {
			return nil
		}
		if !retriable(err) {
			return err
		}
		lastErr = err

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return r.unavailable(path, lastErr, ctx.Err())
		}
	}
}

// retriable reports whether the failure is worth another attempt: network
// errors and 5xx responses are; 4xx responses are not.
func retriable(err error) bool {
	var httpErr *remoteHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.status >= 500
	}
	return true
}

type remoteHTTPError struct {
	status int
	body   string
}

func (e *remoteHTTPError) Error() string {
	return fmt.Sprintf("sandbox: remote returned %d: %s", e.status, e.body)
}

func (r *Remote) unavailable(path string, lastErr, cause error) error {
	if lastErr == nil {
		lastErr = cause
	}
	return contracts.Wrap(contracts.KindSandboxUnavailable, "sandbox.remote "+path, lastErr)
}

func (r *Remote) once(ctx context.Context, method, path, idempotencyKey string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &remoteHTTPError{status: resp.StatusCode, body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("sandbox: decode response: %w", err)
		}
	}
	return nil
}

func (r *Remote) Create(ctx context.Context, policy Policy) (string, error) {
	var resp struct {
		SandboxID string `json:"sandbox_id"`
	}
	key := "create-" + uuid.NewString()
	if err := r.call(ctx, http.MethodPost, "/v1/sandboxes", key, map[string]any{"policy": policy}, &resp); err != nil {
		return "", err
	}
	if resp.SandboxID == "" {
		return "", contracts.E(contracts.KindSandboxUnavailable, "sandbox.remote.create", "no sandbox_id in response")
	}
	return resp.SandboxID, nil
}

func (r *Remote) Exec(ctx context.Context, sandboxID string, cmd Command) (ExecResult, error) {
	if cmd.OperationID == "" {
		cmd.OperationID = uuid.NewString()
	}
	var resp ExecResult
	err := r.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/exec", cmd.OperationID, cmd, &resp)
	return resp, err
}

func (r *Remote) WriteFiles(ctx context.Context, sandboxID, operationID string, patch []FilePatch) (string, error) {
	if operationID == "" {
		operationID = uuid.NewString()
	}
	var resp struct {
		DiffHash string `json:"diff_hash"`
	}
	err := r.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/files", operationID,
		map[string]any{"patch": patch}, &resp)
	return resp.DiffHash, err
}

func (r *Remote) Checkpoint(ctx context.Context, sandboxID, label string) (Checkpoint, error) {
	var resp Checkpoint
	key := "checkpoint-" + uuid.NewString()
	err := r.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/checkpoint", key,
		map[string]any{"label": label}, &resp)
	resp.SandboxID = sandboxID
	return resp, err
}

func (r *Remote) Restore(ctx context.Context, sandboxID, checkpointID string) error {
	key := "restore-" + checkpointID
	return r.call(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/restore", key,
		map[string]any{"checkpoint_id": checkpointID}, nil)
}

func (r *Remote) Destroy(ctx context.Context, sandboxID string) error {
	return r.call(ctx, http.MethodDelete, "/v1/sandboxes/"+sandboxID, "destroy-"+sandboxID, nil, nil)
}

func (r *Remote) OpenProxy(ctx context.Context, sandboxID string, port int) (string, error) {
	var resp struct {
		TunnelURL string `json:"tunnel_url"`
	}
	err := r.call(ctx, http.MethodPost, fmt.Sprintf("/v1/sandboxes/%s/proxy/%d", sandboxID, port),
		"", nil, &resp)
	return resp.TunnelURL, err
}
