package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/contracts"
)

func newLocal(t *testing.T) (*Local, artifacts.Store) {
	t.Helper()
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l, err := NewLocal(t.TempDir(), store)
	require.NoError(t, err)
	return l, store
}

func TestLocalExecStreamsToArtifacts(t *testing.T) {
	ctx := context.Background()
	l, store := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)
	defer func() { _ = l.Destroy(ctx, id) }()

	res, err := l.Exec(ctx, id, Command{
		OperationID: "op-1",
		Argv:        []string{"sh", "-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	stdout, err := store.Get(ctx, res.StdoutRef)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(stdout))
	stderr, err := store.Get(ctx, res.StderrRef)
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(stderr))
}

func TestLocalExecIdempotentOnOperationID(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)

	first, err := l.Exec(ctx, id, Command{OperationID: "op-x", Argv: []string{"sh", "-c", "echo once"}})
	require.NoError(t, err)
	second, err := l.Exec(ctx, id, Command{OperationID: "op-x", Argv: []string{"sh", "-c", "echo twice"}})
	require.NoError(t, err)
	assert.Equal(t, first, second, "replayed operation must return the recorded result")
}

func TestLocalExecTimeoutIs124(t *testing.T) {
	ctx := context.Background()
	l, store := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)

	res, err := l.Exec(ctx, id, Command{
		Argv:    []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 124, res.ExitCode)
	assert.True(t, res.TimedOut)

	stderr, err := store.Get(ctx, res.StderrRef)
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "TIMEOUT")
}

func TestExecDeniedWhenPolicyForbids(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("PARANOID"))
	require.NoError(t, err)

	_, err = l.Exec(ctx, id, Command{Argv: []string{"true"}})
	require.Error(t, err)
	assert.Equal(t, contracts.KindCapabilityDenied, contracts.KindOf(err))
}

func TestWriteFilesCheckpointRestore(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)

	diff1, err := l.WriteFiles(ctx, id, "w1", []FilePatch{
		{Path: "a.txt", Content: []byte("v1")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, diff1)

	ckpt, err := l.Checkpoint(ctx, id, "pre-change")
	require.NoError(t, err)
	assert.Equal(t, "v1", ckpt.ID)

	_, err = l.WriteFiles(ctx, id, "w2", []FilePatch{
		{Path: "a.txt", Content: []byte("v2")},
		{Path: "b.txt", Content: []byte("new")},
	})
	require.NoError(t, err)

	require.NoError(t, l.Restore(ctx, id, ckpt.ID))

	res, err := l.Exec(ctx, id, Command{Argv: []string{"cat", "a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	// diff hashes are idempotent per operation
	again, err := l.WriteFiles(ctx, id, "w1", []FilePatch{
		{Path: "a.txt", Content: []byte("ignored on replay")},
	})
	require.NoError(t, err)
	assert.Equal(t, diff1, again)
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)

	err = l.Restore(ctx, id, "v99")
	require.Error(t, err)
	assert.Equal(t, contracts.KindSandboxUnavailable, contracts.KindOf(err))
}

func TestDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)
	require.NoError(t, l.Destroy(ctx, id))
	require.NoError(t, l.Destroy(ctx, id))

	_, err = l.Exec(ctx, id, Command{Argv: []string{"true"}})
	require.Error(t, err)
	assert.Equal(t, contracts.KindSandboxUnavailable, contracts.KindOf(err))
}

func TestLocalProxyUnsupported(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t)

	id, err := l.Create(ctx, PolicyForMood("CALM"))
	require.NoError(t, err)
	defer func() { _ = l.Destroy(ctx, id) }()

	url, err := l.OpenProxy(ctx, id, 8080)
	assert.Empty(t, url)
	assert.ErrorIs(t, err, ErrProxyUnsupported)
}

func TestPolicyForMood(t *testing.T) {
	assert.Equal(t, EgressFull, PolicyForMood("BOLD").Egress)
	assert.Equal(t, EgressAllowlist, PolicyForMood("CALM").Egress)
	assert.False(t, PolicyForMood("PARANOID").ExecAllowed)
	assert.False(t, PolicyForMood("nonsense").ExecAllowed, "unknown moods get the restrictive profile")
}
