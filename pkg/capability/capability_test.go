package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/pkg/contracts"
)

func newTestIssuer(t *testing.T) (*Issuer, Registry) {
	t.Helper()
	reg := NewMemoryRegistry()
	iss, err := NewIssuer("test-secret", reg)
	require.NoError(t, err)
	return iss, reg
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)

	lease, token, err := iss.Issue(ctx, IssueRequest{
		RunID:        "run-1",
		UserID:       "local",
		Mood:         "CALM",
		SyscallClass: ClassRead,
		Scopes:       []string{"pkg/"},
		TTL:          time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := iss.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, lease.ID, got.ID)
	assert.Equal(t, ClassRead, got.SyscallClass)
}

func TestVerifyRejectsRevokedLease(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)

	lease, token, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassExec,
		Scopes: []string{"/"}, TTL: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, iss.Revoke(ctx, lease.ID))

	_, err = iss.Verify(ctx, token)
	require.Error(t, err)
	assert.Equal(t, contracts.KindCapabilityDenied, contracts.KindOf(err))
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)
	other, err := NewIssuer("other-secret", NewMemoryRegistry())
	require.NoError(t, err)

	_, token, err := other.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassRead,
		Scopes: []string{"/"}, TTL: time.Minute,
	})
	require.NoError(t, err)

	_, err = iss.Verify(ctx, token)
	require.Error(t, err)
	assert.Equal(t, contracts.KindCapabilityDenied, contracts.KindOf(err))
}

func TestIssueRejectsBadConstraint(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)

	_, _, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassWrite,
		Scopes: []string{"/"}, TTL: time.Minute,
		Constraints: []string{"bytes <"},
	})
	require.Error(t, err)

	_, _, err = iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassWrite,
		Scopes: []string{"/"}, TTL: time.Minute,
		Constraints: []string{"bytes + 1"},
	})
	require.Error(t, err, "non-boolean constraint must be rejected at issue time")
}

func TestAuthorizeScopeAndClass(t *testing.T) {
	ctx := context.Background()
	iss, reg := newTestIssuer(t)
	auth := NewAuthorizer(reg)

	lease, _, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", Mood: "CALM",
		SyscallClass: ClassWrite, Scopes: []string{"pkg/orchestrator"},
		TTL: time.Minute,
	})
	require.NoError(t, err)

	d, err := auth.Authorize(ctx, lease.ID, Use{Class: ClassWrite, Path: "pkg/orchestrator/run.go"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = auth.Authorize(ctx, lease.ID, Use{Class: ClassWrite, Path: "pkg/api/server.go"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Suggestion)

	d, err = auth.Authorize(ctx, lease.ID, Use{Class: ClassExec, Path: "pkg/orchestrator"})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "class mismatch must deny")
}

func TestAuthorizeHostAllowlist(t *testing.T) {
	ctx := context.Background()
	iss, reg := newTestIssuer(t)
	auth := NewAuthorizer(reg)

	lease, _, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassNet,
		Scopes: []string{"api.example.com", "*.internal.example.com"},
		TTL:    time.Minute,
	})
	require.NoError(t, err)

	for host, want := range map[string]bool{
		"api.example.com":          true,
		"db.internal.example.com":  true,
		"evil.example.com":         false,
		"internal.example.com.org": false,
	} {
		d, err := auth.Authorize(ctx, lease.ID, Use{Class: ClassNet, Host: host})
		require.NoError(t, err)
		assert.Equal(t, want, d.Allowed, "host %s", host)
	}
}

func TestAuthorizeConstraints(t *testing.T) {
	ctx := context.Background()
	iss, reg := newTestIssuer(t)
	auth := NewAuthorizer(reg)

	lease, _, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", Mood: "SKEPTICAL",
		SyscallClass: ClassWrite, Scopes: []string{"/"},
		TTL:         time.Minute,
		Constraints: []string{"bytes < 4096", `mood != "PARANOID"`},
	})
	require.NoError(t, err)

	d, err := auth.Authorize(ctx, lease.ID, Use{Class: ClassWrite, Path: "a.go", Bytes: 100})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = auth.Authorize(ctx, lease.ID, Use{Class: ClassWrite, Path: "a.go", Bytes: 8192})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestAuthorizeExpiredLease(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	reg := NewMemoryRegistry()
	iss, err := NewIssuer("test-secret", reg)
	require.NoError(t, err)
	iss.WithClock(func() time.Time { return now })

	lease, _, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassRead,
		Scopes: []string{"/"}, TTL: time.Second,
	})
	require.NoError(t, err)

	auth := NewAuthorizer(reg).WithClock(func() time.Time { return now.Add(2 * time.Second) })
	d, err := auth.Authorize(ctx, lease.ID, Use{Class: ClassRead, Path: "a.go"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "expired")
}

func TestWorkspaceWriteSerialized(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)

	req := IssueRequest{
		RunID: "run-1", UserID: "local", SyscallClass: ClassWrite,
		Scopes: []string{"/"}, TTL: time.Minute,
	}
	lease1, _, release1, err := iss.IssueWorkspaceWrite(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, lease1.ID, iss.WorkspaceWriteHolder())

	// a second commit lease must queue until the first releases
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, _, err = iss.IssueWorkspaceWrite(waitCtx, req)
	require.Error(t, err)
	assert.Equal(t, contracts.KindCancelled, contracts.KindOf(err))

	release1()
	release1() // safe to call twice

	lease2, _, release2, err := iss.IssueWorkspaceWrite(ctx, req)
	require.NoError(t, err)
	defer release2()
	assert.NotEqual(t, lease1.ID, lease2.ID)
}

func TestRevokeRun(t *testing.T) {
	ctx := context.Background()
	iss, reg := newTestIssuer(t)

	for i := 0; i < 3; i++ {
		_, _, err := iss.Issue(ctx, IssueRequest{
			RunID: "run-1", UserID: "local", SyscallClass: ClassRead,
			Scopes: []string{"/"}, TTL: time.Minute,
		})
		require.NoError(t, err)
	}
	other, _, err := iss.Issue(ctx, IssueRequest{
		RunID: "run-2", UserID: "local", SyscallClass: ClassRead,
		Scopes: []string{"/"}, TTL: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, iss.RevokeRun(ctx, "run-1"))

	active, err := reg.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, other.ID, active[0].ID)
}
