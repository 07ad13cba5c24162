package capability

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/choiros/director/pkg/contracts"
)

// leaseKeyInfo is the HKDF domain separator for lease token keys. Changing
// it invalidates all outstanding tokens.
const leaseKeyInfo = "choiros-director-lease-v1"

// DeriveLeaseKey derives the HS256 signing key from the configured secret.
func DeriveLeaseKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("capability: empty lease secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(leaseKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("capability: derive key: %w", err)
	}
	return key, nil
}

// IssueRequest asks for a lease.
type IssueRequest struct {
	RunID        string
	UserID       string
	Mood         string
	SyscallClass SyscallClass
	Scopes       []string
	TTL          time.Duration
	Budget       contracts.Budgets
	Constraints  []string
}

// Issuer mints, tracks, and revokes leases. Tokens are HS256 JWTs whose
// claims mirror the lease record held in the registry; verification checks
// both, so a forged token without a registry entry is useless.
type Issuer struct {
	key      []byte
	registry Registry
	clock    func() time.Time

	// workspace write exclusivity: one durable WRITE lease at a time,
	// waiters served in order.
	wsMu     sync.Mutex
	wsHolder string // lease ID holding the workspace write slot
	wsQueue  chan struct{}
}

// NewIssuer derives the signing key and wires the registry.
func NewIssuer(secret string, registry Registry) (*Issuer, error) {
	key, err := DeriveLeaseKey(secret)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	i := &Issuer{
		key:      key,
		registry: registry,
		clock:    time.Now,
		wsQueue:  make(chan struct{}, 1),
	}
	i.wsQueue <- struct{}{}
	return i, nil
}

// WithClock injects a deterministic clock for tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

type leaseClaims struct {
	Lease Lease `json:"lease"`
	jwt.RegisteredClaims
}

// Issue mints a lease and its signed token.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (Lease, string, error) {
	if req.TTL <= 0 {
		return Lease{}, "", fmt.Errorf("capability: lease TTL must be positive")
	}
	if err := validateConstraints(req.Constraints); err != nil {
		return Lease{}, "", err
	}

	now := i.clock()
	lease := Lease{
		ID:           uuid.NewString(),
		RunID:        req.RunID,
		UserID:       req.UserID,
		Mood:         req.Mood,
		SyscallClass: req.SyscallClass,
		Scopes:       req.Scopes,
		IssuedAtMS:   now.UnixMilli(),
		ExpiresAtMS:  now.Add(req.TTL).UnixMilli(),
		Budget:       req.Budget,
		Constraints:  req.Constraints,
	}

	claims := leaseClaims{
		Lease: lease,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        lease.ID,
			Subject:   req.RunID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
			Issuer:    "choiros-director",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Lease{}, "", fmt.Errorf("capability: sign lease: %w", err)
	}

	if err := i.registry.Put(ctx, lease); err != nil {
		return Lease{}, "", fmt.Errorf("capability: register lease: %w", err)
	}
	return lease, token, nil
}

// IssueWorkspaceWrite issues the commit-time WRITE lease for the durable
// workspace. At most one such lease is outstanding; callers queue until the
// holder releases or ctx is done. The returned release function is safe to
// call more than once.
func (i *Issuer) IssueWorkspaceWrite(ctx context.Context, req IssueRequest) (Lease, string, func(), error) {
	select {
	case <-i.wsQueue:
	case <-ctx.Done():
		return Lease{}, "", nil, contracts.Wrap(contracts.KindCancelled, "capability.workspace_write", ctx.Err())
	}

	req.SyscallClass = ClassWrite
	lease, token, err := i.Issue(ctx, req)
	if err != nil {
		i.wsQueue <- struct{}{}
		return Lease{}, "", nil, err
	}

	i.wsMu.Lock()
	i.wsHolder = lease.ID
	i.wsMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			i.wsMu.Lock()
			i.wsHolder = ""
			i.wsMu.Unlock()
			_ = i.registry.Revoke(context.Background(), lease.ID)
			i.wsQueue <- struct{}{}
		})
	}
	return lease, token, release, nil
}

// WorkspaceWriteHolder returns the lease ID currently holding the durable
// workspace write slot, or empty.
func (i *Issuer) WorkspaceWriteHolder() string {
	i.wsMu.Lock()
	defer i.wsMu.Unlock()
	return i.wsHolder
}

// Verify parses and validates a lease token and cross-checks the registry.
func (i *Issuer) Verify(ctx context.Context, token string) (Lease, error) {
	var claims leaseClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.clock))
	if err != nil || !parsed.Valid {
		return Lease{}, contracts.Errorf(contracts.KindCapabilityDenied, "capability.verify", "invalid lease token: %v", err)
	}

	registered, err := i.registry.Get(ctx, claims.Lease.ID)
	if err != nil {
		return Lease{}, contracts.Errorf(contracts.KindCapabilityDenied, "capability.verify", "lease %s not registered", claims.Lease.ID)
	}
	if registered.Revoked {
		return Lease{}, contracts.Errorf(contracts.KindCapabilityDenied, "capability.verify", "lease %s revoked", claims.Lease.ID)
	}
	return registered, nil
}

// Revoke invalidates a lease immediately. The orchestrator may revoke at
// any time.
func (i *Issuer) Revoke(ctx context.Context, leaseID string) error {
	return i.registry.Revoke(ctx, leaseID)
}

// RevokeRun revokes every active lease held by a run; called on discard.
func (i *Issuer) RevokeRun(ctx context.Context, runID string) error {
	active, err := i.registry.Active(ctx)
	if err != nil {
		return err
	}
	for _, l := range active {
		if l.RunID == runID {
			if err := i.registry.Revoke(ctx, l.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
