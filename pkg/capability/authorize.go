package capability

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/choiros/director/pkg/contracts"
)

// Authorizer evaluates attempted uses against registered leases. It does
// not emit receipts; callers record the Decision through the receipt
// emitter so denial and grant both leave a trace.
type Authorizer struct {
	registry Registry
	clock    func() time.Time
}

// NewAuthorizer wires the shared lease registry.
func NewAuthorizer(registry Registry) *Authorizer {
	return &Authorizer{registry: registry, clock: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (a *Authorizer) WithClock(clock func() time.Time) *Authorizer {
	a.clock = clock
	return a
}

// Authorize checks one use against one lease. The decision is final for
// this use; a denied principal must request a broader lease, it cannot
// retry its way through.
func (a *Authorizer) Authorize(ctx context.Context, leaseID string, use Use) (Decision, error) {
	lease, err := a.registry.Get(ctx, leaseID)
	if err != nil {
		return a.deny(leaseID, fmt.Sprintf("lease %s not found", leaseID),
			"request a new lease for this operation"), nil
	}
	if lease.Revoked {
		return a.deny(leaseID, fmt.Sprintf("lease %s revoked", leaseID),
			"request a new lease for this operation"), nil
	}
	if lease.Expired(a.clock()) {
		return a.deny(leaseID, fmt.Sprintf("lease %s expired", leaseID),
			"request a new lease for this operation"), nil
	}
	if lease.SyscallClass != use.Class {
		return a.deny(leaseID,
			fmt.Sprintf("lease grants %s, use requires %s", lease.SyscallClass, use.Class),
			suggestForClass(use.Class)), nil
	}
	if ok, reason := scopeMatch(lease, use); !ok {
		return a.deny(leaseID, reason, suggestForScope(lease, use)), nil
	}
	if ok, reason := evalConstraints(lease, use); !ok {
		return a.deny(leaseID, reason, "narrow the operation to satisfy the lease constraints"), nil
	}
	return Decision{Allowed: true, LeaseID: leaseID}, nil
}

// Require is Authorize with the denial folded into the error, for callers
// that treat a refusal as terminal.
func (a *Authorizer) Require(ctx context.Context, leaseID string, use Use) error {
	d, err := a.Authorize(ctx, leaseID, use)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return contracts.Errorf(contracts.KindCapabilityDenied, "capability.authorize", "%s", d.Reason)
	}
	return nil
}

func (a *Authorizer) deny(leaseID, reason, suggestion string) Decision {
	return Decision{Allowed: false, LeaseID: leaseID, Reason: reason, Suggestion: suggestion}
}

// scopeMatch interprets lease scopes per syscall class: path prefixes for
// the file classes, host allowlist entries for NET_REQUEST, literal
// resource names otherwise. An empty scope list matches nothing.
func scopeMatch(lease Lease, use Use) (bool, string) {
	switch use.Class {
	case ClassRead, ClassWrite, ClassExec:
		p := path.Clean("/" + use.Path)
		for _, scope := range lease.Scopes {
			s := path.Clean("/" + scope)
			if s == "/" || p == s || strings.HasPrefix(p, s+"/") {
				return true, ""
			}
		}
		return false, fmt.Sprintf("path %s outside lease scopes %v", use.Path, lease.Scopes)
	case ClassNet:
		for _, scope := range lease.Scopes {
			if hostMatch(scope, use.Host) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("host %s not in lease allowlist %v", use.Host, lease.Scopes)
	default:
		target := use.Path
		if target == "" {
			target = use.Operation
		}
		for _, scope := range lease.Scopes {
			if scope == "*" || scope == target {
				return true, ""
			}
		}
		return false, fmt.Sprintf("resource %s not in lease scopes %v", target, lease.Scopes)
	}
}

// hostMatch allows exact hosts and single-level "*.example.com" wildcards.
func hostMatch(scope, host string) bool {
	if scope == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(scope, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return false
}

func suggestForClass(class SyscallClass) string {
	switch class {
	case ClassWrite:
		return "request a WRITE lease scoped to the files you intend to change"
	case ClassNet:
		return "request a NET_REQUEST lease naming the hosts you need"
	case ClassExec:
		return "request an EXEC lease for the command's working directory"
	default:
		return fmt.Sprintf("request a %s lease for this operation", class)
	}
}

func suggestForScope(lease Lease, use Use) string {
	if use.Class == ClassNet {
		return fmt.Sprintf("request a lease including host %s", use.Host)
	}
	return fmt.Sprintf("request a lease scoped to %s", use.Path)
}
