// Package capability implements the lease model that gates every
// privileged operation. The orchestrator is the sole issuer; principals
// hold signed tokens plus the lease ID. No lease, no operation; every use
// emits a receipt naming the lease.
package capability

import (
	"time"

	"github.com/choiros/director/pkg/contracts"
)

// SyscallClass partitions privileged operations.
type SyscallClass string

const (
	ClassRead    SyscallClass = "READ"
	ClassWrite   SyscallClass = "WRITE"
	ClassExec    SyscallClass = "EXEC"
	ClassNet     SyscallClass = "NET_REQUEST"
	ClassDB      SyscallClass = "DB"
	ClassExport  SyscallClass = "EXPORT"
	ClassPublish SyscallClass = "PUBLISH"
)

// Lease is a time- and scope-bounded grant for one syscall class. Scope
// semantics depend on the class: a path prefix for READ/WRITE/EXEC, a host
// allowlist entry for NET_REQUEST, a resource name otherwise.
type Lease struct {
	ID           string            `json:"lease_id"`
	RunID        string            `json:"run_id"`
	UserID       string            `json:"user_id"`
	Mood         string            `json:"mood"`
	SyscallClass SyscallClass      `json:"syscall_class"`
	Scopes       []string          `json:"scopes"`
	IssuedAtMS   int64             `json:"issued_at_ms"`
	ExpiresAtMS  int64             `json:"expires_at_ms"`
	Budget       contracts.Budgets `json:"budget"`
	// Constraints are CEL expressions over the requested use; all must
	// evaluate true for the use to proceed.
	Constraints []string `json:"constraints,omitempty"`
	Revoked     bool     `json:"revoked"`
}

// Expired reports whether the lease's TTL has passed at the given time.
func (l Lease) Expired(at time.Time) bool {
	return at.UnixMilli() >= l.ExpiresAtMS
}

// Use describes one attempted privileged operation, evaluated against a
// lease's class, scopes, and constraints.
type Use struct {
	Class SyscallClass `json:"class"`
	// Path is set for READ/WRITE/EXEC uses.
	Path string `json:"path,omitempty"`
	// Host is set for NET_REQUEST uses.
	Host string `json:"host,omitempty"`
	// Bytes sizes the operation where meaningful (patch size, body size).
	Bytes int64 `json:"bytes,omitempty"`
	// Operation is a free-form verb for receipts, e.g. "sandbox.exec".
	Operation string `json:"operation,omitempty"`
}

// Decision is the outcome of authorizing a use. Denials carry a suggested
// safer alternative handed back to the requester.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	LeaseID    string `json:"lease_id"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}
