// Package contracts defines the shared vocabulary of the Director control
// plane: the error taxonomy, work items, run lifecycle states, and budgets.
// Every component speaks these types; none of them owns state.
package contracts

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the control plane can produce. Components
// return *Error values carrying a Kind; the orchestrator is a state machine
// over these outcomes and the CLI maps them to exit codes.
type Kind string

const (
	// KindContractViolation means an event failed structural validation.
	// Fatal at the producer; never retried.
	KindContractViolation Kind = "contract_violation"
	// KindProjectionInconsistency means a rebuild disagrees with the live
	// projection or an event could not be applied. Non-fatal; the projector
	// records a poison marker and continues.
	KindProjectionInconsistency Kind = "projection_inconsistency"
	// KindSandboxUnavailable means a sandbox backend exhausted its retry
	// deadline. The owning run discards.
	KindSandboxUnavailable Kind = "sandbox_unavailable"
	// KindVerifierFailure means a verifier exited non-zero. Recorded as an
	// attestation with result=fail.
	KindVerifierFailure Kind = "verifier_failure"
	// KindVerifierCrash means a verifier process terminated abnormally.
	// Recorded as inconclusive; one deterministic retry.
	KindVerifierCrash Kind = "verifier_crash"
	// KindBudgetExhausted means a run crossed one of its budgets.
	KindBudgetExhausted Kind = "budget_exhausted"
	// KindPolicyRefused means the commit gate refused the run.
	KindPolicyRefused Kind = "policy_refused"
	// KindCapabilityDenied means an operation was attempted without a lease
	// or outside its scope. The operation aborts; a receipt is emitted.
	KindCapabilityDenied Kind = "capability_denied"
	// KindCancelled means cooperative cancellation reached a safe point.
	KindCancelled Kind = "cancelled"
)

// Error is the typed outcome carrier used across components.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "eventlog.append"
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error. Message is optional; pass "" to omit.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report the empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
