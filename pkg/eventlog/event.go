// Package eventlog implements the append-only event log: the single source
// of truth for the control plane. Events are typed, content-hashed records
// addressed by a canonical NATS-style subject. Everything else in the system
// is a projection over this log.
package eventlog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/choiros/director/pkg/contracts"
)

// DefaultNamespace is the configured subject root. All subjects produced by
// a deployment share one namespace.
const DefaultNamespace = "choiros"

// Source identifies who produced an event.
type Source string

const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

// Sources lists the valid producers in a stable order.
var Sources = []Source{SourceUser, SourceAgent, SourceSystem}

// Canonical event types. The set is open — any lower-case dot-delimited type
// is accepted — but these are the types the projection materializes.
const (
	TypeFileWrite   = "file.write"
	TypeFileDelete  = "file.delete"
	TypeFileMove    = "file.move"
	TypeMessage     = "message"
	TypeToolCall    = "tool.call"
	TypeToolResult  = "tool.result"
	TypeWindowOpen  = "window.open"
	TypeWindowClose = "window.close"
	TypeCheckpoint  = "checkpoint"
	TypeUndo        = "undo"

	TypeRunStart   = "run.start"
	TypeRunStatus  = "run.status"
	TypeRunDiscard = "run.discard"

	TypeWorkItemCreate = "work.item.create"
	TypeWorkItemUpdate = "work.item.update"
	TypeSplitRequest   = "split.request"
	TypeSpecChange     = "spec.change.request"

	TypeNoteObservation   = "note.observation"
	TypeNoteHypothesis    = "note.hypothesis"
	TypeNoteHyperthesis   = "note.hyperthesis"
	TypeNoteConjecture    = "note.conjecture"
	TypeNoteStatus        = "note.status"
	TypeNoteRequestHelp   = "note.request.help"
	TypeNoteRequestVerify = "note.request.verify"

	TypeReceiptRead         = "receipt.read"
	TypeReceiptPatch        = "receipt.patch"
	TypeReceiptVerifier     = "receipt.verifier"
	TypeReceiptNet          = "receipt.net"
	TypeReceiptDB           = "receipt.db"
	TypeReceiptExport       = "receipt.export"
	TypeReceiptPublish      = "receipt.publish"
	TypeReceiptCommit       = "receipt.commit"
	TypeReceiptAHDBDelta    = "receipt.ahdb.delta"
	TypeReceiptRebuild      = "receipt.projection.rebuild"
	TypeReceiptTimeout      = "receipt.timeout"
	TypeReceiptPolicyTokens = "receipt.policy.decision.tokens"
	TypeReceiptAttestations = "receipt.security.attestations"
	TypeReceiptFootprint    = "receipt.context.footprint"
	TypeReceiptHyperthesis  = "receipt.hyperthesis.delta"
	TypeReceiptDenied       = "receipt.capability.denied"
)

// legacyTypeMap folds the historical upper-case spellings to canonical form
// before the general normalization rules apply.
var legacyTypeMap = map[string]string{
	"FILE_WRITE":           TypeFileWrite,
	"FILE_DELETE":          TypeFileDelete,
	"FILE_MOVE":            TypeFileMove,
	"CONVERSATION_MESSAGE": TypeMessage,
	"TOOL_CALL":            TypeToolCall,
	"TOOL_RESULT":          TypeToolResult,
	"WINDOW_OPEN":          TypeWindowOpen,
	"WINDOW_CLOSE":         TypeWindowClose,
	"CHECKPOINT":           TypeCheckpoint,
	"UNDO":                 TypeUndo,
}

var (
	canonicalTypeRe = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)*$`)
	identifierRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Normalize folds an event type to canonical form: lower-case,
// dot-delimited. Legacy spellings map first; then `/` and `_` become `.`,
// upper-case folds to lower, `NOTE/<KIND>` becomes `note.<kind>`, and both
// `RECEIPT/<KIND>` and `<KIND>_RECEIPT` become `receipt.<kind>`.
// Normalize is idempotent.
func Normalize(eventType string) string {
	raw := strings.TrimSpace(eventType)
	if raw == "" {
		return raw
	}
	upper := strings.ToUpper(raw)
	if canonical, ok := legacyTypeMap[upper]; ok {
		return canonical
	}
	if kind, ok := strings.CutSuffix(upper, "_RECEIPT"); ok && kind != "" {
		raw = "receipt." + kind
	}
	folded := strings.ToLower(norm.NFC.String(raw))
	folded = strings.ReplaceAll(folded, "/", ".")
	folded = strings.ReplaceAll(folded, "_", ".")
	return folded
}

// CanonicalType reports whether t is already in canonical form.
func CanonicalType(t string) bool {
	return canonicalTypeRe.MatchString(t)
}

// Event is an immutable typed record. Producers fill every field; the log
// rejects events that fail structural validation.
type Event struct {
	ID          string         `json:"id"`
	TimestampMS int64          `json:"timestamp_ms"`
	UserID      string         `json:"user_id"`
	Source      Source         `json:"source"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	// RawType preserves the producer's spelling when ingress normalization
	// changed it. Indexing always uses EventType.
	RawType string `json:"raw_type,omitempty"`
}

// New builds an event with a fresh UUID. The type is normalized immediately
// so callers hold the canonical spelling.
func New(userID string, source Source, eventType string, payload map[string]any) Event {
	canonical := Normalize(eventType)
	raw := ""
	if canonical != eventType {
		raw = eventType
	}
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Source:    source,
		EventType: canonical,
		RawType:   raw,
		Payload:   payload,
	}
}

// Validate checks the structural contract. Violations are fatal at the
// producer and must not be retried.
func (e Event) Validate() error {
	const op = "eventlog.validate"
	if _, err := uuid.Parse(e.ID); err != nil {
		return contracts.Errorf(contracts.KindContractViolation, op, "event id %q is not a uuid", e.ID)
	}
	if e.TimestampMS <= 0 {
		return contracts.E(contracts.KindContractViolation, op, "timestamp_ms must be positive")
	}
	if !identifierRe.MatchString(e.UserID) {
		return contracts.Errorf(contracts.KindContractViolation, op, "user_id %q is not a valid subject token", e.UserID)
	}
	switch e.Source {
	case SourceUser, SourceAgent, SourceSystem:
	default:
		return contracts.Errorf(contracts.KindContractViolation, op, "unknown source %q", e.Source)
	}
	if !CanonicalType(e.EventType) {
		return contracts.Errorf(contracts.KindContractViolation, op, "event type %q is not canonical", e.EventType)
	}
	return nil
}

// Subject computes the canonical subject for an event:
// {namespace}.{user_id}.{source}.{event_type}.
func Subject(namespace string, e Event) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return fmt.Sprintf("%s.%s.%s.%s", namespace, e.UserID, e.Source, e.EventType)
}

// MigrateLegacySubject rewrites a subject recorded in the retired
// {namespace}.{source}.{user_id}.{event_type} order into the canonical
// order. Subjects already in canonical order pass through unchanged. It is
// intended for one-time migration of legacy corpora only.
func MigrateLegacySubject(subject string) (string, error) {
	parts := strings.SplitN(subject, ".", 4)
	if len(parts) < 4 {
		return "", fmt.Errorf("eventlog: subject %q has too few tokens", subject)
	}
	second, third := parts[1], parts[2]
	if isSource(third) {
		return subject, nil // already canonical
	}
	if !isSource(second) {
		return "", fmt.Errorf("eventlog: subject %q has no source token", subject)
	}
	return strings.Join([]string{parts[0], third, second, parts[3]}, "."), nil
}

func isSource(s string) bool {
	switch Source(s) {
	case SourceUser, SourceAgent, SourceSystem:
		return true
	}
	return false
}
