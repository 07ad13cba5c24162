package eventlog

import (
	"testing"

	"github.com/google/uuid"

	"github.com/choiros/director/pkg/contracts"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"file.write", "file.write"},
		{"FILE_WRITE", "file.write"},
		{"CONVERSATION_MESSAGE", "message"},
		{"NOTE/REQUEST_VERIFY", "note.request.verify"},
		{"NOTE_STATUS", "note.status"},
		{"note.conjecture", "note.conjecture"},
		{"READ_RECEIPT", "receipt.read"},
		{"TIMEOUT_RECEIPT", "receipt.timeout"},
		{"RECEIPT/CONTEXT_FOOTPRINT", "receipt.context.footprint"},
		{"RECEIPT/AHDB_DELTA", "receipt.ahdb.delta"},
		{"run_start", "run.start"},
		{"Tool/Call", "tool.call"},
		{"  checkpoint  ", "checkpoint"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"FILE_WRITE", "NOTE/REQUEST_VERIFY", "READ_RECEIPT", "message",
		"RECEIPT/HYPERTHESIS_DELTA", "WINDOW_OPEN", "X_RECEIPT_RECEIPT",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestSubjectFormat(t *testing.T) {
	e := Event{UserID: "local", Source: SourceAgent, EventType: "file.write"}
	if got := Subject("choiros", e); got != "choiros.local.agent.file.write" {
		t.Fatalf("subject = %q", got)
	}
	if got := Subject("", e); got != "choiros.local.agent.file.write" {
		t.Fatalf("default namespace subject = %q", got)
	}
}

func TestMigrateLegacySubject(t *testing.T) {
	got, err := MigrateLegacySubject("choiros.agent.local.file.write")
	if err != nil {
		t.Fatal(err)
	}
	if got != "choiros.local.agent.file.write" {
		t.Fatalf("migrated = %q", got)
	}

	// Canonical order passes through.
	same, err := MigrateLegacySubject("choiros.local.agent.file.write")
	if err != nil {
		t.Fatal(err)
	}
	if same != "choiros.local.agent.file.write" {
		t.Fatalf("canonical subject changed: %q", same)
	}

	if _, err := MigrateLegacySubject("choiros.nobody.anywhere.x"); err == nil {
		t.Fatal("expected error for subject without source token")
	}
	if _, err := MigrateLegacySubject("too.short"); err == nil {
		t.Fatal("expected error for short subject")
	}
}

func TestValidateRejectsBadEvents(t *testing.T) {
	valid := Event{
		ID:          uuid.NewString(),
		TimestampMS: 1700000000000,
		UserID:      "local",
		Source:      SourceUser,
		EventType:   "file.write",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := map[string]Event{
		"bad id":        {ID: "nope", TimestampMS: 1, UserID: "u", Source: SourceUser, EventType: "message"},
		"zero ts":       {ID: uuid.NewString(), UserID: "u", Source: SourceUser, EventType: "message"},
		"dotted user":   {ID: uuid.NewString(), TimestampMS: 1, UserID: "a.b", Source: SourceUser, EventType: "message"},
		"bad source":    {ID: uuid.NewString(), TimestampMS: 1, UserID: "u", Source: "robot", EventType: "message"},
		"uppercase typ": {ID: uuid.NewString(), TimestampMS: 1, UserID: "u", Source: SourceUser, EventType: "FILE_WRITE"},
		"empty segment": {ID: uuid.NewString(), TimestampMS: 1, UserID: "u", Source: SourceUser, EventType: "file..write"},
	}
	for name, e := range cases {
		err := e.Validate()
		if err == nil {
			t.Errorf("%s: expected rejection", name)
			continue
		}
		if !contracts.IsKind(err, contracts.KindContractViolation) {
			t.Errorf("%s: kind = %q", name, contracts.KindOf(err))
		}
	}
}

func TestNewNormalizesAndKeepsRaw(t *testing.T) {
	e := New("local", SourceAgent, "FILE_WRITE", map[string]any{"path": "a.txt"})
	if e.EventType != "file.write" {
		t.Fatalf("event type = %q", e.EventType)
	}
	if e.RawType != "FILE_WRITE" {
		t.Fatalf("raw type = %q", e.RawType)
	}
	canonical := New("local", SourceAgent, "file.write", nil)
	if canonical.RawType != "" {
		t.Fatalf("raw type should be empty for canonical input, got %q", canonical.RawType)
	}
}
