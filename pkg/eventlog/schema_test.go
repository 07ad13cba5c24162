package eventlog

import (
	"context"
	"testing"

	"github.com/choiros/director/pkg/contracts"
)

func TestValidatePayloadShapes(t *testing.T) {
	tests := map[string]struct {
		eventType string
		payload   map[string]any
		ok        bool
	}{
		"file.write with path":     {TypeFileWrite, map[string]any{"path": "a.go", "content_hash": "sha256:x"}, true},
		"file.write without path":  {TypeFileWrite, map[string]any{"oops": true}, false},
		"file.write empty path":    {TypeFileWrite, map[string]any{"path": ""}, false},
		"file.move from/to":        {TypeFileMove, map[string]any{"from": "a.go", "to": "b.go"}, true},
		"file.move missing to":     {TypeFileMove, map[string]any{"from": "a.go"}, false},
		"message string conv":      {TypeMessage, map[string]any{"role": "user", "content": "hi", "conversation_id": "c1"}, true},
		"message without role":     {TypeMessage, map[string]any{"content": "hi"}, false},
		"commit full":              {TypeReceiptCommit, map[string]any{"run_id": "r1", "diff_hash": "sha256:d", "verifier_plan_id": "sha256:p"}, true},
		"commit without plan":      {TypeReceiptCommit, map[string]any{"run_id": "r1", "diff_hash": "sha256:d"}, false},
		"verifier bad result":      {TypeReceiptVerifier, map[string]any{"verifier_id": "v1", "result": "maybe"}, false},
		"unregistered type passes": {TypeNoteObservation, map[string]any{"anything": "goes"}, true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := Event{EventType: tt.eventType, Payload: tt.payload}
			err := ValidatePayload(e)
			if tt.ok && err != nil {
				t.Fatalf("ValidatePayload(%s) = %v, want nil", tt.eventType, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("ValidatePayload(%s) accepted %v", tt.eventType, tt.payload)
				}
				if contracts.KindOf(err) != contracts.KindContractViolation {
					t.Fatalf("kind = %s, want %s", contracts.KindOf(err), contracts.KindContractViolation)
				}
			}
		})
	}
}

func TestAppendRejectsSchemaViolatingPayload(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	bad := New("local", SourceAgent, TypeFileWrite, map[string]any{"oops": true})
	bad.TimestampMS = 1_700_000_000_000
	if _, err := log.Append(ctx, bad); err == nil {
		t.Fatal("schema-violating payload was appended")
	} else if contracts.KindOf(err) != contracts.KindContractViolation {
		t.Fatalf("kind = %s, want %s", contracts.KindOf(err), contracts.KindContractViolation)
	}

	// nothing became durable
	last, err := log.LastSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Fatalf("last sequence = %d after rejected append", last)
	}

	good := New("local", SourceAgent, TypeFileWrite, map[string]any{"path": "a.go"})
	good.TimestampMS = 1_700_000_000_000
	seq, err := log.Append(ctx, good)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}
}
