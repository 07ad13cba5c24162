package receipts

import (
	"context"
	"testing"

	"github.com/choiros/director/pkg/eventlog"
)

func TestEmitAppendsCanonicalEvent(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	em := NewEmitter(log, "local")

	r, err := em.Patch(ctx, "run-1", "lease-1", "sha256:abc", []string{"pkg/a.go"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if r.Kind != eventlog.TypeReceiptPatch {
		t.Fatalf("kind = %q", r.Kind)
	}

	env, err := log.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if env.Event.EventType != "receipt.patch" {
		t.Fatalf("event type = %q", env.Event.EventType)
	}
	if env.Event.Payload["lease_id"] != "lease-1" {
		t.Fatalf("lease_id missing from payload: %v", env.Event.Payload)
	}
	if env.Subject != "choiros.local.system.receipt.patch" {
		t.Fatalf("subject = %q", env.Subject)
	}
}

func TestVerifierReceiptCarriesHashesOnly(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	em := NewEmitter(log, "local")

	_, err := em.Verifier(ctx, "run-1", "plan-1", "v-unit", "pass", "sha256:aaa", "sha256:bbb", 0.9)
	if err != nil {
		t.Fatalf("Verifier: %v", err)
	}

	env, _ := log.Get(ctx, 1)
	if env.Event.Payload["artifact_hash"] != "sha256:aaa" {
		t.Fatalf("artifact_hash = %v", env.Event.Payload["artifact_hash"])
	}
	if _, hasRaw := env.Event.Payload["stdout"]; hasRaw {
		t.Fatal("raw verifier output leaked into control event")
	}
}

func TestLedgerChain(t *testing.T) {
	l := NewLedger()

	e1 := l.Record(Receipt{ReceiptID: "r1", Kind: "receipt.patch", RunID: "run-1"})
	e2 := l.Record(Receipt{ReceiptID: "r2", Kind: "receipt.verifier", RunID: "run-1"})

	if e2.PrevHash != e1.Hash {
		t.Fatal("chain link broken on append")
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if l.Head() != e2.Hash {
		t.Fatalf("head = %q", l.Head())
	}

	got, ok := l.Get("r1")
	if !ok || got.Kind != "receipt.patch" {
		t.Fatalf("Get(r1) = %+v, %v", got, ok)
	}

	if n := len(l.ByKind("receipt.verifier")); n != 1 {
		t.Fatalf("ByKind = %d entries", n)
	}
}

func TestEmitterObserverFeedsLedger(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	em := NewEmitter(log, "local")
	ledger := NewLedger()
	em.Observe(func(r Receipt, _ map[string]any) { ledger.Record(r) })

	if _, err := em.Timeout(ctx, "run-1", "tokens", 100, 100); err != nil {
		t.Fatalf("Timeout: %v", err)
	}
	if _, err := em.Denied(ctx, "run-1", "", "net.request", "host not allowlisted", "switch to CURIOUS"); err != nil {
		t.Fatalf("Denied: %v", err)
	}

	if len(ledger.Entries()) != 2 {
		t.Fatalf("ledger has %d entries", len(ledger.Entries()))
	}
	if err := ledger.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
