package observability

import (
	"context"
	"errors"
	"testing"
)

func TestDisabledProviderIsUsable(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{ServiceName: "director-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	opCtx, done := p.TrackOperation(ctx, "orchestrator.run")
	if opCtx == nil {
		t.Fatal("TrackOperation returned nil context")
	}
	done(errors.New("boom"))

	if p.Tracer() == nil {
		t.Fatal("Tracer is nil on disabled provider")
	}
	if p.Meter() == nil {
		t.Fatal("Meter is nil on disabled provider")
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLoggerCarriesComponent(t *testing.T) {
	p, err := New(context.Background(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Logger("verifier") == nil {
		t.Fatal("Logger returned nil")
	}
}
