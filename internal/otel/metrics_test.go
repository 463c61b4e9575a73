package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.MessageDuration == nil {
		t.Error("MessageDuration is nil")
	}
	if m.GenerateDuration == nil {
		t.Error("GenerateDuration is nil")
	}
	if m.KeyRotations == nil {
		t.Error("KeyRotations is nil")
	}
	if m.BroadcastSends == nil {
		t.Error("BroadcastSends is nil")
	}
	if m.BroadcastRemovals == nil {
		t.Error("BroadcastRemovals is nil")
	}
	if m.WorkerRestarts == nil {
		t.Error("WorkerRestarts is nil")
	}
	if m.ActiveWorkers == nil {
		t.Error("ActiveWorkers is nil")
	}
	if m.CredentialFailures == nil {
		t.Error("CredentialFailures is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter. Instruments should still create.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
