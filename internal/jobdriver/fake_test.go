package jobdriver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stagehand/internal/domain"
)

// --- FakeDriver Tests ---

func TestFakeDriver_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewFakeDriver(time.Minute, nil)
	d.Now = func() time.Time { return now }

	req := testRequest(uuid.New())
	ref, err := d.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	again, err := d.Submit(ctx, req)
	if err != nil || again != ref {
		t.Fatalf("expected idempotent submit, got %v %v", again, err)
	}
	if d.Live() != 1 {
		t.Errorf("expected 1 live job, got %d", d.Live())
	}

	obs, _ := d.Status(ctx, ref)
	if obs.Phase != domain.PhaseRunning {
		t.Errorf("expected RUNNING, got %s", obs.Phase)
	}

	now = now.Add(time.Minute)
	obs, _ = d.Status(ctx, ref)
	if obs.Phase != domain.PhaseSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", obs.Phase)
	}

	d.Cleanup(ctx, ref)
	obs, _ = d.Status(ctx, ref)
	if obs.Phase != domain.PhaseNotFound {
		t.Errorf("expected NOT_FOUND after cleanup, got %s", obs.Phase)
	}
	if d.Live() != 0 {
		t.Errorf("expected no live jobs, got %d", d.Live())
	}
}

func TestFakeDriver_FailStage(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver(0, nil)

	req := testRequest(uuid.New())
	req.Inputs[FailStageInput] = "fetch"

	ref, err := d.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	obs, _ := d.Status(ctx, ref)
	if obs.Phase != domain.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", obs.Phase)
	}
	diag, _ := d.Diagnostics(ctx, ref)
	if diag == "" {
		t.Error("expected diagnostics for failed job")
	}
}
