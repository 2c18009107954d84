package guardrail

import (
	"testing"
	"time"
)

func TestClampWeight_S3Scenario(t *testing.T) {
	k := NewKernel(Bounds{MaxWeightDelta: 0.5, MinWeight: 0.1, MaxWeight: 3.0, ProtectedMinWeight: 0.5, MutationsPerHour: 30})

	value, clamped, err := k.ClampWeight(1.0, 10.0, false)
	if err != nil {
		t.Fatalf("ClampWeight: %v", err)
	}
	if !clamped {
		t.Fatalf("expected clamped=true for oversized delta")
	}
	if value != 1.5 {
		t.Fatalf("expected clamped value 1.5, got %v", value)
	}
}

func TestClampWeight_ProtectedFloor(t *testing.T) {
	k := NewKernel(Bounds{MaxWeightDelta: 1.0, MinWeight: 0.1, MaxWeight: 3.0, ProtectedMinWeight: 0.5})
	value, clamped, _ := k.ClampWeight(0.6, 0.0, true)
	if !clamped || value != 0.5 {
		t.Fatalf("expected protected floor 0.5, got value=%v clamped=%v", value, clamped)
	}
}

func TestCheckMutationRate_ExceedsBudget(t *testing.T) {
	k := NewKernel(Bounds{MutationsPerHour: 2})
	now := time.Now()

	if err := k.CheckMutationRate(now); err != nil {
		t.Fatalf("first mutation should be allowed: %v", err)
	}
	if err := k.CheckMutationRate(now); err != nil {
		t.Fatalf("second mutation should be allowed: %v", err)
	}
	if err := k.CheckMutationRate(now); err == nil {
		t.Fatalf("third mutation should exceed the budget")
	}
}

func TestCheckMutationRate_WindowSlides(t *testing.T) {
	k := NewKernel(Bounds{MutationsPerHour: 1})
	now := time.Now()

	if err := k.CheckMutationRate(now); err != nil {
		t.Fatalf("first mutation should be allowed: %v", err)
	}
	if err := k.CheckMutationRate(now.Add(61 * time.Minute)); err != nil {
		t.Fatalf("mutation outside the rolling window should be allowed: %v", err)
	}
}

func TestCheckRemoveDrive_Protected(t *testing.T) {
	k := NewKernel(DefaultBounds())
	if err := k.CheckRemoveDrive(true); err == nil {
		t.Fatalf("expected rejection for protected drive removal")
	}
	if err := k.CheckRemoveDrive(false); err != nil {
		t.Fatalf("expected non-protected removal to be allowed: %v", err)
	}
}

func TestCheckAddDrive_Ceiling(t *testing.T) {
	k := NewKernel(Bounds{MaxDriveCount: 2})
	if err := k.CheckAddDrive(1); err != nil {
		t.Fatalf("expected add to be allowed below ceiling: %v", err)
	}
	if err := k.CheckAddDrive(2); err == nil {
		t.Fatalf("expected add to be rejected at ceiling")
	}
}

func TestClampTurnsPerHour(t *testing.T) {
	k := NewKernel(Bounds{MinTurnsPerHour: 1, MaxTurnsPerHour: 20})
	if v, clamped := k.ClampTurnsPerHour(50); v != 20 || !clamped {
		t.Fatalf("expected clamp to max 20, got %v clamped=%v", v, clamped)
	}
	if v, clamped := k.ClampTurnsPerHour(5); v != 5 || clamped {
		t.Fatalf("expected no clamp for in-range value, got %v clamped=%v", v, clamped)
	}
}
