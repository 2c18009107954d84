package nervous

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

func TestMood_PostTrigger_LowIntensityNoAfterimage(t *testing.T) {
	dir := t.TempDir()
	m := NewMood(filepath.Join(dir, "mood-state.json"))
	now := time.Now()

	m.PostTrigger(now, evaluator.Decision{TotalPressure: 1.0, Reason: "combined_threshold"}, true)

	ctx := m.PreEvaluate(now, drive.DriveState{}, nil)
	if ctx.ToneHint != "" {
		t.Fatalf("expected no tone hint for low-intensity trigger, got %q", ctx.ToneHint)
	}
}

func TestMood_PostTrigger_HighIntensityCreatesAfterimage(t *testing.T) {
	dir := t.TempDir()
	m := NewMood(filepath.Join(dir, "mood-state.json"))
	now := time.Now()

	m.PostTrigger(now, evaluator.Decision{TotalPressure: 9.0, Reason: "combined_threshold"}, true)

	ctx := m.PreEvaluate(now, drive.DriveState{}, nil)
	if ctx.ToneHint == "" {
		t.Fatalf("expected a tone hint after high-intensity success trigger")
	}
}

func TestMood_Afterimage_DecaysBelowThresholdAndDisappears(t *testing.T) {
	dir := t.TempDir()
	m := NewMood(filepath.Join(dir, "mood-state.json"))
	now := time.Now()

	m.PostTrigger(now, evaluator.Decision{TotalPressure: 9.0, Reason: "combined_threshold"}, true)

	farFuture := now.Add(48 * time.Hour) // many half-lives later
	ctx := m.PreEvaluate(farFuture, drive.DriveState{}, nil)
	if ctx.ToneHint != "" {
		t.Fatalf("expected afterimage decayed away, got tone hint %q", ctx.ToneHint)
	}
}

func TestMood_FailureUsesNegativeValenceLabel(t *testing.T) {
	dir := t.TempDir()
	m := NewMood(filepath.Join(dir, "mood-state.json"))
	now := time.Now()

	m.PostTrigger(now, evaluator.Decision{TotalPressure: 9.0, Reason: "trigger_failed"}, false)

	ctx := m.PreEvaluate(now, drive.DriveState{}, nil)
	if ctx.ToneHint != "anguish" {
		t.Fatalf("expected anguish label for high-intensity failure, got %q", ctx.ToneHint)
	}
}

func TestCircadian_InSleepWindow_WrapsAroundMidnight(t *testing.T) {
	c := NewCircadian(23, 8)

	midnight := time.Date(2026, 7, 31, 0, 30, 0, 0, time.UTC)
	if !c.inSleepWindow(midnight) {
		t.Fatalf("expected 00:30 to be within 23:00-08:00 sleep window")
	}

	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if c.inSleepWindow(noon) {
		t.Fatalf("expected noon to be outside sleep window")
	}
}

func TestCircadian_CheckNightMode_MatchesInSleepWindow(t *testing.T) {
	c := NewCircadian(23, 8)
	late := time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC)
	if !c.CheckNightMode(late) {
		t.Fatalf("expected night mode true at 23:30")
	}
}

func TestRegistry_MergesToneHintAndPause(t *testing.T) {
	dir := t.TempDir()
	mood := NewMood(filepath.Join(dir, "mood-state.json"))
	circadian := NewCircadian(23, 8)
	reg := NewRegistry(mood, circadian)

	now := time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC)
	ctx := reg.PreSense(now, nil)
	if !ctx.ShouldPause {
		t.Fatalf("expected ShouldPause true from circadian during sleep window")
	}
}

func TestRegistry_CheckNightMode_TrueIfAnySubsystemSignals(t *testing.T) {
	reg := NewRegistry(NewCircadian(23, 8))
	now := time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)
	if !reg.CheckNightMode(now) {
		t.Fatalf("expected night mode true at 2am")
	}
}

// panickingSubsystem verifies the registry's panic recovery keeps a
// broken subsystem from taking down a hook call.
type panickingSubsystem struct{}

func (panickingSubsystem) Name() string { return "panics" }
func (panickingSubsystem) PreSense(now time.Time, data sensor.SensorData) Context {
	panic("boom")
}
func (panickingSubsystem) PreEvaluate(now time.Time, state drive.DriveState, data sensor.SensorData) Context {
	panic("boom")
}
func (panickingSubsystem) PostTrigger(now time.Time, decision evaluator.Decision, success bool) {
	panic("boom")
}
func (panickingSubsystem) PostLoop(now time.Time)            { panic("boom") }
func (panickingSubsystem) CheckNightMode(now time.Time) bool { panic("boom") }
func (panickingSubsystem) RunREMSession(now time.Time, state drive.DriveState) bool {
	panic("boom")
}

func TestRegistry_Survives_SubsystemPanic(t *testing.T) {
	reg := NewRegistry(panickingSubsystem{})
	ctx := reg.PreSense(time.Now(), nil)
	if ctx.ShouldPause {
		t.Fatalf("expected default context after panic recovery")
	}
	if reg.CheckNightMode(time.Now()) {
		t.Fatalf("expected false after panic recovery")
	}
	reg.PostTrigger(time.Now(), evaluator.Decision{}, true)
	reg.PostLoop(time.Now())
	if reg.RunREMSession(time.Now(), drive.DriveState{}) {
		t.Fatalf("expected false after panic recovery")
	}
}

func TestCircadian_RunREMSession_OncePerNight(t *testing.T) {
	c := NewCircadian(23, 8)
	night := time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)
	if !c.RunREMSession(night, drive.DriveState{}) {
		t.Fatalf("expected first call during sleep window to run a session")
	}
	if c.RunREMSession(night.Add(time.Hour), drive.DriveState{}) {
		t.Fatalf("expected second call the same night to be suppressed")
	}
	day := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	if c.RunREMSession(day, drive.DriveState{}) {
		t.Fatalf("expected no session outside the sleep window")
	}
}
