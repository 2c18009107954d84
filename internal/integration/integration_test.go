package integration

import (
	"strings"
	"testing"

	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
)

func TestLookup_DefaultRegistered(t *testing.T) {
	i, ok := Lookup("default")
	if !ok {
		t.Fatalf("expected default integration registered")
	}
	if i.Name() != "default" {
		t.Fatalf("expected name default, got %s", i.Name())
	}
}

func TestLookup_EmptyNameFallsBackToDefault(t *testing.T) {
	i, ok := Lookup("")
	if !ok || i.Name() != "default" {
		t.Fatalf("expected empty name to resolve to default")
	}
}

func TestLookup_UnknownReturnsFalse(t *testing.T) {
	if _, ok := Lookup("nonexistent"); ok {
		t.Fatalf("expected unknown integration to not be found")
	}
}

func TestDefault_BuildTriggerMessage(t *testing.T) {
	top := drive.Drive{Name: "goals", Pressure: 0.8, Weight: 1.0}
	decision := evaluator.Decision{
		Reason:        "combined_threshold",
		TotalPressure: 1.6,
		TopDrive:      &top,
	}
	opts := Options{
		MessagePrefix: "[pulse]",
		ToneHint:      "curious",
		RecentHistory: []string{"2026-07-30T10:00:00Z success"},
	}

	msg, err := (&Default{}).BuildTriggerMessage(decision, opts)
	if err != nil {
		t.Fatalf("BuildTriggerMessage: %v", err)
	}
	for _, want := range []string{"[pulse]", "combined_threshold", "goals", "curious", "2026-07-30T10:00:00Z success"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestDefault_BuildTriggerMessage_IsolatedSessionMode(t *testing.T) {
	decision := evaluator.Decision{Reason: "combined_threshold", TotalPressure: 1.6}
	opts := Options{SessionMode: "isolated", IsolatedModel: "small-local"}

	msg, err := (&Default{}).BuildTriggerMessage(decision, opts)
	if err != nil {
		t.Fatalf("BuildTriggerMessage: %v", err)
	}
	if !strings.Contains(msg, "fresh isolated session") {
		t.Fatalf("expected isolated-session framing, got: %s", msg)
	}
	if !strings.Contains(msg, "small-local") {
		t.Fatalf("expected isolated model named in message, got: %s", msg)
	}

	msg, err = (&Default{}).BuildTriggerMessage(decision, Options{})
	if err != nil {
		t.Fatalf("BuildTriggerMessage: %v", err)
	}
	if strings.Contains(msg, "isolated session") {
		t.Fatalf("expected no session framing without session_mode, got: %s", msg)
	}
}

func TestDefault_BuildTriggerMessage_NoTopDrive(t *testing.T) {
	decision := evaluator.Decision{Reason: "combined_threshold", TotalPressure: 1.6}
	msg, err := (&Default{}).BuildTriggerMessage(decision, Options{})
	if err != nil {
		t.Fatalf("BuildTriggerMessage: %v", err)
	}
	if strings.Contains(msg, "top_drive") {
		t.Fatalf("expected no top_drive section, got: %s", msg)
	}
}
