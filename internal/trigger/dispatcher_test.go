package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/integration"
	"github.com/pulsedaemon/pulse/internal/state"
)

func testEngine(t *testing.T) *drive.Engine {
	t.Helper()
	cfg := config.DrivesConfig{
		PressureRate: 0.02,
		MaxPressure:  10.0,
		SuccessDecay: 0.7,
		FailureBoost: 0.3,
		Categories: map[string]config.CategoryConfig{
			"goals": {Source: "goals", Weight: 1.0},
		},
	}
	e := drive.NewEngine(cfg, config.WorkspaceConfig{}, 0.1, 3.0, 20)
	e.Tick(time.Now(), nil)
	e.SpikeDrive("goals", 2.0)
	return e
}

type fakeSuppressor struct{ cleared bool }

func (f *fakeSuppressor) ClearSuppression() { f.cleared = true }

func TestDispatcher_Dispatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := state.New(dir, time.Second)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	engine := testEngine(t)
	live := config.NewLive(&config.Config{})
	suppressor := &fakeSuppressor{}
	integ, _ := integration.Lookup("default")

	d := New(config.WebhookConfig{URL: srv.URL, Token: "secret", RequestTimeout: 2 * time.Second, MaxTurnsPerHour: 10}, live, integ, engine, store, nil, suppressor, nil)

	decision := evaluator.Decision{Reason: "combined_threshold", TotalPressure: 1.2}
	outcome := d.Dispatch(context.Background(), time.Now(), decision, "")
	if !outcome.Success {
		t.Fatalf("expected success, got err=%v status=%d", outcome.Err, outcome.Status)
	}
	if !suppressor.cleared {
		t.Fatalf("expected suppression cleared on trigger")
	}

	history, err := store.RecentTriggerHistory(10)
	if err != nil {
		t.Fatalf("RecentTriggerHistory: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "success" {
		t.Fatalf("expected one success history entry, got %+v", history)
	}
}

func TestDispatcher_Dispatch_NonTwoXX_IsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, _ := state.New(dir, time.Second)
	engine := testEngine(t)
	live := config.NewLive(&config.Config{})
	integ, _ := integration.Lookup("default")

	d := New(config.WebhookConfig{URL: srv.URL, RequestTimeout: 2 * time.Second, MaxTurnsPerHour: 10}, live, integ, engine, store, nil, nil, nil)

	decision := evaluator.Decision{Reason: "combined_threshold", TotalPressure: 1.2}
	outcome := d.Dispatch(context.Background(), time.Now(), decision, "")
	if outcome.Success {
		t.Fatalf("expected failure for 500 response")
	}

	history, _ := store.RecentTriggerHistory(10)
	if len(history) != 1 || history[0].Outcome != "failure" {
		t.Fatalf("expected one failure history entry, got %+v", history)
	}
}

func TestDispatcher_CanTrigger_RespectsMinInterval(t *testing.T) {
	cfg := &config.Config{}
	cfg.Webhook.MinTriggerInterval = time.Minute
	cfg.Webhook.MaxTurnsPerHour = 10
	live := config.NewLive(cfg)

	d := New(config.WebhookConfig{MinTriggerInterval: time.Minute, MaxTurnsPerHour: 10}, live, nil, testEngine(t), nil, nil, nil, nil)

	now := time.Now()
	if !d.CanTrigger(now) {
		t.Fatalf("expected first trigger allowed")
	}
	d.mu.Lock()
	d.lastTrigger = now
	d.mu.Unlock()

	if d.CanTrigger(now.Add(10 * time.Second)) {
		t.Fatalf("expected trigger blocked within min_trigger_interval")
	}
	if !d.CanTrigger(now.Add(2 * time.Minute)) {
		t.Fatalf("expected trigger allowed after min_trigger_interval elapses")
	}
}

func TestDispatcher_CanTrigger_RespectsMaxTurnsPerHour(t *testing.T) {
	cfg := &config.Config{}
	cfg.Webhook.MaxTurnsPerHour = 2
	live := config.NewLive(cfg)

	d := New(config.WebhookConfig{MaxTurnsPerHour: 2}, live, nil, testEngine(t), nil, nil, nil, nil)

	now := time.Now()
	d.window = append(d.window, now.Add(-time.Minute), now.Add(-2*time.Minute))
	if d.CanTrigger(now) {
		t.Fatalf("expected trigger blocked at max_turns_per_hour ceiling")
	}
}
