package evaluator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

func driveState(weighted, total float64) drive.DriveState {
	d := drive.Drive{Name: "goals", Pressure: weighted, Weight: 1.0}
	return drive.DriveState{Drives: []drive.Drive{d}, TotalPressure: total, TopDrive: &d}
}

func TestRules_SingleDriveThreshold(t *testing.T) {
	r := NewRules(config.RulesEvaluatorConfig{SingleDriveThreshold: 0.5, CombinedThreshold: 10}, 0.7)
	d := driveState(0.6, 0.6)
	got := r.Evaluate(d, sensor.SensorData{})
	if !got.ShouldTrigger {
		t.Fatalf("expected trigger via single_drive_threshold, got %+v", got)
	}
}

func TestRules_CombinedThreshold(t *testing.T) {
	r := NewRules(config.RulesEvaluatorConfig{SingleDriveThreshold: 10, CombinedThreshold: 1.0}, 0.7)
	d := driveState(0.4, 1.2)
	got := r.Evaluate(d, sensor.SensorData{})
	if !got.ShouldTrigger {
		t.Fatalf("expected trigger via combined_threshold, got %+v", got)
	}
}

func TestRules_ConversationSuppression(t *testing.T) {
	r := NewRules(config.RulesEvaluatorConfig{SingleDriveThreshold: 0.1, CombinedThreshold: 0.1, SuppressDuringConversation: true}, 0.7)
	d := driveState(5.0, 5.0)
	data := sensor.SensorData{"conversation": sensor.Reading{"active": true}}
	got := r.Evaluate(d, data)
	if got.ShouldTrigger {
		t.Fatalf("expected suppression during active conversation, got %+v", got)
	}
}

func TestRules_RecommendGenerate(t *testing.T) {
	r := NewRules(config.RulesEvaluatorConfig{SingleDriveThreshold: 10, CombinedThreshold: 10}, 0.5)
	d := driveState(0.6, 0.6)
	got := r.Evaluate(d, sensor.SensorData{})
	if got.ShouldTrigger {
		t.Fatalf("did not expect trigger, got %+v", got)
	}
	if !got.RecommendGenerate {
		t.Fatalf("expected recommend_generate when below trigger but above threshold")
	}
}

func TestModel_FallsBackAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fallback := NewRules(config.RulesEvaluatorConfig{SingleDriveThreshold: 10, CombinedThreshold: 10}, 0.7)
	m := NewModel(config.ModelEvaluatorConfig{BaseURL: srv.URL, TimeoutSeconds: 1}, fallback, nil, nil)

	d := driveState(0.1, 0.1)
	for i := 0; i < 3; i++ {
		m.Evaluate(d, sensor.SensorData{})
	}

	m.mu.Lock()
	inFallback := !m.fallbackUntil.IsZero()
	m.mu.Unlock()
	if !inFallback {
		t.Fatalf("expected fallback to engage after 3 consecutive failures")
	}
}

func TestModel_HonorsSuccessfulVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{}
		verdict := modelVerdict{Trigger: true, Reason: "looks important", Urgency: 0.9}
		body, _ := json.Marshal(verdict)
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: string(body)}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	fallback := NewRules(config.RulesEvaluatorConfig{}, 0.7)
	m := NewModel(config.ModelEvaluatorConfig{BaseURL: srv.URL, TimeoutSeconds: 1}, fallback, nil, nil)

	d := driveState(0.1, 0.1)
	got := m.Evaluate(d, sensor.SensorData{})
	if !got.ShouldTrigger {
		t.Fatalf("expected model verdict to trigger, got %+v", got)
	}
}

func TestModel_SuppressMinutesHonored(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := chatResponse{}
		verdict := modelVerdict{Trigger: false, SuppressMinutes: 60}
		body, _ := json.Marshal(verdict)
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: string(body)}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	fallback := NewRules(config.RulesEvaluatorConfig{}, 0.7)
	m := NewModel(config.ModelEvaluatorConfig{BaseURL: srv.URL, TimeoutSeconds: 1, MaxSuppressMinutes: 120}, fallback, nil, nil)

	d := driveState(0.1, 0.1)
	m.Evaluate(d, sensor.SensorData{})
	m.Evaluate(d, sensor.SensorData{})

	if calls != 1 {
		t.Fatalf("expected second call to short-circuit on suppress window, got %d calls", calls)
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"trigger\": true}\n```"
	out := stripFences(in)
	if out != `{"trigger": true}` {
		t.Fatalf("unexpected stripped content: %q", out)
	}
}

var _ = time.Second
