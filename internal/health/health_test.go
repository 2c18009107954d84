package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/feedback"
)

func testEngine() *drive.Engine {
	cfg := config.DrivesConfig{
		PressureRate: 0.02,
		MaxPressure:  10.0,
		SuccessDecay: 0.7,
		FailureBoost: 0.3,
		Categories: map[string]config.CategoryConfig{
			"goals": {Source: "goals", Weight: 1.0},
		},
	}
	return drive.NewEngine(cfg, config.WorkspaceConfig{}, 0.1, 5.0, 20)
}

func TestHandleHealth(t *testing.T) {
	engine := testEngine()
	srv := New(engine, nil, nil, nil, feedback.New(engine), nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status field = %q, want ok", resp.Status)
	}
}

func TestHandleHealth_RejectsNonGet(t *testing.T) {
	srv := New(testEngine(), nil, nil, nil, nil, nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleStatus_ReportsDrives(t *testing.T) {
	engine := testEngine()
	engine.AddDrive("curiosity", "goals", 1.5)
	srv := New(engine, nil, nil, nil, nil, nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, d := range resp.Drives {
		if d.Name == "curiosity" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected curiosity drive in status response, got %+v", resp.Drives)
	}
}

func TestHandleMutations_RejectsOutOfRangeN(t *testing.T) {
	srv := New(testEngine(), nil, nil, nil, nil, nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/mutations?n=5000", nil)
	rec := httptest.NewRecorder()
	srv.handleMutations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFeedback_AppliesAndReportsDrives(t *testing.T) {
	engine := testEngine()
	engine.AddDrive("curiosity", "goals", 1.0)
	engine.SpikeDrive("curiosity", 2.0)
	intake := feedback.New(engine)
	srv := New(engine, nil, nil, nil, intake, nil, nil, zap.NewNop())

	body := `{"outcome":"success","drives_addressed":["curiosity"]}`
	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleFeedback(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp feedbackResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	entry, ok := resp.DrivesUpdated["curiosity"]
	if !ok {
		t.Fatalf("expected curiosity in drives_updated, got %+v", resp.DrivesUpdated)
	}
	if entry.After >= entry.Before {
		t.Fatalf("expected decay after success feedback, before=%v after=%v", entry.Before, entry.After)
	}
}

func TestHandleFeedback_RejectsInvalidJSON(t *testing.T) {
	engine := testEngine()
	srv := New(engine, nil, nil, nil, feedback.New(engine), nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.handleFeedback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
