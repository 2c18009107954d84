// Package health implements the Health Surface: a small, unauthenticated,
// loopback-bound HTTP API exposing enough live state for an operator to
// diagnose the daemon without log mining, plus one write path
// (POST /feedback) for external callers to report turn outcomes.
//
// One handler per verb+path, each following the same decode-dispatch-encode
// discipline rather than a single switch over a request "cmd" field.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/feedback"
	"github.com/pulsedaemon/pulse/internal/mutation"
	"github.com/pulsedaemon/pulse/internal/plasticity"
	"github.com/pulsedaemon/pulse/internal/trigger"
)

// version is the fixed version string that /health reports. It is a
// constant of this package and is separate from cmd/pulsed's
// -ldflags-stamped buildVersion.
const version = "0.1.0"

// TurnCounter is satisfied by the Daemon Loop; it reports the number of
// completed loop iterations without the health package needing the
// daemon package (which would create an import cycle, since daemon wires
// the health server).
type TurnCounter interface {
	TurnCount() int
}

// Server hosts the Health Surface's HTTP handlers over a *http.Server
// bound to loopback.
type Server struct {
	engine     *drive.Engine
	dispatcher *trigger.Dispatcher
	mutator    *mutation.Mutator
	evolver    *plasticity.Evolver
	intake     *feedback.Intake
	eval       evaluator.InfoProvider
	turns      TurnCounter
	startedAt  time.Time
	log        *zap.Logger
}

// New constructs a Server. Any dependency may be nil; a nil dependency
// makes its corresponding field absent/zeroed in responses rather than
// panicking, and a nil intake makes POST /feedback answer 503.
func New(engine *drive.Engine, dispatcher *trigger.Dispatcher, mutator *mutation.Mutator, evolver *plasticity.Evolver, intake *feedback.Intake, eval evaluator.InfoProvider, turns TurnCounter, log *zap.Logger) *Server {
	return &Server{
		engine:     engine,
		dispatcher: dispatcher,
		mutator:    mutator,
		evolver:    evolver,
		intake:     intake,
		eval:       eval,
		turns:      turns,
		startedAt:  time.Now(),
		log:        log,
	}
}

// ListenAndServe builds the mux and runs an http.Server on addr until ctx
// is cancelled, at which point it drains via Shutdown with a bounded
// grace period — the same shape as observability.Metrics.ServeMetrics.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/evolution", s.handleEvolution)
	mux.HandleFunc("/mutations", s.handleMutations)
	mux.HandleFunc("/feedback", s.handleFeedback)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server on %s: %w", addr, err)
	}
	return nil
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	TurnCount     int     `json:"turn_count"`
	Version       string  `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	turns := 0
	if s.turns != nil {
		turns = s.turns.TurnCount()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		TurnCount:     turns,
		Version:       version,
	})
}

type driveStatus struct {
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Pressure      float64   `json:"pressure"`
	Weight        float64   `json:"weight"`
	WeightedPress float64   `json:"weighted_pressure"`
	Protected     bool      `json:"protected"`
	LastAddressed time.Time `json:"last_addressed,omitempty"`
}

type rateLimitStatus struct {
	CanTrigger         bool    `json:"can_trigger"`
	LastTrigger        time.Time `json:"last_trigger,omitempty"`
	TurnsInWindow      int     `json:"turns_in_window"`
	MaxTurnsPerHour    int     `json:"max_turns_per_hour"`
	MinTriggerInterval string  `json:"min_trigger_interval"`
}

type evaluatorStatus struct {
	Mode             string    `json:"mode"`
	InFallback       bool      `json:"in_fallback,omitempty"`
	FallbackUntil    time.Time `json:"fallback_until,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails,omitempty"`
	Suppressed       bool      `json:"suppressed,omitempty"`
	SuppressedUntil  time.Time `json:"suppressed_until,omitempty"`
}

type statusResponse struct {
	Drives        []driveStatus   `json:"drives"`
	TotalPressure float64         `json:"total_pressure"`
	RateLimit     rateLimitStatus `json:"rate_limit"`
	Evaluator     evaluatorStatus `json:"evaluator"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	resp := statusResponse{}
	var total float64
	if s.engine != nil {
		for _, name := range s.engine.DriveNames() {
			d, ok := s.engine.Drives()[name]
			if !ok {
				continue
			}
			snap := d.Snapshot()
			wp := snap.Pressure * snap.Weight
			total += wp
			resp.Drives = append(resp.Drives, driveStatus{
				Name:          snap.Name,
				Category:      snap.Category,
				Pressure:      snap.Pressure,
				Weight:        snap.Weight,
				WeightedPress: wp,
				Protected:     snap.Protected,
				LastAddressed: snap.LastAddressed,
			})
		}
	}
	resp.TotalPressure = total

	if s.dispatcher != nil {
		stats := s.dispatcher.Stats(time.Now())
		resp.RateLimit = rateLimitStatus{
			CanTrigger:         stats.CanTrigger,
			LastTrigger:        stats.LastTrigger,
			TurnsInWindow:      stats.TurnsInWindow,
			MaxTurnsPerHour:    stats.MaxTurnsPerHour,
			MinTriggerInterval: stats.MinTriggerInterval.String(),
		}
	}

	if s.eval != nil {
		info := s.eval.Info()
		resp.Evaluator = evaluatorStatus{
			Mode:             info.Mode,
			InFallback:       info.InFallback,
			FallbackUntil:    info.FallbackUntil,
			ConsecutiveFails: info.ConsecutiveFails,
			Suppressed:       info.Suppressed,
			SuppressedUntil:  info.SuppressedUntil,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type evolutionSummary struct {
	Drive      string  `json:"drive"`
	Records    int     `json:"records"`
	TPR        float64 `json:"tpr"`
	AvgQuality float64 `json:"avg_quality"`
	FPR        float64 `json:"fpr"`
}

type evolutionResponse struct {
	Drives []evolutionSummary `json:"drives"`
}

func (s *Server) handleEvolution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	var resp evolutionResponse
	if s.evolver != nil {
		for _, sum := range s.evolver.Summaries() {
			resp.Drives = append(resp.Drives, evolutionSummary{
				Drive:      sum.Drive,
				Records:    sum.Records,
				TPR:        sum.TPR,
				AvgQuality: sum.AvgQuality,
				FPR:        sum.FPR,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type mutationsResponse struct {
	Mutations []mutation.Record `json:"mutations"`
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "n must be an integer in [1, 1000]")
			return
		}
		n = parsed
	}

	if s.mutator == nil {
		writeJSON(w, http.StatusOK, mutationsResponse{})
		return
	}
	records, err := s.mutator.RecentAudit(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mutationsResponse{Mutations: records})
}

type feedbackResponse struct {
	Status        string                      `json:"status"`
	DrivesUpdated map[string]driveUpdateEntry `json:"drives_updated"`
}

type driveUpdateEntry struct {
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Decayed bool    `json:"decayed"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if s.intake == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback intake unavailable")
		return
	}

	var msg feedback.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid feedback payload: %v", err))
		return
	}

	applied := s.intake.Apply(time.Now(), msg)
	resp := feedbackResponse{Status: "applied", DrivesUpdated: map[string]driveUpdateEntry{}}
	for _, a := range applied {
		resp.DrivesUpdated[a.Drive] = driveUpdateEntry{
			Before:  a.Before,
			After:   a.After,
			Decayed: a.After < a.Before,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
