// Package trigger implements the Trigger Dispatcher: rate-limited
// webhook delivery of the composed trigger message, with outcome
// feedback into the Drive Engine and the Broadcast Bus.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedaemon/pulse/internal/bus"
	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/integration"
	"github.com/pulsedaemon/pulse/internal/state"
)

// Outcome describes the result of one dispatch attempt.
type Outcome struct {
	Success bool
	Status  int
	Err     error
}

// ClearableSuppressor is satisfied by the model evaluator; its
// suppression window clears whenever any trigger fires, per the
// corrected clearing rule.
type ClearableSuppressor interface {
	ClearSuppression()
}

// Dispatcher enforces can_trigger() and delivers the webhook.
type Dispatcher struct {
	mu sync.Mutex

	url            string
	token          string
	messagePrefix  string
	sessionMode    string
	isolatedModel  string
	requestTimeout time.Duration

	live *config.Live

	lastTrigger time.Time
	window      []time.Time // sliding hour of dispatch timestamps

	httpClient *http.Client
	integ      integration.Integration

	engine    *drive.Engine
	store     *state.Store
	broadcast *bus.Bus
	suppressor ClearableSuppressor

	log *zap.Logger
}

// New constructs a Dispatcher.
func New(cfg config.WebhookConfig, live *config.Live, integ integration.Integration, engine *drive.Engine, store *state.Store, broadcast *bus.Bus, suppressor ClearableSuppressor, log *zap.Logger) *Dispatcher {
	if integ == nil {
		integ, _ = integration.Lookup("default")
	}
	return &Dispatcher{
		url:            cfg.URL,
		token:          cfg.Token,
		messagePrefix:  cfg.MessagePrefix,
		sessionMode:    cfg.SessionMode,
		isolatedModel:  cfg.IsolatedModel,
		requestTimeout: cfg.RequestTimeout,
		live:           live,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
		integ:          integ,
		engine:         engine,
		store:          store,
		broadcast:      broadcast,
		suppressor:     suppressor,
		log:            log,
	}
}

// CanTrigger reports whether dispatch is currently allowed: the cooldown
// since the last trigger has elapsed, and the sliding-hour window has
// not yet reached max_turns_per_hour.
func (d *Dispatcher) CanTrigger(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canTriggerLocked(now)
}

func (d *Dispatcher) canTriggerLocked(now time.Time) bool {
	if !d.lastTrigger.IsZero() {
		minInterval := d.minInterval()
		if now.Sub(d.lastTrigger) < minInterval {
			return false
		}
	}
	d.window = slideWindow(d.window, now)
	return len(d.window) < d.maxTurnsPerHour()
}

func (d *Dispatcher) minInterval() time.Duration {
	if d.live != nil {
		return d.live.MinTriggerInterval()
	}
	return 0
}

func (d *Dispatcher) maxTurnsPerHour() int {
	if d.live != nil && d.live.MaxTurnsPerHour() > 0 {
		return d.live.MaxTurnsPerHour()
	}
	return 1 << 30 // effectively unbounded if unconfigured
}

// Stats is a point-in-time readout of the rate limiter, for the Health
// Surface's status endpoint.
type Stats struct {
	CanTrigger         bool
	LastTrigger        time.Time
	TurnsInWindow      int
	MaxTurnsPerHour    int
	MinTriggerInterval time.Duration
}

// Stats reports the current rate-limit state without mutating it.
func (d *Dispatcher) Stats(now time.Time) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = slideWindow(d.window, now)
	return Stats{
		CanTrigger:         d.canTriggerLocked(now),
		LastTrigger:        d.lastTrigger,
		TurnsInWindow:      len(d.window),
		MaxTurnsPerHour:    d.maxTurnsPerHour(),
		MinTriggerInterval: d.minInterval(),
	}
}

func slideWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Dispatch builds the trigger message, POSTs it to the webhook, updates
// the rate-limit state, applies the outcome to the Drive Engine, appends
// trigger history, emits a bus event, and clears any model-evaluator
// suppression window. It returns the Outcome for logging.
func (d *Dispatcher) Dispatch(ctx context.Context, now time.Time, decision evaluator.Decision, toneHint string) Outcome {
	d.mu.Lock()
	if !d.canTriggerLocked(now) {
		d.mu.Unlock()
		return Outcome{Success: false, Err: fmt.Errorf("trigger: rate limited")}
	}
	d.lastTrigger = now
	d.window = append(d.window, now)
	d.mu.Unlock()

	history := d.recentHistoryStrings()
	msg, err := d.integ.BuildTriggerMessage(decision, integration.Options{
		MessagePrefix: d.messagePrefix,
		SessionMode:   d.sessionMode,
		IsolatedModel: d.isolatedModel,
		ToneHint:      toneHint,
		RecentHistory: history,
	})
	if err != nil {
		return d.finish(now, decision, Outcome{Success: false, Err: fmt.Errorf("trigger: build message: %w", err)})
	}

	outcome := d.post(ctx, msg)
	return d.finish(now, decision, outcome)
}

func (d *Dispatcher) post(ctx context.Context, body string) Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewBufferString(body))
	if err != nil {
		return Outcome{Success: false, Err: fmt.Errorf("trigger: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Outcome{Success: false, Err: fmt.Errorf("trigger: post: %w", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{Success: false, Status: resp.StatusCode, Err: fmt.Errorf("trigger: webhook returned status %d", resp.StatusCode)}
	}
	return Outcome{Success: true, Status: resp.StatusCode}
}

func (d *Dispatcher) finish(now time.Time, decision evaluator.Decision, outcome Outcome) Outcome {
	topName := ""
	if decision.TopDrive != nil {
		topName = decision.TopDrive.Name
	}

	if outcome.Success {
		d.engine.OnTriggerSuccess(now, topName)
	} else {
		d.engine.OnTriggerFailure(topName)
	}

	if d.suppressor != nil {
		d.suppressor.ClearSuppression()
	}

	entryOutcome := "success"
	reason := decision.Reason
	if !outcome.Success {
		entryOutcome = "failure"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
	}

	if d.store != nil {
		_ = d.store.AppendTriggerHistory(state.TriggerHistoryEntry{
			Timestamp:     now,
			Outcome:       entryOutcome,
			Reason:        reason,
			TopDrive:      topName,
			TotalPressure: decision.TotalPressure,
		})
	}

	if d.broadcast != nil {
		eventType := "TRIGGER_SUCCESS"
		if !outcome.Success {
			eventType = "TRIGGER_FAILURE"
		}
		data, _ := json.Marshal(map[string]interface{}{
			"reason":         decision.Reason,
			"top_drive":      topName,
			"total_pressure": decision.TotalPressure,
		})
		_ = d.broadcast.Append(bus.Event{
			Timestamp: now,
			Source:    "trigger",
			Type:      eventType,
			Salience:  bus.ClampSalience(decision.TotalPressure),
			Data:      data,
		})
	}

	if outcome.Err != nil && d.log != nil {
		d.log.Warn("trigger dispatch failed", zap.Error(outcome.Err))
	}

	return outcome
}

func (d *Dispatcher) recentHistoryStrings() []string {
	if d.store == nil {
		return nil
	}
	entries, err := d.store.RecentTriggerHistory(5)
	if err != nil || len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s %s (%s)", e.Timestamp.Format(time.RFC3339), e.Outcome, e.TopDrive))
	}
	return out
}
