package evaluator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/sensor"
	"github.com/pulsedaemon/pulse/internal/state"
)

const maxConsecutiveFailures = 3
const failureCooldown = 5 * time.Minute

// chatRequest is the OpenAI-compatible /chat/completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// modelVerdict is the strict JSON response the system prompt requires the
// model to emit.
type modelVerdict struct {
	Trigger         bool    `json:"trigger"`
	Reason          string  `json:"reason"`
	Urgency         float64 `json:"urgency"`
	SuggestedFocus  string  `json:"suggested_focus"`
	SuppressMinutes int     `json:"suppress_minutes"`
}

const systemPrompt = `You are the gating policy for an autonomous cognition daemon. ` +
	`Given the current drive pressures and recent history, decide whether the ` +
	`hosted agent should be triggered to think right now. Respond with strict ` +
	`JSON only: {"trigger": bool, "reason": string, "urgency": number, ` +
	`"suggested_focus": string, "suppress_minutes": integer}.`

// Model is the asynchronous, LLM-backed gating strategy. It falls back to
// a Rules strategy for a cooldown window after too many consecutive
// failures, and honors a suppress_minutes value from any response.
type Model struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	temperature float64
	maxSuppressMinutes int

	fallback          *Rules
	store             *state.Store
	workingMemoryPath string
	log               *zap.Logger

	mu                sync.Mutex
	consecutiveFails  int
	fallbackUntil     time.Time
	suppressedUntil   time.Time
}

// NewModel constructs the Model strategy.
func NewModel(cfg config.ModelEvaluatorConfig, fallback *Rules, store *state.Store, log *zap.Logger) *Model {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Model{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
			},
		},
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:             cfg.APIKey,
		model:              cfg.Model,
		maxTokens:          cfg.MaxTokens,
		temperature:        cfg.Temperature,
		maxSuppressMinutes: cfg.MaxSuppressMinutes,
		fallback:           fallback,
		store:              store,
		log:                log,
	}
}

// Evaluate implements Evaluator.
func (m *Model) Evaluate(ds drive.DriveState, data sensor.SensorData) Decision {
	now := time.Now()

	m.mu.Lock()
	suppressed := !m.suppressedUntil.IsZero() && now.Before(m.suppressedUntil)
	inFallback := !m.fallbackUntil.IsZero() && now.Before(m.fallbackUntil)
	m.mu.Unlock()

	if suppressed {
		return Decision{ShouldTrigger: false, Reason: "model_suppressed", TotalPressure: ds.TotalPressure, TopDrive: ds.TopDrive}
	}
	if inFallback {
		return m.fallback.Evaluate(ds, data)
	}

	verdict, err := m.call(ds, data)
	if err != nil {
		m.recordFailure()
		if m.log != nil {
			m.log.Warn("model evaluator call failed", zap.Error(err))
		}
		return m.fallback.Evaluate(ds, data)
	}
	m.recordSuccess()

	if verdict.SuppressMinutes > 0 {
		minutes := verdict.SuppressMinutes
		if m.maxSuppressMinutes > 0 && minutes > m.maxSuppressMinutes {
			minutes = m.maxSuppressMinutes
		}
		m.mu.Lock()
		m.suppressedUntil = now.Add(time.Duration(minutes) * time.Minute)
		m.mu.Unlock()
	}

	return Decision{
		ShouldTrigger:     verdict.Trigger,
		Reason:            verdict.Reason,
		TotalPressure:     ds.TotalPressure,
		TopDrive:          ds.TopDrive,
		SensorContext:     verdict.SuggestedFocus,
		RecommendGenerate: !verdict.Trigger && ds.TotalPressure > 0,
	}
}

// SetWorkingMemoryPath points the prompt builder at the workspace's
// working-memory file; its contents are included (truncated) in the
// context given to the model.
func (m *Model) SetWorkingMemoryPath(path string) { m.workingMemoryPath = path }

// ClearSuppression clears the model's suppress window; called by the
// Trigger Dispatcher after every dispatch attempt, successful or not,
// whatever the reason for the trigger (including the high-pressure
// override), per the "clear on any trigger" decision.
func (m *Model) ClearSuppression() {
	m.mu.Lock()
	m.suppressedUntil = time.Time{}
	m.mu.Unlock()
}

// Info is a point-in-time readout of the model evaluator's fallback
// state, for the Health Surface's status endpoint.
type Info struct {
	Mode             string
	InFallback       bool
	FallbackUntil    time.Time
	ConsecutiveFails int
	Suppressed       bool
	SuppressedUntil  time.Time
}

// Info reports the current fallback/suppression state without mutating it.
func (m *Model) Info() Info {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Mode:             "model",
		InFallback:       !m.fallbackUntil.IsZero() && now.Before(m.fallbackUntil),
		FallbackUntil:    m.fallbackUntil,
		ConsecutiveFails: m.consecutiveFails,
		Suppressed:       !m.suppressedUntil.IsZero() && now.Before(m.suppressedUntil),
		SuppressedUntil:  m.suppressedUntil,
	}
}

func (m *Model) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFails++
	if m.consecutiveFails >= maxConsecutiveFailures {
		m.fallbackUntil = time.Now().Add(failureCooldown)
	}
}

func (m *Model) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFails = 0
	m.fallbackUntil = time.Time{}
}

func (m *Model) call(ds drive.DriveState, data sensor.SensorData) (modelVerdict, error) {
	prompt, err := m.buildPrompt(ds, data)
	if err != nil {
		return modelVerdict{}, err
	}

	reqBody := chatRequest{
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return modelVerdict{}, fmt.Errorf("model evaluator: marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return modelVerdict{}, fmt.Errorf("model evaluator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return modelVerdict{}, fmt.Errorf("model evaluator: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return modelVerdict{}, fmt.Errorf("model evaluator: non-2xx status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return modelVerdict{}, fmt.Errorf("model evaluator: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return modelVerdict{}, fmt.Errorf("model evaluator: empty choices")
	}

	content := stripFences(chat.Choices[0].Message.Content)
	var verdict modelVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return modelVerdict{}, fmt.Errorf("model evaluator: parse verdict: %w", err)
	}
	return verdict, nil
}

// buildPrompt composes a compact context: drive bars, sensor summary,
// recent trigger history (last 5), and a truncated working-memory blurb.
func (m *Model) buildPrompt(ds drive.DriveState, data sensor.SensorData) (string, error) {
	var sb strings.Builder
	sb.WriteString("Drives:\n")
	for _, d := range ds.Drives {
		fmt.Fprintf(&sb, "  %s: pressure=%.2f weight=%.2f weighted=%.2f\n", d.Name, d.Pressure, d.Weight, d.Pressure*d.Weight)
	}
	fmt.Fprintf(&sb, "Total pressure: %.2f\n", ds.TotalPressure)

	sb.WriteString("Sensors:\n")
	for name, reading := range data {
		b, _ := json.Marshal(reading)
		fmt.Fprintf(&sb, "  %s: %s\n", name, truncate(string(b), 300))
	}

	if m.store != nil {
		history, err := m.store.RecentTriggerHistory(5)
		if err == nil && len(history) > 0 {
			sb.WriteString("Recent triggers:\n")
			for _, h := range history {
				fmt.Fprintf(&sb, "  %s: %s (total_pressure=%.2f)\n", h.Outcome, h.Reason, h.TotalPressure)
			}
		}
	}

	if m.workingMemoryPath != "" {
		if wm, err := os.ReadFile(m.workingMemoryPath); err == nil && len(wm) > 0 {
			fmt.Fprintf(&sb, "Working memory:\n%s\n", truncate(string(wm), 1000))
		}
	}

	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// stripFences removes a leading/trailing ```json fenced code block if
// present, since models commonly wrap JSON responses in markdown fences
// despite being asked for strict JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
