package nervous

import (
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

// afterimage is one decaying emotional residue entry, mirroring the
// limbic afterimage shape (emotion label, valence/intensity, exponential
// half-life decay).
type afterimage struct {
	Emotion   string    `json:"emotion"`
	Valence   float64   `json:"valence"`
	Intensity float64   `json:"intensity"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	moodHalfLife       = 4 * time.Hour
	moodDecayThreshold = 0.5
	moodIntensityTrig  = 7.0
	moodValenceTrig    = 2.0
)

// Mood is a reference nervous-system subsystem: high-intensity trigger
// outcomes leave a decaying emotional afterimage that colors the tone
// hint offered to subsequent prompts.
type Mood struct {
	statePath string
}

// NewMood constructs a Mood subsystem persisting to statePath (typically
// "<state_dir>/mood-state.json").
func NewMood(statePath string) *Mood {
	return &Mood{statePath: statePath}
}

func (m *Mood) Name() string { return "mood" }

func (m *Mood) PreSense(now time.Time, data sensor.SensorData) Context { return Context{} }

func (m *Mood) PreEvaluate(now time.Time, state drive.DriveState, data sensor.SensorData) Context {
	ai := m.dominant(now)
	if ai == nil {
		return Context{}
	}
	return Context{ToneHint: ai.Emotion}
}

// PostTrigger records an emotional afterimage when the outcome's
// intensity exceeds moodIntensityTrig or the magnitude of its valence
// exceeds moodValenceTrig: here, intensity is total pressure capped at
// 10 and valence is 1.0 on success, -2.5 on failure.
func (m *Mood) PostTrigger(now time.Time, decision evaluator.Decision, success bool) {
	intensity := decision.TotalPressure
	if intensity > 10 {
		intensity = 10
	}
	valence := 1.0
	if !success {
		valence = -2.5
	}
	if intensity <= moodIntensityTrig && math.Abs(valence) <= moodValenceTrig {
		return
	}

	entries := m.load()
	entries = append(entries, afterimage{
		Emotion:   emotionLabel(valence, intensity),
		Valence:   valence,
		Intensity: intensity,
		Context:   decision.Reason,
		CreatedAt: now,
	})
	m.save(entries)
}

func (m *Mood) PostLoop(now time.Time) {}

func (m *Mood) CheckNightMode(now time.Time) bool { return false }

func (m *Mood) RunREMSession(now time.Time, state drive.DriveState) bool { return false }

func (m *Mood) dominant(now time.Time) *afterimage {
	entries := m.load()
	var best *afterimage
	var bestIntensity float64
	var changed bool
	var kept []afterimage
	for i := range entries {
		cur := decayedIntensity(entries[i], now)
		if cur < moodDecayThreshold {
			changed = true
			continue
		}
		kept = append(kept, entries[i])
		if best == nil || cur > bestIntensity {
			e := entries[i]
			best = &e
			bestIntensity = cur
		}
	}
	if changed {
		m.save(kept)
	}
	return best
}

func decayedIntensity(ai afterimage, now time.Time) float64 {
	elapsed := now.Sub(ai.CreatedAt)
	if elapsed <= 0 {
		return ai.Intensity
	}
	return ai.Intensity * math.Pow(0.5, elapsed.Seconds()/moodHalfLife.Seconds())
}

func emotionLabel(valence, intensity float64) string {
	switch {
	case valence > 1.5:
		if intensity > 8 {
			return "elation"
		}
		return "joy"
	case valence > 0:
		if intensity > 7 {
			return "excitement"
		}
		return "warmth"
	case valence > -1:
		if intensity > 7 {
			return "unease"
		}
		return "melancholy"
	default:
		if intensity > 8 {
			return "anguish"
		}
		return "frustration"
	}
}

func (m *Mood) load() []afterimage {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return nil
	}
	var entries []afterimage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

func (m *Mood) save(entries []afterimage) {
	if entries == nil {
		entries = []afterimage{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(m.statePath, data, 0o644)
}
