// Package feedback implements Feedback Intake: a file-drop and HTTP
// channel that both funnel into one apply-to-drives handler.
package feedback

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pulsedaemon/pulse/internal/drive"
)

// Outcome is the reported result of the hosting agent's turn.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeBlocked Outcome = "blocked"
)

var defaultDecay = map[Outcome]float64{
	OutcomeSuccess: 0.7,
	OutcomePartial: 0.4,
	OutcomeBlocked: 0.0,
}

// Message is the turn_result.json / POST /feedback payload.
type Message struct {
	Outcome         Outcome            `json:"outcome"`
	DrivesAddressed []string           `json:"drives_addressed"`
	DecayOverrides  map[string]float64 `json:"decay_overrides,omitempty"`
	Summary         string             `json:"summary,omitempty"`
}

// AppliedDrive reports one drive's before/after pressure for one
// processed message, for logging and testing.
type AppliedDrive struct {
	Drive  string
	Before float64
	After  float64
}

// Intake applies feedback messages to the Drive Engine.
type Intake struct {
	engine *drive.Engine
}

// New constructs an Intake bound to a Drive Engine.
func New(engine *drive.Engine) *Intake {
	return &Intake{engine: engine}
}

// Apply processes one feedback message: for each drive named in
// DrivesAddressed that exists, decays it by the explicit override
// amount if present (an absolute amount subtracted from pressure),
// else the outcome-based default fraction (multiplicative), and sets
// last_addressed to now regardless of the decay applied (including the
// 0% blocked case).
func (in *Intake) Apply(now time.Time, msg Message) []AppliedDrive {
	var applied []AppliedDrive
	for _, name := range msg.DrivesAddressed {
		amount, absolute := msg.DecayOverrides[name]
		if !absolute {
			amount = defaultDecay[msg.Outcome]
		}
		before, after, found := in.engine.ApplyFeedback(now, name, amount, absolute)
		if !found {
			continue
		}
		applied = append(applied, AppliedDrive{Drive: name, Before: before, After: after})
	}
	return applied
}

// ConsumeFileDrop checks for turn_result.json at path and, if present,
// reads and applies it, then deletes it unconditionally — including
// when the JSON is invalid, per the "never let a malformed payload wedge
// the pipe" rule. Returns the applied drives (nil if no file was
// present or the JSON was invalid).
func (in *Intake) ConsumeFileDrop(now time.Time, path string) []AppliedDrive {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	defer os.Remove(path)

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	return in.Apply(now, msg)
}
