package evaluator

import (
	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

// Rules is the synchronous, immediate gating strategy.
type Rules struct {
	singleDriveThreshold       float64
	combinedThreshold          float64
	suppressDuringConversation bool
	triggerThreshold           float64
	live                       *config.Live
}

// NewRules constructs the Rules strategy. triggerThreshold is the
// drives.trigger_threshold value used for the recommend_generate signal
// until/unless SetLive is called with a runtime-mutable source.
func NewRules(cfg config.RulesEvaluatorConfig, triggerThreshold float64) *Rules {
	return &Rules{
		singleDriveThreshold:       cfg.SingleDriveThreshold,
		combinedThreshold:          cfg.CombinedThreshold,
		suppressDuringConversation: cfg.SuppressDuringConversation,
		triggerThreshold:           triggerThreshold,
	}
}

// SetLive wires the evaluator to the shared runtime-mutable config
// values so an adjust_threshold mutation takes effect immediately.
func (r *Rules) SetLive(live *config.Live) { r.live = live }

func (r *Rules) threshold() float64 {
	if r.live != nil {
		return r.live.TriggerThreshold()
	}
	return r.triggerThreshold
}

// Evaluate implements Evaluator.
func (r *Rules) Evaluate(state drive.DriveState, data sensor.SensorData) Decision {
	if r.suppressDuringConversation && conversationActive(data) {
		return Decision{ShouldTrigger: false, Reason: "conversation_active", TotalPressure: state.TotalPressure, TopDrive: state.TopDrive}
	}

	var topWeighted float64
	if state.TopDrive != nil {
		topWeighted = state.TopDrive.Pressure * state.TopDrive.Weight
	}

	if topWeighted >= r.singleDriveThreshold {
		return Decision{
			ShouldTrigger: true,
			Reason:        "single_drive_threshold",
			TotalPressure: state.TotalPressure,
			TopDrive:      state.TopDrive,
		}
	}
	if state.TotalPressure >= r.combinedThreshold {
		return Decision{
			ShouldTrigger: true,
			Reason:        "combined_threshold",
			TotalPressure: state.TotalPressure,
			TopDrive:      state.TopDrive,
		}
	}

	recommend := state.TotalPressure >= r.threshold()
	reason := "below_threshold"
	if recommend {
		reason = "recommend_generate"
	}
	return Decision{
		ShouldTrigger:     false,
		Reason:            reason,
		TotalPressure:     state.TotalPressure,
		TopDrive:          state.TopDrive,
		RecommendGenerate: recommend,
	}
}

// Info reports the current evaluator state, for the Health Surface's
// status endpoint. Rules has no fallback/suppression state of its own.
func (r *Rules) Info() Info {
	return Info{Mode: "rules"}
}

func conversationActive(data sensor.SensorData) bool {
	reading, ok := data["conversation"]
	if !ok {
		return false
	}
	active, _ := reading["active"].(bool)
	if active {
		return true
	}
	inCooldown, _ := reading["in_cooldown"].(bool)
	return inCooldown
}
