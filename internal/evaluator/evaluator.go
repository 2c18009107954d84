// Package evaluator implements the gating policy: two interchangeable
// strategies behind a single Evaluate contract.
package evaluator

import (
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

// Decision is produced by an Evaluator for one tick.
type Decision struct {
	ShouldTrigger     bool
	Reason            string
	TotalPressure     float64
	TopDrive          *drive.Drive
	SensorContext     string
	RecommendGenerate bool
}

// Evaluator is the tagged-variant contract: exactly one concrete strategy
// is constructed at startup based on evaluator.mode, no dynamic dispatch
// beyond this single interface.
type Evaluator interface {
	Evaluate(state drive.DriveState, data sensor.SensorData) Decision
}

// InfoProvider is satisfied by both strategies; the Health Surface uses it
// to report evaluator mode and fallback/suppression state without caring
// which concrete strategy is active.
type InfoProvider interface {
	Info() Info
}
