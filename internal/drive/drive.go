// Package drive implements the Drive Engine: time-based pressure
// accumulation, sensor-driven spikes, and outcome-driven decay.
package drive

import (
	"sync"
	"time"
)

// Drive is one internal motivation tracked by the engine.
//
// Pressure accumulates linearly with elapsed wall-clock time and is
// bumped by one-time spikes from workspace file changes or sensor
// events; it is never mutated directly by anything but the engine and
// the mutator.
type Drive struct {
	mu sync.Mutex

	Name          string
	Category      string
	Pressure      float64
	Weight        float64
	MinWeight     float64
	MaxWeight     float64
	Protected     bool
	LastAddressed time.Time
	Runtime       bool // created by an add_drive mutation, not configuration

	maxPressure float64
}

// NewDrive constructs a Drive with the given static bounds.
func NewDrive(name, category string, weight, minWeight, maxWeight, maxPressure float64, protected bool) *Drive {
	return &Drive{
		Name:        name,
		Category:    category,
		Weight:      weight,
		MinWeight:   minWeight,
		MaxWeight:   maxWeight,
		Protected:   protected,
		maxPressure: maxPressure,
	}
}

// WeightedPressure returns pressure × weight, the value used by the
// evaluator and by the Drive Engine's aggregate total.
func (d *Drive) WeightedPressure() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Pressure * d.Weight
}

// Snapshot returns a point-in-time copy safe to hand to callers outside
// the engine.
func (d *Drive) Snapshot() Drive {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Drive{
		Name:          d.Name,
		Category:      d.Category,
		Pressure:      d.Pressure,
		Weight:        d.Weight,
		MinWeight:     d.MinWeight,
		MaxWeight:     d.MaxWeight,
		Protected:     d.Protected,
		LastAddressed: d.LastAddressed,
		Runtime:       d.Runtime,
		maxPressure:   d.maxPressure,
	}
}

// accumulate applies the linear time-based pressure formula:
//
//	pressure <- min(max_pressure, pressure + rate*(dt/60)*weight)
func (d *Drive) accumulate(rate float64, dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pressure = clampMax(d.Pressure+rate*(dt.Seconds()/60.0)*d.Weight, d.maxPressure)
}

// spike applies a one-time pressure increment, clamped to max_pressure.
func (d *Drive) spike(amount float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pressure = clampMax(d.Pressure+amount, d.maxPressure)
}

// decay reduces pressure by a fraction of its current value.
func (d *Drive) decay(fraction float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pressure = d.Pressure * (1 - fraction)
	if d.Pressure < 0 {
		d.Pressure = 0
	}
}

// decayAbsolute reduces pressure by a fixed amount rather than a
// fraction of it, floored at zero. Used for explicit decay_overrides,
// which name an amount rather than a proportion.
func (d *Drive) decayAbsolute(amount float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pressure -= amount
	if d.Pressure < 0 {
		d.Pressure = 0
	}
}

// touchAddressed sets LastAddressed to now.
func (d *Drive) touchAddressed(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastAddressed = now
}

// setWeight writes a new weight (used by the Mutator/Plasticity after
// guardrail clamping has already been applied).
func (d *Drive) setWeight(w float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Weight = w
}

func clampMax(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// DriveState is an immutable snapshot of every drive at one tick.
type DriveState struct {
	Timestamp     time.Time
	Drives        []Drive
	TotalPressure float64
	TopDrive      *Drive // nil if no drives
}
