package drive

import (
	"os"
	"sync"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

// sourceFile is one workspace JSON file the engine watches for one-time
// spikes on detected change, keyed by the drive category it feeds.
type sourceFile struct {
	category string
	path     string
	lastMod  time.Time
	seen     bool
}

// Engine is the Drive Engine: it owns every Drive and advances them once
// per tick.
type Engine struct {
	mu sync.Mutex

	drives   map[string]*Drive
	order    []string // insertion order, for deterministic DriveState.Drives
	sources  []*sourceFile

	live *config.Live // nil until SetLive is called; falls back to pressureRate

	pressureRate                  float64
	maxPressure                   float64
	successDecay                  float64
	failureBoost                  float64
	overrideMinIndividualPressure float64
	adaptiveDecay                 bool

	minWeight float64
	maxWeight float64
	maxDrives int

	lastTick time.Time

	sourceSpikeAmount  float64
	sensorSpikeAmount  float64
	sensorSpikeCooldown time.Duration
	lastSensorSpikeAt   time.Time
}

// NewEngine constructs an Engine from configuration. sourceSpikeAmount and
// sensorSpikeAmount are the one-time pressure bumps applied when a
// workspace source file changes or a system-sensor alert fires.
func NewEngine(cfg config.DrivesConfig, workspace config.WorkspaceConfig, minWeight, maxWeight float64, maxDrives int) *Engine {
	e := &Engine{
		drives:                        make(map[string]*Drive),
		pressureRate:                  cfg.PressureRate,
		maxPressure:                   cfg.MaxPressure,
		successDecay:                  cfg.SuccessDecay,
		failureBoost:                  cfg.FailureBoost,
		overrideMinIndividualPressure: cfg.OverrideMinIndividualPressure,
		adaptiveDecay:                 cfg.AdaptiveDecay,
		minWeight:                     minWeight,
		maxWeight:                     maxWeight,
		maxDrives:                     maxDrives,
		sourceSpikeAmount:             1.0,
		sensorSpikeAmount:             0.5,
		sensorSpikeCooldown:          time.Minute,
	}

	for name, cat := range cfg.Categories {
		e.drives[name] = NewDrive(name, cat.Source, cat.Weight, minWeight, maxWeight, cfg.MaxPressure, false)
		e.order = append(e.order, name)
		if cat.Source != "" {
			e.sources = append(e.sources, &sourceFile{category: cat.Source, path: sourcePath(workspace, cat.Source)})
		}
	}
	return e
}

// SetLive wires the engine to the shared runtime-mutable config values so
// mutation-driven rate changes take effect without restarting the
// engine.
func (e *Engine) SetLive(live *config.Live) {
	e.mu.Lock()
	e.live = live
	e.mu.Unlock()
}

func (e *Engine) rateLocked() float64 {
	if e.live != nil {
		return e.live.PressureRate()
	}
	return e.pressureRate
}

func sourcePath(w config.WorkspaceConfig, source string) string {
	switch source {
	case "goals":
		return w.Goals
	case "emotions":
		return w.Emotions
	case "hypotheses":
		return w.Hypotheses
	case "working_memory":
		return w.WorkingMemory
	case "evolution":
		return w.Evolution
	default:
		return ""
	}
}

// Drives returns the live drive set keyed by name. Callers must not
// retain pointers beyond the current tick without synchronizing through
// the engine.
func (e *Engine) Drives() map[string]*Drive {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Drive, len(e.drives))
	for k, v := range e.drives {
		out[k] = v
	}
	return out
}

// Tick advances every drive's time-based pressure, applies one-time
// source-file spikes and sensor-driven spikes, and returns the resulting
// DriveState.
func (e *Engine) Tick(now time.Time, data sensor.SensorData) DriveState {
	e.mu.Lock()
	defer e.mu.Unlock()

	var dt time.Duration
	if !e.lastTick.IsZero() {
		dt = now.Sub(e.lastTick)
	}
	e.lastTick = now

	rate := e.rateLocked()
	for _, name := range e.order {
		e.drives[name].accumulate(rate, dt)
	}

	e.refreshSourcesLocked()
	e.applySensorSpikesLocked(now, data)

	return e.snapshotLocked(now)
}

// refreshSourcesLocked reads each configured workspace JSON source file,
// using a per-path mtime cache, and applies exactly one spike per
// detected change — never a spike proportional to file size or content,
// which is what prevents runaway pressure accumulation from a large but
// stable file.
func (e *Engine) refreshSourcesLocked() {
	for _, src := range e.sources {
		if src.path == "" {
			continue
		}
		info, err := os.Stat(src.path)
		if err != nil {
			continue
		}
		mtime := info.ModTime()
		if !src.seen {
			src.seen = true
			src.lastMod = mtime
			continue // first observation establishes the baseline, no spike
		}
		if mtime.After(src.lastMod) {
			src.lastMod = mtime
			if d, ok := e.drives[src.category]; ok {
				d.spike(e.sourceSpikeAmount)
			}
		}
	}
}

// applySensorSpikesLocked reads the system sensor's alert list from this
// tick's reading and applies at most one spike per cooldown (the live
// min_trigger_interval when set, else sensorSpikeCooldown) to guard
// against bursty alert sources.
func (e *Engine) applySensorSpikesLocked(now time.Time, data sensor.SensorData) {
	reading, ok := data["system"]
	if !ok {
		return
	}
	alerts, _ := reading["alerts"].([]sensor.AlertRecord)
	if len(alerts) == 0 {
		return
	}
	cooldown := e.sensorSpikeCooldown
	if e.live != nil && e.live.MinTriggerInterval() > 0 {
		cooldown = e.live.MinTriggerInterval()
	}
	if !e.lastSensorSpikeAt.IsZero() && now.Sub(e.lastSensorSpikeAt) < cooldown {
		return
	}
	e.lastSensorSpikeAt = now

	// Spike every drive by the same sensorSpikeAmount so the signal is felt
	// system-wide rather than attributed to one category.
	for _, name := range e.order {
		e.drives[name].spike(e.sensorSpikeAmount)
	}
}

func (e *Engine) snapshotLocked(now time.Time) DriveState {
	snaps := make([]Drive, 0, len(e.order))
	var total float64
	var top *Drive
	var topWeighted float64

	for _, name := range e.order {
		d := e.drives[name]
		s := d.Snapshot()
		snaps = append(snaps, s)
		wp := s.Pressure * s.Weight
		total += wp
		if top == nil || wp > topWeighted {
			topCopy := s
			top = &topCopy
			topWeighted = wp
		}
	}

	return DriveState{
		Timestamp:     now,
		Drives:        snaps,
		TotalPressure: total,
		TopDrive:      top,
	}
}

// OnTriggerSuccess decays every positive-pressure drive proportionally,
// applying an adaptive multiplier (up to 3x) when aggregate pressure is
// large, and sets the top drive's LastAddressed to now.
func (e *Engine) OnTriggerSuccess(now time.Time, topDriveName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0.0
	for _, name := range e.order {
		total += e.drives[name].WeightedPressure()
	}

	fraction := e.successDecay
	if e.adaptiveDecay && total >= 5.0 {
		multiplier := total / 5.0
		if multiplier > 3.0 {
			multiplier = 3.0
		}
		fraction = clampFraction(e.successDecay * multiplier)
	}

	for _, name := range e.order {
		e.drives[name].decay(fraction)
	}

	if d, ok := e.drives[topDriveName]; ok {
		d.touchAddressed(now)
	}
}

// OnTriggerFailure spikes the top drive by the configured failure boost
// (frustration increases pressure on a failed attempt).
func (e *Engine) OnTriggerFailure(topDriveName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.drives[topDriveName]; ok {
		d.spike(e.failureBoost)
	}
}

// ApplyFeedback decays the named drive per the feedback protocol: an
// explicit decay_overrides amount (absolute, subtracted from pressure)
// if absolute is true, else an outcome-based default fraction
// (multiplicative). It always sets LastAddressed to now, per the
// blocked-feedback decision recorded in the grounding ledger.
func (e *Engine) ApplyFeedback(now time.Time, driveName string, amount float64, absolute bool) (before, after float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, found := e.drives[driveName]
	if !found {
		return 0, 0, false
	}
	before = d.Snapshot().Pressure
	if absolute {
		d.decayAbsolute(amount)
	} else {
		d.decay(amount)
	}
	d.touchAddressed(now)
	after = d.Snapshot().Pressure
	return before, after, true
}

func clampFraction(f float64) float64 {
	if f > 1.0 {
		return 1.0
	}
	if f < 0 {
		return 0
	}
	return f
}

// AddDrive creates a runtime drive (used by the Mutator's add_drive
// handler, after guardrail validation).
func (e *Engine) AddDrive(name, category string, weight float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.drives[name]; exists {
		return false
	}
	if e.maxDrives > 0 && len(e.drives) >= e.maxDrives {
		return false
	}
	d := NewDrive(name, category, weight, e.minWeight, e.maxWeight, e.maxPressure, false)
	d.Runtime = true
	e.drives[name] = d
	e.order = append(e.order, name)
	return true
}

// RemoveDrive deletes a non-protected drive, whether configured or
// created at runtime.
func (e *Engine) RemoveDrive(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, exists := e.drives[name]
	if !exists || d.Protected {
		return false
	}
	delete(e.drives, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Weight returns a drive's current weight and protected flag, satisfying
// plasticity.WeightTarget.
func (e *Engine) Weight(name string) (weight float64, protected bool, ok bool) {
	e.mu.Lock()
	d, exists := e.drives[name]
	e.mu.Unlock()
	if !exists {
		return 0, false, false
	}
	s := d.Snapshot()
	return s.Weight, s.Protected, true
}

// SetWeight writes a new weight for an existing drive (called by the
// Mutator/Plasticity after guardrail clamping).
func (e *Engine) SetWeight(name string, weight float64) bool {
	e.mu.Lock()
	d, ok := e.drives[name]
	e.mu.Unlock()
	if !ok {
		return false
	}
	d.setWeight(weight)
	return true
}

// SpikeDrive applies a manual spike mutation.
func (e *Engine) SpikeDrive(name string, amount float64) bool {
	e.mu.Lock()
	d, ok := e.drives[name]
	e.mu.Unlock()
	if !ok {
		return false
	}
	d.spike(amount)
	return true
}

// DecayDrive applies a manual absolute decay mutation.
func (e *Engine) DecayDrive(name string, amount float64) bool {
	e.mu.Lock()
	d, ok := e.drives[name]
	e.mu.Unlock()
	if !ok {
		return false
	}
	d.mu.Lock()
	d.Pressure -= amount
	if d.Pressure < 0 {
		d.Pressure = 0
	}
	d.mu.Unlock()
	return true
}

// DriveNames returns every currently-known drive name.
func (e *Engine) DriveNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}
