package config

import (
	"sync"
	"time"
)

// Live holds the subset of configuration values the Mutator is allowed to
// change at runtime (threshold, rate, cooldown, turns-per-hour). It is
// the "process-wide value passed by reference" the design notes call
// for: constructed once from Config and mutated in place, never
// re-initialized.
type Live struct {
	mu sync.RWMutex

	triggerThreshold   float64
	pressureRate       float64
	minTriggerInterval time.Duration
	maxTurnsPerHour    int
}

// NewLive seeds a Live value from the loaded Config.
func NewLive(cfg *Config) *Live {
	return &Live{
		triggerThreshold:   cfg.Drives.TriggerThreshold,
		pressureRate:       cfg.Drives.PressureRate,
		minTriggerInterval: cfg.Webhook.MinTriggerInterval,
		maxTurnsPerHour:    cfg.Webhook.MaxTurnsPerHour,
	}
}

func (l *Live) TriggerThreshold() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.triggerThreshold
}

func (l *Live) SetTriggerThreshold(v float64) {
	l.mu.Lock()
	l.triggerThreshold = v
	l.mu.Unlock()
}

func (l *Live) PressureRate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pressureRate
}

func (l *Live) SetPressureRate(v float64) {
	l.mu.Lock()
	l.pressureRate = v
	l.mu.Unlock()
}

func (l *Live) MinTriggerInterval() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minTriggerInterval
}

func (l *Live) SetMinTriggerInterval(d time.Duration) {
	l.mu.Lock()
	l.minTriggerInterval = d
	l.mu.Unlock()
}

func (l *Live) MaxTurnsPerHour() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxTurnsPerHour
}

func (l *Live) SetMaxTurnsPerHour(n int) {
	l.mu.Lock()
	l.maxTurnsPerHour = n
	l.mu.Unlock()
}

// Overrides returns the subset of values that differ from cfg's original
// defaults, suitable for persisting under config_overrides so they survive
// restart. Keys match the dotted config paths in the external interface
// table.
func (l *Live) Overrides(cfg *Config) map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := map[string]interface{}{}
	if l.triggerThreshold != cfg.Drives.TriggerThreshold {
		out["drives.trigger_threshold"] = l.triggerThreshold
	}
	if l.pressureRate != cfg.Drives.PressureRate {
		out["drives.pressure_rate"] = l.pressureRate
	}
	if l.minTriggerInterval != cfg.Webhook.MinTriggerInterval {
		out["webhook.min_trigger_interval"] = l.minTriggerInterval.String()
	}
	if l.maxTurnsPerHour != cfg.Webhook.MaxTurnsPerHour {
		out["webhook.max_turns_per_hour"] = l.maxTurnsPerHour
	}
	return out
}

// ApplyOverrides re-applies a persisted config_overrides map at startup,
// before the Daemon Loop begins ticking.
func (l *Live) ApplyOverrides(overrides map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := overrides["drives.trigger_threshold"].(float64); ok {
		l.triggerThreshold = v
	}
	if v, ok := overrides["drives.pressure_rate"].(float64); ok {
		l.pressureRate = v
	}
	if v, ok := overrides["webhook.min_trigger_interval"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			l.minTriggerInterval = d
		}
	}
	if v, ok := overrides["webhook.max_turns_per_hour"].(float64); ok {
		l.maxTurnsPerHour = int(v)
	}
}
