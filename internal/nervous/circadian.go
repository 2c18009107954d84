package nervous

import (
	"time"

	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

// Circadian is a reference nervous-system subsystem: it signals night
// mode during a configured local-time window, gating triggers the same
// way the conversation sensor's hard suppressor does.
type Circadian struct {
	sleepStartHour int // inclusive, 0-23
	sleepEndHour   int // exclusive, 0-23; the window wraps past midnight when sleepStartHour > sleepEndHour

	lastREMDate string // "2006-01-02" of the last night a REM session ran
}

// NewCircadian constructs a Circadian subsystem. Defaults to 23:00-08:00
// local time, matching the sleep-hours window it is grounded on.
func NewCircadian(sleepStartHour, sleepEndHour int) *Circadian {
	if sleepStartHour == 0 && sleepEndHour == 0 {
		sleepStartHour, sleepEndHour = 23, 8
	}
	return &Circadian{sleepStartHour: sleepStartHour, sleepEndHour: sleepEndHour}
}

func (c *Circadian) Name() string { return "circadian" }

func (c *Circadian) PreSense(now time.Time, data sensor.SensorData) Context {
	if c.inSleepWindow(now) {
		return Context{ShouldPause: true, ToneHint: "quiet"}
	}
	return Context{}
}

func (c *Circadian) PreEvaluate(now time.Time, state drive.DriveState, data sensor.SensorData) Context {
	if c.inSleepWindow(now) {
		return Context{ShouldPause: true}
	}
	return Context{}
}

func (c *Circadian) PostTrigger(now time.Time, decision evaluator.Decision, success bool) {}

func (c *Circadian) PostLoop(now time.Time) {}

// CheckNightMode reports whether now falls inside the configured
// sleep-hours window, the same hour-of-day check vagus.py's
// _is_sleep_hours performs.
func (c *Circadian) CheckNightMode(now time.Time) bool {
	return c.inSleepWindow(now)
}

// RunREMSession fires on the first call inside the sleep window on each
// calendar date, and at most once per date; a window that wraps past
// midnight spans two dates, so it can fire once before and once after
// midnight. Pulse does not implement the dream/consolidation pass itself
// (out of scope; this only gives that external subsystem a stable call
// site).
func (c *Circadian) RunREMSession(now time.Time, state drive.DriveState) bool {
	if !c.inSleepWindow(now) {
		return false
	}
	today := now.Format("2006-01-02")
	if c.lastREMDate == today {
		return false
	}
	c.lastREMDate = today
	return true
}

func (c *Circadian) inSleepWindow(now time.Time) bool {
	h := now.Hour()
	if c.sleepStartHour <= c.sleepEndHour {
		return h >= c.sleepStartHour && h < c.sleepEndHour
	}
	// window wraps past midnight, e.g. 23 -> 8
	return h >= c.sleepStartHour || h < c.sleepEndHour
}
