// Package nervous implements the fixed nervous-system hook contract the
// Daemon Loop calls each tick, plus two reference subsystems exercising
// it end to end.
package nervous

import (
	"time"

	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/sensor"
)

// Context is what a subsystem hands back to the Daemon Loop: optional
// prompt annotation and an optional hard pause signal, which has the
// same suppressive effect as the conversation sensor.
type Context struct {
	ToneHint    string
	ShouldPause bool
}

// Subsystem is the fixed hook contract. Every call is independently
// wrapped by the caller in a panic/error recovery so one broken
// subsystem cannot take down the loop.
type Subsystem interface {
	Name() string
	PreSense(now time.Time, data sensor.SensorData) Context
	PreEvaluate(now time.Time, state drive.DriveState, data sensor.SensorData) Context
	PostTrigger(now time.Time, decision evaluator.Decision, success bool)
	PostLoop(now time.Time)
	CheckNightMode(now time.Time) bool
	RunREMSession(now time.Time, state drive.DriveState) bool
}

// Registry holds the active subsystems and fans each hook call out to
// all of them, merging their Contexts and recovering from panics.
type Registry struct {
	subsystems []Subsystem
}

// NewRegistry constructs a Registry over the given subsystems.
func NewRegistry(subsystems ...Subsystem) *Registry {
	return &Registry{subsystems: subsystems}
}

// PreSense runs every subsystem's PreSense hook and merges the results:
// the first non-empty ToneHint wins, ShouldPause is the logical OR.
func (r *Registry) PreSense(now time.Time, data sensor.SensorData) (ctx Context) {
	for _, s := range r.subsystems {
		c := safeCall(func() Context { return s.PreSense(now, data) })
		ctx = merge(ctx, c)
	}
	return ctx
}

// PreEvaluate runs every subsystem's PreEvaluate hook and merges results.
func (r *Registry) PreEvaluate(now time.Time, state drive.DriveState, data sensor.SensorData) (ctx Context) {
	for _, s := range r.subsystems {
		c := safeCall(func() Context { return s.PreEvaluate(now, state, data) })
		ctx = merge(ctx, c)
	}
	return ctx
}

// PostTrigger notifies every subsystem of a trigger outcome.
func (r *Registry) PostTrigger(now time.Time, decision evaluator.Decision, success bool) {
	for _, s := range r.subsystems {
		func() {
			defer func() { _ = recover() }()
			s.PostTrigger(now, decision, success)
		}()
	}
}

// PostLoop notifies every subsystem that the tick has completed.
func (r *Registry) PostLoop(now time.Time) {
	for _, s := range r.subsystems {
		func() {
			defer func() { _ = recover() }()
			s.PostLoop(now)
		}()
	}
}

// CheckNightMode reports true if any subsystem signals night mode.
func (r *Registry) CheckNightMode(now time.Time) bool {
	for _, s := range r.subsystems {
		if safeCallBool(func() bool { return s.CheckNightMode(now) }) {
			return true
		}
	}
	return false
}

// RunREMSession invokes every subsystem's periodic dream/consolidation
// hook and reports true if any of them ran a session this tick. Pulse
// itself does not implement dream sessions (out of scope per the
// nervous-system module list); this only gives subsystems that do a
// stable call site to hang the behavior off.
func (r *Registry) RunREMSession(now time.Time, state drive.DriveState) bool {
	ran := false
	for _, s := range r.subsystems {
		if safeCallBool(func() bool { return s.RunREMSession(now, state) }) {
			ran = true
		}
	}
	return ran
}

func merge(a, b Context) Context {
	out := a
	if out.ToneHint == "" {
		out.ToneHint = b.ToneHint
	}
	out.ShouldPause = out.ShouldPause || b.ShouldPause
	return out
}

func safeCall(fn func() Context) (ctx Context) {
	defer func() {
		if recover() != nil {
			ctx = Context{}
		}
	}()
	return fn()
}

func safeCallBool(fn func() bool) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return fn()
}
