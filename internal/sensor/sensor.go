// Package sensor supervises concurrent environmental observers and
// combines their readings into one per-tick snapshot.
package sensor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reading is a sensor-defined payload. Readers must tolerate an
// {"error": msg} shaped payload for any sensor.
type Reading = map[string]interface{}

// SensorData is the combined per-tick snapshot keyed by sensor name.
type SensorData map[string]Reading

// ErrorPayload wraps a failure so a single sensor cannot wedge the loop.
func ErrorPayload(err error) Reading {
	return Reading{"error": err.Error()}
}

// Sensor is implemented by every environmental observer.
type Sensor interface {
	Name() string
	Initialize(ctx context.Context) error
	Read(ctx context.Context) Reading
	Stop() error
}

// Manager supervises a dynamic set of sensors and fans out Read calls
// concurrently, converting panics/errors per-sensor into {"error": ...}
// payloads so one broken sensor never blocks the tick.
type Manager struct {
	mu      sync.RWMutex
	sensors []Sensor
	log     *zap.Logger
	timeout time.Duration
}

// NewManager constructs a Manager. timeout bounds each sensor's Read call.
func NewManager(log *zap.Logger, timeout time.Duration) *Manager {
	return &Manager{log: log, timeout: timeout}
}

// AddSensor registers a sensor, permitted at runtime so other subsystems
// may introduce watchers after startup.
func (m *Manager) AddSensor(ctx context.Context, s Sensor) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.sensors = append(m.sensors, s)
	m.mu.Unlock()
	return nil
}

// Read invokes every sensor's Read concurrently and returns a combined
// mapping keyed by sensor name.
func (m *Manager) Read(ctx context.Context) SensorData {
	m.mu.RLock()
	sensors := make([]Sensor, len(m.sensors))
	copy(sensors, m.sensors)
	m.mu.RUnlock()

	result := make(SensorData, len(sensors))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sensors {
		s := s
		g.Go(func() error {
			reading := m.readOne(gctx, s)
			mu.Lock()
			result[s.Name()] = reading
			mu.Unlock()
			return nil
		})
	}
	// errgroup.Go functions here never return an error themselves; Wait
	// only propagates ctx cancellation, which callers already handle via
	// per-sensor timeouts below.
	_ = g.Wait()
	return result
}

func (m *Manager) readOne(ctx context.Context, s Sensor) (reading Reading) {
	defer func() {
		if r := recover(); r != nil {
			if m.log != nil {
				m.log.Error("sensor panicked", zap.String("sensor", s.Name()), zap.Any("panic", r))
			}
			reading = Reading{"error": "panic during read"}
		}
	}()

	callCtx := ctx
	var cancel context.CancelFunc
	if m.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	done := make(chan Reading, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if m.log != nil {
					m.log.Error("sensor panicked", zap.String("sensor", s.Name()), zap.Any("panic", r))
				}
				done <- Reading{"error": "panic during read"}
			}
		}()
		done <- s.Read(callCtx)
	}()

	select {
	case r := <-done:
		return r
	case <-callCtx.Done():
		return Reading{"error": "sensor read timed out"}
	}
}

// Stop releases every sensor's resources.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sensors {
		if err := s.Stop(); err != nil && m.log != nil {
			m.log.Warn("sensor stop error", zap.String("sensor", s.Name()), zap.Error(err))
		}
	}
}
