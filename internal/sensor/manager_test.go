package sensor

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSensor struct {
	name    string
	reading Reading
	delay   time.Duration
	panics  bool
}

func (f *fakeSensor) Name() string                         { return f.name }
func (f *fakeSensor) Initialize(ctx context.Context) error { return nil }
func (f *fakeSensor) Stop() error                          { return nil }
func (f *fakeSensor) Read(ctx context.Context) Reading {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.reading
}

func TestManager_Read_CombinesAllSensors(t *testing.T) {
	m := NewManager(nil, time.Second)
	ctx := context.Background()

	if err := m.AddSensor(ctx, &fakeSensor{name: "a", reading: Reading{"ok": true}}); err != nil {
		t.Fatalf("AddSensor: %v", err)
	}
	if err := m.AddSensor(ctx, &fakeSensor{name: "b", reading: Reading{"ok": false}}); err != nil {
		t.Fatalf("AddSensor: %v", err)
	}

	data := m.Read(ctx)
	if len(data) != 2 {
		t.Fatalf("expected 2 sensor readings, got %d", len(data))
	}
	if data["a"]["ok"] != true {
		t.Errorf("sensor a reading wrong: %v", data["a"])
	}
}

func TestManager_Read_SensorPanicBecomesError(t *testing.T) {
	m := NewManager(nil, time.Second)
	ctx := context.Background()
	_ = m.AddSensor(ctx, &fakeSensor{name: "bad", panics: true})

	data := m.Read(ctx)
	if _, ok := data["bad"]["error"]; !ok {
		t.Fatalf("expected error payload for panicking sensor, got %v", data["bad"])
	}
}

func TestManager_Read_SensorTimeout(t *testing.T) {
	m := NewManager(nil, 10*time.Millisecond)
	ctx := context.Background()
	_ = m.AddSensor(ctx, &fakeSensor{name: "slow", delay: time.Second})

	start := time.Now()
	data := m.Read(ctx)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Read did not respect sensor timeout")
	}
	if _, ok := data["slow"]["error"]; !ok {
		t.Fatalf("expected error payload for timed-out sensor, got %v", data["slow"])
	}
}

func TestErrorPayload(t *testing.T) {
	r := ErrorPayload(errors.New("boom"))
	if r["error"] != "boom" {
		t.Fatalf("unexpected error payload: %v", r)
	}
}
