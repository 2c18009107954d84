package sensor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// AlertRecord describes one system-health alert.
type AlertRecord struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// SystemSensor queries OS facilities (memory pressure, watched process
// health) with a bounded timeout per call.
type SystemSensor struct {
	memoryThresholdPercent float64
	watchProcesses         []string
	timeout                time.Duration
}

// NewSystemSensor constructs a system sensor.
func NewSystemSensor(memoryThresholdPercent float64, watchProcesses []string) *SystemSensor {
	return &SystemSensor{
		memoryThresholdPercent: memoryThresholdPercent,
		watchProcesses:         watchProcesses,
		timeout:                5 * time.Second,
	}
}

func (s *SystemSensor) Name() string { return "system" }

func (s *SystemSensor) Initialize(ctx context.Context) error { return nil }

func (s *SystemSensor) Read(ctx context.Context) Reading {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	alerts := []AlertRecord{}

	if pct, err := memoryUsedPercent(); err == nil {
		if pct >= s.memoryThresholdPercent {
			alerts = append(alerts, AlertRecord{
				Kind:    "memory_pressure",
				Message: fmt.Sprintf("memory usage at %.1f%%", pct),
				Value:   pct,
			})
		}
	}

	for _, name := range s.watchProcesses {
		select {
		case <-callCtx.Done():
			alerts = append(alerts, AlertRecord{Kind: "process_check_timeout", Message: name})
			continue
		default:
		}
		if !processRunning(name) {
			alerts = append(alerts, AlertRecord{Kind: "process_down", Message: name})
		}
	}

	return Reading{"alerts": alerts}
}

func (s *SystemSensor) Stop() error { return nil }

// memoryUsedPercent reads /proc/meminfo on Linux; it returns an error on
// other platforms or if the file is unreadable, which the sensor
// tolerates by simply omitting the memory alert for that tick.
func memoryUsedPercent() (float64, error) {
	if runtime.GOOS != "linux" {
		return 0, fmt.Errorf("memoryUsedPercent: unsupported platform %s", runtime.GOOS)
	}
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}

	var totalKB, availableKB int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availableKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("memoryUsedPercent: MemTotal not found")
	}
	used := float64(totalKB-availableKB) / float64(totalKB) * 100.0
	return used, nil
}

// processRunning checks /proc/<pid>/comm for a matching process name; a
// best-effort, non-exhaustive check suitable for an advisory alert.
func processRunning(name string) bool {
	if runtime.GOOS != "linux" {
		return true // cannot verify, don't false-alarm
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return true
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile("/proc/" + e.Name() + "/comm")
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return true
		}
	}
	return false
}
