// Package observability — metrics.go
//
// Prometheus metrics for the Pulse daemon.
//
// Endpoint: GET /metrics, served on its own loopback address (the daemon
// uses the health port plus one), separate from internal/health's JSON
// surface, so operators can scrape it independently of the health API.
//
// Metric naming convention: pulse_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Drive name is used as a label; the drive set is operator-configured
//     and small (single digits to low tens), never unbounded.
//   - Sensor name is used as a label for the same reason.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for Pulse.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Drive engine ───────────────────────────────────────────────────────

	// DrivePressure is the current pressure of each drive.
	// Labels: drive
	DrivePressure *prometheus.GaugeVec

	// DriveWeight is the current weight of each drive (evolves via
	// plasticity when enabled).
	// Labels: drive
	DriveWeight *prometheus.GaugeVec

	// TotalPressure is the sum of weighted pressure across all drives, the
	// same quantity the Evaluator's combined_threshold compares against.
	TotalPressure prometheus.Gauge

	// ─── Loop ───────────────────────────────────────────────────────────────

	// LoopIterationsTotal counts completed Daemon Loop iterations.
	LoopIterationsTotal prometheus.Counter

	// LoopDuration records wall-clock time spent per iteration.
	LoopDuration prometheus.Histogram

	// ─── Sensors ────────────────────────────────────────────────────────────

	// SensorErrorsTotal counts sensor read failures, by sensor name.
	// Labels: sensor
	SensorErrorsTotal *prometheus.CounterVec

	// ─── Evaluator ──────────────────────────────────────────────────────────

	// EvaluatorFallbackActive is 1 when the Model evaluator has fallen back
	// to Rules after repeated HTTP failures, 0 otherwise. Always 0 under
	// rules mode.
	EvaluatorFallbackActive prometheus.Gauge

	// EvaluatorDecisionsTotal counts evaluator decisions, by outcome
	// (trigger, generate, suppress).
	// Labels: outcome
	EvaluatorDecisionsTotal *prometheus.CounterVec

	// ─── Trigger dispatch ───────────────────────────────────────────────────

	// TriggerDispatchTotal counts webhook dispatch attempts, by outcome
	// (success, failure, rate_limited).
	// Labels: outcome
	TriggerDispatchTotal *prometheus.CounterVec

	// ─── Mutation ───────────────────────────────────────────────────────────

	// MutationsTotal counts processed self-mutation commands, by outcome
	// (applied, blocked, error).
	// Labels: outcome
	MutationsTotal *prometheus.CounterVec

	// ─── Plasticity ─────────────────────────────────────────────────────────

	// PlasticityEvolutionsTotal counts drive weight changes made by
	// weight evolution (one per drive whose weight changed).
	PlasticityEvolutionsTotal prometheus.Counter

	// ─── Daemon ─────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon started.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all Pulse Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		DrivePressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "pressure",
			Help:      "Current pressure of each drive.",
		}, []string{"drive"}),

		DriveWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "weight",
			Help:      "Current weight of each drive.",
		}, []string{"drive"}),

		TotalPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "drive",
			Name:      "total_pressure",
			Help:      "Sum of weighted pressure across all drives.",
		}),

		LoopIterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Total Daemon Loop iterations completed.",
		}),

		LoopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulse",
			Subsystem: "loop",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one Daemon Loop iteration.",
			Buckets:   prometheus.DefBuckets,
		}),

		SensorErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "sensor",
			Name:      "errors_total",
			Help:      "Total sensor read failures, by sensor name.",
		}, []string{"sensor"}),

		EvaluatorFallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "fallback_active",
			Help:      "1 when the model evaluator has fallen back to rules, 0 otherwise.",
		}),

		EvaluatorDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "evaluator",
			Name:      "decisions_total",
			Help:      "Total evaluator decisions, by outcome.",
		}, []string{"outcome"}),

		TriggerDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "trigger",
			Name:      "dispatch_total",
			Help:      "Total webhook dispatch attempts, by outcome.",
		}, []string{"outcome"}),

		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "mutation",
			Name:      "total",
			Help:      "Total self-mutation commands processed, by outcome.",
		}, []string{"outcome"}),

		PlasticityEvolutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "plasticity",
			Name:      "evolutions_total",
			Help:      "Total drive weight changes made by weight evolution.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.DrivePressure,
		m.DriveWeight,
		m.TotalPressure,
		m.LoopIterationsTotal,
		m.LoopDuration,
		m.SensorErrorsTotal,
		m.EvaluatorFallbackActive,
		m.EvaluatorDecisionsTotal,
		m.TriggerDispatchTotal,
		m.MutationsTotal,
		m.PlasticityEvolutionsTotal,
		m.DaemonUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// ObserveTick records metrics for one completed Daemon Loop iteration:
// per-drive pressure/weight, total pressure, and iteration counters.
func (m *Metrics) ObserveTick(drives map[string]DriveSample, totalPressure float64, duration time.Duration) {
	for name, s := range drives {
		m.DrivePressure.WithLabelValues(name).Set(s.Pressure)
		m.DriveWeight.WithLabelValues(name).Set(s.Weight)
	}
	m.TotalPressure.Set(totalPressure)
	m.LoopIterationsTotal.Inc()
	m.LoopDuration.Observe(duration.Seconds())
}

// DriveSample is the minimal per-drive readout ObserveTick needs; callers
// build it from drive.DriveState without this package importing the
// drive package (avoids an import cycle with internal/daemon wiring).
type DriveSample struct {
	Pressure float64
	Weight   float64
}
