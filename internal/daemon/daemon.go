// Package daemon implements the Daemon Loop: the single-writer
// orchestrator that owns the Drive Engine, Evaluator, Trigger Dispatcher,
// Mutator, and State Store, and wires them to the Sensor Manager, the
// Broadcast Bus, the Health Surface, and the nervous-system hook points.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedaemon/pulse/internal/bus"
	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/feedback"
	"github.com/pulsedaemon/pulse/internal/guardrail"
	"github.com/pulsedaemon/pulse/internal/health"
	"github.com/pulsedaemon/pulse/internal/integration"
	"github.com/pulsedaemon/pulse/internal/mutation"
	"github.com/pulsedaemon/pulse/internal/nervous"
	"github.com/pulsedaemon/pulse/internal/observability"
	"github.com/pulsedaemon/pulse/internal/plasticity"
	"github.com/pulsedaemon/pulse/internal/procguard"
	"github.com/pulsedaemon/pulse/internal/sensor"
	"github.com/pulsedaemon/pulse/internal/state"
	"github.com/pulsedaemon/pulse/internal/trigger"
)

// Phase is the Daemon Loop's coarse lifecycle state.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseShuttingDown
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Daemon wires every core component together and runs the tick loop.
type Daemon struct {
	cfg  *config.Config
	live *config.Live
	log  *zap.Logger

	pid *procguard.Guard

	broadcast  *bus.Bus
	store      *state.Store
	engine     *drive.Engine
	sensors    *sensor.Manager
	eval       evaluator.Evaluator
	evalInfo   evaluator.InfoProvider
	guard      *guardrail.Kernel
	mutator    *mutation.Mutator
	evolver    *plasticity.Evolver
	dispatcher *trigger.Dispatcher
	intake     *feedback.Intake
	nervousReg *nervous.Registry
	metrics    *observability.Metrics
	healthSrv  *health.Server

	turnResultPath string
	perfPath       string

	turnCount int64
	phase     int32
}

// New constructs a Daemon from configuration, wiring every component in
// restore order: PID lock first (the single-instance guarantee must hold
// before anything else touches the state directory), then the
// persistence layer, then the core organs.
func New(cfg *config.Config, log *zap.Logger) (*Daemon, error) {
	pid, err := procguard.Acquire(cfg.Daemon.PIDFile)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	store, err := state.New(cfg.State.Dir, cfg.State.SaveInterval)
	if err != nil {
		_ = pid.Release()
		return nil, fmt.Errorf("daemon: state store: %w", err)
	}

	broadcast := bus.New(filepath.Join(cfg.State.Dir, "broadcast.jsonl"))
	live := config.NewLive(cfg)

	bounds := guardrail.DefaultBounds()
	bounds.MaxDriveCount = 20
	guard := guardrail.NewKernel(bounds)

	engine := drive.NewEngine(cfg.Drives, cfg.Workspace, bounds.MinWeight, bounds.MaxWeight, bounds.MaxDriveCount)
	engine.SetLive(live)

	rules := evaluator.NewRules(cfg.Evaluator.Rules, cfg.Drives.TriggerThreshold)
	rules.SetLive(live)

	var eval evaluator.Evaluator
	var evalInfo evaluator.InfoProvider
	var suppressor trigger.ClearableSuppressor
	switch cfg.Evaluator.Mode {
	case "model":
		model := evaluator.NewModel(cfg.Evaluator.Model, rules, store, log)
		model.SetWorkingMemoryPath(cfg.Workspace.WorkingMemory)
		eval = model
		evalInfo = model
		suppressor = model
	default:
		eval = rules
		evalInfo = rules
	}

	mutator := mutation.New(cfg.State.Dir, guard, engine, rules, live)
	evolver := plasticity.NewEvolver(
		cfg.Plasticity.HistoryWindow,
		cfg.Plasticity.EvolutionInterval,
		cfg.Plasticity.MinRecords,
		cfg.Plasticity.MaxDeltaPerCycle,
		cfg.Plasticity.MinWeight,
		cfg.Plasticity.MaxWeight,
		cfg.Plasticity.ProtectedMinWeight,
	)

	integ, _ := integration.Lookup(cfg.Daemon.Integration)
	dispatcher := trigger.New(cfg.Webhook, live, integ, engine, store, broadcast, suppressor, log)

	intake := feedback.New(engine)

	nervousReg := nervous.NewRegistry(
		nervous.NewCircadian(23, 8),
		nervous.NewMood(filepath.Join(cfg.State.Dir, "mood-state.json")),
	)

	metrics := observability.NewMetrics()

	sensors := sensor.NewManager(log, 5*time.Second)

	d := &Daemon{
		cfg:            cfg,
		live:           live,
		log:            log,
		pid:            pid,
		broadcast:      broadcast,
		store:          store,
		engine:         engine,
		sensors:        sensors,
		eval:           eval,
		evalInfo:       evalInfo,
		guard:          guard,
		mutator:        mutator,
		evolver:        evolver,
		dispatcher:     dispatcher,
		intake:         intake,
		nervousReg:     nervousReg,
		metrics:        metrics,
		turnResultPath: filepath.Join(cfg.State.Dir, "turn_result.json"),
		perfPath:       filepath.Join(cfg.State.Dir, "drive-performance.json"),
		phase:          int32(PhaseStarting),
	}
	d.healthSrv = health.New(engine, dispatcher, mutator, evolver, intake, evalInfo, d, log)
	return d, nil
}

// TurnCount implements health.TurnCounter.
func (d *Daemon) TurnCount() int { return int(atomic.LoadInt64(&d.turnCount)) }

// Phase reports the current lifecycle phase.
func (d *Daemon) Phase() Phase { return Phase(atomic.LoadInt32(&d.phase)) }

// Run restores persisted state, starts sensors and the concurrent
// servers, then ticks every loop_interval_seconds until ctx is cancelled.
// It performs the final synchronous cleanup (state save, PID release)
// before returning.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		atomic.StoreInt32(&d.phase, int32(PhaseStopped))
	}()

	snap := d.store.Load()
	d.engine.RestoreState(snap.Drives)
	d.live.ApplyOverrides(snap.ConfigOverrides)
	d.evolver.Load(d.perfPath)

	if err := d.startSensors(ctx); err != nil {
		return fmt.Errorf("daemon: start sensors: %w", err)
	}

	healthAddr := fmt.Sprintf("127.0.0.1:%d", d.cfg.Daemon.HealthPort)
	go func() {
		if err := d.healthSrv.ListenAndServe(ctx, healthAddr); err != nil {
			d.log.Error("health server stopped", zap.Error(err))
		}
	}()

	metricsAddr := fmt.Sprintf("127.0.0.1:%d", d.cfg.Daemon.HealthPort+1)
	go func() {
		if err := d.metrics.ServeMetrics(ctx, metricsAddr); err != nil {
			d.log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	atomic.StoreInt32(&d.phase, int32(PhaseRunning))

	interval := time.Duration(d.cfg.Daemon.LoopIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.safeTick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&d.phase, int32(PhaseShuttingDown))
			d.shutdown()
			return nil
		case now := <-ticker.C:
			d.safeTick(ctx, now)
		}
	}
}

// shutdown performs the synchronous cleanup after the in-flight
// iteration finishes: sensors stopped, final state save, PID lock
// released.
func (d *Daemon) shutdown() {
	d.sensors.Stop()
	if err := d.store.Save(time.Now()); err != nil {
		d.log.Warn("final state save failed", zap.Error(err))
	}
	if err := d.evolver.Save(d.perfPath); err != nil {
		d.log.Warn("drive performance save failed", zap.Error(err))
	}
	if err := d.pid.Release(); err != nil {
		d.log.Warn("pid release failed", zap.Error(err))
	}
}

func (d *Daemon) startSensors(ctx context.Context) error {
	if d.cfg.Sensors.Filesystem.Enabled {
		fsSensor := sensor.NewFilesystemSensor(
			d.cfg.Sensors.Filesystem.WatchPaths,
			d.cfg.Sensors.Filesystem.IgnorePatterns,
			d.cfg.Sensors.Filesystem.IgnoreSelfWrites,
			d.log,
		)
		if err := d.sensors.AddSensor(ctx, fsSensor); err != nil {
			return fmt.Errorf("filesystem sensor: %w", err)
		}
		if d.cfg.Sensors.Filesystem.IgnoreSelfWrites {
			d.store.SetSelfWriteMarker(fsSensor.MarkSelfWrite)
		}
	}
	if d.cfg.Sensors.System.Enabled {
		sysSensor := sensor.NewSystemSensor(d.cfg.Sensors.System.MemoryThresholdPercent, d.cfg.Sensors.System.WatchProcesses)
		if err := d.sensors.AddSensor(ctx, sysSensor); err != nil {
			return fmt.Errorf("system sensor: %w", err)
		}
	}

	cooldown := time.Duration(d.cfg.Evaluator.Rules.ConversationCooldownMinutes) * time.Minute
	convSensor := sensor.NewConversationSensor(filepath.Join(d.cfg.Workspace.Root, "transcripts"), 120*time.Second, cooldown)
	if err := d.sensors.AddSensor(ctx, convSensor); err != nil {
		return fmt.Errorf("conversation sensor: %w", err)
	}
	return nil
}

// safeTick recovers from a panic in one iteration so a subsystem bug
// cannot crash the process: exceptions are caught and logged, and the
// loop continues on the next tick.
func (d *Daemon) safeTick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("daemon loop iteration panicked", zap.Any("panic", r))
		}
	}()

	d.tick(ctx, now)
	atomic.AddInt64(&d.turnCount, 1)
}

// tick runs one SENSE -> ... -> PERSIST iteration.
func (d *Daemon) tick(ctx context.Context, now time.Time) {
	start := time.Now()

	data := d.sensors.Read(ctx)
	for name, reading := range data {
		if _, isErr := reading["error"]; isErr {
			d.metrics.SensorErrorsTotal.WithLabelValues(name).Inc()
		}
	}

	preSense := d.nervousReg.PreSense(now, data)

	driveState := d.engine.Tick(now, data)

	preEvaluate := d.nervousReg.PreEvaluate(now, driveState, data)

	toneHint := preEvaluate.ToneHint
	if toneHint == "" {
		toneHint = preSense.ToneHint
	}
	shouldPause := preSense.ShouldPause || preEvaluate.ShouldPause

	decision := d.eval.Evaluate(driveState, data)

	d.applyHardOverrides(&decision, driveState, data, now, shouldPause)

	d.recordDecisionMetric(decision)

	// A rate-limited trigger is a non-event: it never reaches the webhook,
	// the nervous system, or plasticity. Only an actual dispatch attempt
	// (or a genuine no-trigger decision) flows past this point.
	success := false
	rateLimited := false
	if decision.ShouldTrigger {
		if d.dispatcher.CanTrigger(now) {
			outcome := d.dispatcher.Dispatch(ctx, now, decision, toneHint)
			success = outcome.Success
			label := "success"
			if !success {
				label = "failure"
			}
			d.metrics.TriggerDispatchTotal.WithLabelValues(label).Inc()
		} else {
			rateLimited = true
			d.metrics.TriggerDispatchTotal.WithLabelValues("rate_limited").Inc()
			d.log.Debug("trigger suppressed by rate limit", zap.String("reason", decision.Reason))
		}
	} else if decision.RecommendGenerate && d.cfg.Generative.Enabled && d.idleLongEnoughToGenerate(now) {
		d.annotateGenerateHint(now, decision)
	}

	if !rateLimited {
		d.nervousReg.PostTrigger(now, decision, success)
	}

	d.intake.ConsumeFileDrop(now, d.turnResultPath)

	d.drainMutations(now)

	if d.cfg.Plasticity.Enabled && decision.TopDrive != nil && !rateLimited {
		d.recordPlasticityOutcome(now, decision, success)
	}

	if d.nervousReg.CheckNightMode(now) {
		d.log.Debug("night mode active")
		if d.nervousReg.RunREMSession(now, driveState) {
			d.log.Debug("REM session ran")
		}
	}

	d.nervousReg.PostLoop(now)

	d.persist(now)

	d.observeDrives(driveState, time.Since(start))
}

// applyHardOverrides enforces the two overrides that belong in the Daemon
// Loop rather than the Evaluator: conversation suppression and the
// high-pressure override.
func (d *Daemon) applyHardOverrides(decision *evaluator.Decision, driveState drive.DriveState, data sensor.SensorData, now time.Time, shouldPause bool) {
	conversationActive := false
	if reading, ok := data["conversation"]; ok {
		if active, _ := reading["active"].(bool); active {
			conversationActive = true
		}
	}
	if conversationActive || shouldPause {
		decision.ShouldTrigger = false
		decision.Reason = "conversation_active"
		return
	}

	var topWeighted float64
	if driveState.TopDrive != nil {
		topWeighted = driveState.TopDrive.WeightedPressure()
	}

	stats := d.dispatcher.Stats(now)
	idleSeconds := math.Inf(1)
	if !stats.LastTrigger.IsZero() {
		idleSeconds = now.Sub(stats.LastTrigger).Seconds()
	}

	if driveState.TotalPressure > 10.0 &&
		topWeighted > d.cfg.Drives.OverrideMinIndividualPressure &&
		idleSeconds > 1800 {
		decision.ShouldTrigger = true
		decision.Reason = "high_pressure_override"
	}
}

func (d *Daemon) recordDecisionMetric(decision evaluator.Decision) {
	outcome := "suppress"
	switch {
	case decision.ShouldTrigger:
		outcome = "trigger"
	case decision.RecommendGenerate:
		outcome = "generate"
	}
	d.metrics.EvaluatorDecisionsTotal.WithLabelValues(outcome).Inc()

	var fallbackActive float64
	if d.evalInfo != nil && d.evalInfo.Info().InFallback {
		fallbackActive = 1
	}
	d.metrics.EvaluatorFallbackActive.Set(fallbackActive)
}

// idleLongEnoughToGenerate enforces generative.min_idle_minutes: the
// GENERATE hint is only worth annotating once the system has been quiet
// for that long; a recent trigger means the agent is already busy.
func (d *Daemon) idleLongEnoughToGenerate(now time.Time) bool {
	minIdle := time.Duration(d.cfg.Generative.MinIdleMinutes) * time.Minute
	if minIdle <= 0 {
		return true
	}
	last := d.dispatcher.Stats(now).LastTrigger
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= minIdle
}

// annotateGenerateHint records a GENERATE_HINT broadcast event instead of
// dispatching a trigger, per the GENERATE-hint branch of the tick
// sequence. Synthesizing the actual roadmap task is the generative task
// synthesis helper's job, which is out of scope here; this only
// annotates state so that subsystem reads it.
func (d *Daemon) annotateGenerateHint(now time.Time, decision evaluator.Decision) {
	payload, err := json.Marshal(map[string]interface{}{
		"reason":         decision.Reason,
		"total_pressure": decision.TotalPressure,
		"roadmap_files":  d.cfg.Generative.RoadmapFiles,
		"max_tasks":      d.cfg.Generative.MaxTasks,
	})
	if err != nil {
		return
	}
	topDrive := ""
	if decision.TopDrive != nil {
		topDrive = decision.TopDrive.Name
	}
	_ = d.broadcast.Append(bus.Event{
		Timestamp: now,
		Source:    topDrive,
		Type:      "GENERATE_HINT",
		Salience:  bus.ClampSalience(decision.TotalPressure),
		Data:      payload,
	})
}

func (d *Daemon) drainMutations(now time.Time) {
	results, err := d.mutator.Drain(now)
	if err != nil {
		d.log.Warn("mutator drain failed", zap.Error(err))
		return
	}
	for _, res := range results {
		d.metrics.MutationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
}

func (d *Daemon) recordPlasticityOutcome(now time.Time, decision evaluator.Decision, success bool) {
	outcome := plasticity.Outcome{
		Success:      success,
		QualityScore: qualityScore(success),
		LoopAverage:  plasticity.NormalizeLoopAverage(decision.TotalPressure),
		Context:      decision.Reason,
		RecordedAt:   now,
	}
	if !d.evolver.Record(decision.TopDrive.Name, outcome) {
		return
	}
	changes := d.evolver.Evolve(now, d.engine)
	for _, c := range changes {
		d.metrics.PlasticityEvolutionsTotal.Inc()
		d.mutator.AuditEvolution(now, c.Drive, c.BeforeWeight, c.AfterWeight, c.Composite, c.Clamped)
	}
	if err := d.evolver.Save(d.perfPath); err != nil {
		d.log.Warn("drive performance save failed", zap.Error(err))
	}
}

// qualityScore is a simple success-derived proxy until a richer signal
// (e.g. the hosting agent reporting its own quality score via feedback)
// is wired through turn_result.json's summary field.
func qualityScore(success bool) float64 {
	if success {
		return 0.8
	}
	return 0.2
}

func (d *Daemon) persist(now time.Time) {
	persisted := d.engine.SaveState()
	overrides := d.live.Overrides(d.cfg)
	d.store.Update(persisted, overrides)
	if err := d.store.MaybeSave(now); err != nil {
		d.log.Warn("state save failed", zap.Error(err))
	}
}

func (d *Daemon) observeDrives(driveState drive.DriveState, elapsed time.Duration) {
	samples := make(map[string]observability.DriveSample, len(driveState.Drives))
	for _, dr := range driveState.Drives {
		samples[dr.Name] = observability.DriveSample{Pressure: dr.Pressure, Weight: dr.Weight}
	}
	d.metrics.ObserveTick(samples, driveState.TotalPressure, elapsed)
}
