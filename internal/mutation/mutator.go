package mutation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/drive"
	"github.com/pulsedaemon/pulse/internal/evaluator"
	"github.com/pulsedaemon/pulse/internal/guardrail"
)

// Mutator reads the mutation queue, applies each command through the
// guardrail kernel, and appends an audit record for every attempt.
type Mutator struct {
	queuePath string
	auditPath string
	lockPath  string

	guard  *guardrail.Kernel
	engine *drive.Engine
	rules  *evaluator.Rules
	live   *config.Live
}

// New constructs a Mutator. stateDir holds mutations.json and
// mutations.jsonl, per the persisted state layout.
func New(stateDir string, guard *guardrail.Kernel, engine *drive.Engine, rules *evaluator.Rules, live *config.Live) *Mutator {
	return &Mutator{
		queuePath: stateDir + "/mutations.json",
		auditPath: stateDir + "/mutations.jsonl",
		lockPath:  stateDir + "/mutations.json.lock",
		guard:     guard,
		engine:    engine,
		rules:     rules,
		live:      live,
	}
}

// Drain reads and atomically truncates the queue (non-blocking: if the
// lock is held by another writer, it returns immediately with zero
// results, deferring to the next tick), applies each command per-item,
// and returns the results.
func (m *Mutator) Drain(now time.Time) ([]Result, error) {
	fl := flock.New(m.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("mutator: try lock: %w", err)
	}
	if !locked {
		return nil, nil // skip this tick; another writer holds the lock
	}
	defer fl.Unlock()

	commands, err := m.readQueueLocked()
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, nil
	}

	if err := m.truncateQueueLocked(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(commands))
	for _, cmd := range commands {
		results = append(results, m.apply(now, cmd))
	}
	return results, nil
}

func (m *Mutator) readQueueLocked() ([]Command, error) {
	data, err := os.ReadFile(m.queuePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mutator: read queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var commands []Command
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, fmt.Errorf("mutator: parse queue: %w", err)
	}
	return commands, nil
}

func (m *Mutator) truncateQueueLocked() error {
	tmp := m.queuePath + ".tmp"
	if err := os.WriteFile(tmp, []byte("[]"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.queuePath)
}

// apply routes one command through guardrail validation to its per-type
// handler and records an audit entry regardless of outcome.
func (m *Mutator) apply(now time.Time, cmd Command) Result {
	if err := m.guard.CheckMutationRate(now); err != nil {
		m.audit(now, cmd, OutcomeBlocked, nil, nil, false, nil, err.Error())
		return Result{Command: cmd, Outcome: OutcomeBlocked, Detail: err.Error()}
	}

	switch cmd.Kind {
	case KindAdjustWeight:
		return m.applyAdjustWeight(now, cmd)
	case KindAdjustThreshold:
		return m.applyAdjustThreshold(now, cmd)
	case KindAdjustRate:
		return m.applyAdjustRate(now, cmd)
	case KindAdjustCooldown:
		return m.applyAdjustCooldown(now, cmd)
	case KindAdjustTurnsPerHour:
		return m.applyAdjustTurnsPerHour(now, cmd)
	case KindAddDrive:
		return m.applyAddDrive(now, cmd)
	case KindRemoveDrive:
		return m.applyRemoveDrive(now, cmd)
	case KindSpikeDrive:
		return m.applySpikeDrive(now, cmd)
	case KindDecayDrive:
		return m.applyDecayDrive(now, cmd)
	default:
		detail := fmt.Sprintf("unknown mutation type %q", cmd.Kind)
		m.audit(now, cmd, OutcomeError, nil, nil, false, nil, detail)
		return Result{Command: cmd, Outcome: OutcomeError, Detail: detail}
	}
}

func (m *Mutator) applyAdjustWeight(now time.Time, cmd Command) Result {
	if cmd.Drive == "" {
		return m.errResult(now, cmd, "adjust_weight requires drive")
	}
	d, ok := m.engine.Drives()[cmd.Drive]
	if !ok {
		return m.errResult(now, cmd, fmt.Sprintf("unknown drive %q", cmd.Drive))
	}
	current := d.Snapshot()
	value, clamped, err := m.guard.ClampWeight(current.Weight, cmd.Value, current.Protected)
	if err != nil {
		return m.blockedResult(now, cmd, err.Error())
	}
	m.engine.SetWeight(cmd.Drive, value)
	m.audit(now, cmd, OutcomeApplied, numJSON(current.Weight), numJSON(value), clamped, numJSON(cmd.Value), cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyAdjustThreshold(now time.Time, cmd Command) Result {
	if m.live == nil {
		return m.errResult(now, cmd, "live config unavailable")
	}
	current := m.live.TriggerThreshold()
	value, clamped := m.guard.ClampThreshold(current, cmd.Value)
	m.live.SetTriggerThreshold(value)
	m.audit(now, cmd, OutcomeApplied, numJSON(current), numJSON(value), clamped, numJSON(cmd.Value), cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyAdjustRate(now time.Time, cmd Command) Result {
	if m.live == nil {
		return m.errResult(now, cmd, "live config unavailable")
	}
	current := m.live.PressureRate()
	value, clamped := m.guard.ClampRate(current, cmd.Value)
	m.live.SetPressureRate(value)
	m.audit(now, cmd, OutcomeApplied, numJSON(current), numJSON(value), clamped, numJSON(cmd.Value), cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyAdjustCooldown(now time.Time, cmd Command) Result {
	if m.live == nil {
		return m.errResult(now, cmd, "live config unavailable")
	}
	current := int(m.live.MinTriggerInterval().Seconds())
	value, clamped := m.guard.ClampCooldown(int(cmd.Value))
	m.live.SetMinTriggerInterval(time.Duration(value) * time.Second)
	m.audit(now, cmd, OutcomeApplied, numJSON(float64(current)), numJSON(float64(value)), clamped, numJSON(cmd.Value), cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyAdjustTurnsPerHour(now time.Time, cmd Command) Result {
	if m.live == nil {
		return m.errResult(now, cmd, "live config unavailable")
	}
	current := m.live.MaxTurnsPerHour()
	value, clamped := m.guard.ClampTurnsPerHour(int(cmd.Value))
	m.live.SetMaxTurnsPerHour(value)
	m.audit(now, cmd, OutcomeApplied, numJSON(float64(current)), numJSON(float64(value)), clamped, numJSON(cmd.Value), cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyAddDrive(now time.Time, cmd Command) Result {
	if cmd.Name == "" {
		return m.errResult(now, cmd, "add_drive requires name")
	}
	if err := m.guard.CheckAddDrive(len(m.engine.DriveNames())); err != nil {
		return m.blockedResult(now, cmd, err.Error())
	}
	if !m.engine.AddDrive(cmd.Name, "mutation:"+uuid.NewString()[:8], cmd.Weight) {
		return m.errResult(now, cmd, fmt.Sprintf("drive %q already exists", cmd.Name))
	}
	m.audit(now, cmd, OutcomeApplied, nil, numJSON(cmd.Weight), false, nil, cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyRemoveDrive(now time.Time, cmd Command) Result {
	if cmd.Drive == "" {
		return m.errResult(now, cmd, "remove_drive requires drive")
	}
	d, ok := m.engine.Drives()[cmd.Drive]
	if !ok {
		return m.errResult(now, cmd, fmt.Sprintf("unknown drive %q", cmd.Drive))
	}
	if err := m.guard.CheckRemoveDrive(d.Snapshot().Protected); err != nil {
		return m.blockedResult(now, cmd, err.Error())
	}
	m.engine.RemoveDrive(cmd.Drive)
	m.audit(now, cmd, OutcomeApplied, nil, nil, false, nil, cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applySpikeDrive(now time.Time, cmd Command) Result {
	if cmd.Drive == "" {
		return m.errResult(now, cmd, "spike_drive requires drive")
	}
	if !m.engine.SpikeDrive(cmd.Drive, cmd.Amount) {
		return m.errResult(now, cmd, fmt.Sprintf("unknown drive %q", cmd.Drive))
	}
	m.audit(now, cmd, OutcomeApplied, nil, numJSON(cmd.Amount), false, nil, cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) applyDecayDrive(now time.Time, cmd Command) Result {
	if cmd.Drive == "" {
		return m.errResult(now, cmd, "decay_drive requires drive")
	}
	if !m.engine.DecayDrive(cmd.Drive, cmd.Amount) {
		return m.errResult(now, cmd, fmt.Sprintf("unknown drive %q", cmd.Drive))
	}
	m.audit(now, cmd, OutcomeApplied, nil, numJSON(cmd.Amount), false, nil, cmd.Reason)
	return Result{Command: cmd, Outcome: OutcomeApplied}
}

func (m *Mutator) errResult(now time.Time, cmd Command, detail string) Result {
	m.audit(now, cmd, OutcomeError, nil, nil, false, nil, detail)
	return Result{Command: cmd, Outcome: OutcomeError, Detail: detail}
}

func (m *Mutator) blockedResult(now time.Time, cmd Command, detail string) Result {
	m.audit(now, cmd, OutcomeBlocked, nil, nil, false, nil, detail)
	return Result{Command: cmd, Outcome: OutcomeBlocked, Detail: detail}
}

func (m *Mutator) audit(now time.Time, cmd Command, outcome Outcome, before, after json.RawMessage, clamped bool, clampedFrom json.RawMessage, reason string) {
	target := cmd.Drive
	if target == "" {
		target = cmd.Name
	}
	rec := Record{
		Timestamp:   now,
		Type:        cmd.Kind,
		Target:      target,
		Before:      before,
		After:       after,
		Reason:      reason,
		Clamped:     clamped,
		ClampedFrom: clampedFrom,
		Outcome:     outcome,
	}
	_ = m.appendAudit(rec) // audit-append errors are dropped; the command's Result does not reflect them
}

func (m *Mutator) appendAudit(rec Record) error {
	f, err := os.OpenFile(m.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// AuditEvolution appends a drive_evolution audit record for one
// Plasticity weight change, using the same audit log as mutation
// commands so every weight change is traceable in one place.
func (m *Mutator) AuditEvolution(now time.Time, drive string, before, after, composite float64, clamped bool) {
	rec := Record{
		Timestamp: now,
		Type:      KindDriveEvolution,
		Target:    drive,
		Before:    numJSON(before),
		After:     numJSON(after),
		Reason:    fmt.Sprintf("composite=%.3f", composite),
		Clamped:   clamped,
		Outcome:   OutcomeApplied,
		Source:    "plasticity",
	}
	_ = m.appendAudit(rec)
}

// RecentAudit reads the last n audit records.
func (m *Mutator) RecentAudit(n int) ([]Record, error) {
	f, err := os.Open(m.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, sc.Err()
}
