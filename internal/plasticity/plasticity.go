// Package plasticity implements Drive Evolution: a rolling per-drive
// outcome history that periodically nudges drive weights toward whatever
// has recently been earning its keep.
package plasticity

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Outcome is one recorded evaluation result for a drive.
type Outcome struct {
	Success      bool      `json:"success"`
	QualityScore float64   `json:"quality_score"` // [0,1]
	LoopAverage  float64   `json:"loop_average"`  // normalized to [0,1]; input is given on a 0-10 scale
	Context      string    `json:"context,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// history is the rolling window kept for one drive.
type history struct {
	outcomes []Outcome
	max      int
}

func (h *history) record(o Outcome) {
	h.outcomes = append(h.outcomes, o)
	if len(h.outcomes) > h.max {
		h.outcomes = h.outcomes[len(h.outcomes)-h.max:]
	}
}

// rates computes the true-positive rate, average quality, and
// false-positive rate across the recorded window. A "positive" is an
// outcome where the drive's trigger fired; true-positive means it
// succeeded, false-positive means it didn't.
func (h *history) rates() (tpr, avgQuality, fpr float64) {
	if len(h.outcomes) == 0 {
		return 0, 0, 0
	}
	var successes int
	var qualitySum float64
	for _, o := range h.outcomes {
		if o.Success {
			successes++
		}
		qualitySum += clamp01(o.QualityScore)
	}
	n := float64(len(h.outcomes))
	tpr = float64(successes) / n
	fpr = 1 - tpr
	avgQuality = qualitySum / n
	return tpr, avgQuality, fpr
}

// Change is one drive_evolution audit entry.
type Change struct {
	Drive        string
	BeforeWeight float64
	AfterWeight  float64
	Composite    float64
	RawDelta     float64
	Clamped      bool
	RecordedAt   time.Time
}

// WeightTarget abstracts the part of the Drive Engine the evolver needs:
// reading and writing one drive's weight and protected flag.
type WeightTarget interface {
	Weight(drive string) (weight float64, protected bool, ok bool)
	SetWeight(drive string, weight float64) bool
}

// Evolver tracks outcome history per drive and periodically evolves
// weights toward what has recently been working.
type Evolver struct {
	historyWindow     int
	evolutionInterval int
	minRecords        int
	maxDeltaPerCycle  float64
	minWeight         float64
	maxWeight         float64
	protectedMin      float64

	mu          sync.Mutex
	histories   map[string]*history
	sinceEvolve int
}

// NewEvolver constructs an Evolver from PlasticityConfig-shaped values.
func NewEvolver(historyWindow, evolutionInterval, minRecords int, maxDeltaPerCycle, minWeight, maxWeight, protectedMin float64) *Evolver {
	return &Evolver{
		historyWindow:     historyWindow,
		evolutionInterval: evolutionInterval,
		minRecords:        minRecords,
		maxDeltaPerCycle:  maxDeltaPerCycle,
		minWeight:         minWeight,
		maxWeight:         maxWeight,
		protectedMin:      protectedMin,
		histories:         make(map[string]*history),
	}
}

// Record adds one outcome for a drive. It returns true if this recording
// should trigger Evolve (i.e. evolution_interval recordings have
// accumulated since the last evolution).
func (e *Evolver) Record(drive string, o Outcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.histories[drive]
	if !ok {
		h = &history{max: e.historyWindow}
		e.histories[drive] = h
	}
	h.record(o)

	e.sinceEvolve++
	if e.sinceEvolve >= e.evolutionInterval {
		e.sinceEvolve = 0
		return true
	}
	return false
}

// Evolve runs one evolution cycle across every drive with enough history,
// applying the composite-score dead-zone rule and writing clamped weight
// changes through target. It returns every Change it actually applied.
func (e *Evolver) Evolve(now time.Time, target WeightTarget) []Change {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changes []Change
	for name, h := range e.histories {
		if len(h.outcomes) < e.minRecords {
			continue
		}

		tpr, avgQuality, fpr := h.rates()
		composite := 0.4*tpr + 0.3*avgQuality + 0.3*(1-fpr)

		if composite >= 0.4 && composite <= 0.6 {
			continue // dead zone: no change
		}

		rawDelta := (composite - 0.5) * 0.5
		clamped := false
		if rawDelta > e.maxDeltaPerCycle {
			rawDelta = e.maxDeltaPerCycle
			clamped = true
		} else if rawDelta < -e.maxDeltaPerCycle {
			rawDelta = -e.maxDeltaPerCycle
			clamped = true
		}

		before, protected, ok := target.Weight(name)
		if !ok {
			continue
		}
		after := before + rawDelta

		floor := e.minWeight
		if protected {
			floor = e.protectedMin
		}
		if after < floor {
			after = floor
			clamped = true
		}
		if after > e.maxWeight {
			after = e.maxWeight
			clamped = true
		}

		if after == before {
			continue
		}

		target.SetWeight(name, after)
		changes = append(changes, Change{
			Drive:        name,
			BeforeWeight: before,
			AfterWeight:  after,
			Composite:    composite,
			RawDelta:     rawDelta,
			Clamped:      clamped,
			RecordedAt:   now,
		})
	}
	return changes
}

// Summary describes the current evolved state of one drive, for the
// health surface's evolution endpoint.
type Summary struct {
	Drive      string
	Records    int
	TPR        float64
	AvgQuality float64
	FPR        float64
}

// Summaries returns a Summary for every tracked drive.
func (e *Evolver) Summaries() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Summary, 0, len(e.histories))
	for name, h := range e.histories {
		tpr, avgQuality, fpr := h.rates()
		out = append(out, Summary{
			Drive:      name,
			Records:    len(h.outcomes),
			TPR:        tpr,
			AvgQuality: avgQuality,
			FPR:        fpr,
		})
	}
	return out
}

// Load restores the rolling histories from drive-performance.json. A
// missing or corrupt file yields a fresh (empty) history set rather
// than an error, the same start-fresh discipline the State Store uses.
func (e *Evolver) Load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var doc map[string][]Outcome
	if err := json.Unmarshal(data, &doc); err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, outcomes := range doc {
		h := &history{max: e.historyWindow}
		for _, o := range outcomes {
			h.record(o)
		}
		e.histories[name] = h
	}
}

// Save writes the rolling histories to drive-performance.json via
// temp-file-then-rename.
func (e *Evolver) Save(path string) error {
	e.mu.Lock()
	doc := make(map[string][]Outcome, len(e.histories))
	for name, h := range e.histories {
		outcomes := make([]Outcome, len(h.outcomes))
		copy(outcomes, h.outcomes)
		doc[name] = outcomes
	}
	e.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeLoopAverage converts a 0-10 scale loop average into the [0,1]
// range the composite formula expects.
func NormalizeLoopAverage(v float64) float64 {
	return clamp01(v / 10.0)
}
