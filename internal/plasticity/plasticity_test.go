package plasticity

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeTarget is a minimal WeightTarget test double.
type fakeTarget struct {
	weights    map[string]float64
	protected  map[string]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{weights: map[string]float64{}, protected: map[string]bool{}}
}

func (f *fakeTarget) Weight(drive string) (float64, bool, bool) {
	w, ok := f.weights[drive]
	return w, f.protected[drive], ok
}

func (f *fakeTarget) SetWeight(drive string, weight float64) bool {
	if _, ok := f.weights[drive]; !ok {
		return false
	}
	f.weights[drive] = weight
	return true
}

func TestEvolver_RecordSignalsIntervalBoundary(t *testing.T) {
	e := NewEvolver(50, 3, 3, 0.1, 0.1, 5.0, 0.5)
	fired := e.Record("goals", Outcome{Success: true, QualityScore: 0.8})
	if fired {
		t.Fatalf("expected no fire on first record")
	}
	fired = e.Record("goals", Outcome{Success: true, QualityScore: 0.8})
	if fired {
		t.Fatalf("expected no fire on second record")
	}
	fired = e.Record("goals", Outcome{Success: true, QualityScore: 0.8})
	if !fired {
		t.Fatalf("expected fire on third record (evolution_interval=3)")
	}
}

func TestEvolver_DeadZone_NoChange(t *testing.T) {
	e := NewEvolver(50, 1, 3, 0.1, 0.1, 5.0, 0.5)
	target := newFakeTarget()
	target.weights["goals"] = 1.0

	// composite ~0.5: half successes, moderate quality.
	for i := 0; i < 4; i++ {
		e.Record("goals", Outcome{Success: i%2 == 0, QualityScore: 0.5})
	}

	changes := e.Evolve(time.Now(), target)
	for _, c := range changes {
		if c.Drive == "goals" {
			t.Fatalf("expected no change in dead zone, got %+v", c)
		}
	}
	if target.weights["goals"] != 1.0 {
		t.Fatalf("expected weight unchanged at 1.0, got %v", target.weights["goals"])
	}
}

func TestEvolver_HighComposite_IncreasesWeight(t *testing.T) {
	e := NewEvolver(50, 1, 3, 0.5, 0.1, 5.0, 0.5)
	target := newFakeTarget()
	target.weights["goals"] = 1.0

	for i := 0; i < 5; i++ {
		e.Record("goals", Outcome{Success: true, QualityScore: 1.0})
	}

	changes := e.Evolve(time.Now(), target)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].AfterWeight <= changes[0].BeforeWeight {
		t.Fatalf("expected weight to increase, got before=%v after=%v", changes[0].BeforeWeight, changes[0].AfterWeight)
	}
	if target.weights["goals"] != changes[0].AfterWeight {
		t.Fatalf("expected target weight updated to %v, got %v", changes[0].AfterWeight, target.weights["goals"])
	}
}

func TestEvolver_LowComposite_DecreasesWeight(t *testing.T) {
	e := NewEvolver(50, 1, 3, 0.5, 0.1, 5.0, 0.5)
	target := newFakeTarget()
	target.weights["goals"] = 1.0

	for i := 0; i < 5; i++ {
		e.Record("goals", Outcome{Success: false, QualityScore: 0.0})
	}

	changes := e.Evolve(time.Now(), target)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].AfterWeight >= changes[0].BeforeWeight {
		t.Fatalf("expected weight to decrease, got before=%v after=%v", changes[0].BeforeWeight, changes[0].AfterWeight)
	}
}

func TestEvolver_DeltaClampedPerCycle(t *testing.T) {
	e := NewEvolver(50, 1, 3, 0.05, 0.1, 5.0, 0.5)
	target := newFakeTarget()
	target.weights["goals"] = 1.0

	for i := 0; i < 5; i++ {
		e.Record("goals", Outcome{Success: true, QualityScore: 1.0})
	}

	changes := e.Evolve(time.Now(), target)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if !changes[0].Clamped {
		t.Fatalf("expected clamped=true with max_delta_per_cycle=0.05")
	}
	if changes[0].AfterWeight-changes[0].BeforeWeight > 0.05+1e-9 {
		t.Fatalf("expected delta capped at 0.05, got %v", changes[0].AfterWeight-changes[0].BeforeWeight)
	}
}

func TestEvolver_ProtectedFloorHigherThanDefault(t *testing.T) {
	e := NewEvolver(50, 1, 3, 1.0, 0.1, 5.0, 0.5)
	target := newFakeTarget()
	target.weights["core"] = 0.6
	target.protected["core"] = true

	for i := 0; i < 5; i++ {
		e.Record("core", Outcome{Success: false, QualityScore: 0.0})
	}

	changes := e.Evolve(time.Now(), target)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].AfterWeight < 0.5 {
		t.Fatalf("expected protected floor 0.5 honored, got %v", changes[0].AfterWeight)
	}
}

func TestEvolver_MinRecordsEnforced(t *testing.T) {
	e := NewEvolver(50, 1, 3, 0.5, 0.1, 5.0, 0.5)
	target := newFakeTarget()
	target.weights["goals"] = 1.0

	e.Record("goals", Outcome{Success: true, QualityScore: 1.0})
	e.Record("goals", Outcome{Success: true, QualityScore: 1.0})

	changes := e.Evolve(time.Now(), target)
	if len(changes) != 0 {
		t.Fatalf("expected no changes with only 2 records (min 3), got %v", changes)
	}
}

func TestEvolver_HistoryWindowBounded(t *testing.T) {
	e := NewEvolver(3, 100, 3, 0.5, 0.1, 5.0, 0.5)
	for i := 0; i < 10; i++ {
		e.Record("goals", Outcome{Success: true, QualityScore: 1.0})
	}
	h := e.histories["goals"]
	if len(h.outcomes) != 3 {
		t.Fatalf("expected history window bounded to 3, got %d", len(h.outcomes))
	}
}

func TestNormalizeLoopAverage(t *testing.T) {
	if got := NormalizeLoopAverage(5.0); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := NormalizeLoopAverage(-1.0); got != 0 {
		t.Fatalf("expected clamp to 0, got %v", got)
	}
	if got := NormalizeLoopAverage(20.0); got != 1.0 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
}

func TestEvolver_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drive-performance.json")

	e := NewEvolver(50, 100, 3, 0.5, 0.1, 5.0, 0.5)
	e.Record("goals", Outcome{Success: true, QualityScore: 0.9, RecordedAt: time.Now()})
	e.Record("goals", Outcome{Success: false, QualityScore: 0.1, RecordedAt: time.Now()})
	if err := e.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	e2 := NewEvolver(50, 100, 3, 0.5, 0.1, 5.0, 0.5)
	e2.Load(path)
	h, ok := e2.histories["goals"]
	if !ok {
		t.Fatalf("expected goals history restored")
	}
	if len(h.outcomes) != 2 {
		t.Fatalf("expected 2 restored outcomes, got %d", len(h.outcomes))
	}
}

func TestEvolver_LoadCorrupt_StartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drive-performance.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	e := NewEvolver(50, 100, 3, 0.5, 0.1, 5.0, 0.5)
	e.Load(path)
	if len(e.histories) != 0 {
		t.Fatalf("expected empty histories after corrupt load, got %d", len(e.histories))
	}
}

func TestEvolver_Summaries(t *testing.T) {
	e := NewEvolver(50, 100, 3, 0.5, 0.1, 5.0, 0.5)
	e.Record("goals", Outcome{Success: true, QualityScore: 1.0})
	e.Record("goals", Outcome{Success: false, QualityScore: 0.0})

	summaries := e.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].Records != 2 {
		t.Fatalf("expected 2 records, got %d", summaries[0].Records)
	}
}
