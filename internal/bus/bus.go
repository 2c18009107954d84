// Package bus implements the Broadcast Bus: an append-only,
// line-delimited JSON event stream with rotation and filtered reads.
//
// Multiple writers append under a held exclusive advisory lock (the lock
// is acquired only for the duration of one append, not for the process
// lifetime); readers open the file separately and scan it — stale reads
// are acceptable, this is a log, not a queue.
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Event is one broadcast bus record.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Salience  float64         `json:"salience"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClampSalience normalizes an unbounded weighted-pressure value (drive
// total pressure can run well past 10 under a high-pressure override)
// into the [0,1] salience range events are declared to carry, on the
// same 0-10 scale the rest of the system uses for pressure.
func ClampSalience(totalPressure float64) float64 {
	v := totalPressure / 10.0
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const (
	maxLines     = 1000
	keepOnRotate = 500
)

// Bus is a handle to one broadcast bus file.
type Bus struct {
	path     string
	lockPath string
}

// New constructs a Bus backed by path (e.g. <state_dir>/broadcast.jsonl).
func New(path string) *Bus {
	return &Bus{path: path, lockPath: path + ".lock"}
}

// Append writes one event, assigning Timestamp if it is zero, under an
// exclusive advisory lock held only across this call. It opportunistically
// rotates the file afterward if it has grown past maxLines.
func (b *Bus) Append(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	fl := flock.New(b.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("bus: acquire lock: %w", err)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bus: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("bus: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("bus: sync: %w", err)
	}

	return b.rotateIfNeededLocked()
}

// rotateIfNeededLocked must be called while the append lock is held. When
// the file exceeds maxLines it moves the excess prefix into a dated
// archive and rewrites the live file with the most recent keepOnRotate
// lines.
func (b *Bus) rotateIfNeededLocked() error {
	lines, err := readLines(b.path)
	if err != nil {
		return nil // rotation is opportunistic, never fatal to the append
	}
	if len(lines) <= maxLines {
		return nil
	}

	archiveName := fmt.Sprintf("%s.%s.archive", b.path, time.Now().UTC().Format("20060102T150405"))
	archived := lines[:len(lines)-keepOnRotate]
	kept := lines[len(lines)-keepOnRotate:]

	if err := writeLinesAtomic(archiveName, archived); err != nil {
		return err
	}
	return writeLinesAtomic(b.path, kept)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func writeLinesAtomic(path string, lines []string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l); err != nil {
			f.Close()
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Filter bounds a Read call.
type Filter struct {
	Source string    // empty = any
	Type   string    // empty = any
	Since  time.Time // zero = no lower bound
	Recent int        // 0 = unbounded
}

// Read scans the bus file, applies the filter, and returns matching
// events oldest-first (i.e. newest-last, per the external contract).
func (b *Bus) Read(filter Filter) ([]Event, error) {
	lines, err := readLines(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: read: %w", err)
	}

	var events []Event
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // a corrupt line is skipped, not fatal to the reader
		}
		if filter.Source != "" && ev.Source != filter.Source {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		events = append(events, ev)
	}

	if filter.Recent > 0 && len(events) > filter.Recent {
		events = events[len(events)-filter.Recent:]
	}
	return events, nil
}

// EnsureDir creates the parent directory of path if it does not exist.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
