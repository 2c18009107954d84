// Package state implements the State Store: an atomically-written JSON
// snapshot of daemon state plus the append-only trigger-history log.
package state

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pulsedaemon/pulse/internal/drive"
)

// Snapshot is the persisted daemon state document (pulse-state.json).
type Snapshot struct {
	Drives         []drive.PersistedDrive        `json:"drives"`
	ConfigOverrides map[string]interface{}        `json:"config_overrides"`
	SavedAt        time.Time                      `json:"_saved_at"`
}

// TriggerHistoryEntry is one line of trigger-history.jsonl.
type TriggerHistoryEntry struct {
	Timestamp     time.Time `json:"ts"`
	Outcome       string    `json:"outcome"` // "success" | "failure"
	Reason        string    `json:"reason"`
	TopDrive      string    `json:"top_drive"`
	TotalPressure float64   `json:"total_pressure"`
}

// Store owns pulse-state.json and trigger-history.jsonl under dir.
type Store struct {
	mu sync.Mutex

	dir          string
	saveInterval time.Duration
	lastSaved    time.Time
	dirty        bool

	current Snapshot

	markSelfWrite func(string)
}

// New constructs a Store rooted at dir. The directory is created if
// missing.
func New(dir string, saveInterval time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, saveInterval: saveInterval}, nil
}

// SetSelfWriteMarker installs the filesystem sensor's self-write hook, so
// writes to pulse-state.json and trigger-history.jsonl don't loop back
// as sensor-detected changes. A nil marker (the default) is a no-op.
func (s *Store) SetSelfWriteMarker(fn func(string)) {
	s.mu.Lock()
	s.markSelfWrite = fn
	s.mu.Unlock()
}

func (s *Store) mark(path string) {
	s.mu.Lock()
	fn := s.markSelfWrite
	s.mu.Unlock()
	if fn != nil {
		fn(path)
	}
}

func (s *Store) statePath() string   { return filepath.Join(s.dir, "pulse-state.json") }
func (s *Store) historyPath() string { return filepath.Join(s.dir, "trigger-history.jsonl") }

// Load reads pulse-state.json. On corrupt or missing input it returns a
// fresh, empty Snapshot rather than an error, so a damaged state file
// never blocks startup.
func (s *Store) Load() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath())
	if err != nil {
		s.current = Snapshot{ConfigOverrides: map[string]interface{}{}}
		return s.current
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.current = Snapshot{ConfigOverrides: map[string]interface{}{}}
		return s.current
	}
	if snap.ConfigOverrides == nil {
		snap.ConfigOverrides = map[string]interface{}{}
	}
	s.current = snap
	return snap
}

// Update replaces the in-memory snapshot contents and marks the store
// dirty; it does not write to disk (see MaybeSave/Save).
func (s *Store) Update(drives []drive.PersistedDrive, overrides map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Drives = drives
	s.current.ConfigOverrides = overrides
	s.dirty = true
}

// MaybeSave writes the snapshot to disk only if save_interval has elapsed
// since the last write and there is something dirty to persist. Called
// once per tick by the Daemon Loop.
func (s *Store) MaybeSave(now time.Time) error {
	s.mu.Lock()
	due := s.dirty && (s.lastSaved.IsZero() || now.Sub(s.lastSaved) >= s.saveInterval)
	s.mu.Unlock()
	if !due {
		return nil
	}
	return s.Save(now)
}

// Save writes the snapshot unconditionally via temp-file-then-rename.
func (s *Store) Save(now time.Time) error {
	s.mu.Lock()
	s.current.SavedAt = now
	snap := s.current
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	s.mark(s.statePath())
	if err := writeAtomic(s.statePath(), data); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSaved = now
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// RequestSave forces the next MaybeSave to write regardless of elapsed
// time, by clearing lastSaved.
func (s *Store) RequestSave() {
	s.mu.Lock()
	s.lastSaved = time.Time{}
	s.dirty = true
	s.mu.Unlock()
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AppendTriggerHistory appends one line to trigger-history.jsonl for
// every dispatch attempt, regardless of outcome.
func (s *Store) AppendTriggerHistory(entry TriggerHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mark(s.historyPath())
	f, err := os.OpenFile(s.historyPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// RecentTriggerHistory reads the last n entries from trigger-history.jsonl.
func (s *Store) RecentTriggerHistory(n int) ([]TriggerHistoryEntry, error) {
	f, err := os.Open(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []TriggerHistoryEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e TriggerHistoryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, sc.Err()
}
