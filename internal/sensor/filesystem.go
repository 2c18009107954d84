package sensor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeType is the kind of filesystem change observed for a path.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// ChangeRecord is one deduplicated filesystem event.
type ChangeRecord struct {
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
}

// FilesystemSensor watches a set of directories with an OS-level watcher
// and reports deduplicated changes (last event per path wins) since the
// previous Read.
//
// Self-writes: the daemon marks paths it is about to write via
// MarkSelfWrite before writing them. The next matching fsnotify event for
// that exact canonical path is swallowed once, then the mark is cleared,
// preventing the daemon's own state writes from causing feedback-loop
// spikes.
type FilesystemSensor struct {
	watchPaths     []string
	ignorePatterns []string
	ignoreSelf     bool
	log            *zap.Logger

	watcher *fsnotify.Watcher

	mu         sync.Mutex
	pending    map[string]ChangeType
	selfWrites map[string]struct{}
}

// NewFilesystemSensor constructs a filesystem sensor over watchPaths,
// dropping events that match any of ignorePatterns (a pattern matches when
// filepath.Match accepts the base name or the pattern occurs as a
// substring of the full path).
func NewFilesystemSensor(watchPaths, ignorePatterns []string, ignoreSelfWrites bool, log *zap.Logger) *FilesystemSensor {
	return &FilesystemSensor{
		watchPaths:     watchPaths,
		ignorePatterns: ignorePatterns,
		ignoreSelf:     ignoreSelfWrites,
		log:            log,
		pending:        make(map[string]ChangeType),
		selfWrites:     make(map[string]struct{}),
	}
}

func (f *FilesystemSensor) Name() string { return "filesystem" }

// Initialize starts the fsnotify watcher and a goroutine that buffers
// events until the next Read.
func (f *FilesystemSensor) Initialize(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range f.watchPaths {
		if err := w.Add(p); err != nil {
			if f.log != nil {
				f.log.Warn("filesystem sensor: cannot watch path", zap.String("path", p), zap.Error(err))
			}
			continue
		}
	}
	f.watcher = w

	go f.pump(ctx)
	return nil
}

func (f *FilesystemSensor) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(ev)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			if f.log != nil {
				f.log.Warn("filesystem sensor watcher error", zap.Error(err))
			}
		}
	}
}

func (f *FilesystemSensor) handleEvent(ev fsnotify.Event) {
	canon, err := filepath.Abs(ev.Name)
	if err != nil {
		canon = ev.Name
	}

	if f.ignored(canon) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ignoreSelf {
		if _, marked := f.selfWrites[canon]; marked {
			delete(f.selfWrites, canon)
			return
		}
	}

	var ct ChangeType
	switch {
	case ev.Op&fsnotify.Remove != 0:
		ct = ChangeDeleted
	case ev.Op&fsnotify.Create != 0:
		ct = ChangeCreated
	default:
		ct = ChangeModified
	}
	f.pending[canon] = ct
}

func (f *FilesystemSensor) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range f.ignorePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if strings.Contains(path, pat) {
			return true
		}
	}
	return false
}

// MarkSelfWrite records that the daemon itself is about to write path, so
// the resulting filesystem event is swallowed exactly once.
func (f *FilesystemSensor) MarkSelfWrite(path string) {
	canon, err := filepath.Abs(path)
	if err != nil {
		canon = path
	}
	f.mu.Lock()
	f.selfWrites[canon] = struct{}{}
	f.mu.Unlock()
}

// Read drains and returns the deduplicated pending change set.
func (f *FilesystemSensor) Read(ctx context.Context) Reading {
	f.mu.Lock()
	defer f.mu.Unlock()

	changes := make([]ChangeRecord, 0, len(f.pending))
	for path, ct := range f.pending {
		changes = append(changes, ChangeRecord{Path: path, Type: ct})
	}
	f.pending = make(map[string]ChangeType)

	return Reading{"changes": changes}
}

func (f *FilesystemSensor) Stop() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Close()
}
