package sensor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConversationSensor is the hard suppressor: it reports whether a human
// appears to be actively talking to the hosted agent by checking the
// mtime of the largest session transcript file under a known location.
type ConversationSensor struct {
	transcriptDir string
	activeWindow  time.Duration
	cooldown      time.Duration

	mu           sync.Mutex
	lastActiveAt time.Time
}

// NewConversationSensor constructs a conversation sensor. activeWindow is
// the mtime freshness threshold (default 120s); cooldown is how long
// after the last observed activity the sensor continues to report
// in_cooldown.
func NewConversationSensor(transcriptDir string, activeWindow, cooldown time.Duration) *ConversationSensor {
	if activeWindow <= 0 {
		activeWindow = 120 * time.Second
	}
	return &ConversationSensor{
		transcriptDir: transcriptDir,
		activeWindow:  activeWindow,
		cooldown:      cooldown,
	}
}

func (c *ConversationSensor) Name() string { return "conversation" }

func (c *ConversationSensor) Initialize(ctx context.Context) error { return nil }

func (c *ConversationSensor) Read(ctx context.Context) Reading {
	now := time.Now()

	largest, mtime, err := c.largestTranscript()
	if err != nil {
		return ErrorPayload(err)
	}

	c.mu.Lock()
	active := false
	if largest != "" && now.Sub(mtime) <= c.activeWindow {
		active = true
		c.lastActiveAt = now
	}
	lastActive := c.lastActiveAt
	c.mu.Unlock()

	inCooldown := false
	secondsSince := -1.0
	if !lastActive.IsZero() {
		elapsed := now.Sub(lastActive)
		secondsSince = elapsed.Seconds()
		if elapsed <= c.cooldown {
			inCooldown = true
		}
	}

	return Reading{
		"active":              active,
		"in_cooldown":         inCooldown,
		"last_human_activity": lastActive,
		"seconds_since":       secondsSince,
	}
}

func (c *ConversationSensor) largestTranscript() (path string, mtime time.Time, err error) {
	if c.transcriptDir == "" {
		return "", time.Time{}, nil
	}

	var largestSize int64 = -1
	walkErr := filepath.WalkDir(c.transcriptDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // tolerate transient ENOENT races, not fatal for this sensor
		}
		if d.IsDir() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		if info.Size() > largestSize {
			largestSize = info.Size()
			path = p
			mtime = info.ModTime()
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return "", time.Time{}, walkErr
	}
	return path, mtime, nil
}

func (c *ConversationSensor) Stop() error { return nil }
