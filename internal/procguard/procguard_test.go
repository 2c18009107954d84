package procguard

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquire_WritesPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsed.pid")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("pid file contents not numeric: %q", data)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquire_SecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsed.pid")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer g.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatal("second Acquire on a live lock should fail")
	}
}

func TestAcquire_RemovesStalePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsed.pid")

	// A PID that is extremely unlikely to be a live process on the test
	// host: write it directly, bypassing the lock, to simulate a daemon
	// that was SIGKILLed before it could clean up.
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatalf("seed stale pid file: %v", err)
	}

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale pid file: %v", err)
	}
	defer g.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(data) == "999999" {
		t.Fatal("stale pid was not overwritten")
	}
}

func TestRelease_RemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsed.pid")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after Release, stat err = %v", err)
	}

	// Releasing freed the lock, so a fresh Acquire should now succeed.
	g2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	g2.Release()
}
