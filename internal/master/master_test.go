package master

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()

	var cfg config.Config
	cfg.Server.Interface = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.Workers = 2
	cfg.Timeouts.HeartbeatInterval = time.Second
	cfg.Timeouts.HeartbeatTimeout = 5 * time.Second
	cfg.Timeouts.GracefulShutdown = 5 * time.Second
	cfg.Timeouts.WorkerStableAfter = time.Minute
	cfg.Restart.BackoffMin = 100 * time.Millisecond
	cfg.Restart.BackoffMax = time.Second
	cfg.Restart.BackoffFactor = 2.0
	cfg.Restart.MaxConsecutiveFailures = 3
	cfg.Paths.LogPath = t.TempDir()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger := logging.NewLogger(t.TempDir())
	t.Cleanup(logger.Close)
	return logger
}

func TestStartFailsWithBindErrorWhenPortTaken(t *testing.T) {
	// Occupy a port first.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot open blocking listener: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m, err := NewMaster(testConfig(t, port), "config.ini", testLogger(t), nil)
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}

	err = m.Start()
	if err == nil {
		m.Shutdown(false)
		t.Fatal("Start() succeeded on an occupied port")
	}

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Start() error = %T %v, want *BindError", err, err)
	}

	// No worker was spawned before the failure was reported.
	if live := m.LiveWorkers(); live != 0 {
		t.Errorf("LiveWorkers() = %d after bind failure, want 0", live)
	}
	for _, rec := range m.Snapshot() {
		if rec.Status != StatusDead || rec.PID != 0 {
			t.Errorf("worker record touched by failed start: %+v", rec)
		}
	}

	// Shutdown after a failed start is a no-op, not a crash.
	m.Shutdown(true)
}

func TestBindErrorUnwraps(t *testing.T) {
	inner := errors.New("address already in use")
	err := &BindError{Addr: "0.0.0.0:5000", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("BindError does not unwrap to its cause")
	}
	if err.Error() != "cannot bind 0.0.0.0:5000: address already in use" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWorkerSpawnErrorUnwraps(t *testing.T) {
	inner := errors.New("fork: resource temporarily unavailable")
	err := &WorkerSpawnError{Slot: 3, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("WorkerSpawnError does not unwrap to its cause")
	}
	if err.Error() != "cannot spawn worker 3: fork: resource temporarily unavailable" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestBackoffScheduleGrowsAndCaps(t *testing.T) {
	cfg := testConfig(t, 5000)
	m, err := NewMaster(cfg, "config.ini", testLogger(t), nil)
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}

	for attempt := 1; attempt <= 10; attempt++ {
		d := m.backoff(0, attempt)
		if d < 0 {
			t.Fatalf("backoff(%d) = %s, negative", attempt, d)
		}
		// The schedule is jittered, but never exceeds the cap.
		if d > cfg.Restart.BackoffMax {
			t.Errorf("backoff(%d) = %s exceeds cap %s", attempt, d, cfg.Restart.BackoffMax)
		}
	}
}
