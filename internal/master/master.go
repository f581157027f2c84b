// Package master implements the supervising process of the pre-fork
// server: it binds the listening socket exactly once, spawns the worker
// pool with the socket inherited by file descriptor, watches heartbeats
// and process exits, respawns dead workers with capped exponential
// backoff, and tears the pool down on shutdown.
package master

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
	"github.com/quantachat/gserve/internal/store"
	"github.com/quantachat/gserve/internal/worker"
)

// spawnAttempts bounds the immediate retries of one spawn call before
// the failure is handed to the slot's backoff schedule.
const spawnAttempts = 3

// Master owns the listening socket and the worker pool.
type Master struct {
	cfg        *config.Config
	configPath string
	logger     *logging.Logger
	store      *store.Store // may be nil when no store is configured
	clock      clock.Clock

	exePath    string
	listener   net.Listener
	listenFile *os.File

	table   *recordTable
	backoff func(time.Duration, int) time.Duration

	events   chan workerEvent
	respawns chan int
	quit     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	procs    map[int]*workerProc
	started  bool
	stopped  bool
	stopping bool
}

// workerProc tracks the OS process behind one worker slot.
type workerProc struct {
	cmd        *exec.Cmd
	heartbeatR *os.File
	done       chan struct{} // closed once Wait has reaped the process
}

type eventKind int

const (
	evHeartbeat eventKind = iota
	evExit
)

type workerEvent struct {
	kind    eventKind
	slot    int
	status  WorkerStatus
	exitErr error
}

// NewMaster creates a Master for the given configuration. The config
// path is re-passed to worker processes, which re-exec this binary.
func NewMaster(cfg *config.Config, configPath string, logger *logging.Logger, st *store.Store) (*Master, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve own executable: %v", err)
	}

	m := &Master{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      st,
		clock:      clock.WallClock,
		exePath:    exePath,
		table:      newRecordTable(cfg.Server.Workers),
		backoff: retry.ExpBackoff(cfg.Restart.BackoffMin, cfg.Restart.BackoffMax,
			cfg.Restart.BackoffFactor, true),
		events:   make(chan workerEvent, cfg.Server.Workers*4),
		respawns: make(chan int, cfg.Server.Workers),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		procs:    make(map[int]*workerProc),
	}
	return m, nil
}

// Start binds the listening socket and spawns the worker pool. A bind
// failure is returned as *BindError before any worker is spawned.
func (m *Master) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("master already started")
	}
	m.started = true
	m.mu.Unlock()

	addr := m.cfg.BindAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.abortStart()
		return &BindError{Addr: addr, Err: err}
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		m.abortStart()
		return fmt.Errorf("unexpected listener type %T", ln)
	}
	file, err := tcpLn.File()
	if err != nil {
		ln.Close()
		m.abortStart()
		return fmt.Errorf("cannot extract listener descriptor: %v", err)
	}

	m.listener = ln
	m.listenFile = file
	m.logger.Info("Listening on %s, spawning %d workers", addr, m.cfg.Server.Workers)

	for slot := 0; slot < m.cfg.Server.Workers; slot++ {
		if err := m.spawnWithRetry(slot); err != nil {
			// Degraded capacity, not fatal: the slot stays parked and
			// the remaining workers still serve.
			m.logger.Error("Worker %d could not be spawned: %v", slot, err)
			m.table.markDegraded(slot)
			m.storeEvent(store.Event{Slot: slot, Kind: "degraded", Detail: err.Error()})
		}
	}

	go m.monitor()
	return nil
}

// abortStart clears the started flag after a failed bind so a later
// Shutdown is a no-op instead of touching a listener that never existed.
func (m *Master) abortStart() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// Snapshot returns a read-only copy of all worker records.
func (m *Master) Snapshot() []WorkerRecord {
	return m.table.snapshot()
}

// LiveWorkers returns how many workers are currently running.
func (m *Master) LiveWorkers() int {
	return m.table.liveCount()
}

// spawnWithRetry attempts to spawn a worker, retrying quickly a few
// times for transient fork failures (OS resource exhaustion).
func (m *Master) spawnWithRetry(slot int) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error { return m.spawnSlot(slot) },
		NotifyFunc: func(err error, attempt int) {
			m.logger.Warning("Spawn attempt %d for worker %d failed: %v", attempt, slot, err)
		},
		Attempts:    spawnAttempts,
		Delay:       200 * time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
		Clock:       m.clock,
	})
	if err != nil {
		return &WorkerSpawnError{Slot: slot, Err: err}
	}
	return nil
}

// spawnSlot forks one worker process inheriting the listening socket
// (fd 3) and the write end of a fresh heartbeat pipe (fd 4).
func (m *Master) spawnSlot(slot int) error {
	hbRead, hbWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("cannot create heartbeat pipe: %v", err)
	}

	cmd := exec.Command(m.exePath,
		"-worker",
		"-config", m.configPath,
		"-log", m.cfg.Paths.LogPath,
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", worker.EnvSlot, slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{m.listenFile, hbWrite}
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		hbRead.Close()
		hbWrite.Close()
		return err
	}
	// The worker holds its own copy of the write end now.
	hbWrite.Close()

	proc := &workerProc{cmd: cmd, heartbeatR: hbRead, done: make(chan struct{})}
	m.mu.Lock()
	m.procs[slot] = proc
	m.mu.Unlock()

	now := m.clock.Now()
	m.table.markSpawned(slot, cmd.Process.Pid, now)
	m.logger.Info("Worker %d spawned (pid %d)", slot, cmd.Process.Pid)
	m.logger.WorkerEvent(slot, "spawned pid=%d", cmd.Process.Pid)
	m.storeEvent(store.Event{Slot: slot, PID: cmd.Process.Pid, Kind: "spawned"})
	m.storeSlotState(slot)

	go m.readHeartbeats(slot, proc.heartbeatR)
	go m.waitWorker(slot, proc)
	return nil
}

// readHeartbeats forwards status bytes from one worker's pipe to the
// monitor loop. It exits on EOF, which happens when the worker dies.
func (m *Master) readHeartbeats(slot int, r *os.File) {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			status, ok := statusFromByte(buf[i])
			if !ok {
				m.logger.Warning("Worker %d sent unknown heartbeat byte %q", slot, buf[i])
				continue
			}
			select {
			case m.events <- workerEvent{kind: evHeartbeat, slot: slot, status: status}:
			case <-m.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// waitWorker reaps one worker process and reports its exit.
func (m *Master) waitWorker(slot int, proc *workerProc) {
	err := proc.cmd.Wait()
	close(proc.done)

	select {
	case m.events <- workerEvent{kind: evExit, slot: slot, exitErr: err}:
	case <-m.quit:
	}
}

// monitor is the single owner of worker record mutation. It runs until
// Shutdown closes the quit channel.
func (m *Master) monitor() {
	defer close(m.done)

	sweep := m.clock.NewTimer(m.cfg.Timeouts.HeartbeatInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.quit:
			return

		case ev := <-m.events:
			switch ev.kind {
			case evHeartbeat:
				m.handleHeartbeat(ev)
			case evExit:
				m.handleExit(ev)
			}

		case slot := <-m.respawns:
			m.respawn(slot)

		case <-sweep.Chan():
			m.sweepStale()
			sweep.Reset(m.cfg.Timeouts.HeartbeatInterval)
		}
	}
}

func (m *Master) handleHeartbeat(ev workerEvent) {
	prev := m.table.markHeartbeat(ev.slot, ev.status, m.clock.Now())
	if prev == StatusStarting && ev.status == StatusReady {
		m.logger.Info("Worker %d is ready", ev.slot)
		m.storeEvent(store.Event{Slot: ev.slot, PID: m.table.pid(ev.slot), Kind: "ready"})
		m.storeSlotState(ev.slot)
	}
}

func (m *Master) handleExit(ev workerEvent) {
	slot := ev.slot

	m.mu.Lock()
	proc := m.procs[slot]
	delete(m.procs, slot)
	stopping := m.stopping
	m.mu.Unlock()

	if proc != nil {
		proc.heartbeatR.Close()
	}

	detail := "exit status 0"
	if ev.exitErr != nil {
		detail = ev.exitErr.Error()
	}

	pid := m.table.pid(slot)
	stable, failures := m.table.markDead(slot, m.clock.Now(), m.cfg.Timeouts.WorkerStableAfter)
	m.logger.WorkerEvent(slot, "exited pid=%d (%s)", pid, detail)
	m.storeEvent(store.Event{Slot: slot, PID: pid, Kind: "exited", Detail: detail})
	m.storeSlotState(slot)

	if stopping {
		return
	}

	if failures > m.cfg.Restart.MaxConsecutiveFailures {
		m.table.markDegraded(slot)
		m.logger.Warning("Worker %d failed %d times in a row, slot parked; capacity degraded to %d/%d",
			slot, failures, m.table.liveCount(), m.table.size())
		m.storeEvent(store.Event{Slot: slot, PID: pid, Kind: "degraded",
			Detail: fmt.Sprintf("parked after %d consecutive failures", failures)})
		m.storeSlotState(slot)
		return
	}

	delay := m.backoff(0, failures)
	if stable {
		m.logger.Info("Worker %d (pid %d) exited: %s, respawning in %s", slot, pid, detail, delay)
	} else {
		m.logger.Warning("Worker %d (pid %d) died after %d consecutive failures: %s, respawning in %s",
			slot, pid, failures, detail, delay)
	}
	m.scheduleRespawn(slot, delay)
}

// scheduleRespawn queues a respawn for the slot after the backoff delay.
func (m *Master) scheduleRespawn(slot int, delay time.Duration) {
	go func() {
		select {
		case <-m.clock.After(delay):
		case <-m.quit:
			return
		}
		select {
		case m.respawns <- slot:
		case <-m.quit:
		}
	}()
}

func (m *Master) respawn(slot int) {
	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return
	}

	if err := m.spawnWithRetry(slot); err != nil {
		failures := m.table.markSpawnFailed(slot)
		m.logger.Error("Respawn of worker %d failed (%d consecutive failures): %v", slot, failures, err)
		if failures > m.cfg.Restart.MaxConsecutiveFailures {
			m.table.markDegraded(slot)
			m.logger.Warning("Worker %d failed %d times in a row, slot parked; capacity degraded to %d/%d",
				slot, failures, m.table.liveCount(), m.table.size())
			m.storeEvent(store.Event{Slot: slot, Kind: "degraded", Detail: err.Error()})
			m.storeSlotState(slot)
			return
		}
		m.scheduleRespawn(slot, m.backoff(0, failures))
		return
	}

	m.storeEvent(store.Event{Slot: slot, PID: m.table.pid(slot), Kind: "restarted"})
}

// sweepStale kills workers whose heartbeat has gone silent. The kill
// produces an exit event, which drives the normal respawn path.
func (m *Master) sweepStale() {
	stale := m.table.staleSlots(m.clock.Now(), m.cfg.Timeouts.HeartbeatTimeout)
	for _, slot := range stale {
		m.mu.Lock()
		proc := m.procs[slot]
		m.mu.Unlock()
		if proc == nil {
			continue
		}

		m.logger.Warning("Worker %d (pid %d) missed its heartbeat deadline, killing",
			slot, proc.cmd.Process.Pid)
		m.storeEvent(store.Event{Slot: slot, PID: proc.cmd.Process.Pid, Kind: "heartbeat-timeout"})
		proc.cmd.Process.Kill()
	}
}

// Shutdown stops the pool. With graceful set, workers get SIGTERM and
// up to the configured grace period to finish in-flight requests before
// being killed; otherwise they are killed immediately. Shutdown is
// idempotent and always releases the listening port.
func (m *Master) Shutdown(graceful bool) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.stopping = true
	m.mu.Unlock()

	close(m.quit)
	<-m.done

	m.mu.Lock()
	procs := make(map[int]*workerProc, len(m.procs))
	for slot, proc := range m.procs {
		procs[slot] = proc
	}
	m.procs = make(map[int]*workerProc)
	m.mu.Unlock()

	if graceful {
		m.logger.Info("Graceful shutdown: draining %d workers (grace %s)",
			len(procs), m.cfg.Timeouts.GracefulShutdown)
		for slot, proc := range procs {
			if err := proc.cmd.Process.Signal(stopSignal()); err != nil {
				m.logger.Warning("Cannot signal worker %d: %v", slot, err)
			}
		}

		deadline := m.clock.After(m.cfg.Timeouts.GracefulShutdown)
		expired := false
		for slot, proc := range procs {
			if !expired {
				select {
				case <-proc.done:
					m.finishWorker(slot, proc)
					continue
				case <-deadline:
					expired = true
				}
			}
			m.logger.Warning("Worker %d did not drain in time, killing", slot)
			proc.cmd.Process.Kill()
			<-proc.done
			m.finishWorker(slot, proc)
		}
	} else {
		m.logger.Info("Immediate shutdown: killing %d workers", len(procs))
		for slot, proc := range procs {
			proc.cmd.Process.Kill()
			<-proc.done
			m.finishWorker(slot, proc)
		}
	}

	m.listenFile.Close()
	m.listener.Close()
	m.logger.Info("Master stopped, %s released", m.cfg.BindAddr())
}

// finishWorker records the final state of a reaped worker at shutdown.
func (m *Master) finishWorker(slot int, proc *workerProc) {
	proc.heartbeatR.Close()
	m.table.markDead(slot, m.clock.Now(), m.cfg.Timeouts.WorkerStableAfter)
	m.logger.WorkerEvent(slot, "stopped pid=%d", proc.cmd.Process.Pid)
	m.storeEvent(store.Event{Slot: slot, PID: proc.cmd.Process.Pid, Kind: "stopped"})
	m.storeSlotState(slot)
}

// storeEvent persists a supervision event when a store is configured.
func (m *Master) storeEvent(ev store.Event) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.RecordEvent(ctx, ev); err != nil {
		m.logger.Warning("Cannot persist %s event for worker %d: %v", ev.Kind, ev.Slot, err)
	}
}

// storeSlotState persists the current record of a slot.
func (m *Master) storeSlotState(slot int) {
	if m.store == nil {
		return
	}
	recs := m.table.snapshot()
	rec := recs[slot]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.store.SetSlotState(ctx, store.SlotState{
		Slot:     rec.Slot,
		PID:      rec.PID,
		Status:   string(rec.Status),
		Restarts: rec.Restarts,
	})
	if err != nil {
		m.logger.Warning("Cannot persist state for worker %d: %v", slot, err)
	}
}
