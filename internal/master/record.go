package master

import (
	"sync"
	"time"

	"github.com/quantachat/gserve/internal/worker"
)

// WorkerStatus is the master's view of a worker's lifecycle state.
//
// The intended transitions per slot:
//
//	dead     -> starting            (spawn, respawn)
//	starting -> ready | dead
//	ready    -> busy | dead
//	busy     -> ready | dead
//
// A degraded slot stays dead and is no longer respawned.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusReady    WorkerStatus = "ready"
	StatusBusy     WorkerStatus = "busy"
	StatusDead     WorkerStatus = "dead"
)

// statusFromByte maps a heartbeat status byte onto a WorkerStatus.
func statusFromByte(b byte) (WorkerStatus, bool) {
	switch b {
	case worker.StatusStarting:
		return StatusStarting, true
	case worker.StatusReady:
		return StatusReady, true
	case worker.StatusBusy:
		return StatusBusy, true
	}
	return "", false
}

// Alive reports whether the status describes a running worker.
func (s WorkerStatus) Alive() bool {
	return s == StatusStarting || s == StatusReady || s == StatusBusy
}

// WorkerRecord describes one worker slot.
type WorkerRecord struct {
	Slot                int
	PID                 int
	SpawnedAt           time.Time
	LastHeartbeat       time.Time
	Status              WorkerStatus
	Restarts            int
	ConsecutiveFailures int
	Degraded            bool
}

// recordTable holds one record per configured worker slot. Writes come
// only from the master's monitor goroutine; the lock exists so the
// status API can take consistent read-only snapshots.
type recordTable struct {
	mu      sync.RWMutex
	records []*WorkerRecord
}

func newRecordTable(workers int) *recordTable {
	t := &recordTable{records: make([]*WorkerRecord, workers)}
	for i := range t.records {
		t.records[i] = &WorkerRecord{Slot: i, Status: StatusDead}
	}
	return t
}

func (t *recordTable) size() int {
	return len(t.records)
}

// markSpawned resets a slot's record for a freshly started process.
// The consecutive failure count carries over until the worker proves
// stable or fails again.
func (t *recordTable) markSpawned(slot, pid int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[slot]
	if rec.PID != 0 {
		rec.Restarts++
	}
	rec.PID = pid
	rec.SpawnedAt = now
	rec.LastHeartbeat = now
	rec.Status = StatusStarting
	rec.Degraded = false
}

// markHeartbeat records a heartbeat and returns the previous status.
func (t *recordTable) markHeartbeat(slot int, status WorkerStatus, now time.Time) WorkerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[slot]
	prev := rec.Status
	if !prev.Alive() {
		// A beat from a worker already marked dead is stale; the reap
		// path owns the record now.
		return prev
	}
	rec.Status = status
	rec.LastHeartbeat = now
	return prev
}

// markDead transitions a slot to dead and returns whether the worker
// had been up at least stableAfter, which resets the failure streak.
func (t *recordTable) markDead(slot int, now time.Time, stableAfter time.Duration) (stable bool, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[slot]
	stable = !rec.SpawnedAt.IsZero() && now.Sub(rec.SpawnedAt) >= stableAfter
	if stable {
		rec.ConsecutiveFailures = 1
	} else {
		rec.ConsecutiveFailures++
	}
	rec.Status = StatusDead
	return stable, rec.ConsecutiveFailures
}

// markSpawnFailed counts a respawn attempt that never produced a
// process. The previous run's spawn time cannot vouch for a spawn that
// failed outright, so the streak always grows here.
func (t *recordTable) markSpawnFailed(slot int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[slot]
	rec.ConsecutiveFailures++
	rec.Status = StatusDead
	return rec.ConsecutiveFailures
}

// markDegraded parks a slot: it stays dead and is not respawned again.
func (t *recordTable) markDegraded(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[slot]
	rec.Status = StatusDead
	rec.Degraded = true
}

// staleSlots returns the slots of live workers whose last heartbeat is
// older than timeout.
func (t *recordTable) staleSlots(now time.Time, timeout time.Duration) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stale []int
	for _, rec := range t.records {
		if rec.Status.Alive() && now.Sub(rec.LastHeartbeat) > timeout {
			stale = append(stale, rec.Slot)
		}
	}
	return stale
}

// liveCount returns the number of slots whose worker is running.
func (t *recordTable) liveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, rec := range t.records {
		if rec.Status.Alive() {
			n++
		}
	}
	return n
}

// pid returns the recorded PID for a slot.
func (t *recordTable) pid(slot int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[slot].PID
}

// snapshot returns a deep copy of all records, ordered by slot.
func (t *recordTable) snapshot() []WorkerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkerRecord, len(t.records))
	for i, rec := range t.records {
		out[i] = *rec
	}
	return out
}
