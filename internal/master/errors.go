package master

import "fmt"

// BindError reports that the listening socket could not be bound. It is
// fatal at startup: no worker is spawned after it.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// WorkerSpawnError reports that forking a worker process failed. Spawns
// are retried with backoff; a persistent failure degrades capacity but
// never terminates the master.
type WorkerSpawnError struct {
	Slot int
	Err  error
}

func (e *WorkerSpawnError) Error() string {
	return fmt.Sprintf("cannot spawn worker %d: %v", e.Slot, e.Err)
}

func (e *WorkerSpawnError) Unwrap() error { return e.Err }
