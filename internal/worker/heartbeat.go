package worker

import (
	"io"
	"sync"
	"time"
)

// Heartbeat status bytes written to the pipe the master holds the read
// end of. One byte per beat keeps the pipe write atomic.
const (
	StatusStarting byte = 's'
	StatusReady    byte = 'r'
	StatusBusy     byte = 'b'
)

// ValidStatus reports whether b is a known heartbeat status byte.
func ValidStatus(b byte) bool {
	return b == StatusStarting || b == StatusReady || b == StatusBusy
}

// Sender periodically writes the worker's current status byte to the
// heartbeat pipe, and immediately on every status change. A write
// failure means the master is gone; the sender reports it once through
// the failure callback and goes silent.
type Sender struct {
	w        io.Writer
	interval time.Duration

	mu        sync.Mutex
	current   byte
	failed    bool
	onFailure func()
}

// NewSender creates a Sender writing to w every interval.
func NewSender(w io.Writer, interval time.Duration) *Sender {
	return &Sender{
		w:        w,
		interval: interval,
		current:  StatusStarting,
	}
}

// OnFailure registers a callback invoked once if the heartbeat pipe
// breaks. Must be called before Loop.
func (s *Sender) OnFailure(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// Set records a new status and pushes it to the master right away so
// state transitions are observed without waiting for the next beat.
func (s *Sender) Set(status byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == status {
		return
	}
	s.current = status
	s.write()
}

// Loop emits the current status every interval until stop is closed.
func (s *Sender) Loop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.write()
			s.mu.Unlock()
		}
	}
}

// write sends the current status byte. Caller holds the lock.
func (s *Sender) write() {
	if s.failed {
		return
	}
	if _, err := s.w.Write([]byte{s.current}); err != nil {
		s.failed = true
		if s.onFailure != nil {
			go s.onFailure()
		}
	}
}
