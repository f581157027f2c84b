// Package worker implements the worker side of the pre-fork model: it
// recovers the listening socket the master bound, serves HTTP on it with
// the application handler, reports liveness over the heartbeat pipe, and
// drains in-flight requests on a graceful stop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quantachat/gserve/internal/logging"
)

// File descriptor layout inherited from the master. ExtraFiles in the
// master start the numbering at 3.
const (
	ListenerFD  = 3
	HeartbeatFD = 4
)

// EnvSlot carries the worker's slot number in the pool.
const EnvSlot = "GSERVE_WORKER_SLOT"

// Config carries everything a worker process needs to serve.
type Config struct {
	Handler           http.Handler
	Logger            *logging.Logger
	HeartbeatInterval time.Duration
	GracefulTimeout   time.Duration
}

// Run serves HTTP on the inherited listener until a stop signal arrives
// and the grace period drains in-flight requests. It blocks until the
// worker should exit; a nil return means a clean shutdown.
func Run(cfg Config) error {
	ln, err := inheritedListener()
	if err != nil {
		return err
	}
	defer ln.Close()

	sender := NewSender(os.NewFile(uintptr(HeartbeatFD), "gserve-heartbeat"), cfg.HeartbeatInterval)

	// Graceful stop can be triggered by a signal from the master or by
	// the heartbeat pipe breaking (master died without signalling).
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(stopCh)

	sender.OnFailure(func() {
		cfg.Logger.Warning("heartbeat pipe closed, master is gone")
		stopCh <- syscall.SIGTERM
	})

	tracker := newInflightTracker(sender)
	srv := &http.Server{
		Handler: tracker.wrap(recovered(cfg.Logger, cfg.Handler)),
	}

	hbStop := make(chan struct{})
	go sender.Loop(hbStop)
	defer close(hbStop)

	drained := make(chan struct{})
	go func() {
		sig := <-stopCh
		cfg.Logger.Info("Worker received %v, draining in-flight requests", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			cfg.Logger.Warning("Drain incomplete: %v", err)
		}
		close(drained)
	}()

	sender.Set(StatusReady)
	cfg.Logger.Info("Worker serving on %s", ln.Addr())

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("worker serve: %v", err)
	}

	// Serve returns as soon as Shutdown is called; in-flight requests
	// are still completing until Shutdown itself returns.
	<-drained
	cfg.Logger.Info("Worker exiting cleanly")
	return nil
}

// inheritedListener rebuilds the listening socket from the file
// descriptor the master passed down. The socket was bound exactly once,
// by the master; workers only accept on it.
func inheritedListener() (net.Listener, error) {
	f := os.NewFile(uintptr(ListenerFD), "gserve-listener")
	if f == nil {
		return nil, fmt.Errorf("listener fd %d not inherited", ListenerFD)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("cannot recover inherited listener: %v", err)
	}
	return ln, nil
}

// invoke runs the application handler and models its outcome as a
// result: nil on success, an error wrapping the recovered panic on
// failure. Application failures never propagate past this boundary.
func invoke(h http.Handler, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("application panic: %v", p)
		}
	}()
	h.ServeHTTP(w, r)
	return nil
}

// recovered translates application failures into a 500 response. The
// worker stays in rotation regardless of how often the handler fails.
func recovered(logger *logging.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}

		if err := invoke(h, tw, r); err != nil {
			logger.Error("Request %s %s failed: %v", r.Method, r.URL.Path, err)
			if !tw.wroteHeader {
				tw.Header().Set("Content-Type", "application/json")
				tw.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(tw).Encode(map[string]string{"error": "Internal server error"})
			}
		}
	})
}

// trackingWriter remembers whether the handler already produced output,
// so the failure path only writes a 500 when the response is untouched.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

// inflightTracker flips the heartbeat status between ready and busy as
// requests enter and leave the worker.
type inflightTracker struct {
	sender *Sender

	mu       sync.Mutex
	inflight int
}

func newInflightTracker(sender *Sender) *inflightTracker {
	return &inflightTracker{sender: sender}
}

func (t *inflightTracker) wrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.enter()
		defer t.leave()
		h.ServeHTTP(w, r)
	})
}

func (t *inflightTracker) enter() {
	t.mu.Lock()
	t.inflight++
	first := t.inflight == 1
	t.mu.Unlock()

	if first {
		t.sender.Set(StatusBusy)
	}
}

func (t *inflightTracker) leave() {
	t.mu.Lock()
	t.inflight--
	idle := t.inflight == 0
	t.mu.Unlock()

	if idle {
		t.sender.Set(StatusReady)
	}
}
