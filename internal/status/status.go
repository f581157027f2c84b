// Package status exposes the master's diagnostics over a small
// authenticated HTTP API, separate from the application port.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
	"github.com/quantachat/gserve/internal/master"
	"github.com/quantachat/gserve/internal/store"
)

// Supervisor is the view of the master the status API needs.
type Supervisor interface {
	Snapshot() []master.WorkerRecord
	LiveWorkers() int
}

// Server handles HTTP requests for the status API.
type Server struct {
	cfg    *config.Config
	logger *logging.Logger
	sup    Supervisor
	store  *store.Store // may be nil
	server *http.Server
}

// NewServer creates a status server reporting on the given supervisor.
func NewServer(cfg *config.Config, logger *logging.Logger, sup Supervisor, st *store.Store) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		sup:    sup,
		store:  st,
	}

	s.server = &http.Server{
		Addr:         cfg.StatusAddr(),
		Handler:      s.createHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start starts the status server.
func (s *Server) Start() error {
	s.logger.Info("Starting status server on %s", s.cfg.StatusAddr())
	return s.server.ListenAndServe()
}

// Stop stops the status server.
func (s *Server) Stop() {
	if s.server != nil {
		s.logger.Info("Stopping status server")
		s.server.Close()
	}
}

// createHandler creates the HTTP handler for the status API.
func (s *Server) createHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/server/workers/", s.handleWorkers)
	mux.HandleFunc("/server/worker/", s.handleWorker)
	mux.HandleFunc("/server/events/", s.handleEvents)
	mux.HandleFunc("/server/health/", s.handleHealth)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Trace("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

		// Basic authentication
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="gserve status"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if expectedPass, exists := s.cfg.Status.Logins[user]; !exists || expectedPass != pass {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// workerView is the JSON shape of one worker record.
type workerView struct {
	Slot          int    `json:"Slot"`
	PID           int    `json:"PID"`
	Status        string `json:"Status"`
	SpawnedAt     string `json:"SpawnedAt"`
	LastHeartbeat string `json:"LastHeartbeat"`
	Restarts      int    `json:"Restarts"`
	Degraded      bool   `json:"Degraded"`
}

func viewOf(rec master.WorkerRecord) workerView {
	const stamp = "2006-01-02 15:04:05"
	v := workerView{
		Slot:     rec.Slot,
		PID:      rec.PID,
		Status:   string(rec.Status),
		Restarts: rec.Restarts,
		Degraded: rec.Degraded,
	}
	if !rec.SpawnedAt.IsZero() {
		v.SpawnedAt = rec.SpawnedAt.Format(stamp)
	}
	if !rec.LastHeartbeat.IsZero() {
		v.LastHeartbeat = rec.LastHeartbeat.Format(stamp)
	}
	return v
}

// handleWorkers returns a snapshot of every worker slot.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	records := s.sup.Snapshot()

	views := make([]workerView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}

	response := map[string]interface{}{
		"ResultCode":    0,
		"ResultMessage": "OK",
		"LiveWorkers":   s.sup.LiveWorkers(),
		"Workers":       views,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleWorker returns one worker slot's record.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	slotStr := r.URL.Query().Get("slot")
	if slotStr == "" {
		http.Error(w, "Missing slot", http.StatusBadRequest)
		return
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil {
		http.Error(w, "Invalid slot", http.StatusBadRequest)
		return
	}

	records := s.sup.Snapshot()
	if slot < 0 || slot >= len(records) {
		sendErrorResponse(w, 200, fmt.Sprintf("No such worker slot: %d", slot))
		return
	}

	response := map[string]interface{}{
		"ResultCode":    0,
		"ResultMessage": "OK",
		"Worker":        viewOf(records[slot]),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleEvents returns recent supervision events from the store.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		sendErrorResponse(w, 201, "No event store configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	events, err := s.store.RecentEvents(ctx, limit)
	if err != nil {
		s.logger.Error("Cannot read events: %v", err)
		sendErrorResponse(w, 202, "Cannot read event store")
		return
	}

	response := map[string]interface{}{
		"ResultCode":    0,
		"ResultMessage": "OK",
		"Events":        events,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleHealth reports whether the pool has any live workers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live := s.sup.LiveWorkers()

	code := 0
	message := "OK"
	if live == 0 {
		code = 203
		message = "No live workers"
	}

	response := map[string]interface{}{
		"ResultCode":    code,
		"ResultMessage": message,
		"LiveWorkers":   live,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ErrorResponse is a standard error response for the status API.
type ErrorResponse struct {
	ResultCode    int    `json:"ResultCode"`
	ResultMessage string `json:"ResultMessage"`
}

// sendErrorResponse sends an error response with the given code and message.
func sendErrorResponse(w http.ResponseWriter, code int, message string) {
	resp := ErrorResponse{
		ResultCode:    code,
		ResultMessage: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always return 200 OK, error is in the JSON
	json.NewEncoder(w).Encode(resp)
}
