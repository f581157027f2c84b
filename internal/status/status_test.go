package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantachat/gserve/internal/config"
	"github.com/quantachat/gserve/internal/logging"
	"github.com/quantachat/gserve/internal/master"
	"github.com/quantachat/gserve/internal/store"
)

// fakeSupervisor serves a fixed snapshot.
type fakeSupervisor struct {
	records []master.WorkerRecord
}

func (f *fakeSupervisor) Snapshot() []master.WorkerRecord { return f.records }

func (f *fakeSupervisor) LiveWorkers() int {
	live := 0
	for _, rec := range f.records {
		if rec.Status.Alive() {
			live++
		}
	}
	return live
}

func testServer(t *testing.T, sup Supervisor, st *store.Store) *Server {
	t.Helper()

	var cfg config.Config
	cfg.Status.Enabled = true
	cfg.Status.Port = 5001
	cfg.Status.Logins = map[string]string{"admin": "secret"}

	logger := logging.NewLogger(t.TempDir())
	t.Cleanup(logger.Close)

	return NewServer(&cfg, logger, sup, st)
}

func twoWorkerSupervisor() *fakeSupervisor {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	return &fakeSupervisor{records: []master.WorkerRecord{
		{Slot: 0, PID: 4001, Status: master.StatusReady, SpawnedAt: now, LastHeartbeat: now, Restarts: 0},
		{Slot: 1, PID: 0, Status: master.StatusDead, Restarts: 3, Degraded: true},
	}}
}

func doRequest(t *testing.T, s *Server, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	w := httptest.NewRecorder()
	s.createHandler().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("cannot decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestRequiresBasicAuth(t *testing.T) {
	s := testServer(t, twoWorkerSupervisor(), nil)

	w := doRequest(t, s, "/server/workers/", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}

	req := httptest.NewRequest(http.MethodGet, "/server/workers/", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	s.createHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", rec.Code)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	s := testServer(t, twoWorkerSupervisor(), nil)

	w := doRequest(t, s, "/server/workers/", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["ResultCode"].(float64) != 0 {
		t.Errorf("ResultCode = %v", body["ResultCode"])
	}
	if body["LiveWorkers"].(float64) != 1 {
		t.Errorf("LiveWorkers = %v, want 1", body["LiveWorkers"])
	}

	workers, _ := body["Workers"].([]interface{})
	if len(workers) != 2 {
		t.Fatalf("Workers has %d entries, want 2", len(workers))
	}
	first, _ := workers[0].(map[string]interface{})
	if first["PID"].(float64) != 4001 || first["Status"] != "ready" {
		t.Errorf("workers[0] = %v", first)
	}
	second, _ := workers[1].(map[string]interface{})
	if second["Status"] != "dead" || second["Degraded"] != true {
		t.Errorf("workers[1] = %v", second)
	}
	if second["SpawnedAt"] != "" {
		t.Errorf("dead slot has SpawnedAt = %v", second["SpawnedAt"])
	}
}

func TestWorkerEndpoint(t *testing.T) {
	s := testServer(t, twoWorkerSupervisor(), nil)

	w := doRequest(t, s, "/server/worker/?slot=0", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	worker, _ := body["Worker"].(map[string]interface{})
	if worker["Slot"].(float64) != 0 || worker["PID"].(float64) != 4001 {
		t.Errorf("Worker = %v", worker)
	}
}

func TestWorkerEndpointBadSlot(t *testing.T) {
	s := testServer(t, twoWorkerSupervisor(), nil)

	if w := doRequest(t, s, "/server/worker/", true); w.Code != http.StatusBadRequest {
		t.Errorf("missing slot status = %d, want 400", w.Code)
	}
	if w := doRequest(t, s, "/server/worker/?slot=abc", true); w.Code != http.StatusBadRequest {
		t.Errorf("bad slot status = %d, want 400", w.Code)
	}

	// Out-of-range slots come back as a JSON error envelope, not an
	// HTTP error.
	w := doRequest(t, s, "/server/worker/?slot=9", true)
	if w.Code != http.StatusOK {
		t.Fatalf("out-of-range slot status = %d, want 200", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["ResultCode"].(float64) != 200 {
		t.Errorf("ResultCode = %v, want 200", body["ResultCode"])
	}
}

func TestEventsEndpointWithoutStore(t *testing.T) {
	s := testServer(t, twoWorkerSupervisor(), nil)

	w := doRequest(t, s, "/server/events/", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["ResultCode"].(float64) != 201 {
		t.Errorf("ResultCode = %v, want 201", body["ResultCode"])
	}
}

func TestEventsEndpointReadsStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "gserve.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := store.Event{Slot: i, PID: 100 + i, Kind: "spawned"}
		if err := st.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("RecordEvent() error: %v", err)
		}
	}

	s := testServer(t, twoWorkerSupervisor(), st)

	w := doRequest(t, s, "/server/events/?limit=2", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["ResultCode"].(float64) != 0 {
		t.Fatalf("ResultCode = %v, body %s", body["ResultCode"], w.Body.String())
	}
	events, _ := body["Events"].([]interface{})
	if len(events) != 2 {
		t.Errorf("Events has %d entries, want 2", len(events))
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, twoWorkerSupervisor(), nil)
	w := doRequest(t, s, "/server/health/", true)
	body := decodeEnvelope(t, w)
	if body["ResultCode"].(float64) != 0 || body["LiveWorkers"].(float64) != 1 {
		t.Errorf("health = %s", w.Body.String())
	}
}

func TestHealthEndpointNoLiveWorkers(t *testing.T) {
	sup := &fakeSupervisor{records: []master.WorkerRecord{
		{Slot: 0, Status: master.StatusDead},
	}}
	s := testServer(t, sup, nil)

	w := doRequest(t, s, "/server/health/", true)
	body := decodeEnvelope(t, w)
	if body["ResultCode"].(float64) != 203 {
		t.Errorf("ResultCode = %v, want 203", body["ResultCode"])
	}
	if body["ResultMessage"] != "No live workers" {
		t.Errorf("ResultMessage = %v", body["ResultMessage"])
	}
}
