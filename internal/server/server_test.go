package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/kbcrawl/internal/metrics"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/pipeline"
	"github.com/raysh454/kbcrawl/internal/registry"
	"github.com/raysh454/kbcrawl/internal/scheduler"
	"github.com/raysh454/kbcrawl/internal/server"
	"github.com/raysh454/kbcrawl/internal/sqlitedb"
	"github.com/raysh454/kbcrawl/internal/testutil"
	"github.com/raysh454/kbcrawl/internal/vault"
	"github.com/raysh454/kbcrawl/internal/worker"
)

// gatedProcessor holds every URL task until release is closed.
type gatedProcessor struct {
	release chan struct{}
}

func (p *gatedProcessor) Process(_ context.Context, task pipeline.Task) model.ScrapeResult {
	if p.release != nil {
		<-p.release
	}
	return model.ScrapeResult{URL: task.URL, ContentClassification: model.ContentPublic}
}

func newTestServer(t *testing.T, proc scheduler.Processor) *server.Server {
	t.Helper()

	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "kbcrawl.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := &testutil.DummyLogger{}

	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v, err := vault.New(db, []byte("0123456789abcdef0123456789abcdef"), vault.Options{}, logger)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	pool := worker.NewPool(worker.Config{PoolSize: 4}, logger)
	if err := pool.Start(); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	sched := scheduler.New(reg, proc, pool, scheduler.Config{}, m, logger)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
		_ = pool.Stop(ctx)
	})

	s, err := server.NewServer(server.Config{ListenAddr: ":0", Gatherer: promReg, Logger: logger}, sched, reg, v)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

func createJob(t *testing.T, s http.Handler, body string) model.ScrapeJob {
	t.Helper()
	rec := doJSON(t, s, "POST", "/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: %d %s", rec.Code, rec.Body.String())
	}
	var job model.ScrapeJob
	decodeJSON(t, rec, &job)
	return job
}

func waitForStatus(t *testing.T, s http.Handler, jobID string, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, s, "GET", "/jobs/"+jobID+"/status", "")
		var resp server.JobStatusResponse
		decodeJSON(t, rec, &resp)
		if resp.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
}

// ─── Ops ───────────────────────────────────────────────────────────────

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})

	if rec := doJSON(t, s, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	rec := doJSON(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "kbcrawl_scheduler_runs_in_flight") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestServer_CORS_HeaderPresent(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})

	rec := doJSON(t, s, "GET", "/jobs", "")
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin *, got %q", origin)
	}
}

// ─── Jobs ──────────────────────────────────────────────────────────────

func TestServer_CreateJob_Validation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid JSON", `{invalid}`, http.StatusBadRequest},
		{"no tenant", `{"target_urls":["https://a.example.com/"]}`, http.StatusBadRequest},
		{"bad schedule", `{"tenant_id":"t1","target_urls":["https://a.example.com/"],"schedule":"sometimes"}`, http.StatusBadRequest},
		{"valid", `{"tenant_id":"t1","target_urls":["https://a.example.com/"],"schedule":"@every 6h"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		if rec := doJSON(t, s, "POST", "/jobs", tt.body); rec.Code != tt.want {
			t.Errorf("%s: got %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestServer_TriggerStatusRuns(t *testing.T) {
	t.Parallel()
	proc := &gatedProcessor{release: make(chan struct{})}
	s := newTestServer(t, proc)
	job := createJob(t, s, `{"tenant_id":"t1","target_urls":["https://a.example.com/","https://b.example.com/"]}`)

	rec := doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger = %d %s", rec.Code, rec.Body.String())
	}
	var run model.JobRun
	decodeJSON(t, rec, &run)

	rec = doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger", "")
	var again model.JobRun
	decodeJSON(t, rec, &again)
	if again.ID != run.ID {
		t.Errorf("second trigger started run %s, want coalesced %s", again.ID, run.ID)
	}

	waitForStatus(t, s, job.ID, model.JobRunning)
	close(proc.release)
	waitForStatus(t, s, job.ID, model.JobIdle)

	rec = doJSON(t, s, "GET", "/jobs/"+job.ID+"/runs?limit=5", "")
	var runs []model.JobRun
	decodeJSON(t, rec, &runs)
	if len(runs) != 1 || runs[0].ID != run.ID || runs[0].Outcome != model.OutcomeSuccess || len(runs[0].PerURLResults) != 2 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestServer_TriggerAndWait(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})
	job := createJob(t, s, `{"tenant_id":"t1","target_urls":["https://a.example.com/","https://b.example.com/"]}`)

	rec := doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger?wait=true = %d %s", rec.Code, rec.Body.String())
	}
	var run model.JobRun
	decodeJSON(t, rec, &run)
	if run.FinishedAt == nil || run.Outcome != model.OutcomeSuccess || len(run.PerURLResults) != 2 {
		t.Errorf("run = %+v, want finished success with 2 results", run)
	}

	if rec := doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger?wait=sometimes", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad wait value = %d", rec.Code)
	}
}

func TestServer_CancelAndDeactivate(t *testing.T) {
	t.Parallel()
	proc := &gatedProcessor{release: make(chan struct{})}
	s := newTestServer(t, proc)
	job := createJob(t, s, `{"tenant_id":"t1","target_urls":["https://a.example.com/"]}`)

	if rec := doJSON(t, s, "DELETE", "/jobs/"+job.ID+"/run", ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel with nothing running = %d", rec.Code)
	}
	doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger", "")
	if rec := doJSON(t, s, "DELETE", "/jobs/"+job.ID+"/run", ""); rec.Code != http.StatusAccepted {
		t.Errorf("cancel = %d %s", rec.Code, rec.Body.String())
	}
	close(proc.release)
	waitForStatus(t, s, job.ID, model.JobFailed)

	if rec := doJSON(t, s, "POST", "/jobs/"+job.ID+"/deactivate", ""); rec.Code != http.StatusNoContent {
		t.Errorf("deactivate = %d", rec.Code)
	}
	if rec := doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger", ""); rec.Code != http.StatusConflict {
		t.Errorf("trigger inactive = %d", rec.Code)
	}
}

func TestServer_UnknownJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})

	for _, path := range []string{"/jobs/missing", "/jobs/missing/status", "/jobs/missing/runs"} {
		if rec := doJSON(t, s, "GET", path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
	if rec := doJSON(t, s, "POST", "/jobs/missing/trigger", ""); rec.Code != http.StatusNotFound {
		t.Errorf("trigger unknown = %d", rec.Code)
	}
}

// ─── Credentials ───────────────────────────────────────────────────────

func TestServer_Credentials(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})

	rec := doJSON(t, s, "POST", "/credentials",
		`{"tenant_id":"t1","domain":"Launchpad.Support.SAP.com","auth_type":"form","payload":{"username":"alice","password":"s3cret"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert = %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Fatal("response leaked the secret")
	}
	var cred model.Credential
	decodeJSON(t, rec, &cred)
	if cred.DomainKey != "launchpad.support.sap.com" {
		t.Errorf("domain key = %s", cred.DomainKey)
	}

	rec = doJSON(t, s, "GET", "/credentials?tenant=t1", "")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "s3cret") {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, s, "POST", "/credentials", `{"tenant_id":"t1","domain":"x.com","auth_type":"kerberos"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad auth type = %d", rec.Code)
	}
	if rec := doJSON(t, s, "DELETE", "/credentials/"+cred.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := doJSON(t, s, "DELETE", "/credentials/"+cred.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────────

func TestServer_JobEventsWS(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &gatedProcessor{})
	job := createJob(t, s, `{"tenant_id":"t1","target_urls":["https://a.example.com/"]}`)

	ts := httptest.NewServer(s)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + job.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	time.Sleep(50 * time.Millisecond)
	if rec := doJSON(t, s, "POST", "/jobs/"+job.ID+"/trigger", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("trigger = %d", rec.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var types []scheduler.EventType
	for {
		var ev scheduler.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v (so far %v)", err, types)
		}
		types = append(types, ev.Type)
		if ev.Type == scheduler.EventRunFinished {
			break
		}
	}
	if types[0] != scheduler.EventRunStarted || len(types) != 3 {
		t.Errorf("events = %v", types)
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/jobs/missing/events", nil); err == nil {
		t.Error("dial for unknown job succeeded")
	}
}
