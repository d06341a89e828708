package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/registry"
	"github.com/raysh454/kbcrawl/internal/scheduler"
	"github.com/raysh454/kbcrawl/internal/vault"
)

// JobScheduler is the scheduler surface the API drives.
type JobScheduler interface {
	Schedule(ctx context.Context, job *model.ScrapeJob) error
	Trigger(ctx context.Context, jobID string) (*model.JobRun, error)
	TriggerAndWait(ctx context.Context, jobID string) (*model.JobRun, error)
	Cancel(jobID string) error
	Deactivate(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (model.JobStatus, error)
	ActiveRun(jobID string) (*model.JobRun, bool)
	ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error)
	Subscribe(jobID string) (<-chan scheduler.RunEvent, func())
}

type JobReader interface {
	GetJob(ctx context.Context, id string) (*model.ScrapeJob, error)
	ListJobs(ctx context.Context, tenantID string) ([]*model.ScrapeJob, error)
}

// CredentialManager stores and lists credentials. Plaintext only flows in.
type CredentialManager interface {
	Upsert(ctx context.Context, tenantID, domainKey string, authType model.AuthType, payload model.CredentialPayload) (*model.Credential, error)
	List(ctx context.Context, tenantID string) ([]*model.Credential, error)
	Delete(ctx context.Context, credentialID string) error
}

// Server is the HTTP + WebSocket ops API for the scraping pipeline.
type Server struct {
	cfg         Config
	scheduler   JobScheduler
	jobs        JobReader
	credentials CredentialManager
	router      chi.Router
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// NewServer wires the routes. credentials may be nil, which disables the
// credential endpoints.
func NewServer(cfg Config, sched JobScheduler, jobs JobReader, credentials CredentialManager) (*Server, error) {
	if sched == nil || jobs == nil {
		return nil, errors.New("server: scheduler and job reader are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("server")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:         cfg,
		scheduler:   sched,
		jobs:        jobs,
		credentials: credentials,
		router:      chi.NewRouter(),
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the host's ops console origin once it has one
				return true
			},
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	r.Options("/jobs", s.optionsHandler("GET, POST"))
	r.Options("/jobs/{jobID}/trigger", s.optionsHandler("POST"))
	r.Options("/jobs/{jobID}/run", s.optionsHandler("DELETE"))
	r.Options("/credentials", s.optionsHandler("GET, POST"))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	// Jobs
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Get("/jobs/{jobID}/status", s.handleJobStatus)
	r.Get("/jobs/{jobID}/runs", s.handleListRuns)
	r.Post("/jobs/{jobID}/trigger", s.handleTrigger)
	r.Delete("/jobs/{jobID}/run", s.handleCancelRun)
	r.Post("/jobs/{jobID}/deactivate", s.handleDeactivate)

	// Credentials
	r.Post("/credentials", s.handleUpsertCredential)
	r.Get("/credentials", s.handleListCredentials)
	r.Delete("/credentials/{credentialID}", s.handleDeleteCredential)

	// WebSocket run events
	r.Get("/ws/jobs/{jobID}/events", s.handleJobEventsWS)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler. Request bodies are never logged since
// they may carry credentials.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}
	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}
	s.logger.Debug("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrJobNotFound), errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidJob), errors.Is(err, scheduler.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrJobInactive), errors.Is(err, scheduler.ErrNoActiveRun):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(what, logging.Field{Key: "error", Value: err.Error()})
	} else {
		s.logger.Warn(what, logging.Field{Key: "error", Value: err.Error()})
	}
	writeError(w, status, err.Error())
}

// --- HTTP handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Jobs

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.logger.Warn("decoding create job body", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job := &model.ScrapeJob{
		TenantID:         body.TenantID,
		TargetURLs:       body.TargetURLs,
		Schedule:         body.Schedule,
		ConcurrencyLimit: body.ConcurrencyLimit,
		IsActive:         body.IsActive == nil || *body.IsActive,
	}
	if err := s.scheduler.Schedule(r.Context(), job); err != nil {
		s.fail(w, "creating job", err)
		return
	}
	s.logger.Info("created job",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "tenant_id", Value: job.TenantID},
		logging.Field{Key: "urls", Value: len(job.TargetURLs)})
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		s.fail(w, "listing jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, "getting job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	status, err := s.scheduler.JobStatus(r.Context(), jobID)
	if err != nil {
		s.fail(w, "getting job status", err)
		return
	}
	resp := JobStatusResponse{JobID: jobID, Status: status}
	if run, ok := s.scheduler.ActiveRun(jobID); ok {
		resp.ActiveRun = run
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}
	runs, err := s.scheduler.ListRuns(r.Context(), jobID, limit)
	if err != nil {
		s.fail(w, "listing runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleTrigger starts a run. With ?wait=true the response is held until the
// run finishes and carries its final state.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		wait = b
	}

	trigger, status := s.scheduler.Trigger, http.StatusAccepted
	if wait {
		trigger, status = s.scheduler.TriggerAndWait, http.StatusOK
	}
	run, err := trigger(r.Context(), jobID)
	if err != nil {
		s.fail(w, "triggering job", err)
		return
	}
	s.logger.Info("triggered job",
		logging.Field{Key: "job_id", Value: jobID},
		logging.Field{Key: "run_id", Value: run.ID},
		logging.Field{Key: "wait", Value: wait})
	writeJSON(w, status, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.scheduler.Cancel(jobID); err != nil {
		s.fail(w, "cancelling run", err)
		return
	}
	s.logger.Info("cancelled run", logging.Field{Key: "job_id", Value: jobID})
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.scheduler.Deactivate(r.Context(), jobID); err != nil {
		s.fail(w, "deactivating job", err)
		return
	}
	s.logger.Info("deactivated job", logging.Field{Key: "job_id", Value: jobID})
	writeJSON(w, http.StatusNoContent, nil)
}

// Credentials

func (s *Server) handleUpsertCredential(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		writeError(w, http.StatusNotImplemented, "credential vault not configured")
		return
	}
	var body UpsertCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	authType, err := model.ParseAuthType(body.AuthType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.TenantID == "" || body.Domain == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and domain are required")
		return
	}
	cred, err := s.credentials.Upsert(r.Context(), body.TenantID, body.Domain, authType, body.Payload)
	if err != nil {
		s.fail(w, "storing credential", err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		writeError(w, http.StatusNotImplemented, "credential vault not configured")
		return
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "missing tenant query parameter")
		return
	}
	creds, err := s.credentials.List(r.Context(), tenant)
	if err != nil {
		s.fail(w, "listing credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		writeError(w, http.StatusNotImplemented, "credential vault not configured")
		return
	}
	id := chi.URLParam(r, "credentialID")
	if err := s.credentials.Delete(r.Context(), id); err != nil {
		s.fail(w, "deleting credential", err)
		return
	}
	s.logger.Info("deleted credential", logging.Field{Key: "credential_id", Value: id})
	writeJSON(w, http.StatusNoContent, nil)
}

// WebSockets

// handleJobEventsWS streams run events of one job until the client goes
// away. Closing the stream does not affect the run.
func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.jobs.GetJob(r.Context(), jobID); err != nil {
		s.fail(w, "subscribing to job events", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	events, unsubscribe := s.scheduler.Subscribe(jobID)
	defer unsubscribe()

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("streaming job events", logging.Field{Key: "job_id", Value: jobID})
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
