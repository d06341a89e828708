package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/raysh454/kbcrawl/internal/auth"
	"github.com/raysh454/kbcrawl/internal/changes"
	"github.com/raysh454/kbcrawl/internal/classifier"
	"github.com/raysh454/kbcrawl/internal/contentstore"
	"github.com/raysh454/kbcrawl/internal/detector"
	"github.com/raysh454/kbcrawl/internal/fetcher"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/metrics"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/pipeline"
	"github.com/raysh454/kbcrawl/internal/registry"
	"github.com/raysh454/kbcrawl/internal/scheduler"
	"github.com/raysh454/kbcrawl/internal/server"
	"github.com/raysh454/kbcrawl/internal/session"
	"github.com/raysh454/kbcrawl/internal/sqlitedb"
	"github.com/raysh454/kbcrawl/internal/tracker"
	"github.com/raysh454/kbcrawl/internal/vault"
	"github.com/raysh454/kbcrawl/internal/webclient"
	"github.com/raysh454/kbcrawl/internal/worker"
)

// Application is the global runtime state container. It owns the database,
// the worker pool and every component wired on top of them. Pass it to the
// entry points that need the whole system rather than using package-level
// variables.
type Application struct {
	Config *Config
	Logger logging.Logger

	DB         *sql.DB
	Metrics    *metrics.Metrics
	Classifier *classifier.Classifier
	Vault      *vault.Vault
	Sessions   *session.CookieProvider
	Auth       *auth.Orchestrator
	Tracker    *tracker.SQLiteTracker
	Changes    *changes.Detector
	Content    *contentstore.LocalStorage
	Registry   *registry.Registry
	Processor  *pipeline.Processor
	Pool       *worker.Pool
	Scheduler  *scheduler.Scheduler
	Server     *server.Server

	Gatherer prometheus.Gatherer

	clients    []webclient.WebClient
	httpServer *http.Server
	started    bool
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *Config, logger logging.Logger) (_ *Application, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewLogger(os.Stdout, cfg.LogLevel, "kbcrawl")
	}
	a := &Application{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	root, err := cfg.ResolvedStorageRoot()
	if err != nil {
		return nil, fmt.Errorf("expanding storage root path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}

	a.DB, err = sqlitedb.Open(filepath.Join(root, "kbcrawl.db"))
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Gatherer = promReg
	a.Metrics = metrics.New(promReg)

	a.Classifier, err = classifier.New(cfg.DomainPatterns)
	if err != nil {
		return nil, fmt.Errorf("domain patterns: %w", err)
	}

	masterKey, err := cfg.DecodeMasterKey()
	if err != nil {
		return nil, err
	}
	a.Vault, err = vault.New(a.DB, masterKey, vault.Options{StaleThreshold: cfg.Vault.StaleThreshold}, logger)
	if err != nil {
		return nil, err
	}

	a.Sessions = session.NewCookieProvider(logger)
	for _, s := range cfg.SSOSessions {
		if err := a.Sessions.SetSession(s.Domain, s.Cookies, s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("sso session for %s: %w", s.Domain, err)
		}
	}

	f, err := a.buildFetcher()
	if err != nil {
		return nil, err
	}
	a.Auth = auth.New(f, detector.New(a.Classifier), a.Vault, a.Sessions, cfg.authConfig(), logger)

	a.Tracker, err = tracker.NewSQLiteTracker(a.DB, filepath.Join(root, "blobs"), logger)
	if err != nil {
		return nil, err
	}
	a.Changes = changes.New(a.Tracker, changes.Config{MajorChangeThreshold: cfg.Changes.MajorChangeThreshold}, logger)

	a.Content, err = contentstore.NewLocalStorage(filepath.Join(root, "content"), logger)
	if err != nil {
		return nil, err
	}

	a.Registry, err = registry.NewRegistry(a.DB, logger)
	if err != nil {
		return nil, err
	}

	a.Processor = pipeline.New(a.Classifier, a.Auth, a.Changes, a.Content, a.Metrics, logger)
	a.Pool = worker.NewPool(cfg.workerConfig(), logger)
	a.Metrics.RegisterPool(a.Pool)
	a.Scheduler = scheduler.New(a.Registry, a.Processor, a.Pool, cfg.schedulerConfig(), a.Metrics, logger)

	a.Server, err = server.NewServer(server.Config{
		ListenAddr: cfg.ListenAddr,
		Gatherer:   promReg,
		Logger:     logger.With(logging.Field{Key: "component", Value: "server"}),
	}, a.Scheduler, a.Registry, a.Vault)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildFetcher creates the static client and, when configured, the
// rendering client used for WaitForDynamicContent fetches.
func (a *Application) buildFetcher() (*fetcher.Fetcher, error) {
	cfg := a.Config
	static, err := webclient.NewWebClient(cfg.webClientConfig(webclient.ClientNetHTTP), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating web client: %w", err)
	}
	a.clients = append(a.clients, static)

	var renderer webclient.WebClient
	if cfg.WebClient.EnableRenderer || webclient.Client(cfg.WebClient.Client) == webclient.ClientChromedp {
		renderer, err = webclient.NewWebClient(cfg.webClientConfig(webclient.ClientChromedp), a.Logger)
		if err != nil {
			return nil, fmt.Errorf("creating renderer: %w", err)
		}
		a.clients = append(a.clients, renderer)
	}
	return fetcher.New(static, renderer, fetcher.Config{MaxRedirects: cfg.WebClient.MaxRedirects}, a.Logger)
}

// Start launches the worker pool and the scheduler.
func (a *Application) Start(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	if err := a.Pool.Start(); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		_ = a.Pool.Stop(ctx)
		return err
	}
	a.started = true
	a.Logger.Info("application started",
		logging.Field{Key: "pool_size", Value: a.Pool.Size()},
		logging.Field{Key: "domain_patterns", Value: len(a.Config.DomainPatterns)})
	return nil
}

// Serve starts the application and the HTTP API and blocks until ctx is
// done, then shuts everything down.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.httpServer = a.Server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", logging.Field{Key: "addr", Value: a.httpServer.Addr})
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops accepting requests, lets running jobs record their runs and
// releases every resource.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")

	var errs []error
	if a.httpServer != nil {
		errs = append(errs, a.httpServer.Shutdown(ctx))
	}
	if a.started {
		errs = append(errs, a.Scheduler.Stop(ctx))
		errs = append(errs, a.Pool.Stop(ctx))
		a.started = false
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *Application) close() error {
	var errs []error
	for _, c := range a.clients {
		errs = append(errs, c.Close())
	}
	a.clients = nil
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
		a.DB = nil
	}
	return errors.Join(errs...)
}

// ScrapeURL processes a single URL outside any job, for diagnostics.
func (a *Application) ScrapeURL(ctx context.Context, tenantID, rawURL string, dynamic bool) model.ScrapeResult {
	return a.Processor.Process(ctx, pipeline.Task{
		TenantID:              tenantID,
		URL:                   rawURL,
		WaitForDynamicContent: dynamic,
		Ledger:                auth.NewAttemptLedger(),
	})
}
