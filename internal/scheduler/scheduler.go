// Package scheduler runs ScrapeJobs on their cadence and on demand. URL
// tasks of every run execute on one shared worker pool; each run is further
// bounded by its job's ConcurrencyLimit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/raysh454/kbcrawl/internal/auth"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/metrics"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/pipeline"
	"github.com/raysh454/kbcrawl/internal/registry"
	"github.com/raysh454/kbcrawl/internal/worker"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrJobInactive     = errors.New("job is inactive")
	ErrNoActiveRun     = errors.New("job has no active run")
	ErrNotStarted      = errors.New("scheduler is not started")
)

const (
	SourceManual = "manual"
	SourceCron   = "cron"
)

// JobStore persists job definitions and run history.
type JobStore interface {
	SaveJob(ctx context.Context, job *model.ScrapeJob) error
	GetJob(ctx context.Context, id string) (*model.ScrapeJob, error)
	ListJobs(ctx context.Context, tenantID string) ([]*model.ScrapeJob, error)
	SetActive(ctx context.Context, id string, active bool) error
	InsertRun(ctx context.Context, run *model.JobRun) error
	FinishRun(ctx context.Context, run *model.JobRun) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error)
	LatestRun(ctx context.Context, jobID string) (*model.JobRun, error)
}

// Processor handles one URL task. It must not return until the URL is done.
type Processor interface {
	Process(ctx context.Context, task pipeline.Task) model.ScrapeResult
}

type Config struct {
	// WaitForDynamicContent renders every target in the browser backend.
	WaitForDynamicContent bool
	// FinishTimeout bounds the write of a finished run.
	FinishTimeout time.Duration
	// EventBuffer is the per-subscriber channel size. Slow subscribers miss
	// events rather than block runs.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression or descriptor such as "@every 6h".
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	return nil
}

type activeRun struct {
	run     model.JobRun
	cancel  context.CancelFunc
	done    chan struct{}
	final   *model.JobRun
	running atomic.Bool
}

type Scheduler struct {
	store   JobStore
	proc    Processor
	pool    *worker.Pool
	cron    *cron.Cron
	cfg     Config
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time

	mu         sync.Mutex
	started    bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	entries    map[string]cron.EntryID
	active     map[string]*activeRun
	subs       map[string]map[int]chan RunEvent
	nextSub    int
	wg         sync.WaitGroup
}

// New wires a Scheduler. The pool is shared with nothing else and must be
// started by the caller. m may be nil.
func New(store JobStore, proc Processor, pool *worker.Pool, cfg Config, m *metrics.Metrics, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	logger = logger.With(logging.Field{Key: "component", Value: "scheduler"})
	cl := cronLogger{logger}
	return &Scheduler{
		store:   store,
		proc:    proc,
		pool:    pool,
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
		active:  make(map[string]*activeRun),
		subs:    make(map[string]map[int]chan RunEvent),
	}
}

// Start registers every active job with a schedule and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.started = true
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	scheduled := 0
	for _, job := range jobs {
		ok, err := s.register(job)
		if err != nil {
			s.logger.Warn("skipping job with invalid schedule",
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "error", Value: err})
			continue
		}
		if ok {
			scheduled++
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", logging.Field{Key: "scheduled_jobs", Value: scheduled})
	return nil
}

// Stop halts the cron loop, cancels in-flight runs and waits for them to be
// recorded, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.baseCancel()
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// Schedule saves job and (re)registers its cadence. Inactive jobs and jobs
// without a schedule are stored but only run when triggered.
func (s *Scheduler) Schedule(ctx context.Context, job *model.ScrapeJob) error {
	if job.Schedule != "" {
		if err := ValidateSchedule(job.Schedule); err != nil {
			return err
		}
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}
	_, err := s.register(job)
	return err
}

func (s *Scheduler) register(job *model.ScrapeJob) (bool, error) {
	s.Unschedule(job.ID)
	if !job.IsActive || job.Schedule == "" {
		return false, nil
	}
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Schedule, func() { s.cronTick(jobID) })
	if err != nil {
		return false, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, job.Schedule, err)
	}
	s.mu.Lock()
	s.entries[jobID] = id
	s.mu.Unlock()
	s.logger.Debug("job scheduled",
		logging.Field{Key: "job_id", Value: jobID},
		logging.Field{Key: "schedule", Value: job.Schedule})
	return true, nil
}

// Unschedule removes the job's cadence. Runs in flight are not affected.
func (s *Scheduler) Unschedule(jobID string) {
	s.mu.Lock()
	id, ok := s.entries[jobID]
	delete(s.entries, jobID)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

func (s *Scheduler) cronTick(jobID string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, _, err := s.trigger(ctx, jobID, SourceCron); err != nil {
		s.logger.Error("scheduled trigger failed",
			logging.Field{Key: "job_id", Value: jobID},
			logging.Field{Key: "error", Value: err})
	}
}

// Trigger starts a run of the job and returns it without waiting for it to
// finish. If the job is already running the in-flight run is returned and
// no new run is started.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (*model.JobRun, error) {
	run, _, err := s.trigger(ctx, jobID, SourceManual)
	return run, err
}

// TriggerAndWait is Trigger followed by waiting for the run to finish.
func (s *Scheduler) TriggerAndWait(ctx context.Context, jobID string) (*model.JobRun, error) {
	_, ar, err := s.trigger(ctx, jobID, SourceManual)
	if err != nil {
		return nil, err
	}
	select {
	case <-ar.done:
		run := *ar.final
		return &run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) trigger(ctx context.Context, jobID, source string) (*model.JobRun, *activeRun, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !job.IsActive {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobInactive, jobID)
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, nil, ErrNotStarted
	}
	if ar, ok := s.active[jobID]; ok {
		run := ar.run
		s.mu.Unlock()
		s.metrics.RecordTrigger(source, true)
		s.logger.Info("trigger coalesced into running run",
			logging.Field{Key: "job_id", Value: jobID},
			logging.Field{Key: "run_id", Value: run.ID},
			logging.Field{Key: "source", Value: source})
		return &run, ar, nil
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	ar := &activeRun{
		run: model.JobRun{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			TenantID:  job.TenantID,
			StartedAt: s.now().UTC().Truncate(time.Millisecond),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active[jobID] = ar
	s.wg.Add(1)
	s.mu.Unlock()

	inserted := ar.run
	if err := s.store.InsertRun(ctx, &inserted); err != nil {
		s.mu.Lock()
		delete(s.active, jobID)
		s.mu.Unlock()
		cancel()
		ar.final = &ar.run
		close(ar.done)
		s.wg.Done()
		return nil, nil, fmt.Errorf("start run: %w", err)
	}

	s.metrics.RecordTrigger(source, false)
	s.logger.Info("run started",
		logging.Field{Key: "job_id", Value: jobID},
		logging.Field{Key: "run_id", Value: ar.run.ID},
		logging.Field{Key: "source", Value: source},
		logging.Field{Key: "urls", Value: len(job.TargetURLs)})

	go s.execute(runCtx, job, ar)
	run := ar.run
	return &run, ar, nil
}

// execute fans the job's URLs out to the pool and records the run once all
// dispatched tasks have returned. Cancelling runCtx stops dispatch; tasks
// already dispatched run to completion on a detached context.
func (s *Scheduler) execute(runCtx context.Context, job *model.ScrapeJob, ar *activeRun) {
	defer s.wg.Done()
	start := s.now()
	s.metrics.RunStarted()
	s.emit(RunEvent{Type: EventRunStarted, JobID: job.ID, RunID: ar.run.ID, Run: copyRun(&ar.run)})

	limit := job.ConcurrencyLimit
	if limit <= 0 {
		limit = registry.DefaultConcurrencyLimit
	}
	var (
		results    = make([]model.ScrapeResult, len(job.TargetURLs))
		dispatched = make([]bool, len(job.TargetURLs))
		sem        = make(chan struct{}, limit)
		ledger     = auth.NewAttemptLedger()
		taskCtx    = context.WithoutCancel(runCtx)
		aborted    bool
		wg         sync.WaitGroup
	)

dispatch:
	for i, u := range job.TargetURLs {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break dispatch
		}
		if runCtx.Err() != nil {
			<-sem
			break
		}
		task := pipeline.Task{
			JobID:                 job.ID,
			RunID:                 ar.run.ID,
			TenantID:              job.TenantID,
			URL:                   u,
			WaitForDynamicContent: s.cfg.WaitForDynamicContent,
			Ledger:                ledger,
		}
		wg.Add(1)
		err := s.pool.Submit(runCtx, func() {
			defer wg.Done()
			defer func() { <-sem }()
			ar.running.Store(true)
			results[i] = s.process(taskCtx, task)
			res := results[i]
			s.emit(RunEvent{Type: EventURLFinished, JobID: job.ID, RunID: ar.run.ID, Result: &res})
		})
		if err != nil {
			wg.Done()
			<-sem
			if !errors.Is(err, context.Canceled) {
				aborted = true
				s.logger.Error("dispatch failed",
					logging.Field{Key: "run_id", Value: ar.run.ID},
					logging.Field{Key: "error", Value: err})
			}
			break
		}
		dispatched[i] = true
	}
	wg.Wait()

	cancelled := runCtx.Err() != nil || aborted
	final := ar.run
	final.Cancelled = cancelled
	for i, u := range job.TargetURLs {
		if !dispatched[i] {
			results[i] = model.ScrapeResult{
				URL:        u,
				Error:      model.ResultErrorFrom(model.NewScrapeError(model.KindCancelled, u, context.Canceled)),
				FinishedAt: s.now().UTC(),
			}
		}
		if results[i].SaveError != "" {
			final.SaveFailures++
		}
	}
	final.PerURLResults = results
	final.Outcome = model.DeriveOutcome(results, cancelled)
	finishedAt := s.now().UTC().Truncate(time.Millisecond)
	final.FinishedAt = &finishedAt

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinishTimeout)
	if err := s.store.FinishRun(ctx, &final); err != nil {
		s.logger.Error("failed to record finished run",
			logging.Field{Key: "run_id", Value: final.ID},
			logging.Field{Key: "error", Value: err})
	}
	cancel()

	s.metrics.RunFinished(&final, s.now().Sub(start).Seconds())
	s.logger.Info("run finished",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "run_id", Value: final.ID},
		logging.Field{Key: "outcome", Value: final.Outcome},
		logging.Field{Key: "cancelled", Value: final.Cancelled},
		logging.Field{Key: "save_failures", Value: final.SaveFailures})

	s.mu.Lock()
	delete(s.active, job.ID)
	s.mu.Unlock()
	ar.cancel()
	ar.final = &final
	close(ar.done)
	s.emit(RunEvent{Type: EventRunFinished, JobID: job.ID, RunID: final.ID, Run: copyRun(&final)})
}

// process shields the run from a panicking processor.
func (s *Scheduler) process(ctx context.Context, task pipeline.Task) (res model.ScrapeResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("url task panicked",
				logging.Field{Key: "url", Value: task.URL},
				logging.Field{Key: "panic", Value: r})
			res = model.ScrapeResult{
				URL:        task.URL,
				Error:      model.ResultErrorFrom(model.NewScrapeError(model.KindFetchError, task.URL, fmt.Errorf("panic: %v", r))),
				FinishedAt: s.now().UTC(),
			}
		}
	}()
	return s.proc.Process(ctx, task)
}

// Cancel stops dispatching the job's in-flight run. URLs already being
// processed finish normally; the rest are recorded as cancelled.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	ar, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, jobID)
	}
	ar.cancel()
	s.logger.Info("run cancelled",
		logging.Field{Key: "job_id", Value: jobID},
		logging.Field{Key: "run_id", Value: ar.run.ID})
	return nil
}

// Deactivate marks the job inactive, removes its cadence and cancels its
// in-flight run if any.
func (s *Scheduler) Deactivate(ctx context.Context, jobID string) error {
	if err := s.store.SetActive(ctx, jobID, false); err != nil {
		return err
	}
	s.Unschedule(jobID)
	if err := s.Cancel(jobID); err != nil && !errors.Is(err, ErrNoActiveRun) {
		return err
	}
	return nil
}

// JobStatus derives the job's status: queued or running while a run is in
// flight, otherwise failed if the latest run failed and idle in every other
// case.
func (s *Scheduler) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	s.mu.Lock()
	ar, ok := s.active[jobID]
	s.mu.Unlock()
	if ok {
		if ar.running.Load() {
			return model.JobRunning, nil
		}
		return model.JobQueued, nil
	}

	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return "", err
	}
	latest, err := s.store.LatestRun(ctx, jobID)
	if errors.Is(err, registry.ErrRunNotFound) {
		return model.JobIdle, nil
	}
	if err != nil {
		return "", err
	}
	if latest.Finished() && latest.Outcome == model.OutcomeFailure {
		return model.JobFailed, nil
	}
	return model.JobIdle, nil
}

// ListRuns returns the job's run history, newest first. limit <= 0 returns
// everything.
func (s *Scheduler) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, jobID, limit)
}

// ActiveRun returns a copy of the job's in-flight run.
func (s *Scheduler) ActiveRun(jobID string) (*model.JobRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.active[jobID]
	if !ok {
		return nil, false
	}
	run := ar.run
	return &run, true
}

func copyRun(r *model.JobRun) *model.JobRun {
	cp := *r
	if r.PerURLResults != nil {
		cp.PerURLResults = append([]model.ScrapeResult(nil), r.PerURLResults...)
	}
	return &cp
}
