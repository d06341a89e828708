package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/pipeline"
	"github.com/raysh454/kbcrawl/internal/registry"
	"github.com/raysh454/kbcrawl/internal/scheduler"
	"github.com/raysh454/kbcrawl/internal/sqlitedb"
	"github.com/raysh454/kbcrawl/internal/testutil"
	"github.com/raysh454/kbcrawl/internal/worker"
)

// fakeProcessor records calls and delegates to fn, succeeding by default.
type fakeProcessor struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, task pipeline.Task) model.ScrapeResult
	calls   []string
	current int
	peak    int
}

func (p *fakeProcessor) Process(ctx context.Context, task pipeline.Task) model.ScrapeResult {
	p.mu.Lock()
	p.calls = append(p.calls, task.URL)
	p.current++
	if p.current > p.peak {
		p.peak = p.current
	}
	fn := p.fn
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.current--
		p.mu.Unlock()
	}()
	if fn != nil {
		return fn(ctx, task)
	}
	return model.ScrapeResult{URL: task.URL, ContentClassification: model.ContentPublic}
}

func (p *fakeProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func failed(url string, kind model.ErrorKind) model.ScrapeResult {
	return model.ScrapeResult{URL: url, Error: &model.ResultError{Kind: kind, Message: string(kind)}}
}

func newScheduler(t *testing.T, proc scheduler.Processor) (*scheduler.Scheduler, *registry.Registry) {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "kbcrawl.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := registry.NewRegistry(db, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	pool := worker.NewPool(worker.Config{PoolSize: 8}, &testutil.DummyLogger{})
	if err := pool.Start(); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	s := scheduler.New(reg, proc, pool, scheduler.Config{}, nil, &testutil.DummyLogger{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = pool.Stop(ctx)
	})
	return s, reg
}

func newJob(t *testing.T, s *scheduler.Scheduler, limit int, urls ...string) *model.ScrapeJob {
	t.Helper()
	job := &model.ScrapeJob{TenantID: "t1", TargetURLs: urls, ConcurrencyLimit: limit, IsActive: true}
	if err := s.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return job
}

func waitIdle(t *testing.T, s *scheduler.Scheduler, jobID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.ActiveRun(jobID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run of %s did not finish", jobID)
}

func latestRun(t *testing.T, reg *registry.Registry, jobID string) *model.JobRun {
	t.Helper()
	run, err := reg.LatestRun(context.Background(), jobID)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	return run
}

// blocker holds the first URL task until released.
type blocker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) process(ctx context.Context, task pipeline.Task) model.ScrapeResult {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-b.release
	}
	if ctx.Err() != nil {
		return failed(task.URL, model.KindFetchError)
	}
	return model.ScrapeResult{URL: task.URL, ContentClassification: model.ContentPublic}
}

func (b *blocker) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never started")
	}
}

// ─── Outcomes ──────────────────────────────────────────────────────────

func TestRun_Outcomes(t *testing.T) {
	t.Parallel()
	urls := []string{"https://a.example.com/", "https://b.example.com/", "https://c.example.com/"}
	tests := []struct {
		name    string
		failing map[string]bool
		want    model.RunOutcome
	}{
		{"all succeed", nil, model.OutcomeSuccess},
		{"one of three fails", map[string]bool{urls[1]: true}, model.OutcomePartialFailure},
		{"all fail", map[string]bool{urls[0]: true, urls[1]: true, urls[2]: true}, model.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proc := &fakeProcessor{fn: func(_ context.Context, task pipeline.Task) model.ScrapeResult {
				if tt.failing[task.URL] {
					return failed(task.URL, model.KindLoginLoop)
				}
				return model.ScrapeResult{URL: task.URL, ContentClassification: model.ContentPublic}
			}}
			s, reg := newScheduler(t, proc)
			job := newJob(t, s, 0, urls...)

			run, err := s.TriggerAndWait(context.Background(), job.ID)
			if err != nil {
				t.Fatalf("TriggerAndWait: %v", err)
			}
			if run.Outcome != tt.want || run.Cancelled {
				t.Errorf("outcome = %s cancelled=%v, want %s", run.Outcome, run.Cancelled, tt.want)
			}
			if len(run.PerURLResults) != 3 {
				t.Fatalf("results = %d, want 3", len(run.PerURLResults))
			}
			for i, res := range run.PerURLResults {
				if res.URL != urls[i] {
					t.Errorf("result %d url = %s", i, res.URL)
				}
				if (res.Error != nil) != tt.failing[urls[i]] {
					t.Errorf("result %d error = %+v", i, res.Error)
				}
			}

			stored := latestRun(t, reg, job.ID)
			if stored.ID != run.ID || !stored.Finished() || stored.Outcome != tt.want || len(stored.PerURLResults) != 3 {
				t.Errorf("stored run = %+v", stored)
			}
		})
	}
}

func TestRun_SharesLedgerAcrossURLs(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		ledgers = map[any]int{}
	)
	proc := &fakeProcessor{fn: func(_ context.Context, task pipeline.Task) model.ScrapeResult {
		mu.Lock()
		ledgers[task.Ledger]++
		mu.Unlock()
		if task.Ledger == nil || task.RunID == "" || task.TenantID != "t1" {
			return failed(task.URL, model.KindFetchError)
		}
		return model.ScrapeResult{URL: task.URL}
	}}
	s, _ := newScheduler(t, proc)
	job := newJob(t, s, 2, "https://a.example.com/1", "https://a.example.com/2", "https://a.example.com/3")

	run, err := s.TriggerAndWait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if run.Outcome != model.OutcomeSuccess {
		t.Errorf("outcome = %s", run.Outcome)
	}
	if len(ledgers) != 1 {
		t.Errorf("distinct ledgers = %d, want 1", len(ledgers))
	}
}

func TestRun_SaveFailuresCounted(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{fn: func(_ context.Context, task pipeline.Task) model.ScrapeResult {
		return model.ScrapeResult{URL: task.URL, SaveError: "SaveError: disk full"}
	}}
	s, _ := newScheduler(t, proc)
	job := newJob(t, s, 0, "https://a.example.com/", "https://b.example.com/")

	run, err := s.TriggerAndWait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if run.Outcome != model.OutcomeSuccess || run.SaveFailures != 2 {
		t.Errorf("run = outcome %s save_failures %d", run.Outcome, run.SaveFailures)
	}
}

func TestRun_PanickingProcessorFailsOnlyThatURL(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{fn: func(_ context.Context, task pipeline.Task) model.ScrapeResult {
		if task.URL == "https://b.example.com/" {
			panic("boom")
		}
		return model.ScrapeResult{URL: task.URL}
	}}
	s, _ := newScheduler(t, proc)
	job := newJob(t, s, 0, "https://a.example.com/", "https://b.example.com/")

	run, err := s.TriggerAndWait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if run.Outcome != model.OutcomePartialFailure {
		t.Errorf("outcome = %s", run.Outcome)
	}
	if e := run.PerURLResults[1].Error; e == nil || e.Kind != model.KindFetchError {
		t.Errorf("panicking URL result = %+v", e)
	}
}

// ─── Concurrency ───────────────────────────────────────────────────────

func TestRun_BoundedByConcurrencyLimit(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{fn: func(_ context.Context, task pipeline.Task) model.ScrapeResult {
		time.Sleep(20 * time.Millisecond)
		return model.ScrapeResult{URL: task.URL}
	}}
	s, _ := newScheduler(t, proc)
	job := newJob(t, s, 2,
		"https://a.example.com/1", "https://a.example.com/2", "https://a.example.com/3",
		"https://a.example.com/4", "https://a.example.com/5", "https://a.example.com/6")

	run, err := s.TriggerAndWait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if len(run.PerURLResults) != 6 || proc.Calls() != 6 {
		t.Fatalf("results = %d calls = %d", len(run.PerURLResults), proc.Calls())
	}
	proc.mu.Lock()
	peak := proc.peak
	proc.mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestTrigger_CoalescesWhileRunning(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	proc := &fakeProcessor{fn: b.process}
	s, reg := newScheduler(t, proc)
	job := newJob(t, s, 1, "https://a.example.com/", "https://b.example.com/")
	ctx := context.Background()

	first, err := s.Trigger(ctx, job.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	b.waitStarted(t)

	second, err := s.Trigger(ctx, job.ID)
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("coalesced trigger returned run %s, want %s", second.ID, first.ID)
	}
	close(b.release)
	waitIdle(t, s, job.ID)

	runs, err := reg.ListRuns(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1", len(runs))
	}
	if proc.Calls() != 2 {
		t.Errorf("processor calls = %d, want 2", proc.Calls())
	}
}

// ─── Cancellation ──────────────────────────────────────────────────────

func TestCancel_StopsDispatchAndLetsInFlightFinish(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	proc := &fakeProcessor{fn: b.process}
	s, reg := newScheduler(t, proc)
	job := newJob(t, s, 1, "https://a.example.com/", "https://b.example.com/", "https://c.example.com/")

	if _, err := s.Trigger(context.Background(), job.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	b.waitStarted(t)
	if err := s.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(b.release)
	waitIdle(t, s, job.ID)

	run := latestRun(t, reg, job.ID)
	if !run.Cancelled || run.Outcome != model.OutcomeFailure {
		t.Fatalf("run = cancelled %v outcome %s", run.Cancelled, run.Outcome)
	}
	if len(run.PerURLResults) != 3 {
		t.Fatalf("results = %d", len(run.PerURLResults))
	}
	if run.PerURLResults[0].Error != nil {
		t.Errorf("in-flight URL observed cancellation: %+v", run.PerURLResults[0].Error)
	}
	for _, res := range run.PerURLResults[1:] {
		if res.Error == nil || res.Error.Kind != model.KindCancelled {
			t.Errorf("%s: error = %+v, want Cancelled", res.URL, res.Error)
		}
	}
	if proc.Calls() != 1 {
		t.Errorf("processor calls = %d, want 1", proc.Calls())
	}
}

func TestDeactivate_CancelsRunAndBlocksTriggers(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	s, reg := newScheduler(t, &fakeProcessor{fn: b.process})
	job := newJob(t, s, 1, "https://a.example.com/", "https://b.example.com/")
	ctx := context.Background()

	if _, err := s.Trigger(ctx, job.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	b.waitStarted(t)
	if err := s.Deactivate(ctx, job.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	close(b.release)
	waitIdle(t, s, job.ID)

	if run := latestRun(t, reg, job.ID); !run.Cancelled {
		t.Errorf("run not marked cancelled")
	}
	if _, err := s.Trigger(ctx, job.ID); !errors.Is(err, scheduler.ErrJobInactive) {
		t.Errorf("Trigger on inactive job: %v", err)
	}
}

func TestCancel_NoActiveRun(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, &fakeProcessor{})
	if err := s.Cancel("nope"); !errors.Is(err, scheduler.ErrNoActiveRun) {
		t.Errorf("Cancel = %v", err)
	}
}

// ─── Status & history ──────────────────────────────────────────────────

func TestJobStatus(t *testing.T) {
	t.Parallel()
	b := newBlocker()
	s, _ := newScheduler(t, &fakeProcessor{fn: b.process})
	ctx := context.Background()
	job := newJob(t, s, 1, "https://a.example.com/")

	if st, err := s.JobStatus(ctx, job.ID); err != nil || st != model.JobIdle {
		t.Errorf("status before any run = %s, %v", st, err)
	}
	if _, err := s.Trigger(ctx, job.ID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	b.waitStarted(t)
	if st, _ := s.JobStatus(ctx, job.ID); st != model.JobRunning {
		t.Errorf("status while running = %s", st)
	}
	close(b.release)
	waitIdle(t, s, job.ID)
	if st, _ := s.JobStatus(ctx, job.ID); st != model.JobIdle {
		t.Errorf("status after success = %s", st)
	}

	if _, err := s.JobStatus(ctx, "missing"); !errors.Is(err, registry.ErrJobNotFound) {
		t.Errorf("unknown job: %v", err)
	}
}

func TestJobStatus_FailedAfterFailedRun(t *testing.T) {
	t.Parallel()
	proc := &fakeProcessor{fn: func(_ context.Context, task pipeline.Task) model.ScrapeResult {
		return failed(task.URL, model.KindTwoFactorRequired)
	}}
	s, _ := newScheduler(t, proc)
	ctx := context.Background()
	job := newJob(t, s, 0, "https://a.example.com/")

	if _, err := s.TriggerAndWait(ctx, job.ID); err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}
	if st, _ := s.JobStatus(ctx, job.ID); st != model.JobFailed {
		t.Errorf("status = %s, want failed", st)
	}

	runs, err := s.ListRuns(ctx, job.ID, 10)
	if err != nil || len(runs) != 1 {
		t.Errorf("ListRuns = %d, %v", len(runs), err)
	}
}

// ─── Scheduling ────────────────────────────────────────────────────────

func TestSchedule_RejectsInvalidCadence(t *testing.T) {
	t.Parallel()
	s, reg := newScheduler(t, &fakeProcessor{})
	job := &model.ScrapeJob{TenantID: "t1", TargetURLs: []string{"https://a.example.com/"}, Schedule: "every tuesday", IsActive: true}
	if err := s.Schedule(context.Background(), job); !errors.Is(err, scheduler.ErrInvalidSchedule) {
		t.Fatalf("Schedule = %v", err)
	}
	if jobs, _ := reg.ListJobs(context.Background(), "t1"); len(jobs) != 0 {
		t.Errorf("invalid job was stored")
	}

	for _, spec := range []string{"*/5 * * * *", "@hourly", "@every 6h"} {
		if err := scheduler.ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
}

func TestSchedule_CronTriggersRun(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, &fakeProcessor{})
	events, unsubscribe := s.Subscribe("")
	defer unsubscribe()

	job := &model.ScrapeJob{TenantID: "t1", TargetURLs: []string{"https://a.example.com/"}, Schedule: "@every 1s", IsActive: true}
	if err := s.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == scheduler.EventRunFinished && ev.JobID == job.ID {
				if ev.Run.Outcome != model.OutcomeSuccess {
					t.Errorf("outcome = %s", ev.Run.Outcome)
				}
				return
			}
		case <-timeout:
			t.Fatal("cron never triggered the job")
		}
	}
}

func TestTrigger_BeforeStart(t *testing.T) {
	t.Parallel()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "kbcrawl.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	reg, err := registry.NewRegistry(db, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := scheduler.New(reg, &fakeProcessor{}, worker.NewPool(worker.Config{}, nil), scheduler.Config{}, nil, nil)
	job := &model.ScrapeJob{TenantID: "t1", TargetURLs: []string{"https://a.example.com/"}, IsActive: true}
	if err := s.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := s.Trigger(context.Background(), job.ID); !errors.Is(err, scheduler.ErrNotStarted) {
		t.Errorf("Trigger = %v", err)
	}
}

// ─── Events ────────────────────────────────────────────────────────────

func TestSubscribe_ReceivesRunEvents(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, &fakeProcessor{})
	job := newJob(t, s, 0, "https://a.example.com/", "https://b.example.com/")
	events, unsubscribe := s.Subscribe(job.ID)
	defer unsubscribe()

	run, err := s.TriggerAndWait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("TriggerAndWait: %v", err)
	}

	var got []scheduler.EventType
	timeout := time.After(5 * time.Second)
	for len(got) == 0 || got[len(got)-1] != scheduler.EventRunFinished {
		select {
		case ev := <-events:
			if ev.RunID != run.ID {
				t.Errorf("event for run %s, want %s", ev.RunID, run.ID)
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	want := []scheduler.EventType{scheduler.EventRunStarted, scheduler.EventURLFinished, scheduler.EventURLFinished, scheduler.EventRunFinished}
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("events = %v, want %v", got, want)
	}
}
