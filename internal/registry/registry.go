// Package registry stores scrape job definitions and their run history in
// SQLite. Runs are append-only: a finished run is never modified.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/sqlitedb"
)

//go:embed schema.sql
var schemaFS embed.FS

var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("job run not found")
	ErrRunFinished = errors.New("job run already finished")
	ErrInvalidJob  = errors.New("invalid job")
)

const DefaultConcurrencyLimit = 4

type Registry struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// NewRegistry returns a Registry and runs migrations from schema.sql.
func NewRegistry(db *sql.DB, logger logging.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	if err := sqlitedb.ApplySchema(db, schemaFS, "schema.sql"); err != nil {
		return nil, err
	}
	return &Registry{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "registry"}),
		now:    time.Now,
	}, nil
}

// ─── Jobs ──────────────────────────────────────────────────────────────

// SaveJob inserts job, or replaces the stored definition when job.ID exists.
// Target URLs are deduplicated, an empty ID is filled in and a zero
// ConcurrencyLimit becomes DefaultConcurrencyLimit.
func (r *Registry) SaveJob(ctx context.Context, job *model.ScrapeJob) error {
	job.NormalizeTargets()
	if job.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidJob)
	}
	if len(job.TargetURLs) == 0 {
		return fmt.Errorf("%w: at least one target url is required", ErrInvalidJob)
	}
	if job.ConcurrencyLimit < 0 {
		return fmt.Errorf("%w: negative concurrency limit", ErrInvalidJob)
	}
	if job.ConcurrencyLimit == 0 {
		job.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	targets, err := json.Marshal(job.TargetURLs)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, target_urls, schedule, concurrency_limit, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id         = excluded.tenant_id,
			target_urls       = excluded.target_urls,
			schedule          = excluded.schedule,
			concurrency_limit = excluded.concurrency_limit,
			is_active         = excluded.is_active,
			updated_at        = excluded.updated_at`,
		job.ID, job.TenantID, string(targets), job.Schedule, job.ConcurrencyLimit,
		job.IsActive, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (r *Registry) GetJob(ctx context.Context, id string) (*model.ScrapeJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, target_urls, schedule, concurrency_limit, is_active, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns the jobs of tenantID, or of every tenant when it is "".
func (r *Registry) ListJobs(ctx context.Context, tenantID string) ([]*model.ScrapeJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, target_urls, schedule, concurrency_limit, is_active, created_at, updated_at
		FROM jobs
		WHERE ? = '' OR tenant_id = ?
		ORDER BY created_at, id`, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, r.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrJobNotFound)
}

// DeleteJob removes a job and, by cascade, its runs.
func (r *Registry) DeleteJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrJobNotFound)
}

// ─── Runs ──────────────────────────────────────────────────────────────

// InsertRun records the start of a run. ID and StartedAt are filled in when
// empty.
func (r *Registry) InsertRun(ctx context.Context, run *model.JobRun) error {
	if run.FinishedAt != nil {
		return fmt.Errorf("insert run: %w", ErrRunFinished)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.now().UTC().Truncate(time.Millisecond)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_id, tenant_id, started_at)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.JobID, run.TenantID, run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun writes the final state of run exactly once. A second call, or a
// call for an already finished run, fails with ErrRunFinished.
func (r *Registry) FinishRun(ctx context.Context, run *model.JobRun) error {
	if run.FinishedAt == nil {
		now := r.now().UTC().Truncate(time.Millisecond)
		run.FinishedAt = &now
	}
	results := run.PerURLResults
	if results == nil {
		results = []model.ScrapeResult{}
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE job_runs
		SET finished_at = ?, outcome = ?, cancelled = ?, save_failures = ?, results = ?
		WHERE id = ? AND finished_at IS NULL`,
		run.FinishedAt.UnixMilli(), string(run.Outcome), run.Cancelled, run.SaveFailures, string(encoded), run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM job_runs WHERE id = ?`, run.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	return ErrRunFinished
}

func (r *Registry) GetRun(ctx context.Context, id string) (*model.JobRun, error) {
	row := r.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs of a job, newest first. limit <= 0
// means all.
func (r *Registry) ListRuns(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		runSelect+` WHERE job_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestRun returns the most recent run of a job, or ErrRunNotFound.
func (r *Registry) LatestRun(ctx context.Context, jobID string) (*model.JobRun, error) {
	runs, err := r.ListRuns(ctx, jobID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return runs[0], nil
}

// ─── Scanning ──────────────────────────────────────────────────────────

const runSelect = `
	SELECT id, job_id, tenant_id, started_at, finished_at, outcome, cancelled, save_failures, results
	FROM job_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*model.ScrapeJob, error) {
	var (
		job                  model.ScrapeJob
		targets              string
		createdAt, updatedAt int64
	)
	if err := s.Scan(&job.ID, &job.TenantID, &targets, &job.Schedule, &job.ConcurrencyLimit,
		&job.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &job.TargetURLs); err != nil {
		return nil, fmt.Errorf("decode targets of job %s: %w", job.ID, err)
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &job, nil
}

func scanRun(s scanner) (*model.JobRun, error) {
	var (
		run       model.JobRun
		startedAt int64
		finished  sql.NullInt64
		outcome   string
		results   string
	)
	if err := s.Scan(&run.ID, &run.JobID, &run.TenantID, &startedAt, &finished, &outcome,
		&run.Cancelled, &run.SaveFailures, &results); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		run.FinishedAt = &t
	}
	run.Outcome = model.RunOutcome(outcome)
	if err := json.Unmarshal([]byte(results), &run.PerURLResults); err != nil {
		return nil, fmt.Errorf("decode results of run %s: %w", run.ID, err)
	}
	return &run, nil
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
