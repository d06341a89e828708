package model

import (
	"strings"
	"time"
)

// JobStatus is derived from a job's most recent run; it is never stored.
type JobStatus string

const (
	JobIdle    JobStatus = "idle"
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobFailed  JobStatus = "failed"
)

// RunOutcome aggregates the per-URL results of a run.
type RunOutcome string

const (
	OutcomeSuccess        RunOutcome = "success"
	OutcomePartialFailure RunOutcome = "partial_failure"
	OutcomeFailure        RunOutcome = "failure"
)

// ContentClassification describes how a page's content was obtained.
type ContentClassification string

const (
	ContentPublic          ContentClassification = "public"
	ContentInternal        ContentClassification = "internal"
	ContentCredentialBased ContentClassification = "credential_based"
)

// ScrapeJob is a recurring scrape of a set of URLs on behalf of a tenant.
type ScrapeJob struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	TargetURLs       []string  `json:"target_urls"`
	Schedule         string    `json:"schedule,omitempty"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NormalizeTargets trims, drops empties and deduplicates TargetURLs while
// keeping first-seen order.
func (j *ScrapeJob) NormalizeTargets() {
	seen := make(map[string]struct{}, len(j.TargetURLs))
	out := make([]string, 0, len(j.TargetURLs))
	for _, u := range j.TargetURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	j.TargetURLs = out
}

// ScrapeResult is the immutable outcome of processing one URL in one run.
type ScrapeResult struct {
	URL                   string                `json:"url"`
	Regime                Regime                `json:"regime"`
	AuthMethodUsed        AuthType              `json:"auth_method_used"`
	ContentHash           string                `json:"content_hash,omitempty"`
	ContentClassification ContentClassification `json:"content_classification"`
	ChangePercentage      *float64              `json:"change_percentage,omitempty"`
	IsMajorChange         bool                  `json:"is_major_change,omitempty"`
	StorageRef            string                `json:"storage_ref,omitempty"`
	SaveError             string                `json:"save_error,omitempty"`
	Error                 *ResultError          `json:"error,omitempty"`
	FinishedAt            time.Time             `json:"finished_at"`
}

// Failed reports whether the URL failed.
func (r ScrapeResult) Failed() bool { return r.Error != nil }

// JobRun is one execution of a ScrapeJob. Runs are append-only: once
// FinishedAt is set the record is never modified.
type JobRun struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	TenantID      string         `json:"tenant_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Outcome       RunOutcome     `json:"outcome,omitempty"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	SaveFailures  int            `json:"save_failures,omitempty"`
	PerURLResults []ScrapeResult `json:"per_url_results"`
}

// Finished reports whether the run has completed.
func (r *JobRun) Finished() bool { return r.FinishedAt != nil }

// DeriveOutcome computes a run outcome from its per-URL results: success iff
// no result has an error, failure if every result failed, partial otherwise.
// A cancelled run is always a failure.
func DeriveOutcome(results []ScrapeResult, cancelled bool) RunOutcome {
	if cancelled {
		return OutcomeFailure
	}
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return OutcomeSuccess
	case failed == len(results):
		return OutcomeFailure
	default:
		return OutcomePartialFailure
	}
}

// ContentSnapshot records one observation of a URL's content for a tenant.
type ContentSnapshot struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
	ContentRef  string    `json:"content_ref"`
}
