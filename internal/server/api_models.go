package server

import "github.com/raysh454/kbcrawl/internal/model"

// CreateJobRequest defines a scrape job. Schedule is a cron expression or a
// descriptor such as "@every 6h"; empty means manual triggers only.
type CreateJobRequest struct {
	TenantID         string   `json:"tenant_id"`
	TargetURLs       []string `json:"target_urls"`
	Schedule         string   `json:"schedule"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	IsActive         *bool    `json:"is_active"`
}

// JobStatusResponse reports a job's derived status and its run in flight.
type JobStatusResponse struct {
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	ActiveRun *model.JobRun   `json:"active_run,omitempty"`
}

// UpsertCredentialRequest stores a credential. Payload is the plaintext
// secret; it is encrypted before it reaches storage.
type UpsertCredentialRequest struct {
	TenantID string                  `json:"tenant_id"`
	Domain   string                  `json:"domain"`
	AuthType string                  `json:"auth_type"`
	Payload  model.CredentialPayload `json:"payload"`
}

// ErrorResponse is a uniform error payload returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
