// Package pipeline processes a single URL of a job run: classify the domain,
// authenticate and fetch, detect changes against the baseline, save.
package pipeline

import (
	"context"
	"time"

	"github.com/raysh454/kbcrawl/internal/auth"
	"github.com/raysh454/kbcrawl/internal/changes"
	"github.com/raysh454/kbcrawl/internal/classifier"
	"github.com/raysh454/kbcrawl/internal/contentstore"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/metrics"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/tracker/blobstore"
	"github.com/raysh454/kbcrawl/internal/utils"
)

type Classifier interface {
	Classify(rawURL string) (classifier.Classification, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (*auth.Outcome, error)
}

type ChangeDetector interface {
	DetectChange(ctx context.Context, tenantID, url string, content []byte) (*changes.Change, error)
}

type ContentSaver interface {
	Save(ctx context.Context, tenantID, url string, content []byte, meta contentstore.Metadata) (string, error)
}

// Task is one URL of one run.
type Task struct {
	JobID                 string
	RunID                 string
	TenantID              string
	URL                   string
	WaitForDynamicContent bool
	Ledger                *auth.AttemptLedger
}

type Processor struct {
	classifier Classifier
	auth       Authenticator
	changes    ChangeDetector
	saver      ContentSaver
	metrics    *metrics.Metrics
	logger     logging.Logger
	now        func() time.Time
}

// New wires a Processor. m may be nil.
func New(c Classifier, a Authenticator, d ChangeDetector, s ContentSaver, m *metrics.Metrics, logger logging.Logger) *Processor {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Processor{
		classifier: c,
		auth:       a,
		changes:    d,
		saver:      s,
		metrics:    m,
		logger:     logger.With(logging.Field{Key: "component", Value: "pipeline"}),
		now:        time.Now,
	}
}

// Process never returns an error: failures are captured on the result.
// Change detection and save failures do not fail the URL.
func (p *Processor) Process(ctx context.Context, task Task) model.ScrapeResult {
	res := p.process(ctx, task)
	res.FinishedAt = p.now().UTC()
	p.metrics.RecordResult(res)
	return res
}

func (p *Processor) process(ctx context.Context, task Task) model.ScrapeResult {
	res := model.ScrapeResult{URL: task.URL}
	logger := p.logger.With(
		logging.Field{Key: "tenant_id", Value: task.TenantID},
		logging.Field{Key: "run_id", Value: task.RunID},
		logging.Field{Key: "url", Value: task.URL})

	class, err := p.classifier.Classify(task.URL)
	if err != nil {
		res.Error = model.ResultErrorFrom(err)
		logger.Warn("url rejected", logging.Field{Key: "error", Value: err})
		return res
	}
	res.Regime = class.Regime

	out, err := p.auth.Authenticate(ctx, auth.Request{
		TenantID:              task.TenantID,
		URL:                   task.URL,
		Regime:                class.Regime,
		WaitForDynamicContent: task.WaitForDynamicContent,
		Ledger:                task.Ledger,
	})
	if err != nil {
		res.Error = model.ResultErrorFrom(err)
		logger.Warn("scrape failed",
			logging.Field{Key: "error_kind", Value: res.Error.Kind},
			logging.Field{Key: "error", Value: err})
		return res
	}
	res.AuthMethodUsed = out.AuthMethodUsed
	res.ContentClassification = out.Classification
	res.ContentHash = blobstore.Hash(out.Content)

	key := storageKey(task.URL)
	if p.changes != nil {
		change, err := p.changes.DetectChange(ctx, task.TenantID, key, out.Content)
		if err != nil {
			logger.Warn("change detection failed", logging.Field{Key: "error", Value: err})
		} else {
			pct := change.ChangePercentage
			res.ChangePercentage = &pct
			res.IsMajorChange = change.IsMajor
		}
	}

	if p.saver != nil {
		ref, err := p.saver.Save(ctx, task.TenantID, key, out.Content, contentstore.Metadata{
			TenantID:              task.TenantID,
			URL:                   task.URL,
			FinalURL:              out.FinalURL,
			JobID:                 task.JobID,
			RunID:                 task.RunID,
			ContentHash:           res.ContentHash,
			Regime:                res.Regime,
			AuthMethodUsed:        res.AuthMethodUsed,
			ContentClassification: res.ContentClassification,
			ChangePercentage:      res.ChangePercentage,
			IsMajorChange:         res.IsMajorChange,
			FetchedAt:             p.now().UTC(),
		})
		if err != nil {
			serr := model.NewScrapeError(model.KindSaveError, task.URL, err)
			res.SaveError = serr.Error()
			logger.Error("save failed", logging.Field{Key: "error", Value: err})
		} else {
			res.StorageRef = ref
		}
	}

	logger.Info("url scraped",
		logging.Field{Key: "regime", Value: res.Regime},
		logging.Field{Key: "auth_method", Value: res.AuthMethodUsed},
		logging.Field{Key: "classification", Value: res.ContentClassification})
	return res
}

// storageKey is the URL that baselines and saved content are filed under, so
// tracking parameters and fragments do not fork a page's history.
func storageKey(rawURL string) string {
	key, err := utils.Canonicalize(rawURL, utils.CanonicalizeOptions{DropTrackingParams: true})
	if err != nil {
		return rawURL
	}
	return key
}
