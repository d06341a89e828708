package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/raysh454/kbcrawl/internal/auth"
	"github.com/raysh454/kbcrawl/internal/changes"
	"github.com/raysh454/kbcrawl/internal/classifier"
	"github.com/raysh454/kbcrawl/internal/contentstore"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/pipeline"
	"github.com/raysh454/kbcrawl/internal/testutil"
)

type stubAuth struct {
	mu       sync.Mutex
	requests []auth.Request
	out      *auth.Outcome
	err      error
}

func (s *stubAuth) Authenticate(_ context.Context, req auth.Request) (*auth.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.out, s.err
}

type stubChanges struct {
	mu     sync.Mutex
	keys   []string
	change *changes.Change
	err    error
}

func (s *stubChanges) DetectChange(_ context.Context, _, url string, _ []byte) (*changes.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, url)
	return s.change, s.err
}

type stubSaver struct {
	calls int
	keys  []string
	meta  contentstore.Metadata
	err   error
}

func (s *stubSaver) Save(_ context.Context, _, url string, _ []byte, meta contentstore.Metadata) (string, error) {
	s.calls++
	s.keys = append(s.keys, url)
	s.meta = meta
	if s.err != nil {
		return "", s.err
	}
	return "t1/kb.company.com/2026/10/abc.html", nil
}

func newClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	c, err := classifier.New([]model.DomainPattern{
		{Pattern: "*.company.com", Regime: model.RegimeInternal},
		{Pattern: "launchpad.support.sap.com", Regime: model.RegimeExternalCredential},
	})
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	return c
}

func okOutcome() *auth.Outcome {
	return &auth.Outcome{
		Content:        []byte("<html><body>hello</body></html>"),
		FinalURL:       "https://kb.company.com/page",
		StatusCode:     200,
		AuthMethodUsed: model.AuthSSO,
		Classification: model.ContentInternal,
	}
}

// ─── Success path ──────────────────────────────────────────────────────

func TestProcess_Success(t *testing.T) {
	t.Parallel()
	a := &stubAuth{out: okOutcome()}
	saver := &stubSaver{}
	p := pipeline.New(newClassifier(t), a, &stubChanges{change: &changes.Change{ChangePercentage: 62, IsMajor: true}},
		saver, nil, &testutil.DummyLogger{})

	ledger := auth.NewAttemptLedger()
	res := p.Process(context.Background(), pipeline.Task{
		JobID: "j1", RunID: "r1", TenantID: "t1", URL: "https://kb.company.com/page", Ledger: ledger,
	})

	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.Regime != model.RegimeInternal || res.AuthMethodUsed != model.AuthSSO || res.ContentClassification != model.ContentInternal {
		t.Errorf("result = %+v", res)
	}
	if res.ChangePercentage == nil || *res.ChangePercentage != 62 || !res.IsMajorChange {
		t.Errorf("change not carried: %+v", res)
	}
	if res.StorageRef == "" || res.ContentHash == "" || res.FinishedAt.IsZero() {
		t.Errorf("missing fields: %+v", res)
	}
	if len(a.requests) != 1 || a.requests[0].Ledger != ledger || a.requests[0].Regime != model.RegimeInternal {
		t.Errorf("auth request = %+v", a.requests)
	}
	if saver.meta.RunID != "r1" || saver.meta.ContentHash != res.ContentHash {
		t.Errorf("metadata = %+v", saver.meta)
	}
}

func TestProcess_URLVariantsShareOneBaseline(t *testing.T) {
	t.Parallel()
	det := &stubChanges{change: &changes.Change{}}
	saver := &stubSaver{}
	p := pipeline.New(newClassifier(t), &stubAuth{out: okOutcome()}, det, saver, nil, &testutil.DummyLogger{})

	variants := []string{
		"https://kb.company.com/page",
		"https://KB.company.com:443/page?utm_source=newsletter",
		"https://kb.company.com/page#section-2",
		"https://kb.company.com/./page?gclid=abc",
	}
	for _, u := range variants {
		if res := p.Process(context.Background(), pipeline.Task{TenantID: "t1", URL: u}); res.Error != nil {
			t.Fatalf("%s: %+v", u, res.Error)
		}
	}

	for i, key := range det.keys {
		if key != "https://kb.company.com/page" {
			t.Errorf("change key %d = %q", i, key)
		}
	}
	for i, key := range saver.keys {
		if key != "https://kb.company.com/page" {
			t.Errorf("save key %d = %q", i, key)
		}
	}
	if len(det.keys) != len(variants) || len(saver.keys) != len(variants) {
		t.Errorf("calls: changes=%d saves=%d", len(det.keys), len(saver.keys))
	}
}

// ─── Failures ──────────────────────────────────────────────────────────

func TestProcess_InvalidURLSkipsFetch(t *testing.T) {
	t.Parallel()
	a := &stubAuth{out: okOutcome()}
	p := pipeline.New(newClassifier(t), a, nil, nil, nil, nil)

	res := p.Process(context.Background(), pipeline.Task{TenantID: "t1", URL: "not a url"})
	if res.Error == nil || res.Error.Kind != model.KindInvalidURL {
		t.Fatalf("error = %+v", res.Error)
	}
	if len(a.requests) != 0 {
		t.Errorf("authenticator called for an invalid URL")
	}
}

func TestProcess_AuthFailureCarriesKindAndSuggestion(t *testing.T) {
	t.Parallel()
	serr := &model.ScrapeError{
		Kind: model.KindCredentialMissing, URL: "https://launchpad.support.sap.com/",
		Domain: "launchpad.support.sap.com", AuthType: model.AuthForm, Err: errors.New("not found"),
	}
	saver := &stubSaver{}
	p := pipeline.New(newClassifier(t), &stubAuth{err: serr}, nil, saver, nil, nil)

	res := p.Process(context.Background(), pipeline.Task{TenantID: "t1", URL: "https://launchpad.support.sap.com/"})
	if res.Error == nil || res.Error.Kind != model.KindCredentialMissing || res.Error.Suggestion == "" {
		t.Fatalf("error = %+v", res.Error)
	}
	if res.Regime != model.RegimeExternalCredential {
		t.Errorf("regime = %s", res.Regime)
	}
	if saver.calls != 0 {
		t.Errorf("failed URL was saved")
	}
}

func TestProcess_NonFatalFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		changes     *stubChanges
		saver       *stubSaver
		wantSaveErr bool
		wantPct     bool
	}{
		{
			name:    "change detection error",
			changes: &stubChanges{err: errors.New("db locked")},
			saver:   &stubSaver{},
		},
		{
			name:        "save error",
			changes:     &stubChanges{change: &changes.Change{FirstObservation: true}},
			saver:       &stubSaver{err: errors.New("disk full")},
			wantSaveErr: true,
			wantPct:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger := &testutil.DummyLogger{}
			p := pipeline.New(newClassifier(t), &stubAuth{out: okOutcome()}, tt.changes, tt.saver, nil, logger)
			res := p.Process(context.Background(), pipeline.Task{TenantID: "t1", URL: "https://kb.company.com/page"})

			if res.Error != nil {
				t.Fatalf("non-fatal failure surfaced as error: %+v", res.Error)
			}
			if (res.SaveError != "") != tt.wantSaveErr {
				t.Errorf("SaveError = %q", res.SaveError)
			}
			if (res.ChangePercentage != nil) != tt.wantPct {
				t.Errorf("ChangePercentage = %v", res.ChangePercentage)
			}
			if tt.saver.calls != 1 {
				t.Errorf("save calls = %d", tt.saver.calls)
			}
		})
	}
}
