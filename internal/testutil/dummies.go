// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/raysh454/kbcrawl/internal/fetcher"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns the number of warnings recorded so far.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyWebClient implements webclient.WebClient.
// By default it returns body "ok:<url>" with status 200.
// Set FailURLs[url] = true to force an error for a specific URL.
type DummyWebClient struct {
	ResponseDelay time.Duration
	FailURLs      map[string]bool
	mu            sync.Mutex
	Requests      []*webclient.Request
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	if d.ResponseDelay > 0 {
		select {
		case <-time.After(d.ResponseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	if d.FailURLs != nil && d.FailURLs[req.URL] {
		return nil, errors.New("dummy fetch fail for " + req.URL)
	}

	return &webclient.Response{
		Request:    req,
		Body:       []byte("ok:" + req.URL),
		StatusCode: 200,
		FetchedAt:  time.Now(),
	}, nil
}

func (d *DummyWebClient) Get(ctx context.Context, url string) (*webclient.Response, error) {
	return d.Do(ctx, &webclient.Request{Method: "GET", URL: url})
}

func (d *DummyWebClient) Close() error { return nil }

// Recorded returns a copy of the requests seen so far.
func (d *DummyWebClient) Recorded() []*webclient.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*webclient.Request(nil), d.Requests...)
}

// ─── PageFetcher ───────────────────────────────────────────────────────

// DummyPageFetcher implements auth.PageFetcher.
// FetchFunc and SubmitFunc default to a 200 response with body "ok:<url>".
type DummyPageFetcher struct {
	FetchFunc  func(ctx context.Context, url string, opts fetcher.Options) (*fetcher.FetchResult, error)
	SubmitFunc func(ctx context.Context, form fetcher.FormSubmission, opts fetcher.Options) (*fetcher.FetchResult, error)

	mu      sync.Mutex
	Fetches []string
	Submits []fetcher.FormSubmission
}

func (d *DummyPageFetcher) Fetch(ctx context.Context, url string, opts fetcher.Options) (*fetcher.FetchResult, error) {
	d.mu.Lock()
	d.Fetches = append(d.Fetches, url)
	d.mu.Unlock()
	if d.FetchFunc != nil {
		return d.FetchFunc(ctx, url, opts)
	}
	return OKPage(url, "ok:"+url), nil
}

func (d *DummyPageFetcher) Submit(ctx context.Context, form fetcher.FormSubmission, opts fetcher.Options) (*fetcher.FetchResult, error) {
	d.mu.Lock()
	d.Submits = append(d.Submits, form)
	d.mu.Unlock()
	if d.SubmitFunc != nil {
		return d.SubmitFunc(ctx, form, opts)
	}
	return OKPage(form.Action, "ok:"+form.Action), nil
}

func (d *DummyPageFetcher) FetchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Fetches)
}

func (d *DummyPageFetcher) SubmitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Submits)
}

// OKPage builds a 200 text/html FetchResult.
func OKPage(url, html string) *fetcher.FetchResult {
	return &fetcher.FetchResult{
		HTML:       []byte(html),
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
	}
}

// ─── CredentialStore ───────────────────────────────────────────────────

// DummyCredentialStore implements auth.CredentialStore with a single fixed
// credential. Err, when set, is returned by Resolve instead.
type DummyCredentialStore struct {
	Credential *model.Credential
	Payload    *model.CredentialPayload
	Err        error

	mu       sync.Mutex
	Resolves int
	Outcomes []bool
}

func (d *DummyCredentialStore) Resolve(_ context.Context, _, _ string) (*model.Credential, *model.CredentialPayload, error) {
	d.mu.Lock()
	d.Resolves++
	d.mu.Unlock()
	if d.Err != nil {
		return nil, nil, d.Err
	}
	return d.Credential, d.Payload, nil
}

func (d *DummyCredentialStore) RecordOutcome(_ context.Context, _ string, success bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Outcomes = append(d.Outcomes, success)
	return nil
}

// RecordedOutcomes returns a copy of the outcomes recorded so far.
func (d *DummyCredentialStore) RecordedOutcomes() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.Outcomes...)
}

// ─── SessionProvider ───────────────────────────────────────────────────

// DummySessionProvider implements auth.SessionProvider. A nil Cookies slice
// means no active session.
type DummySessionProvider struct {
	Cookies []*http.Cookie
}

func (d *DummySessionProvider) HasActiveSSOSession(_ context.Context, _ string) (bool, error) {
	return len(d.Cookies) > 0, nil
}

func (d *DummySessionProvider) ResumeSSOSession(_ context.Context, domain, _ string) ([]*http.Cookie, error) {
	if len(d.Cookies) == 0 {
		return nil, errors.New("no session for " + domain)
	}
	return d.Cookies, nil
}
