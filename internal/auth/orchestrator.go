// Package auth drives one URL through fetch, login detection, credential
// application and verification as an explicit state machine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raysh454/kbcrawl/internal/fetcher"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/session"
	"github.com/raysh454/kbcrawl/internal/utils"
	"github.com/raysh454/kbcrawl/internal/vault"
)

// PageFetcher is satisfied by *fetcher.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.FetchResult, error)
	Submit(ctx context.Context, form fetcher.FormSubmission, opts fetcher.Options) (*fetcher.FetchResult, error)
}

// LoginDetector is satisfied by *detector.Detector.
type LoginDetector interface {
	Detect(html []byte, pageURL string) model.LoginDetection
	DetectTwoFactor(html []byte) bool
}

// CredentialStore is satisfied by *vault.Vault.
type CredentialStore interface {
	Resolve(ctx context.Context, tenantID, domainKey string) (*model.Credential, *model.CredentialPayload, error)
	RecordOutcome(ctx context.Context, credentialID string, success bool) error
}

// SessionProvider is satisfied by *session.CookieProvider.
type SessionProvider interface {
	HasActiveSSOSession(ctx context.Context, domain string) (bool, error)
	ResumeSSOSession(ctx context.Context, domain, targetURL string) ([]*http.Cookie, error)
}

type Config struct {
	// MaxFetchRetries is the number of retries after the first attempt.
	MaxFetchRetries  int
	FetchTimeout     time.Duration
	MaxLoginAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFetchRetries:  3,
		FetchTimeout:     30 * time.Second,
		MaxLoginAttempts: 2,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFetchRetries < 0 {
		c.MaxFetchRetries = 0
	} else if c.MaxFetchRetries == 0 {
		c.MaxFetchRetries = d.MaxFetchRetries
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = d.MaxLoginAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Request describes one URL to authenticate and fetch.
type Request struct {
	TenantID              string
	URL                   string
	Regime                model.Regime
	WaitForDynamicContent bool
	// Ledger is shared by all URL tasks of a run. Nil gives the request a
	// private ledger.
	Ledger *AttemptLedger
}

// Outcome is the authenticated page content and how it was obtained.
type Outcome struct {
	Content        []byte
	FinalURL       string
	StatusCode     int
	Regime         model.Regime
	AuthMethodUsed model.AuthType
	Classification model.ContentClassification
	Detection      model.LoginDetection
	Transitions    []Transition
}

type Orchestrator struct {
	fetcher  PageFetcher
	detector LoginDetector
	vault    CredentialStore
	sessions SessionProvider
	cfg      Config
	logger   logging.Logger
}

// New wires an Orchestrator. sessions may be nil when no host session
// provider is available; SSO plans then fail with SSOSessionMissing.
func New(f PageFetcher, d LoginDetector, v CredentialStore, sessions SessionProvider, cfg Config, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Orchestrator{
		fetcher:  f,
		detector: d,
		vault:    v,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(logging.Field{Key: "component", Value: "auth"}),
	}
}

// machine is the per-request state.
type machine struct {
	o       *Orchestrator
	req     Request
	target  *url.URL
	domain  string
	state   State
	trail   []Transition
	sess    *fetcher.Session
	headers http.Header
	logger  logging.Logger
}

func (m *machine) move(to State) {
	if err := ValidateTransition(m.state, to); err != nil {
		// Programming error: the table and the driver disagree.
		panic(err)
	}
	m.trail = append(m.trail, Transition{From: m.state, To: to, At: time.Now()})
	m.logger.Debug("auth transition",
		logging.Field{Key: "from", Value: string(m.state)},
		logging.Field{Key: "to", Value: string(to)})
	m.state = to
	if to.IsTerminal() {
		m.logger.Debug("auth finished",
			logging.Field{Key: "state", Value: string(to)},
			logging.Field{Key: "transitions", Value: len(m.trail)})
	}
}

func (m *machine) fail(kind model.ErrorKind, authType model.AuthType, err error) error {
	m.move(StateFailed)
	se := model.NewScrapeError(kind, m.req.URL, err)
	se.Domain = m.domain
	se.AuthType = authType
	m.logger.Warn("authentication failed",
		logging.Field{Key: "kind", Value: string(kind)},
		logging.Field{Key: "error", Value: err})
	return se
}

// Authenticate fetches req.URL, logging in first when the page demands it.
// Errors are *model.ScrapeError.
func (o *Orchestrator) Authenticate(ctx context.Context, req Request) (*Outcome, error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Hostname() == "" {
		if err == nil {
			err = utils.ErrMissingHost
		}
		return nil, model.NewScrapeError(model.KindInvalidURL, req.URL, err)
	}
	if req.Ledger == nil {
		req.Ledger = NewAttemptLedger()
	}
	m := &machine{
		o:       o,
		req:     req,
		target:  target,
		domain:  utils.NormalizeHost(target.Hostname()),
		state:   StateFetching,
		sess:    fetcher.NewSession(),
		headers: http.Header{},
		logger: o.logger.With(
			logging.Field{Key: "tenant_id", Value: req.TenantID},
			logging.Field{Key: "url", Value: req.URL}),
	}
	return m.run(ctx)
}

func (m *machine) run(ctx context.Context) (*Outcome, error) {
	o := m.o

	page, err := m.fetchTarget(ctx)
	if err != nil {
		return nil, m.fail(model.KindFetchError, "", err)
	}
	m.move(StateFetched)

	m.move(StateDetecting)
	det := m.detect(page)
	if !det.IsLoginPage {
		m.move(StateDone)
		return m.outcome(page, det, model.AuthNone, model.ContentPublic), nil
	}
	m.logger.Info("login page detected",
		logging.Field{Key: "method", Value: string(det.Method)},
		logging.Field{Key: "heuristic", Value: det.Heuristic},
		logging.Field{Key: "confidence", Value: det.Confidence})

	p := choosePlan(m.req.Regime, det.Method)
	challenge := det
	for {
		// Sibling URLs of the run may already have used up the attempts for
		// this domain; give up without submitting or blaming the credential.
		if n := m.req.Ledger.Count(m.req.TenantID, m.domain); n >= o.cfg.MaxLoginAttempts {
			return nil, m.fail(model.KindLoginLoop, p.authMethod(),
				fmt.Errorf("login attempts for %s exhausted in this run (%d)", m.domain, n))
		}

		m.move(StateAuthenticating)
		app, err := m.prepare(ctx, p, challenge)
		if err != nil {
			return nil, err
		}

		m.move(StateSubmitted)
		page, err = m.submit(ctx, app)
		if err != nil {
			return nil, m.fail(model.KindFetchError, p.authMethod(), err)
		}

		m.move(StateVerifying)
		if o.detector.DetectTwoFactor(page.HTML) {
			return nil, m.fail(model.KindTwoFactorRequired, p.authMethod(),
				errors.New("second authentication factor requested"))
		}
		again := m.detect(page)
		if !again.IsLoginPage {
			break
		}

		attempts := m.req.Ledger.Increment(m.req.TenantID, m.domain)
		m.logger.Info("still on login page after submit", logging.Field{Key: "attempts", Value: attempts})
		if attempts >= o.cfg.MaxLoginAttempts {
			if p.cred != nil {
				m.recordOutcome(ctx, p.cred.ID, false)
			}
			return nil, m.fail(model.KindLoginLoop, p.authMethod(),
				fmt.Errorf("login page returned %d times", attempts))
		}
		challenge = again
	}

	m.move(StateVerified)
	m.req.Ledger.Reset(m.req.TenantID, m.domain)
	if p.cred != nil {
		m.recordOutcome(ctx, p.cred.ID, true)
	}
	m.move(StateDone)
	return m.outcome(page, det, p.authMethod(), p.classification()), nil
}

// detect treats HTTP 401 as a login challenge even without a form.
func (m *machine) detect(page *fetcher.FetchResult) model.LoginDetection {
	det := m.o.detector.Detect(page.HTML, page.FinalURL)
	if !det.IsLoginPage && page.StatusCode == http.StatusUnauthorized {
		det = model.LoginDetection{IsLoginPage: true, Method: model.MethodUnknown, Confidence: 1, Heuristic: "http_401"}
	}
	return det
}

// prepare resolves the plan's secret and turns it into request changes.
func (m *machine) prepare(ctx context.Context, p *plan, det model.LoginDetection) (application, error) {
	o := m.o
	if p.kind == planSSO {
		if o.sessions == nil {
			return application{}, m.fail(model.KindSSOSessionMissing, model.AuthSSO, session.ErrNoSession)
		}
		ok, err := o.sessions.HasActiveSSOSession(ctx, m.domain)
		if err != nil || !ok {
			if err == nil {
				err = session.ErrNoSession
			}
			return application{}, m.fail(model.KindSSOSessionMissing, model.AuthSSO, err)
		}
		cookies, err := o.sessions.ResumeSSOSession(ctx, m.domain, m.req.URL)
		if err != nil {
			return application{}, m.fail(model.KindSSOSessionMissing, model.AuthSSO, err)
		}
		m.sess.SetCookies(m.target, cookies)
		return application{headers: http.Header{}}, nil
	}

	if p.cred == nil {
		if o.vault == nil {
			return application{}, m.fail(model.KindCredentialMissing, det.InferredAuthType(), vault.ErrNotFound)
		}
		cred, payload, err := o.vault.Resolve(ctx, m.req.TenantID, m.domain)
		switch {
		case errors.Is(err, vault.ErrDecryption):
			return application{}, m.fail(model.KindDecryptionError, det.InferredAuthType(), err)
		case err != nil:
			return application{}, m.fail(model.KindCredentialMissing, det.InferredAuthType(), err)
		}
		p.cred, p.payload = cred, payload
	}

	app, err := applyCredential(p.cred.AuthType, p.payload, det, m.target, m.sess)
	if err != nil {
		return application{}, m.fail(model.KindDecryptionError, p.cred.AuthType, fmt.Errorf("apply credential: %w", err))
	}
	return app, nil
}

// submit sends the login form when there is one and re-fetches the target
// with whatever the plan added to the session.
func (m *machine) submit(ctx context.Context, app application) (*fetcher.FetchResult, error) {
	for k, vs := range app.headers {
		m.headers[k] = vs
	}
	if app.form != nil {
		form := *app.form
		if _, err := m.withRetry(ctx, func(ctx context.Context) (*fetcher.FetchResult, error) {
			return m.o.fetcher.Submit(ctx, form, m.options())
		}); err != nil {
			return nil, err
		}
	}
	return m.fetchTarget(ctx)
}

func (m *machine) fetchTarget(ctx context.Context) (*fetcher.FetchResult, error) {
	return m.withRetry(ctx, func(ctx context.Context) (*fetcher.FetchResult, error) {
		return m.o.fetcher.Fetch(ctx, m.req.URL, m.options())
	})
}

func (m *machine) options() fetcher.Options {
	return fetcher.Options{
		WaitForDynamicContent: m.req.WaitForDynamicContent,
		Session:               m.sess,
		Headers:               m.headers.Clone(),
	}
}

// withRetry runs fn with a per-attempt timeout, retrying network errors,
// timeouts and 5xx responses with exponential backoff.
func (m *machine) withRetry(ctx context.Context, fn func(context.Context) (*fetcher.FetchResult, error)) (*fetcher.FetchResult, error) {
	cfg := m.o.cfg
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxFetchRetries)), ctx)

	var result *fetcher.FetchResult
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()

		res, err := fn(attemptCtx)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, fetcher.ErrTooManyRedirects):
			return backoff.Permanent(err)
		case err != nil:
			return err
		case res.StatusCode >= 500:
			return fmt.Errorf("server responded %d", res.StatusCode)
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("fetch attempt failed; retrying",
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "wait", Value: wait.String()},
			logging.Field{Key: "error", Value: err})
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return result, nil
}

func (m *machine) recordOutcome(ctx context.Context, credentialID string, success bool) {
	if err := m.o.vault.RecordOutcome(ctx, credentialID, success); err != nil {
		m.logger.Warn("failed to record credential outcome",
			logging.Field{Key: "credential_id", Value: credentialID},
			logging.Field{Key: "error", Value: err})
	}
}

func (m *machine) outcome(page *fetcher.FetchResult, det model.LoginDetection, method model.AuthType, class model.ContentClassification) *Outcome {
	return &Outcome{
		Content:        page.HTML,
		FinalURL:       page.FinalURL,
		StatusCode:     page.StatusCode,
		Regime:         m.req.Regime,
		AuthMethodUsed: method,
		Classification: class,
		Detection:      det,
		Transitions:    m.trail,
	}
}
