// Package fetcher is the page-fetching collaborator of the scraping core. It
// keeps per-request cookie sessions and follows redirects itself so cookies
// set on intermediate hops are never lost.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/webclient"
)

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrNoWebClient      = errors.New("fetcher: webclient is nil")
)

// Options tune a single fetch.
type Options struct {
	// WaitForDynamicContent renders the page in a browser when a renderer
	// is configured.
	WaitForDynamicContent bool
	// Session receives cookies set by the server. Nil means cookies are
	// discarded.
	Session *Session
	Headers http.Header
}

// FormSubmission is a login form to send.
type FormSubmission struct {
	Action string
	Method string
	Fields url.Values
}

type FetchResult struct {
	HTML       []byte
	FinalURL   string
	StatusCode int
	Headers    http.Header
}

// Fetcher fetches pages through a static WebClient and optionally a
// rendering one.
type Fetcher struct {
	static   webclient.WebClient
	renderer webclient.WebClient
	cfg      Config
	logger   logging.Logger
}

// New creates a Fetcher. renderer may be nil; dynamic fetches then fall back
// to the static client.
func New(static, renderer webclient.WebClient, cfg Config, logger logging.Logger) (*Fetcher, error) {
	if static == nil {
		return nil, ErrNoWebClient
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	return &Fetcher{
		static:   static,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger.With(logging.Field{Key: "component", Value: "fetcher"}),
	}, nil
}

// Fetch GETs rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*FetchResult, error) {
	if opts.WaitForDynamicContent && f.renderer != nil {
		return f.render(ctx, rawURL, opts)
	}
	return f.follow(ctx, &webclient.Request{Method: http.MethodGet, URL: rawURL}, opts)
}

// Submit sends a form. GET forms carry fields in the query string, anything
// else is sent as an urlencoded POST body.
func (f *Fetcher) Submit(ctx context.Context, form FormSubmission, opts Options) (*FetchResult, error) {
	method := strings.ToUpper(strings.TrimSpace(form.Method))
	if method == "" {
		method = http.MethodPost
	}

	if method == http.MethodGet {
		u, err := url.Parse(form.Action)
		if err != nil {
			return nil, fmt.Errorf("parse form action: %w", err)
		}
		q := u.Query()
		for k, vs := range form.Fields {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		return f.follow(ctx, &webclient.Request{Method: http.MethodGet, URL: u.String()}, opts)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.follow(ctx, &webclient.Request{
		Method:  method,
		URL:     form.Action,
		Headers: headers,
		Body:    []byte(form.Fields.Encode()),
	}, opts)
}

// follow sends req and walks its redirect chain. Caller headers carry
// credentials, so they only go to the host the chain started on and never
// over a downgraded scheme.
func (f *Fetcher) follow(ctx context.Context, req *webclient.Request, opts Options) (*FetchResult, error) {
	origin, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	for hop := 0; ; hop++ {
		if hop > f.cfg.MaxRedirects {
			return nil, fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, f.cfg.MaxRedirects)
		}
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}

		if sameTrustScope(origin, u) {
			req.Headers = mergeHeaders(req.Headers, opts.Headers)
		} else {
			req.Headers = mergeHeaders(req.Headers, nil)
			req.Headers.Del("Authorization")
			if len(opts.Headers) > 0 {
				f.logger.Debug("dropping credential headers on redirect",
					logging.Field{Key: "origin", Value: origin.Host},
					logging.Field{Key: "to", Value: u.Host})
			}
		}
		// The jar scopes cookies per host, so an identity provider on another
		// host still gets its own session cookies.
		if cookie := opts.Session.CookieHeader(u); cookie != "" && !downgraded(origin, u) {
			req.Headers.Set("Cookie", cookie)
		} else {
			req.Headers.Del("Cookie")
		}
		req.Options = map[string]string{webclient.OptionRedirect: webclient.RedirectManual}

		resp, err := f.static.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		opts.Session.SetCookies(u, (&http.Response{Header: resp.Headers}).Cookies())

		loc := resp.Headers.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			return &FetchResult{
				HTML:       resp.Body,
				FinalURL:   u.String(),
				StatusCode: resp.StatusCode,
				Headers:    resp.Headers,
			}, nil
		}

		next, err := u.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("parse redirect location %q: %w", loc, err)
		}
		f.logger.Debug("following redirect",
			logging.Field{Key: "from", Value: u.String()},
			logging.Field{Key: "to", Value: next.String()},
			logging.Field{Key: "status", Value: resp.StatusCode})

		redirected := &webclient.Request{Method: req.Method, URL: next.String(), Body: req.Body}
		if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusPermanentRedirect {
			redirected.Method = http.MethodGet
			redirected.Body = nil
		} else if ct := req.Headers.Get("Content-Type"); ct != "" {
			redirected.Headers = http.Header{"Content-Type": {ct}}
		}
		req = redirected
	}
}

func (f *Fetcher) render(ctx context.Context, rawURL string, opts Options) (*FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	headers := mergeHeaders(nil, opts.Headers)
	if cookie := opts.Session.CookieHeader(u); cookie != "" {
		headers.Set("Cookie", cookie)
	}
	resp, err := f.renderer.Do(ctx, &webclient.Request{Method: http.MethodGet, URL: rawURL, Headers: headers})
	if err != nil {
		return nil, err
	}
	finalURL := resp.FinalURL
	if finalURL == "" {
		finalURL = rawURL
	}
	return &FetchResult{HTML: resp.Body, FinalURL: finalURL, StatusCode: resp.StatusCode, Headers: resp.Headers}, nil
}

func sameTrustScope(origin, u *url.URL) bool {
	return strings.EqualFold(origin.Hostname(), u.Hostname()) && !downgraded(origin, u)
}

func downgraded(origin, u *url.URL) bool {
	return strings.EqualFold(origin.Scheme, "https") && strings.EqualFold(u.Scheme, "http")
}

func mergeHeaders(dst, src http.Header) http.Header {
	if dst == nil {
		dst = http.Header{}
	}
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
	return dst
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
