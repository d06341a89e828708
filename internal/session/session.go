// Package session holds single sign-on sessions the host application already
// established, so the crawler can reuse them for internal sites.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/utils"
)

var ErrNoSession = errors.New("no active sso session")

type entry struct {
	cookies   []*http.Cookie
	expiresAt time.Time
}

func (e entry) active(now time.Time) bool {
	return len(e.cookies) > 0 && (e.expiresAt.IsZero() || now.Before(e.expiresAt))
}

// CookieProvider is an in-memory host session provider keyed by domain.
// A session stored for "company.com" also serves its subdomains.
type CookieProvider struct {
	mu       sync.RWMutex
	sessions map[string]entry
	clock    func() time.Time
	logger   logging.Logger
}

func NewCookieProvider(logger logging.Logger) *CookieProvider {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &CookieProvider{
		sessions: make(map[string]entry),
		clock:    time.Now,
		logger:   logger.With(logging.Field{Key: "component", Value: "session"}),
	}
}

// SetSession stores a "name=value; ..." cookie line for domain. A zero
// expiresAt never expires. An empty line removes the session.
func (p *CookieProvider) SetSession(domain, cookieLine string, expiresAt time.Time) error {
	domain = utils.NormalizeHost(domain)
	if domain == "" {
		return errors.New("session: domain is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(cookieLine) == "" {
		delete(p.sessions, domain)
		return nil
	}
	cookies, err := http.ParseCookie(cookieLine)
	if err != nil {
		return err
	}
	p.sessions[domain] = entry{cookies: cookies, expiresAt: expiresAt}
	p.logger.Info("sso session registered",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "cookies", Value: len(cookies)})
	return nil
}

// HasActiveSSOSession reports whether a live session covers domain.
func (p *CookieProvider) HasActiveSSOSession(ctx context.Context, domain string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := p.find(domain)
	return ok, nil
}

// ResumeSSOSession returns the cookies to replay against targetURL.
func (p *CookieProvider) ResumeSSOSession(ctx context.Context, domain, targetURL string) ([]*http.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := p.find(domain)
	if !ok {
		return nil, ErrNoSession
	}
	p.logger.Debug("resuming sso session",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "url", Value: targetURL})

	out := make([]*http.Cookie, len(e.cookies))
	for i, c := range e.cookies {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (p *CookieProvider) find(domain string) (entry, bool) {
	now := p.clock()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range utils.DomainFallbackChain(domain) {
		if e, ok := p.sessions[d]; ok && e.active(now) {
			return e, true
		}
	}
	return entry{}, false
}
