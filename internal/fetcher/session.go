package fetcher

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Session is a per-request cookie scope. Each URL task gets its own so
// authentication state never leaks between tenants or pages.
type Session struct {
	jar *cookiejar.Jar
}

func NewSession() *Session {
	// cookiejar.New never returns a non-nil error.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Session{jar: jar}
}

// Cookies returns the cookies that would be sent to u.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	if s == nil {
		return nil
	}
	return s.jar.Cookies(u)
}

// SetCookies stores cookies as if u had set them.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if s == nil || len(cookies) == 0 {
		return
	}
	s.jar.SetCookies(u, cookies)
}

// SetCookieString parses a "name=value; name2=value2" header line and stores
// the pairs for u's host.
func (s *Session) SetCookieString(u *url.URL, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cookies, err := http.ParseCookie(line)
	if err != nil {
		return err
	}
	s.SetCookies(u, cookies)
	return nil
}

// CookieHeader renders the Cookie header for u, or "" when the jar holds none.
func (s *Session) CookieHeader(u *url.URL) string {
	cookies := s.Cookies(u)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
