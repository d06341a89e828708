package utils

import (
	"errors"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// Errors
var (
	ErrEmptyURL    = errors.New("empty url")
	ErrMissingHost = errors.New("missing host")
)

// CanonicalizeOptions controls optional canonicalization policies.
type CanonicalizeOptions struct {
	DropTrackingParams bool   // remove common tracking params (utm_*, gclid, fbclid, ...)
	StripTrailingSlash bool   // treat /a and /a/ the same (root "/" is kept)
	DefaultScheme      string // assumed for schemeless input; empty means a scheme is required
}

var defaultTrackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"gclid": {}, "fbclid": {}, "mc_cid": {}, "mc_eid": {},
}

// Canonicalize returns a deterministic canonical URL string. Snapshots and
// stored content are keyed by this form so cosmetic URL differences do not
// fork a page's history.
func Canonicalize(raw string, opts CanonicalizeOptions) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &url.Error{Op: "canonicalize", URL: raw, Err: ErrEmptyURL}
	}
	if opts.DefaultScheme != "" && !strings.Contains(raw, "://") {
		raw = opts.DefaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", &url.Error{Op: "canonicalize", URL: raw, Err: ErrMissingHost}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = canonicalHostPort(u)
	u.User = nil
	u.Fragment = ""
	u.Path = canonicalPath(u.Path, opts.StripTrailingSlash)
	u.RawQuery = canonicalQuery(u.Query(), opts.DropTrackingParams)

	return u.String(), nil
}

// canonicalHostPort lowercases and punycodes the host and drops default ports.
func canonicalHostPort(u *url.URL) string {
	host := NormalizeHost(u.Hostname())
	port := u.Port()
	if port == "" ||
		(u.Scheme == "http" && port == "80") ||
		(u.Scheme == "https" && port == "443") {
		return host
	}
	return net.JoinHostPort(host, port)
}

func canonicalPath(p string, stripTrailing bool) string {
	trailing := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	if clean == "." {
		clean = "/"
	}
	if trailing && !stripTrailing && clean != "/" {
		clean += "/"
	}
	return clean
}

func canonicalQuery(q url.Values, dropTracking bool) string {
	if dropTracking {
		for k := range q {
			if _, ok := defaultTrackingParams[strings.ToLower(k)]; ok {
				q.Del(k)
			}
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := url.Values{}
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		for _, v := range values {
			ordered.Add(k, v)
		}
	}
	return ordered.Encode()
}

// NormalizeHost lowercases a bare host name, strips a trailing dot and
// converts IDNs to punycode. Ports must already be removed.
func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if puny, err := idna.Lookup.ToASCII(host); err == nil {
		host = puny
	}
	return host
}

// HostOf parses an absolute URL and returns its normalized host.
func HostOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: ErrMissingHost}
	}
	return NormalizeHost(u.Hostname()), nil
}
