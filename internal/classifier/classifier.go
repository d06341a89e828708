// Package classifier maps URLs to the authentication regime their host is
// expected to require.
package classifier

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/utils"
)

type patternKind int

const (
	kindFamily patternKind = iota + 1
	kindWildcard
	kindExact
)

type rule struct {
	pattern model.DomainPattern
	kind    patternKind
	order   int

	host   string    // exact
	suffix string    // wildcard, without the leading "*."
	family glob.Glob // tld family and free-form globs
}

func (r *rule) match(host string) bool {
	switch r.kind {
	case kindExact:
		return host == r.host
	case kindWildcard:
		return host == r.suffix || strings.HasSuffix(host, "."+r.suffix)
	default:
		return r.family.Match(host)
	}
}

// Classification is the result of classifying one URL.
type Classification struct {
	Host           string
	Regime         model.Regime
	MatchedPattern *model.DomainPattern
}

// Classifier is immutable after New and safe for concurrent use.
type Classifier struct {
	tiers [][]*rule
}

// tierOrder fixes evaluation order: internal rules can never be shadowed by
// an external or public rule regardless of specificity.
var tierOrder = []model.Regime{model.RegimeInternal, model.RegimeExternalCredential, model.RegimePublic}

// New compiles patterns. Patterns are validated up front so Classify cannot
// fail on configuration.
func New(patterns []model.DomainPattern) (*Classifier, error) {
	byRegime := map[model.Regime][]*rule{}
	for i, p := range patterns {
		if !p.Regime.Valid() {
			return nil, fmt.Errorf("pattern %q: invalid regime %q", p.Pattern, p.Regime)
		}
		r, err := compile(p, i)
		if err != nil {
			return nil, err
		}
		byRegime[p.Regime] = append(byRegime[p.Regime], r)
	}

	c := &Classifier{}
	for _, regime := range tierOrder {
		tier := byRegime[regime]
		sort.SliceStable(tier, func(i, j int) bool { return moreSpecific(tier[i], tier[j]) })
		c.tiers = append(c.tiers, tier)
	}
	return c, nil
}

func compile(p model.DomainPattern, order int) (*rule, error) {
	raw := strings.ToLower(strings.TrimSpace(p.Pattern))
	if raw == "" {
		return nil, fmt.Errorf("empty domain pattern")
	}
	r := &rule{pattern: p, order: order}

	switch {
	case strings.HasPrefix(raw, "*.") && !strings.ContainsAny(raw[2:], "*?[{"):
		r.kind = kindWildcard
		r.suffix = utils.NormalizeHost(raw[2:])
	case !strings.ContainsAny(raw, "*?[{"):
		r.kind = kindExact
		r.host = utils.NormalizeHost(raw)
	default:
		expr := raw
		if strings.HasSuffix(expr, ".*") {
			// "salesforce.*" covers any public suffix and any subdomain.
			base := strings.TrimSuffix(expr, ".*")
			expr = fmt.Sprintf("{%s.**,**.%s.**}", base, base)
		}
		g, err := glob.Compile(expr, '.')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Pattern, err)
		}
		r.kind = kindFamily
		r.family = g
	}
	return r, nil
}

func moreSpecific(a, b *rule) bool {
	if a.kind != b.kind {
		return a.kind > b.kind
	}
	if a.kind == kindWildcard && len(a.suffix) != len(b.suffix) {
		return len(a.suffix) > len(b.suffix)
	}
	return a.order < b.order
}

// Classify returns the regime for rawURL. Hosts that match no pattern are
// public. Unparseable or hostless URLs fail with KindInvalidURL.
func (c *Classifier) Classify(rawURL string) (Classification, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Classification{}, model.NewScrapeError(model.KindInvalidURL, rawURL, err)
	}
	if u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Classification{}, model.NewScrapeError(model.KindInvalidURL, rawURL, fmt.Errorf("url must be absolute http(s) with a host"))
	}
	host := utils.NormalizeHost(u.Hostname())

	if r := c.lookup(host); r != nil {
		p := r.pattern
		return Classification{Host: host, Regime: p.Regime, MatchedPattern: &p}, nil
	}
	return Classification{Host: host, Regime: model.RegimePublic}, nil
}

func (c *Classifier) lookup(host string) *rule {
	for _, tier := range c.tiers {
		for _, r := range tier {
			if r.match(host) {
				return r
			}
		}
	}
	return nil
}

// LoginHints returns the site-specific selectors configured for host, or nil.
func (c *Classifier) LoginHints(host string) *model.LoginHints {
	if c == nil {
		return nil
	}
	r := c.lookup(utils.NormalizeHost(host))
	if r == nil || r.pattern.LoginHints == nil {
		return nil
	}
	h := *r.pattern.LoginHints
	return &h
}
