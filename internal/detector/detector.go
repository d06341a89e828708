// Package detector recognises login pages and two-factor challenges in
// fetched HTML. It performs no network I/O.
package detector

import (
	"bytes"
	"net/url"
	"sort"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/kbcrawl/internal/model"
)

// HintsSource supplies site-specific login selectors for a host.
type HintsSource interface {
	LoginHints(host string) *model.LoginHints
}

// Page is the parsed input handed to each heuristic.
type Page struct {
	Doc   *goquery.Document
	URL   *url.URL
	Hints *model.LoginHints
}

// Heuristic is one detection strategy. Fn returns ok=false when it does not
// apply to the page.
type Heuristic struct {
	Name        string
	Specificity int
	Fn          func(p *Page) (model.LoginDetection, bool)
}

// DefaultHeuristics returns the strategies in evaluation order.
func DefaultHeuristics() []Heuristic {
	return []Heuristic{
		{Name: "site_rule", Specificity: 3, Fn: siteRule},
		{Name: "saml", Specificity: 2, Fn: samlRedirect},
		{Name: "oauth", Specificity: 2, Fn: oauthRedirect},
		{Name: "generic_form", Specificity: 1, Fn: genericForm},
	}
}

type Detector struct {
	heuristics []Heuristic
	hints      HintsSource
	twoFactor  *TwoFactorDetector
}

// New returns a Detector using DefaultHeuristics. hints may be nil.
func New(hints HintsSource) *Detector {
	return NewWithHeuristics(hints, DefaultHeuristics())
}

func NewWithHeuristics(hints HintsSource, heuristics []Heuristic) *Detector {
	return &Detector{
		heuristics: heuristics,
		hints:      hints,
		twoFactor:  NewTwoFactorDetector(),
	}
}

type candidate struct {
	detection   model.LoginDetection
	specificity int
	order       int
}

// Detect runs every heuristic over html and returns the most confident
// candidate. Ties go to the more specific heuristic, then to list order.
func (d *Detector) Detect(html []byte, pageURL string) model.LoginDetection {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return model.LoginDetection{}
	}
	u, _ := url.Parse(pageURL)
	if u == nil {
		u = &url.URL{}
	}

	page := &Page{Doc: doc, URL: u}
	if d.hints != nil && u.Hostname() != "" {
		page.Hints = d.hints.LoginHints(u.Hostname())
	}

	var found []candidate
	for i, h := range d.heuristics {
		det, ok := h.Fn(page)
		if !ok {
			continue
		}
		det.IsLoginPage = true
		det.Heuristic = h.Name
		found = append(found, candidate{detection: det, specificity: h.Specificity, order: i})
	}
	if len(found) == 0 {
		return model.LoginDetection{}
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.detection.Confidence != b.detection.Confidence {
			return a.detection.Confidence > b.detection.Confidence
		}
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		return a.order < b.order
	})
	return found[0].detection
}

// DetectTwoFactor reports whether html asks for a second factor.
func (d *Detector) DetectTwoFactor(html []byte) bool {
	return d.twoFactor.Detect(html)
}
