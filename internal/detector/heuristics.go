package detector

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/kbcrawl/internal/model"
)

var (
	usernameNameRe = regexp.MustCompile(`(?i)user|login|email|username|account`)
	passwordNameRe = regexp.MustCompile(`(?i)pass|pwd`)
	metaRefreshRe  = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'"]+)`)
)

const (
	confidenceSiteRule = 1.0
	confidenceSAML     = 0.95
	confidenceOAuth    = 0.9
	confidenceForm     = 0.5
	bonusUsernameName  = 0.2
	bonusPasswordName  = 0.15
)

// siteRule applies configured selectors for known hosts.
func siteRule(p *Page) (model.LoginDetection, bool) {
	h := p.Hints
	if h == nil {
		return model.LoginDetection{}, false
	}
	var anchor *goquery.Selection
	switch {
	case h.PasswordSelector != "":
		anchor = p.Doc.Find(h.PasswordSelector).First()
	case h.UsernameSelector != "":
		anchor = p.Doc.Find(h.UsernameSelector).First()
	default:
		return model.LoginDetection{}, false
	}
	if anchor.Length() == 0 {
		return model.LoginDetection{}, false
	}

	var form *goquery.Selection
	if h.FormSelector != "" {
		form = p.Doc.Find(h.FormSelector).First()
	}
	if form == nil || form.Length() == 0 {
		form = anchor.Closest("form")
	}

	det := describeForm(p, form)
	det.Method = model.MethodForm
	det.Confidence = confidenceSiteRule
	det.UsernameSelector = h.UsernameSelector
	det.PasswordSelector = h.PasswordSelector
	det.SubmitSelector = h.SubmitSelector
	if h.UsernameSelector != "" {
		det.UsernameField = attr(p.Doc.Find(h.UsernameSelector).First(), "name")
	}
	if h.PasswordSelector != "" {
		det.PasswordField = attr(p.Doc.Find(h.PasswordSelector).First(), "name")
	}
	return det, true
}

// samlRedirect looks for SAML protocol messages in inputs, the page URL,
// form actions, links and meta refresh targets.
func samlRedirect(p *Page) (model.LoginDetection, bool) {
	if hasSAMLParams(p.URL) {
		return model.LoginDetection{Method: model.MethodSAML, Confidence: confidenceSAML, FormAction: p.URL.String()}, true
	}

	input := p.Doc.Find(`input[name="SAMLRequest"], input[name="SAMLResponse"]`).First()
	if input.Length() > 0 {
		det := describeForm(p, input.Closest("form"))
		det.Method = model.MethodSAML
		det.Confidence = confidenceSAML
		return det, true
	}

	for _, target := range redirectTargets(p) {
		if hasSAMLParams(target) {
			return model.LoginDetection{Method: model.MethodSAML, Confidence: confidenceSAML, FormAction: target.String()}, true
		}
	}
	return model.LoginDetection{}, false
}

// oauthRedirect looks for an authorization request: response_type together
// with client_id.
func oauthRedirect(p *Page) (model.LoginDetection, bool) {
	if isOAuthRequest(p.URL) {
		return model.LoginDetection{Method: model.MethodOAuth, Confidence: confidenceOAuth, FormAction: p.URL.String()}, true
	}
	for _, target := range redirectTargets(p) {
		if isOAuthRequest(target) {
			return model.LoginDetection{Method: model.MethodOAuth, Confidence: confidenceOAuth, FormAction: target.String()}, true
		}
	}
	return model.LoginDetection{}, false
}

// genericForm matches any password input inside something that can be
// submitted, scoring higher when field names look like credentials.
func genericForm(p *Page) (model.LoginDetection, bool) {
	var (
		best  model.LoginDetection
		found bool
	)
	p.Doc.Find(`input[type="password"]`).Each(func(_ int, pw *goquery.Selection) {
		form := pw.Closest("form")
		if form.Length() == 0 && p.Doc.Find(`button, input[type="submit"]`).Length() == 0 {
			return
		}

		det := describeForm(p, form)
		det.Method = model.MethodForm
		det.PasswordField = attr(pw, "name")
		det.PasswordSelector = selectorFor(pw)

		scope := form
		if scope.Length() == 0 {
			scope = p.Doc.Selection
		}
		user := usernameInput(scope)
		if user != nil {
			det.UsernameField = attr(user, "name")
			det.UsernameSelector = selectorFor(user)
		}
		if submit := scope.Find(`button[type="submit"], input[type="submit"], button:not([type])`).First(); submit.Length() > 0 {
			det.SubmitSelector = selectorFor(submit)
		}

		det.Confidence = confidenceForm
		if user != nil && usernameNameRe.MatchString(attr(user, "name")+" "+attr(user, "id")) {
			det.Confidence += bonusUsernameName
		}
		if passwordNameRe.MatchString(attr(pw, "name") + " " + attr(pw, "id")) {
			det.Confidence += bonusPasswordName
		}

		if !found || det.Confidence > best.Confidence {
			best, found = det, true
		}
	})
	return best, found
}

func usernameInput(scope *goquery.Selection) *goquery.Selection {
	var fallback, named *goquery.Selection
	scope.Find("input").EachWithBreak(func(_ int, in *goquery.Selection) bool {
		typ := strings.ToLower(attr(in, "type"))
		switch typ {
		case "", "text", "email", "tel":
		default:
			return true
		}
		if fallback == nil {
			fallback = in
		}
		if usernameNameRe.MatchString(attr(in, "name") + " " + attr(in, "id") + " " + attr(in, "autocomplete")) {
			named = in
			return false
		}
		return true
	})
	if named != nil {
		return named
	}
	return fallback
}

// describeForm fills action, method and hidden fields from form.
func describeForm(p *Page, form *goquery.Selection) model.LoginDetection {
	det := model.LoginDetection{FormMethod: "GET"}
	if form == nil || form.Length() == 0 {
		det.FormAction = p.URL.String()
		return det
	}

	det.FormAction = resolve(p.URL, attr(form, "action"))
	if m := strings.ToUpper(strings.TrimSpace(attr(form, "method"))); m != "" {
		det.FormMethod = m
	}
	form.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
		name := attr(in, "name")
		if name == "" {
			return
		}
		if det.HiddenFields == nil {
			det.HiddenFields = map[string]string{}
		}
		det.HiddenFields[name] = attr(in, "value")
	})
	return det
}

func redirectTargets(p *Page) []*url.URL {
	var raw []string
	p.Doc.Find("form[action]").Each(func(_ int, s *goquery.Selection) { raw = append(raw, attr(s, "action")) })
	p.Doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) { raw = append(raw, attr(s, "href")) })
	p.Doc.Find(`meta[http-equiv="refresh"]`).Each(func(_ int, s *goquery.Selection) {
		if m := metaRefreshRe.FindStringSubmatch(attr(s, "content")); m != nil {
			raw = append(raw, strings.TrimSpace(m[1]))
		}
	})

	out := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(strings.TrimSpace(r))
		if err != nil {
			continue
		}
		out = append(out, p.URL.ResolveReference(u))
	}
	return out
}

func hasSAMLParams(u *url.URL) bool {
	if u == nil {
		return false
	}
	q := u.Query()
	return q.Has("SAMLRequest") || q.Has("SAMLResponse")
}

func isOAuthRequest(u *url.URL) bool {
	if u == nil {
		return false
	}
	q := u.Query()
	return q.Has("response_type") && q.Has("client_id")
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base.String()
	}
	u, err := url.Parse(ref)
	if err != nil {
		return base.String()
	}
	return base.ResolveReference(u).String()
}

func selectorFor(s *goquery.Selection) string {
	if id := attr(s, "id"); id != "" {
		return "#" + id
	}
	tag := goquery.NodeName(s)
	if name := attr(s, "name"); name != "" {
		return fmt.Sprintf(`%s[name=%q]`, tag, name)
	}
	if typ := attr(s, "type"); typ != "" {
		return fmt.Sprintf(`%s[type=%q]`, tag, typ)
	}
	return tag
}

func attr(s *goquery.Selection, name string) string {
	if s == nil {
		return ""
	}
	v, _ := s.Attr(name)
	return v
}
