package detector

import (
	"bytes"
	"strings"
	"sync"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	ahocorasick "github.com/cloudflare/ahocorasick"
)

// DefaultTwoFactorPhrases are matched against lower-cased visible text.
var DefaultTwoFactorPhrases = []string{
	"two-factor",
	"two factor",
	"2-step verification",
	"two-step verification",
	"multi-factor",
	"verification code",
	"security code",
	"authenticator app",
	"one-time password",
	"one-time code",
	"enter the code we sent",
}

// otpNameTokens are matched as whole tokens of an input's name or id, so
// "otp_code" and "totpCode" count but "footprint_search" does not.
var otpNameTokens = [][]string{
	{"otp"}, {"totp"}, {"mfa"}, {"2fa"}, {"onetime"},
	{"one", "time"},
	{"verification", "code"},
}

const codeInputSelector = `input[type="text"], input[type="number"], input[type="tel"], input:not([type])`

// TwoFactorDetector scans pages for second-factor prompts.
type TwoFactorDetector struct {
	// ahocorasick.Matcher keeps per-call counters on the trie, so Match
	// must not run concurrently.
	mu      sync.Mutex
	matcher *ahocorasick.Matcher
}

func NewTwoFactorDetector() *TwoFactorDetector {
	return NewTwoFactorDetectorWithPhrases(DefaultTwoFactorPhrases)
}

func NewTwoFactorDetectorWithPhrases(phrases []string) *TwoFactorDetector {
	normalized := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			normalized = append(normalized, p)
		}
	}
	d := &TwoFactorDetector{}
	if len(normalized) > 0 {
		d.matcher = ahocorasick.NewStringMatcher(normalized)
	}
	return d
}

// Detect returns true for a page with a one-time-code input, or with a form
// that pairs a second-factor phrase with a code entry field and asks for no
// password.
func (d *TwoFactorDetector) Detect(html []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return false
	}
	if hasOTPInput(doc) {
		return true
	}
	doc.Find("script, style, noscript, template").Remove()
	found := false
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if form.Find(`input[type="password"]`).Length() > 0 {
			return true
		}
		if form.Find(codeInputSelector).Length() == 0 {
			return true
		}
		found = d.matchText(normalizeText(form.Text() + " " + outsideLabels(doc, form)))
		return !found
	})
	return found
}

func (d *TwoFactorDetector) matchText(text string) bool {
	if d.matcher == nil || text == "" {
		return false
	}
	d.mu.Lock()
	hits := d.matcher.Match([]byte(text))
	d.mu.Unlock()
	return len(hits) > 0
}

func hasOTPInput(doc *goquery.Document) bool {
	found := false
	doc.Find("input").EachWithBreak(func(_ int, in *goquery.Selection) bool {
		if typ, _ := in.Attr("type"); strings.EqualFold(typ, "hidden") {
			return true
		}
		if ac, _ := in.Attr("autocomplete"); strings.EqualFold(ac, "one-time-code") {
			found = true
			return false
		}
		name, _ := in.Attr("name")
		id, _ := in.Attr("id")
		if hasTokenRun(nameTokens(name), otpNameTokens) || hasTokenRun(nameTokens(id), otpNameTokens) {
			found = true
			return false
		}
		return true
	})
	return found
}

// nameTokens splits an identifier on punctuation and camel-case boundaries
// ("OTPCode" is "otp", "code"), lower-casing each token.
func nameTokens(s string) []string {
	var (
		tokens []string
		cur    []rune
	)
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	prevLower, prevUpper := false, false
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			prevLower, prevUpper = false, false
			continue
		}
		switch {
		case unicode.IsUpper(r) && prevLower:
			flush()
		case unicode.IsLower(r) && prevUpper && len(cur) > 1:
			last := cur[len(cur)-1]
			cur = cur[:len(cur)-1]
			flush()
			cur = append(cur, last)
		}
		prevLower, prevUpper = unicode.IsLower(r), unicode.IsUpper(r)
		cur = append(cur, unicode.ToLower(r))
	}
	flush()
	return tokens
}

// hasTokenRun reports whether any of runs appears contiguously in tokens.
func hasTokenRun(tokens []string, runs [][]string) bool {
	for _, run := range runs {
	outer:
		for i := 0; i+len(run) <= len(tokens); i++ {
			for j, want := range run {
				if tokens[i+j] != want {
					continue outer
				}
			}
			return true
		}
	}
	return false
}

// outsideLabels collects the text of <label for=...> elements placed outside
// form that name one of its inputs.
func outsideLabels(doc *goquery.Document, form *goquery.Selection) string {
	var b strings.Builder
	form.Find("input[id]").Each(func(_ int, in *goquery.Selection) {
		id, _ := in.Attr("id")
		doc.Find("label").Each(func(_ int, l *goquery.Selection) {
			if f, _ := l.Attr("for"); f == id && l.Closest("form").Length() == 0 {
				b.WriteString(l.Text())
				b.WriteByte(' ')
			}
		})
	})
	return b.String()
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
