package detector_test

import (
	"testing"

	"github.com/raysh454/kbcrawl/internal/detector"
	"github.com/raysh454/kbcrawl/internal/model"
)

type staticHints map[string]*model.LoginHints

func (s staticHints) LoginHints(host string) *model.LoginHints { return s[host] }

// ─── Generic form ──────────────────────────────────────────────────────

const genericLogin = `<html><body>
<form action="/session" method="post">
  <input type="hidden" name="csrf" value="tok123">
  <input type="email" name="email" id="email">
  <input type="password" name="password" id="password">
  <button type="submit">Sign in</button>
</form></body></html>`

func TestDetect_GenericForm(t *testing.T) {
	t.Parallel()
	d := detector.New(nil)
	got := d.Detect([]byte(genericLogin), "https://portal.vendor.com/login")

	if !got.IsLoginPage || got.Method != model.MethodForm {
		t.Fatalf("expected form login, got %+v", got)
	}
	if got.Heuristic != "generic_form" {
		t.Errorf("heuristic = %q", got.Heuristic)
	}
	if got.UsernameField != "email" || got.PasswordField != "password" {
		t.Errorf("fields = %q/%q", got.UsernameField, got.PasswordField)
	}
	if got.UsernameSelector != "#email" || got.PasswordSelector != "#password" {
		t.Errorf("selectors = %q/%q", got.UsernameSelector, got.PasswordSelector)
	}
	if got.FormAction != "https://portal.vendor.com/session" || got.FormMethod != "POST" {
		t.Errorf("form = %s %s", got.FormMethod, got.FormAction)
	}
	if got.HiddenFields["csrf"] != "tok123" {
		t.Errorf("hidden fields = %v", got.HiddenFields)
	}
	if got.Confidence < 0.8 || got.Confidence > 0.9 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func TestDetect_GenericFormWithOpaqueNamesScoresLower(t *testing.T) {
	t.Parallel()
	html := `<form action="/x"><input type="text" name="f1"><input type="password" name="f2"><input type="submit"></form>`
	got := detector.New(nil).Detect([]byte(html), "https://a.example/")
	if !got.IsLoginPage {
		t.Fatal("expected login page")
	}
	if got.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", got.Confidence)
	}
	if got.FormMethod != "GET" {
		t.Errorf("method = %q", got.FormMethod)
	}
}

func TestDetect_NoLogin(t *testing.T) {
	t.Parallel()
	html := `<html><body><h1>Release notes</h1><form action="/search"><input name="q"></form></body></html>`
	got := detector.New(nil).Detect([]byte(html), "https://docs.example.com/notes")
	if got.IsLoginPage {
		t.Fatalf("unexpected detection %+v", got)
	}
}

// ─── Site rules ────────────────────────────────────────────────────────

func TestDetect_SiteRuleWins(t *testing.T) {
	t.Parallel()
	hints := staticHints{"portal.vendor.com": {
		UsernameSelector: "#email",
		PasswordSelector: "#password",
		SubmitSelector:   "button",
	}}
	got := detector.New(hints).Detect([]byte(genericLogin), "https://portal.vendor.com/login")
	if got.Heuristic != "site_rule" || got.Confidence != 1.0 {
		t.Fatalf("expected site rule, got %+v", got)
	}
	if got.SubmitSelector != "button" || got.UsernameField != "email" {
		t.Errorf("got %+v", got)
	}
}

func TestDetect_SiteRuleSelectorMissingFallsBack(t *testing.T) {
	t.Parallel()
	hints := staticHints{"portal.vendor.com": {PasswordSelector: "#does-not-exist"}}
	got := detector.New(hints).Detect([]byte(genericLogin), "https://portal.vendor.com/login")
	if got.Heuristic != "generic_form" {
		t.Fatalf("heuristic = %q", got.Heuristic)
	}
}

// ─── SSO ───────────────────────────────────────────────────────────────

func TestDetect_SAMLBeatsForm(t *testing.T) {
	t.Parallel()
	html := `<html><body onload="document.forms[0].submit()">
<form method="post" action="https://idp.company.com/sso">
  <input type="hidden" name="SAMLRequest" value="PHNhbWw+">
  <input type="hidden" name="RelayState" value="abc">
  <input type="password" name="password">
</form></body></html>`
	got := detector.New(nil).Detect([]byte(html), "https://wiki.company.com/")
	if got.Method != model.MethodSAML {
		t.Fatalf("method = %q, want saml", got.Method)
	}
	if got.FormAction != "https://idp.company.com/sso" || got.HiddenFields["RelayState"] != "abc" {
		t.Errorf("got %+v", got)
	}
}

func TestDetect_SAMLMetaRefresh(t *testing.T) {
	t.Parallel()
	html := `<html><head><meta http-equiv="refresh" content="0; url=https://idp.company.com/sso?SAMLRequest=abc"></head></html>`
	got := detector.New(nil).Detect([]byte(html), "https://wiki.company.com/")
	if got.Method != model.MethodSAML {
		t.Fatalf("method = %q", got.Method)
	}
}

func TestDetect_OAuthFromFinalURL(t *testing.T) {
	t.Parallel()
	got := detector.New(nil).Detect([]byte(`<html><body>Redirecting</body></html>`),
		"https://login.company.com/authorize?response_type=code&client_id=kb&redirect_uri=x")
	if got.Method != model.MethodOAuth || got.Confidence != 0.9 {
		t.Fatalf("got %+v", got)
	}
	if !got.Method.IsSSO() || got.InferredAuthType() != model.AuthCookie {
		t.Errorf("oauth should be SSO with inferred cookie auth")
	}
}

func TestDetect_OAuthLinkRequiresBothParams(t *testing.T) {
	t.Parallel()
	html := `<a href="/authorize?client_id=kb">Sign in</a>`
	if got := detector.New(nil).Detect([]byte(html), "https://a.example/"); got.IsLoginPage {
		t.Fatalf("unexpected detection %+v", got)
	}
}

// ─── Two-factor ────────────────────────────────────────────────────────

func TestDetectTwoFactor(t *testing.T) {
	t.Parallel()
	d := detector.New(nil)
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"otp autocomplete", `<form><input autocomplete="one-time-code" name="c"></form>`, true},
		{"otp name", `<form><input name="totp_token"></form>`, true},
		{"otp camel case", `<form><input name="OTPCode"></form>`, true},
		{"phrase with code field", `<body><form><p>Enter the verification code from your Authenticator app</p><input type="text" name="c"></form></body>`, true},
		{"phrase in outside label", `<body><label for="c">Security code</label><form><input type="tel" id="c" name="c"></form></body>`, true},
		{"otp fragment inside a word", `<form><input type="text" name="footprint_search"></form>`, false},
		{"hidden mfa field", `<form><input type="hidden" name="mfa_hint" value="1"><input name="q"></form>`, false},
		{"article about 2fa with search box", `<body>
<header><form action="/search"><input type="text" name="q" placeholder="Search the knowledge base"></form></header>
<article><h1>Setting up two-factor authentication</h1>
<p>Open the authenticator app and enter the verification code it shows.</p></article></body>`, false},
		{"phrase without field", `<body><p>Our guide to two-factor security.</p></body>`, false},
		{"login form mentioning 2fa", `<body><p>Two-factor available</p><form><input name="user"><input type="password" name="p"></form></body>`, false},
		{"phrase in script only", `<body><script>var s = "verification code";</script><form><input name="q"></form></body>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.DetectTwoFactor([]byte(tt.html)); got != tt.want {
				t.Errorf("DetectTwoFactor = %v, want %v", got, tt.want)
			}
		})
	}
}
