package classifier_test

import (
	"testing"

	"github.com/raysh454/kbcrawl/internal/classifier"
	"github.com/raysh454/kbcrawl/internal/model"
)

func newClassifier(t *testing.T, patterns ...model.DomainPattern) *classifier.Classifier {
	t.Helper()
	c, err := classifier.New(patterns)
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	return c
}

// ─── Precedence ─────────────────────────────────────────────────────────

func TestClassify_InternalWildcardBeatsExternalExact(t *testing.T) {
	t.Parallel()
	c := newClassifier(t,
		model.DomainPattern{Pattern: "docs.company.com", Regime: model.RegimeExternalCredential},
		model.DomainPattern{Pattern: "*.company.com", Regime: model.RegimeInternal},
	)

	for _, u := range []string{
		"https://docs.company.com/page",
		"https://wiki.eu.company.com/",
		"https://company.com",
	} {
		got, err := c.Classify(u)
		if err != nil {
			t.Fatalf("Classify(%s): %v", u, err)
		}
		if got.Regime != model.RegimeInternal {
			t.Errorf("Classify(%s) = %s, want internal", u, got.Regime)
		}
	}
}

func TestClassify_SpecificityWithinTier(t *testing.T) {
	t.Parallel()
	c := newClassifier(t,
		model.DomainPattern{Name: "family", Pattern: "sap.*", Regime: model.RegimeExternalCredential},
		model.DomainPattern{Name: "wide", Pattern: "*.sap.com", Regime: model.RegimeExternalCredential},
		model.DomainPattern{Name: "narrow", Pattern: "*.support.sap.com", Regime: model.RegimeExternalCredential},
		model.DomainPattern{Name: "exact", Pattern: "launchpad.support.sap.com", Regime: model.RegimeExternalCredential},
	)

	tests := []struct {
		url  string
		want string
	}{
		{"https://launchpad.support.sap.com/x", "exact"},
		{"https://me.support.sap.com/", "narrow"},
		{"https://www.sap.com/", "wide"},
		{"https://sap.de/", "family"},
	}
	for _, tt := range tests {
		got, err := c.Classify(tt.url)
		if err != nil {
			t.Fatalf("Classify(%s): %v", tt.url, err)
		}
		if got.MatchedPattern == nil || got.MatchedPattern.Name != tt.want {
			t.Errorf("Classify(%s) matched %+v, want %s", tt.url, got.MatchedPattern, tt.want)
		}
	}
}

func TestClassify_TLDFamily(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, model.DomainPattern{Pattern: "salesforce.*", Regime: model.RegimeExternalCredential})

	cases := map[string]model.Regime{
		"https://salesforce.com/":         model.RegimeExternalCredential,
		"https://login.salesforce.co.uk/": model.RegimeExternalCredential,
		"https://notsalesforce.com/":      model.RegimePublic,
	}
	for u, want := range cases {
		got, err := c.Classify(u)
		if err != nil {
			t.Fatalf("Classify(%s): %v", u, err)
		}
		if got.Regime != want {
			t.Errorf("Classify(%s) = %s, want %s", u, got.Regime, want)
		}
	}
}

// ─── Normalisation / defaults ───────────────────────────────────────────

func TestClassify_NormalisesHost(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, model.DomainPattern{Pattern: "portal.vendor.com", Regime: model.RegimeExternalCredential})

	got, err := c.Classify("https://PORTAL.Vendor.com.:8443/login")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Host != "portal.vendor.com" || got.Regime != model.RegimeExternalCredential {
		t.Errorf("got %+v", got)
	}
}

func TestClassify_UnmatchedIsPublic(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)
	got, err := c.Classify("https://example.org/")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Regime != model.RegimePublic || got.MatchedPattern != nil {
		t.Errorf("got %+v", got)
	}
}

func TestClassify_InvalidURL(t *testing.T) {
	t.Parallel()
	c := newClassifier(t)
	for _, u := range []string{"", "/relative", "ftp://host/x", "http://%zz"} {
		_, err := c.Classify(u)
		if model.KindOf(err) != model.KindInvalidURL {
			t.Errorf("Classify(%q) err = %v, want InvalidURL", u, err)
		}
	}
}

func TestNew_RejectsInvalidRegime(t *testing.T) {
	t.Parallel()
	if _, err := classifier.New([]model.DomainPattern{{Pattern: "x.com", Regime: "vpn"}}); err == nil {
		t.Fatal("expected error for unknown regime")
	}
}

func TestLoginHints(t *testing.T) {
	t.Parallel()
	hints := &model.LoginHints{PasswordSelector: "#pw"}
	c := newClassifier(t, model.DomainPattern{Pattern: "*.vendor.com", Regime: model.RegimeExternalCredential, LoginHints: hints})

	if got := c.LoginHints("portal.vendor.com"); got == nil || got.PasswordSelector != "#pw" {
		t.Errorf("LoginHints = %+v", got)
	}
	if got := c.LoginHints("other.org"); got != nil {
		t.Errorf("expected nil hints, got %+v", got)
	}
}
