package model_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/raysh454/kbcrawl/internal/model"
)

func TestDeriveOutcome(t *testing.T) {
	ok := model.ScrapeResult{URL: "a"}
	bad := model.ScrapeResult{URL: "b", Error: &model.ResultError{Kind: model.KindFetchError}}

	tests := []struct {
		name      string
		results   []model.ScrapeResult
		cancelled bool
		want      model.RunOutcome
	}{
		{"all ok", []model.ScrapeResult{ok, ok}, false, model.OutcomeSuccess},
		{"empty run", nil, false, model.OutcomeSuccess},
		{"all failed", []model.ScrapeResult{bad, bad}, false, model.OutcomeFailure},
		{"mixed", []model.ScrapeResult{ok, bad, ok}, false, model.OutcomePartialFailure},
		{"cancelled", []model.ScrapeResult{ok}, true, model.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := model.DeriveOutcome(tt.results, tt.cancelled); got != tt.want {
				t.Errorf("DeriveOutcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScrapeError_SuggestionNamesDomainAndAuthType(t *testing.T) {
	err := &model.ScrapeError{
		Kind:     model.KindCredentialMissing,
		URL:      "https://portal.vendor.com/docs",
		Domain:   "portal.vendor.com",
		AuthType: model.AuthForm,
	}
	s := err.Suggestion()
	if !strings.Contains(s, "portal.vendor.com") || !strings.Contains(s, "form") {
		t.Errorf("suggestion %q should name domain and auth type", s)
	}
}

func TestScrapeError_KindSurvivesWrapping(t *testing.T) {
	inner := model.NewScrapeError(model.KindTwoFactorRequired, "https://x", errors.New("otp"))
	wrapped := fmt.Errorf("process: %w", inner)

	if got := model.KindOf(wrapped); got != model.KindTwoFactorRequired {
		t.Errorf("KindOf = %q", got)
	}
	re := model.ResultErrorFrom(wrapped)
	if re.Kind != model.KindTwoFactorRequired || re.Suggestion == "" {
		t.Errorf("ResultErrorFrom = %+v", re)
	}
	if inner.Retryable() {
		t.Error("two-factor must not be retryable")
	}
	if !model.NewScrapeError(model.KindFetchError, "", nil).Retryable() {
		t.Error("fetch errors are retryable")
	}
}

func TestCredential_StringRedactsPayload(t *testing.T) {
	c := model.Credential{ID: "c1", EncryptedPayload: []byte("secret-bytes")}
	if strings.Contains(c.String(), "secret-bytes") {
		t.Errorf("credential string leaked payload: %s", c)
	}
	p := model.CredentialPayload{Password: "hunter2"}
	if strings.Contains(fmt.Sprintf("%v %#v", p, p), "hunter2") {
		t.Error("payload formatting leaked password")
	}
}

func TestScrapeJob_NormalizeTargets(t *testing.T) {
	j := model.ScrapeJob{TargetURLs: []string{" https://a ", "", "https://b", "https://a"}}
	j.NormalizeTargets()
	if len(j.TargetURLs) != 2 || j.TargetURLs[0] != "https://a" || j.TargetURLs[1] != "https://b" {
		t.Errorf("NormalizeTargets = %v", j.TargetURLs)
	}
}
