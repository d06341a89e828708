package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a per-URL scrape failure.
type ErrorKind string

const (
	KindInvalidURL        ErrorKind = "InvalidURL"
	KindFetchError        ErrorKind = "FetchError"
	KindDecryptionError   ErrorKind = "DecryptionError"
	KindCredentialMissing ErrorKind = "CredentialMissing"
	KindLoginLoop         ErrorKind = "LoginLoopDetected"
	KindTwoFactorRequired ErrorKind = "TwoFactorRequired"
	KindSaveError         ErrorKind = "SaveError"
	KindSSOSessionMissing ErrorKind = "SSOSessionMissing"
	KindCancelled         ErrorKind = "Cancelled"
)

// ScrapeError is the error type surfaced by the scraping core. It carries
// enough context to build an actionable suggestion for the operator.
type ScrapeError struct {
	Kind     ErrorKind
	URL      string
	Domain   string
	AuthType AuthType
	Err      error
}

func (e *ScrapeError) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// Retryable reports whether the same operation may succeed if repeated.
// Only fetch failures qualify.
func (e *ScrapeError) Retryable() bool { return e.Kind == KindFetchError }

// Suggestion returns operator guidance for the failure kind.
func (e *ScrapeError) Suggestion() string {
	domain := e.Domain
	if domain == "" {
		domain = "this site"
	}
	switch e.Kind {
	case KindInvalidURL:
		return "check the target URL; it must be absolute and include a host"
	case KindFetchError:
		return fmt.Sprintf("%s could not be reached after several attempts; verify it is online and reachable from the crawler", domain)
	case KindDecryptionError:
		return fmt.Sprintf("the stored credential for %s could not be decrypted; re-enter it", domain)
	case KindCredentialMissing:
		authType := e.AuthType
		if authType == "" || authType == AuthNone {
			authType = AuthForm
		}
		return fmt.Sprintf("provide credentials for domain %s using auth type %s inferred from its login page", domain, authType)
	case KindLoginLoop:
		return fmt.Sprintf("the login page for %s kept reappearing after submitting credentials; verify the stored credential is correct", domain)
	case KindTwoFactorRequired:
		return fmt.Sprintf("%s requires two-factor authentication; export an authenticated session cookie and store it as a cookie credential", domain)
	case KindSaveError:
		return "the page was scraped but could not be stored; check content storage capacity and permissions"
	case KindSSOSessionMissing:
		return fmt.Sprintf("sign in to %s in the host application so its single sign-on session can be reused", domain)
	case KindCancelled:
		return "the job run was cancelled before this URL was processed"
	}
	return ""
}

// NewScrapeError builds a ScrapeError.
func NewScrapeError(kind ErrorKind, url string, err error) *ScrapeError {
	return &ScrapeError{Kind: kind, URL: url, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" if err is not a ScrapeError.
func KindOf(err error) ErrorKind {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// ResultError is the serialisable form of a ScrapeError stored on a ScrapeResult.
type ResultError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// ResultErrorFrom converts any error into a ResultError. Errors that are not
// ScrapeErrors are reported as FetchError, the only kind with unknown cause.
func ResultErrorFrom(err error) *ResultError {
	if err == nil {
		return nil
	}
	var se *ScrapeError
	if errors.As(err, &se) {
		return &ResultError{Kind: se.Kind, Message: se.Error(), Suggestion: se.Suggestion()}
	}
	return &ResultError{Kind: KindFetchError, Message: err.Error()}
}
