package model

// Regime is the expected authentication mechanism for a URL.
type Regime string

const (
	RegimePublic             Regime = "public"
	RegimeInternal           Regime = "internal"
	RegimeExternalCredential Regime = "external_credential"
)

// Valid reports whether r is one of the known regimes.
func (r Regime) Valid() bool {
	switch r {
	case RegimePublic, RegimeInternal, RegimeExternalCredential:
		return true
	}
	return false
}

// LoginHints is a site-specific selector set used to recognise a known
// login form without relying on generic heuristics.
type LoginHints struct {
	FormSelector     string `json:"form_selector,omitempty"`
	UsernameSelector string `json:"username_selector,omitempty"`
	PasswordSelector string `json:"password_selector,omitempty"`
	SubmitSelector   string `json:"submit_selector,omitempty"`
}

// DomainPattern maps a host pattern to a regime.
//
// Pattern forms:
//
//	"launchpad.support.sap.com"  exact host
//	"*.company.com"              wildcard suffix (also matches company.com)
//	"salesforce.*"               TLD family
type DomainPattern struct {
	Name       string      `json:"name,omitempty"`
	Pattern    string      `json:"pattern"`
	Regime     Regime      `json:"regime"`
	LoginHints *LoginHints `json:"login_hints,omitempty"`
}
