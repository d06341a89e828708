package demoserver

// Config holds configuration for the demo server.
type Config struct {
	// Port is the port on which the demo server listens.
	Port int

	// InitialVersion is the starting version for all pages (default: 1).
	InitialVersion int

	// Username and Password are accepted by the form, 2fa and basic areas.
	Username string
	Password string

	// OTPCode completes the second factor in the 2fa area.
	OTPCode string

	// CookieToken is the kb_token cookie value the cookie area expects.
	CookieToken string

	// APIKey is the X-Api-Key header value the header area expects.
	APIKey string

	// SSOToken is the idp_session cookie value the sso area expects.
	SSOToken string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:           9999,
		InitialVersion: 1,
		Username:       "kb-reader",
		Password:       "correct-horse",
		OTPCode:        "246810",
		CookieToken:    "demo-cookie-token",
		APIKey:         "demo-api-key",
		SSOToken:       "demo-idp-session",
	}
}
