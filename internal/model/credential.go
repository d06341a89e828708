package model

import (
	"fmt"
	"time"
)

// AuthType is the kind of secret a credential carries.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthForm   AuthType = "form"
	AuthCookie AuthType = "cookie"
	AuthHeader AuthType = "header"
	AuthSSO    AuthType = "sso"
)

// ParseAuthType validates a user-supplied auth type.
func ParseAuthType(s string) (AuthType, error) {
	switch AuthType(s) {
	case AuthBasic, AuthForm, AuthCookie, AuthHeader, AuthSSO:
		return AuthType(s), nil
	}
	return "", fmt.Errorf("unknown auth type %q", s)
}

// Credential is the stored, encrypted form of a tenant's secret for a domain.
// EncryptedPayload never leaves the vault in plaintext and is excluded from
// JSON encoding and String output.
type Credential struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	DomainKey           string     `json:"domain_key"`
	AuthType            AuthType   `json:"auth_type"`
	EncryptedPayload    []byte     `json:"-"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastVerifiedAt      *time.Time `json:"last_verified_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Stale               bool       `json:"stale"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{id=%s tenant=%s domain=%s type=%s failures=%d stale=%t payload=[redacted]}",
		c.ID, c.TenantID, c.DomainKey, c.AuthType, c.ConsecutiveFailures, c.Stale)
}

// CredentialPayload is the plaintext secret. Which fields are used depends on
// the AuthType: Username/Password for basic and form, Cookies for cookie and
// sso, Headers for header. Fields carries extra form inputs.
type CredentialPayload struct {
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Cookies  string            `json:"cookies,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

func (p CredentialPayload) String() string { return "CredentialPayload{[redacted]}" }

// GoString keeps %#v from leaking secrets.
func (p CredentialPayload) GoString() string { return p.String() }
