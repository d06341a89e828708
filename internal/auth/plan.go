package auth

import (
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/raysh454/kbcrawl/internal/fetcher"
	"github.com/raysh454/kbcrawl/internal/model"
)

type planKind int

const (
	planSSO planKind = iota + 1
	planCredential
)

// plan is the chosen way past a login challenge.
type plan struct {
	kind planKind

	// planCredential, resolved lazily and reused across attempts
	cred    *model.Credential
	payload *model.CredentialPayload
}

// choosePlan maps regime × method to a plan. Only internal hosts that bounce
// to an identity provider use the host's SSO session; every other combination
// needs a stored credential.
func choosePlan(regime model.Regime, method model.LoginMethod) *plan {
	if regime == model.RegimeInternal && method.IsSSO() {
		return &plan{kind: planSSO}
	}
	return &plan{kind: planCredential}
}

func (p *plan) authMethod() model.AuthType {
	if p.kind == planSSO {
		return model.AuthSSO
	}
	if p.cred != nil {
		return p.cred.AuthType
	}
	return model.AuthNone
}

func (p *plan) classification() model.ContentClassification {
	if p.kind == planSSO {
		return model.ContentInternal
	}
	return model.ContentCredentialBased
}

// application is what a credential turns into on the wire.
type application struct {
	headers http.Header
	form    *fetcher.FormSubmission
}

// applyCredential prepares the request changes for payload. Cookie-style
// credentials are written into sess directly.
func applyCredential(authType model.AuthType, payload *model.CredentialPayload, det model.LoginDetection,
	target *url.URL, sess *fetcher.Session) (application, error) {

	app := application{headers: http.Header{}}
	switch authType {
	case model.AuthForm:
		if det.Method == model.MethodForm && det.FormAction != "" {
			app.form = buildForm(payload, det)
			return app, nil
		}
		// No form to fill; the site challenged some other way.
		setBasic(app.headers, payload)
	case model.AuthBasic:
		setBasic(app.headers, payload)
	case model.AuthCookie, model.AuthSSO:
		if err := sess.SetCookieString(target, payload.Cookies); err != nil {
			return app, err
		}
	case model.AuthHeader:
		for k, v := range payload.Headers {
			app.headers.Set(k, v)
		}
	}
	return app, nil
}

func buildForm(payload *model.CredentialPayload, det model.LoginDetection) *fetcher.FormSubmission {
	fields := url.Values{}
	for k, v := range det.HiddenFields {
		fields.Set(k, v)
	}
	for k, v := range payload.Fields {
		fields.Set(k, v)
	}
	userField := det.UsernameField
	if userField == "" {
		userField = "username"
	}
	passField := det.PasswordField
	if passField == "" {
		passField = "password"
	}
	fields.Set(userField, payload.Username)
	fields.Set(passField, payload.Password)

	method := det.FormMethod
	if method == "" || method == http.MethodGet {
		// Credentials never go in a query string.
		method = http.MethodPost
	}
	return &fetcher.FormSubmission{Action: det.FormAction, Method: method, Fields: fields}
}

func setBasic(h http.Header, payload *model.CredentialPayload) {
	token := base64.StdEncoding.EncodeToString([]byte(payload.Username + ":" + payload.Password))
	h.Set("Authorization", "Basic "+token)
}
