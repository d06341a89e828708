package model

// LoginMethod is the kind of login challenge a page presents.
type LoginMethod string

const (
	MethodNone    LoginMethod = ""
	MethodForm    LoginMethod = "form"
	MethodSAML    LoginMethod = "saml"
	MethodOAuth   LoginMethod = "oauth"
	MethodUnknown LoginMethod = "unknown"
)

// IsSSO reports whether the method is delegated to an identity provider.
func (m LoginMethod) IsSSO() bool {
	return m == MethodSAML || m == MethodOAuth
}

// LoginDetection is the transient result of running the login-page detector
// over one fetched document.
type LoginDetection struct {
	IsLoginPage      bool              `json:"is_login_page"`
	Method           LoginMethod       `json:"method,omitempty"`
	UsernameSelector string            `json:"username_selector,omitempty"`
	PasswordSelector string            `json:"password_selector,omitempty"`
	SubmitSelector   string            `json:"submit_selector,omitempty"`
	UsernameField    string            `json:"username_field,omitempty"`
	PasswordField    string            `json:"password_field,omitempty"`
	FormAction       string            `json:"form_action,omitempty"`
	FormMethod       string            `json:"form_method,omitempty"`
	HiddenFields     map[string]string `json:"hidden_fields,omitempty"`
	Confidence       float64           `json:"confidence"`
	Heuristic        string            `json:"heuristic,omitempty"`
}

// InferredAuthType is the credential type a user would most likely need to
// provide to get past this challenge.
func (d LoginDetection) InferredAuthType() AuthType {
	switch d.Method {
	case MethodForm:
		return AuthForm
	case MethodSAML, MethodOAuth:
		return AuthCookie
	case MethodUnknown:
		return AuthBasic
	}
	return AuthNone
}
