package demoserver

import (
	"fmt"
	"html"
	"strings"
)

// Area is a section of the demo site guarded by one login regime.
type Area string

const (
	AreaPublic    Area = "public"
	AreaForm      Area = "form"
	AreaBasic     Area = "basic"
	AreaCookie    Area = "cookie"
	AreaHeader    Area = "header"
	AreaSSO       Area = "sso"
	AreaTwoFactor Area = "2fa"
	AreaLoop      Area = "loop"
)

// PageVersion represents a specific version of a page.
type PageVersion struct {
	HTML        string
	ContentType string
	Headers     map[string]string
}

// PageDefinition defines a knowledge-base page with its versions.
type PageDefinition struct {
	Path        string
	Area        Area
	Description string
	Versions    map[int]PageVersion
}

// GetAllPages returns every page the demo server hosts. Version 2 of a page
// is a small edit of version 1; version 3 is a rewrite.
func GetAllPages() []PageDefinition {
	return []PageDefinition{
		{
			Path:        "/public/docs/getting-started",
			Area:        AreaPublic,
			Description: "Public product documentation, no login",
			Versions: map[int]PageVersion{
				1: {HTML: article("Getting started",
					"Install the agent on every host you want to monitor.",
					"The agent reports to the collector every sixty seconds.",
					"See the runbook for upgrade steps.")},
				2: {HTML: article("Getting started",
					"Install the agent on every host you want to monitor.",
					"The agent reports to the collector every thirty seconds.",
					"See the runbook for upgrade steps.")},
				3: {HTML: article("Quick start for the hosted edition",
					"The hosted edition needs no local agent.",
					"Connect your cloud account and pick the regions to scan.",
					"Billing starts after the first full inventory.")},
			},
		},
		{
			Path:        "/form/kb/release-notes",
			Area:        AreaForm,
			Description: "Release notes behind an HTML login form with a CSRF token",
			Versions: map[int]PageVersion{
				1: {HTML: article("Release notes 4.2",
					"Fixed a crash when importing large archives.",
					"Search now ranks exact title matches first.",
					"Deprecated the legacy export endpoint.")},
				2: {HTML: article("Release notes 4.2",
					"Fixed a crash when importing large archives.",
					"Search now ranks exact title matches first.",
					"Removed the legacy export endpoint.")},
				3: {HTML: article("Release notes 5.0",
					"The storage engine was replaced and needs a migration.",
					"Single sign-on is now available on every plan.",
					"Minimum supported database version is 14.")},
			},
		},
		{
			Path:        "/basic/kb/runbook",
			Area:        AreaBasic,
			Description: "Operations runbook behind HTTP basic authentication",
			Versions: map[int]PageVersion{
				1: {HTML: article("Upgrade runbook",
					"Drain the node before stopping the service.",
					"Take a snapshot of the data volume.",
					"Start the new version and watch the health check.")},
				2: {HTML: article("Upgrade runbook",
					"Drain the node before stopping the service.",
					"Take a snapshot of the data volume and verify it.",
					"Start the new version and watch the health check.")},
				3: {HTML: article("Rollback runbook",
					"Stop the failed version immediately.",
					"Restore the snapshot taken before the upgrade.",
					"File an incident with the captured logs.")},
			},
		},
		{
			Path:        "/cookie/kb/pricing",
			Area:        AreaCookie,
			Description: "Partner price list that needs a session cookie",
			Versions: map[int]PageVersion{
				1: {HTML: article("Partner pricing",
					"Standard tier: 40 per seat per month.",
					"Enterprise tier: contact your account manager.")},
				2: {HTML: article("Partner pricing",
					"Standard tier: 45 per seat per month.",
					"Enterprise tier: contact your account manager.")},
			},
		},
		{
			Path:        "/header/kb/api",
			Area:        AreaHeader,
			Description: "API reference that needs an X-Api-Key header",
			Versions: map[int]PageVersion{
				1: {HTML: article("API reference",
					"GET /v1/items lists items, 100 per page.",
					"POST /v1/items creates an item.")},
				2: {HTML: article("API reference",
					"GET /v1/items lists items, 50 per page.",
					"POST /v1/items creates an item.",
					"DELETE /v1/items/{id} removes an item.")},
			},
		},
		{
			Path:        "/sso/kb/handbook",
			Area:        AreaSSO,
			Description: "Employee handbook behind a SAML identity provider",
			Versions: map[int]PageVersion{
				1: {HTML: article("Employee handbook",
					"Core hours are ten to four.",
					"Expense reports are due by the fifth of each month.")},
				2: {HTML: article("Employee handbook",
					"Core hours are ten to three.",
					"Expense reports are due by the fifth of each month.")},
			},
		},
		{
			Path:        "/2fa/kb/payroll",
			Area:        AreaTwoFactor,
			Description: "Payroll calendar behind a login form and a one-time code",
			Versions: map[int]PageVersion{
				1: {HTML: article("Payroll calendar", "Salaries are paid on the last working day.")},
			},
		},
		{
			Path:        "/loop/kb/archive",
			Area:        AreaLoop,
			Description: "Archive whose login never sticks",
			Versions: map[int]PageVersion{
				1: {HTML: article("Archive", "Nobody gets here.")},
			},
		},
	}
}

func article(title string, paragraphs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head><title>%s</title></head>\n<body>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<nav><a href=\"/\">Knowledge base</a></nav>\n<article>\n<h1>%s</h1>\n", html.EscapeString(title))
	for _, p := range paragraphs {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(p))
	}
	b.WriteString("</article>\n</body>\n</html>\n")
	return b.String()
}

func loginPage(area Area, next, csrf, message string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Sign in</title></head>\n<body>\n<h1>Sign in to the knowledge base</h1>\n")
	if message != "" {
		fmt.Fprintf(&b, "<p class=\"error\">%s</p>\n", html.EscapeString(message))
	}
	fmt.Fprintf(&b, "<form action=\"/%s/login\" method=\"post\">\n", area)
	fmt.Fprintf(&b, "<input type=\"hidden\" name=\"csrf_token\" value=\"%s\">\n", html.EscapeString(csrf))
	fmt.Fprintf(&b, "<input type=\"hidden\" name=\"next\" value=\"%s\">\n", html.EscapeString(next))
	b.WriteString("<label>Username <input type=\"text\" name=\"username\" autocomplete=\"username\"></label>\n")
	b.WriteString("<label>Password <input type=\"password\" name=\"password\" autocomplete=\"current-password\"></label>\n")
	b.WriteString("<button type=\"submit\">Sign in</button>\n</form>\n</body>\n</html>\n")
	return b.String()
}

func otpPage(next string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Verify it's you</title></head>
<body>
<h1>Two-factor authentication</h1>
<p>Enter the verification code from your authenticator app.</p>
<form action="/2fa/verify" method="post">
<input type="hidden" name="next" value="%s">
<input type="text" name="otp" inputmode="numeric" autocomplete="one-time-code">
<button type="submit">Verify</button>
</form>
</body>
</html>
`, html.EscapeString(next))
}

func idpPage(samlRequest, relayState string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Corporate sign-in</title></head>
<body>
<h1>Sign in with your corporate account</h1>
<form action="/sso/idp/login" method="post">
<input type="hidden" name="SAMLRequest" value="%s">
<input type="hidden" name="RelayState" value="%s">
<input type="text" name="username">
<input type="password" name="password">
<button type="submit">Continue</button>
</form>
</body>
</html>
`, html.EscapeString(samlRequest), html.EscapeString(relayState))
}

const unauthorizedHTML = `<!DOCTYPE html>
<html>
<head><title>Unauthorized</title></head>
<body><h1>401 Unauthorized</h1><p>Your session has expired.</p></body>
</html>
`
