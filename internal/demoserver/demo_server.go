package demoserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	sessionCookie = "demo_session"
	pendingCookie = "demo_2fa_pending"
	tokenCookie   = "kb_token"
	idpCookie     = "idp_session"
	apiKeyHeader  = "X-Api-Key"
)

// DemoServer is a small knowledge-base site whose sections sit behind
// different login regimes. Page versions can be switched on the fly to
// simulate content updates.
type DemoServer struct {
	cfg      Config
	pages    map[string]PageDefinition
	versions map[string]int // path -> current version
	csrf     string

	// sessions maps an issued session or pending-2fa token to its area.
	sessions map[string]Area
	mu       sync.RWMutex
}

// NewDemoServer creates a new demo server instance.
func NewDemoServer(cfg Config) *DemoServer {
	if cfg.InitialVersion < 1 {
		cfg.InitialVersion = 1
	}
	pageMap := make(map[string]PageDefinition)
	versions := make(map[string]int)
	for _, p := range GetAllPages() {
		pageMap[p.Path] = p
		versions[p.Path] = cfg.InitialVersion
	}

	return &DemoServer{
		cfg:      cfg,
		pages:    pageMap,
		versions: versions,
		csrf:     uuid.NewString(),
		sessions: make(map[string]Area),
	}
}

// Handler returns the site's routes.
func (s *DemoServer) Handler() http.Handler {
	mux := http.NewServeMux()

	for path := range s.pages {
		mux.HandleFunc("GET "+path, s.pageHandler(path))
	}
	for _, area := range []Area{AreaForm, AreaTwoFactor, AreaLoop} {
		mux.HandleFunc("GET /"+string(area)+"/login", s.loginFormHandler(area))
		mux.HandleFunc("POST /"+string(area)+"/login", s.loginHandler(area))
	}
	mux.HandleFunc("GET /2fa/verify", s.otpFormHandler)
	mux.HandleFunc("POST /2fa/verify", s.otpHandler)
	mux.HandleFunc("GET /sso/idp/login", s.idpFormHandler)
	mux.HandleFunc("POST /sso/idp/login", s.idpLoginHandler)

	// Control panel for version switching
	mux.HandleFunc("/demo/control", s.controlPanelHandler)
	mux.HandleFunc("/demo/set-version", s.setVersionHandler)
	mux.HandleFunc("/demo/get-versions", s.getVersionsHandler)
	mux.HandleFunc("/demo/bump-all", s.bumpAllVersionsHandler)
	mux.HandleFunc("/demo/reset", s.resetVersionsHandler)

	return mux
}

// Start starts the demo server.
func (s *DemoServer) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	fmt.Printf("Demo server starting on http://localhost%s\n", addr)
	fmt.Printf("Control panel at http://localhost%s/demo/control\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// SetVersion switches path to version. Unknown paths are ignored and
// reported as false.
func (s *DemoServer) SetVersion(path string, version int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[path]; !ok {
		return false
	}
	s.versions[path] = version
	return true
}

// pageHandler returns a handler for a specific page path.
func (s *DemoServer) pageHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		pageDef, ok := s.pages[path]
		version := s.versions[path]
		s.mu.RUnlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		if !s.authorized(pageDef.Area, r) {
			s.challenge(pageDef.Area, w, r)
			return
		}

		// Get the specific version, fall back to closest available
		pageVersion, ok := pageDef.Versions[version]
		if !ok {
			for v := version; v >= 1; v-- {
				if pv, exists := pageDef.Versions[v]; exists {
					pageVersion = pv
					break
				}
			}
		}

		for k, v := range pageVersion.Headers {
			w.Header().Set(k, v)
		}
		contentType := pageVersion.ContentType
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(pageVersion.HTML))
	}
}

func (s *DemoServer) authorized(area Area, r *http.Request) bool {
	switch area {
	case AreaPublic:
		return true
	case AreaForm, AreaTwoFactor:
		return s.hasSession(r, sessionCookie, area)
	case AreaBasic:
		user, pass, ok := r.BasicAuth()
		return ok && user == s.cfg.Username && pass == s.cfg.Password
	case AreaCookie:
		c, err := r.Cookie(tokenCookie)
		return err == nil && c.Value == s.cfg.CookieToken
	case AreaHeader:
		return r.Header.Get(apiKeyHeader) == s.cfg.APIKey
	case AreaSSO:
		c, err := r.Cookie(idpCookie)
		return err == nil && c.Value == s.cfg.SSOToken
	default:
		// AreaLoop never lets anyone in.
		return false
	}
}

func (s *DemoServer) challenge(area Area, w http.ResponseWriter, r *http.Request) {
	next := url.QueryEscape(r.URL.Path)
	switch area {
	case AreaForm, AreaLoop:
		http.Redirect(w, r, "/"+string(area)+"/login?next="+next, http.StatusFound)
	case AreaTwoFactor:
		if s.hasSession(r, pendingCookie, area) {
			http.Redirect(w, r, "/2fa/verify?next="+next, http.StatusFound)
			return
		}
		http.Redirect(w, r, "/2fa/login?next="+next, http.StatusFound)
	case AreaSSO:
		req := base64.StdEncoding.EncodeToString([]byte("<samlp:AuthnRequest ID=\"" + uuid.NewString() + "\"/>"))
		http.Redirect(w, r, "/sso/idp/login?SAMLRequest="+url.QueryEscape(req)+"&RelayState="+next, http.StatusFound)
	case AreaBasic:
		w.Header().Set("WWW-Authenticate", `Basic realm="Knowledge Base"`)
		writeHTML(w, http.StatusUnauthorized, unauthorizedHTML)
	default:
		writeHTML(w, http.StatusUnauthorized, unauthorizedHTML)
	}
}

func (s *DemoServer) hasSession(r *http.Request, name string, area Area) bool {
	c, err := r.Cookie(name)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[name+":"+c.Value] == area
}

func (s *DemoServer) issue(w http.ResponseWriter, name string, area Area) {
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[name+":"+token] = area
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: name, Value: token, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
}

func (s *DemoServer) loginFormHandler(area Area) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHTML(w, http.StatusOK, loginPage(area, r.URL.Query().Get("next"), s.csrf, ""))
	}
}

// loginHandler checks the CSRF token and the credentials. The loop area
// always answers with the login page again.
func (s *DemoServer) loginHandler(area Area) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := safeNext(r.FormValue("next"), "/")
		if area == AreaLoop {
			writeHTML(w, http.StatusOK, loginPage(area, next, s.csrf, "Your session could not be established. Please sign in again."))
			return
		}
		if r.FormValue("csrf_token") != s.csrf {
			http.Error(w, "invalid csrf token", http.StatusForbidden)
			return
		}
		if r.FormValue("username") != s.cfg.Username || r.FormValue("password") != s.cfg.Password {
			writeHTML(w, http.StatusOK, loginPage(area, next, s.csrf, "Invalid username or password."))
			return
		}
		if area == AreaTwoFactor {
			s.issue(w, pendingCookie, area)
			http.Redirect(w, r, "/2fa/verify?next="+url.QueryEscape(next), http.StatusFound)
			return
		}
		s.issue(w, sessionCookie, area)
		http.Redirect(w, r, next, http.StatusFound)
	}
}

func (s *DemoServer) otpFormHandler(w http.ResponseWriter, r *http.Request) {
	writeHTML(w, http.StatusOK, otpPage(r.URL.Query().Get("next")))
}

func (s *DemoServer) otpHandler(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.FormValue("next"), "/")
	if !s.hasSession(r, pendingCookie, AreaTwoFactor) || r.FormValue("otp") != s.cfg.OTPCode {
		writeHTML(w, http.StatusOK, otpPage(next))
		return
	}
	s.issue(w, sessionCookie, AreaTwoFactor)
	http.Redirect(w, r, next, http.StatusFound)
}

func (s *DemoServer) idpFormHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeHTML(w, http.StatusOK, idpPage(q.Get("SAMLRequest"), q.Get("RelayState")))
}

func (s *DemoServer) idpLoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("username") != s.cfg.Username || r.FormValue("password") != s.cfg.Password {
		writeHTML(w, http.StatusOK, idpPage(r.FormValue("SAMLRequest"), r.FormValue("RelayState")))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: idpCookie, Value: s.cfg.SSOToken, Path: "/", HttpOnly: true})
	http.Redirect(w, r, safeNext(r.FormValue("RelayState"), "/"), http.StatusFound)
}

// safeNext keeps redirects on this site.
func safeNext(next, fallback string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return fallback
	}
	return next
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// controlPanelHandler serves the control panel for version management.
func (s *DemoServer) controlPanelHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tmpl := template.Must(template.New("control").Parse(controlPanelHTML))
	data := struct {
		Pages    map[string]PageDefinition
		Versions map[string]int
		Config   Config
	}{
		Pages:    s.pages,
		Versions: s.versions,
		Config:   s.cfg,
	}
	w.Header().Set("Content-Type", "text/html")
	_ = tmpl.Execute(w, data)
}

// setVersionHandler sets the version for a specific page.
func (s *DemoServer) setVersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.FormValue("path")
	version, err := strconv.Atoi(r.FormValue("version"))
	if err != nil {
		http.Error(w, "Invalid version number", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": s.SetVersion(path, version),
		"path":    path,
		"version": version,
	})
}

// getVersionsHandler returns the current versions of all pages.
func (s *DemoServer) getVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type PageInfo struct {
		Path              string `json:"path"`
		Area              Area   `json:"area"`
		Description       string `json:"description"`
		CurrentVersion    int    `json:"current_version"`
		AvailableVersions []int  `json:"available_versions"`
	}

	pages := make([]PageInfo, 0, len(s.pages))
	for path, pageDef := range s.pages {
		var versions []int
		for v := range pageDef.Versions {
			versions = append(versions, v)
		}
		sort.Ints(versions)
		pages = append(pages, PageInfo{
			Path:              path,
			Area:              pageDef.Area,
			Description:       pageDef.Description,
			CurrentVersion:    s.versions[path],
			AvailableVersions: versions,
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pages)
}

// bumpAllVersionsHandler increments the version of all pages.
func (s *DemoServer) bumpAllVersionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	for path := range s.versions {
		s.versions[path]++
		// Cap at max available version
		maxV := 1
		for v := range s.pages[path].Versions {
			if v > maxV {
				maxV = v
			}
		}
		if s.versions[path] > maxV {
			s.versions[path] = maxV
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "All versions bumped",
	})
}

// resetVersionsHandler resets all pages to version 1.
func (s *DemoServer) resetVersionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	for path := range s.versions {
		s.versions[path] = 1
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "All versions reset to 1",
	})
}

const controlPanelHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Demo Knowledge Base Control Panel</title>
    <style>
        body { font-family: sans-serif; max-width: 960px; margin: 2em auto; color: #222; }
        section { border: 1px solid #ddd; border-radius: 6px; padding: 12px 16px; margin: 12px 0; }
        .area { font-size: 0.8em; background: #eee; border-radius: 4px; padding: 2px 6px; margin-left: 6px; }
        .current { float: right; color: #2a7; font-weight: bold; }
        button.active { background: #2366d1; color: #fff; }
        code { background: #f3f3f3; padding: 0 4px; }
    </style>
</head>
<body>
    <h1>Demo Knowledge Base Control Panel</h1>

    <p>
        Switch page versions, then trigger a scrape job to watch change detection.
        Login: <code>{{.Config.Username}}</code> / <code>{{.Config.Password}}</code>,
        one-time code <code>{{.Config.OTPCode}}</code>,
        cookie <code>kb_token={{.Config.CookieToken}}</code>,
        header <code>X-Api-Key: {{.Config.APIKey}}</code>,
        SSO cookie <code>idp_session={{.Config.SSOToken}}</code>.
    </p>

    <p>
        <button onclick="post('/demo/bump-all')">Bump all versions</button>
        <button onclick="post('/demo/reset')">Reset all to v1</button>
    </p>

    {{range $path, $page := .Pages}}
    <section>
        <span class="current">v{{index $.Versions $path}}</span>
        <a href="{{$path}}" target="_blank">{{$path}}</a><span class="area">{{$page.Area}}</span>
        <p>{{$page.Description}}</p>
        {{range $v, $_ := $page.Versions}}
        <button {{if eq (index $.Versions $path) $v}}class="active"{{end}} onclick="setVersion('{{$path}}', {{$v}})">v{{$v}}</button>
        {{end}}
    </section>
    {{end}}

    <script>
        function setVersion(path, version) {
            fetch('/demo/set-version', {
                method: 'POST',
                headers: {'Content-Type': 'application/x-www-form-urlencoded'},
                body: 'path=' + encodeURIComponent(path) + '&version=' + version
            }).then(() => location.reload());
        }

        function post(url) {
            fetch(url, {method: 'POST'}).then(() => location.reload());
        }
    </script>
</body>
</html>`
