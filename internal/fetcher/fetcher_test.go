package fetcher_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/raysh454/kbcrawl/internal/fetcher"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/testutil"
	"github.com/raysh454/kbcrawl/internal/webclient"
)

func newFetcher(t *testing.T, ts *httptest.Server, renderer webclient.WebClient) *fetcher.Fetcher {
	t.Helper()
	wc, err := webclient.NewNetHTTPClient(webclient.Config{}, logging.NopLogger{}, ts.Client())
	if err != nil {
		t.Fatalf("NewNetHTTPClient: %v", err)
	}
	f, err := fetcher.New(wc, renderer, fetcher.Config{}, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}
	return f
}

// ─── Redirects & cookies ──────────────────────────────────────────────

func TestFetch_KeepsCookiesFromIntermediateRedirects(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "hop", Value: "one", Path: "/"})
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "hop2", Value: "two", Path: "/"})
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		a, _ := r.Cookie("hop")
		b, _ := r.Cookie("hop2")
		if a == nil || b == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, a.Value+"+"+b.Value)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFetcher(t, ts, nil)
	sess := fetcher.NewSession()
	res, err := f.Fetch(context.Background(), ts.URL+"/start", fetcher.Options{Session: sess})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != http.StatusOK || string(res.HTML) != "one+two" {
		t.Fatalf("status=%d body=%q", res.StatusCode, res.HTML)
	}
	if res.FinalURL != ts.URL+"/end" {
		t.Errorf("FinalURL = %q", res.FinalURL)
	}
}

func TestFetch_TooManyRedirects(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer ts.Close()

	f := newFetcher(t, ts, nil)
	_, err := f.Fetch(context.Background(), ts.URL+"/", fetcher.Options{})
	if !errors.Is(err, fetcher.ErrTooManyRedirects) {
		t.Fatalf("err = %v, want ErrTooManyRedirects", err)
	}
}

func TestFetch_SessionsAreIsolated(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "secret", Path: "/"})
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("Cookie"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFetcher(t, ts, nil)
	a, b := fetcher.NewSession(), fetcher.NewSession()
	if _, err := f.Fetch(context.Background(), ts.URL+"/set", fetcher.Options{Session: a}); err != nil {
		t.Fatal(err)
	}
	resA, _ := f.Fetch(context.Background(), ts.URL+"/echo", fetcher.Options{Session: a})
	resB, _ := f.Fetch(context.Background(), ts.URL+"/echo", fetcher.Options{Session: b})
	if string(resA.HTML) != "sid=secret" {
		t.Errorf("session a cookie = %q", resA.HTML)
	}
	if string(resB.HTML) != "" {
		t.Errorf("session b leaked cookie %q", resB.HTML)
	}
}

// ─── Credential headers across redirects ─────────────────────────────────

// headerEcho records the credential-bearing headers of the last request.
type headerEcho struct {
	mu   sync.Mutex
	seen http.Header
}

func (h *headerEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.seen = r.Header.Clone()
	h.mu.Unlock()
	_, _ = io.WriteString(w, "landed")
}

func (h *headerEcho) get(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen.Get(key)
}

func credentialOptions(t *testing.T, origin string) fetcher.Options {
	t.Helper()
	u, _ := url.Parse(origin)
	sess := fetcher.NewSession()
	if err := sess.SetCookieString(u, "kb_token=secret"); err != nil {
		t.Fatalf("SetCookieString: %v", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Basic YWxpY2U6czNjcmV0")
	h.Set("X-Api-Key", "key-123")
	return fetcher.Options{Session: sess, Headers: h}
}

func TestFetch_CredentialHeadersStayOnOriginHost(t *testing.T) {
	t.Parallel()
	third := &headerEcho{}
	thirdSrv := httptest.NewServer(third)
	defer thirdSrv.Close()
	// Same listener, different host name.
	elsewhere := strings.Replace(thirdSrv.URL, "127.0.0.1", "localhost", 1)

	origin := &headerEcho{}
	mux := http.NewServeMux()
	mux.HandleFunc("/same", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing", http.StatusFound)
	})
	mux.Handle("/landing", origin)
	mux.HandleFunc("/away", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, elsewhere+"/landing", http.StatusFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	f := newFetcher(t, ts, nil)

	if _, err := f.Fetch(context.Background(), ts.URL+"/same", credentialOptions(t, ts.URL)); err != nil {
		t.Fatalf("Fetch same host: %v", err)
	}
	if origin.get("Authorization") == "" || origin.get("X-Api-Key") != "key-123" || origin.get("Cookie") != "kb_token=secret" {
		t.Errorf("same-host redirect lost credentials: auth=%q key=%q cookie=%q",
			origin.get("Authorization"), origin.get("X-Api-Key"), origin.get("Cookie"))
	}

	res, err := f.Fetch(context.Background(), ts.URL+"/away", credentialOptions(t, ts.URL))
	if err != nil {
		t.Fatalf("Fetch cross host: %v", err)
	}
	if string(res.HTML) != "landed" {
		t.Fatalf("body = %q", res.HTML)
	}
	for _, key := range []string{"Authorization", "X-Api-Key", "Cookie"} {
		if v := third.get(key); v != "" {
			t.Errorf("%s leaked to another host: %q", key, v)
		}
	}
}

func TestFetch_CredentialsDroppedOnSchemeDowngrade(t *testing.T) {
	t.Parallel()
	plain := &headerEcho{}
	plainSrv := httptest.NewServer(plain)
	defer plainSrv.Close()

	tlsSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, plainSrv.URL+"/landing", http.StatusFound)
	}))
	defer tlsSrv.Close()
	f := newFetcher(t, tlsSrv, nil)

	if _, err := f.Fetch(context.Background(), tlsSrv.URL+"/start", credentialOptions(t, tlsSrv.URL)); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, key := range []string{"Authorization", "X-Api-Key", "Cookie"} {
		if v := plain.get(key); v != "" {
			t.Errorf("%s sent over plain http: %q", key, v)
		}
	}
}

// ─── Submit ────────────────────────────────────────────────────────────

func TestSubmit_PostThenSeeOtherBecomesGet(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		posted url.Values
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		posted = r.PostForm
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("redirected method = %s", r.Method)
		}
		c, _ := r.Cookie("auth")
		if c == nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, "welcome")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := newFetcher(t, ts, nil)
	res, err := f.Submit(context.Background(), fetcher.FormSubmission{
		Action: ts.URL + "/login",
		Method: "post",
		Fields: url.Values{"user": {"alice"}, "pass": {"pw"}, "csrf": {"t1"}},
	}, fetcher.Options{Session: fetcher.NewSession()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(res.HTML) != "welcome" {
		t.Fatalf("body = %q (status %d)", res.HTML, res.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if posted.Get("user") != "alice" || posted.Get("csrf") != "t1" {
		t.Errorf("posted = %v", posted)
	}
}

func TestSubmit_GetFormUsesQuery(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Query().Get("q"))
	}))
	defer ts.Close()

	f := newFetcher(t, ts, nil)
	res, err := f.Submit(context.Background(), fetcher.FormSubmission{
		Action: ts.URL + "/search?page=1",
		Method: "GET",
		Fields: url.Values{"q": {"hello"}},
	}, fetcher.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.HTML) != "GET hello" {
		t.Errorf("body = %q", res.HTML)
	}
}

// ─── Dynamic content ───────────────────────────────────────────────────

func TestFetch_DynamicContentUsesRendererWithSessionCookies(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("static client should not be used")
	}))
	defer ts.Close()

	renderer := &testutil.DummyWebClient{}
	f := newFetcher(t, ts, renderer)

	sess := fetcher.NewSession()
	target, _ := url.Parse("https://app.vendor.com/dashboard")
	if err := sess.SetCookieString(target, "sid=abc; theme=dark"); err != nil {
		t.Fatal(err)
	}

	res, err := f.Fetch(context.Background(), target.String(), fetcher.Options{WaitForDynamicContent: true, Session: sess})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.HTML) != "ok:"+target.String() {
		t.Errorf("body = %q", res.HTML)
	}
	reqs := renderer.Recorded()
	if len(reqs) != 1 {
		t.Fatalf("renderer requests = %d", len(reqs))
	}
	if got := reqs[0].Headers.Get("Cookie"); got != "sid=abc; theme=dark" && got != "theme=dark; sid=abc" {
		t.Errorf("Cookie header = %q", got)
	}
}

func TestNew_RequiresStaticClient(t *testing.T) {
	t.Parallel()
	if _, err := fetcher.New(nil, nil, fetcher.Config{}, nil); !errors.Is(err, fetcher.ErrNoWebClient) {
		t.Fatalf("err = %v", err)
	}
}
