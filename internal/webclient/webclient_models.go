package webclient

import (
	"net/http"
	"time"
)

// Request option keys understood by the backends.
const (
	// OptionRedirect set to RedirectManual returns 3xx responses to the
	// caller instead of following them.
	OptionRedirect = "redirect"
	RedirectManual = "manual"
)

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	// Options contains backend-specific options like "redirect": "manual" for nethttp
	Options map[string]string
}

func (r *Request) option(key string) string {
	if r == nil || r.Options == nil {
		return ""
	}
	return r.Options[key]
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	// FinalURL is the URL the body was served from after any redirects the
	// backend followed itself.
	FinalURL  string
	FetchedAt time.Time
}
