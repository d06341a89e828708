package webclient

import "context"

// WebClient performs HTTP requests on behalf of the fetcher.
type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Get(ctx context.Context, url string) (*Response, error)
	Close() error
}
