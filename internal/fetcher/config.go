package fetcher

// Config bounds the fetcher's redirect handling.
type Config struct {
	MaxRedirects int
}

const DefaultMaxRedirects = 10
