package webclient

import "time"

type Client string

const (
	ClientNetHTTP  Client = "nethttp"
	ClientChromedp Client = "chromedp"
)

// Config carries the backend settings. It is filled from app.Config.
type Config struct {
	Client    Client
	Timeout   time.Duration
	UserAgent string

	// chromedp only
	IdleAfter     time.Duration
	MaxRenderWait time.Duration
	Headful       bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 2 * time.Second
	}
	if c.MaxRenderWait <= 0 {
		c.MaxRenderWait = 20 * time.Second
	}
	return c
}
