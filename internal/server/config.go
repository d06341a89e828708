package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/kbcrawl/internal/logging"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the ops API.
	ListenAddr string

	// Gatherer backs /metrics. Nil uses the default gatherer.
	Gatherer prometheus.Gatherer

	Logger logging.Logger
}
