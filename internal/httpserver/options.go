package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brandplot/brandplot-server/internal/health"
	"github.com/brandplot/brandplot-server/internal/httpmw"
	"github.com/brandplot/brandplot-server/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	// RateLimitMW runs after client identification, before tracing.
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	// MaxBodyBytes caps request bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Health       health.Probe
	Readiness    health.Probe
	// APIRoutes mounts the application routes on the router.
	APIRoutes func(chi.Router)
}
