// Package api exposes the scheduler and router over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshsched/meshsched/pkg/metrics"
	"github.com/meshsched/meshsched/pkg/ratelimit"
	"github.com/meshsched/meshsched/pkg/tlsutil"
	"github.com/meshsched/meshsched/pkg/tracing"
)

// Config holds API listener settings
type Config struct {
	Listen         string         `mapstructure:"listen"`
	APIKey         string         `mapstructure:"api_key"`      // empty disables authentication
	APIKeyHash     string         `mapstructure:"api_key_hash"` // bcrypt hash; takes precedence over api_key
	RateLimitRPS   float64        `mapstructure:"rate_limit_rps"`
	RateLimitBurst int            `mapstructure:"rate_limit_burst"`
	ReadTimeout    time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration  `mapstructure:"write_timeout"`
	TLS            tlsutil.Config `mapstructure:"tls"` // HTTPS when cert_file and key_file are set
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Listen:         ":8080",
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// Options selects the optional middleware of NewRouter
type Options struct {
	Limiter   *ratelimit.Limiter
	Tracer    *tracing.Provider
	Bandwidth *metrics.BandwidthMonitor
	Metrics   http.Handler // served on /metrics when set
}

// NewRouter builds the daemon's mux router with middleware applied in order:
// tracing, bandwidth accounting, rate limiting, authentication
func NewRouter(h *Handler, config Config, opts Options) *mux.Router {
	router := mux.NewRouter()

	if opts.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Bandwidth != nil {
		router.Use(opts.Bandwidth.Middleware)
	}
	if opts.Limiter != nil {
		router.Use(opts.Limiter.Middleware(ratelimit.NodeKeyFunc))
	}
	switch {
	case config.APIKeyHash != "":
		router.Use(HashedAuthMiddleware(config.APIKeyHash))
	case config.APIKey != "":
		router.Use(AuthMiddleware(config.APIKey))
	}

	h.RegisterRoutes(router)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods("GET")
	}
	return router
}

// NewServer wraps handler in an http.Server using the configured timeouts
func NewServer(config Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         config.Listen,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}
