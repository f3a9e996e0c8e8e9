// Package gateway provides the clawkeeper admin HTTP API.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/config"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/journal"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/supervisor"
)

// StatusSource reports the current watchdog state.
type StatusSource interface {
	Snapshot() supervisor.Snapshot
}

// Recycler triggers a planned graceful restart of the child.
type Recycler interface {
	Recycle(reason string) error
}

// EventStore serves persisted lifecycle events.
type EventStore interface {
	Recent(limit int) ([]journal.Entry, error)
	Count() (int, error)
}

// Gateway is the admin HTTP server.
type Gateway struct {
	status    StatusSource
	recycler  Recycler
	events    EventStore
	config    config.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway. events may be nil when the journal is
// disabled; /api/events then returns 503.
func New(status StatusSource, recycler Recycler, events EventStore, cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8087"
	}
	return &Gateway{
		status:   status,
		recycler: recycler,
		events:   events,
		config:   cfg,
		logger:   logger.With("component", "gateway"),
	}
}

// Handler builds the routed and middleware-wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	// API routes
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/events", g.handleEvents)
	mux.HandleFunc("/api/recycle", g.handleRecycle)

	return g.securityHeadersMiddleware(g.authMiddleware(mux))
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.config.Address,
		Handler: g.Handler(),
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		isLocalName := host == "localhost"
		if !isLoopback && !isLocalName {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address, anyone on the network can access the API",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
