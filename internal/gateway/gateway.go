package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Gateway is the Control Plane: a chi-based HTTP/SSE surface over one
// store's Engine. It holds no truth — every handler either calls into the
// Engine or reads narrowly from the authority's event log.
type Gateway struct {
	engine  *Engine
	metrics *Metrics

	server *http.Server
	logger *slog.Logger

	shutdownTimeout time.Duration
}

// NewGateway builds a Gateway bound to addr, serving engine's operations.
// The returned Gateway does not start listening until Start is called.
func NewGateway(addr string, engine *Engine, metrics *Metrics, readTimeout, writeTimeout, shutdownTimeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{engine: engine, metrics: metrics, logger: logger, shutdownTimeout: shutdownTimeout}
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.buildRouter(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return g
}

// Start begins serving in the background. It returns once the listener is
// bound; ListenAndServe errors after that point are logged, not returned,
// since the control plane is an auxiliary surface — a listener failure
// after startup must not take down the authority or background compaction.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve failed", "error", err)
		}
	}()
	g.logger.Info("gateway: listening", "addr", g.server.Addr)
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting up to
// shutdownTimeout for in-flight requests (including open SSE streams,
// which are cancelled via their request context) to finish.
func (g *Gateway) Stop(ctx context.Context) error {
	timeout := g.shutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.server.Shutdown(shutdownCtx)
}
