package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/runnerhub/runnerhub/lib/auth"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
)

// Wrapper wraps the Control API HTTP server for coordinated shutdown,
// grounded on the teacher's lib/server.Wrapper.
type Wrapper struct {
	httpServer *http.Server
}

// Shutdown gracefully shuts down the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	if err := w.httpServer.Shutdown(ctx); err != nil {
		log.WithFunc("api", "Shutdown").Error("error during API server shutdown", "err", err)
		return err
	}
	return nil
}

// Deps collects every collaborator the Control API's handlers call
// through - all narrow interfaces so this package never imports the
// concrete lib/pool, lib/queue or lib/ha packages beyond their exported
// value types.
type Deps struct {
	Store     *store.Store
	Pools     PoolsAPI
	Queue     Enqueuer
	Cleanup   CleanupAPI
	HA        HACoordinator
	Enforcer  *auth.Enforcer
	JWTSecret []byte
	Webhook   http.Handler
}

// New builds the Control API mux and starts listening on addr. Every route
// except /health, reads included, is gated by lib/auth.Middleware; the webhook
// route authenticates itself via HMAC signature instead, same split the
// teacher's server.Init makes between its RPC and meta sub-routers.
func New(addr string, d Deps) (*Wrapper, error) {
	logger := log.WithFunc("api", "New")
	mux := newMux(d)

	s := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("api: unable to start listener: %w", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("API server stopped unexpectedly", "err", err)
		}
	}()

	logger.Info("Control API listening", "addr", addr)
	return &Wrapper{httpServer: s}, nil
}

// newMux builds the routed handler without binding a listener, so tests
// can drive it in-process with apitest's Handler mode.
func newMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	registerSystemRoutes(mux, d)
	registerJobRoutes(mux, d)
	registerPoolRoutes(mux, d)
	registerCleanupRoutes(mux, d)

	if d.Webhook != nil {
		mux.Handle("/webhook/github", d.Webhook)
	}
	return mux
}

func guard(d Deps, obj, act string, h http.HandlerFunc) http.Handler {
	if d.Enforcer == nil {
		return h
	}
	return auth.Middleware(d.Enforcer, d.JWTSecret, obj, act)(h)
}
