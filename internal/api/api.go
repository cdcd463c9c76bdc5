// Package api provides the HTTP API of WaffleCafe.
//
// It exposes users and their schedule preferences, the prompt catalog,
// waffle ordering and the reply lifecycle, friends, notification receipts and
// the websocket feed. Responses use the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/catalog"
	"github.com/BTreeMap/WaffleCafe/internal/dispatch"
	"github.com/BTreeMap/WaffleCafe/internal/friends"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
	// Feed serves GET /ws. Without it the route answers 404.
	Feed http.Handler
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithFeed mounts the websocket notification feed at /ws.
func WithFeed(h http.Handler) Option {
	return func(o *Opts) { o.Feed = h }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st         store.Store
	dispatcher *dispatch.Dispatcher
	catalog    *catalog.Catalog
	friends    *friends.Service
	feed       http.Handler
	addr       string
	httpServer *http.Server
}

// NewServer wires the handlers to their services.
func NewServer(st store.Store, d *dispatch.Dispatcher, c *catalog.Catalog, f *friends.Service, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{st: st, dispatcher: d, catalog: c, friends: f, feed: cfg.Feed, addr: cfg.Addr}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)

	mux.HandleFunc("POST /users", s.createUserHandler)
	mux.HandleFunc("GET /users/{id}", s.getUserHandler)
	mux.HandleFunc("PUT /users/{id}/preference", s.updatePreferenceHandler)
	mux.HandleFunc("GET /users/{id}/slots", s.slotsHandler)
	mux.HandleFunc("GET /users/{id}/waffles/{kind}", s.listWafflesHandler)
	mux.HandleFunc("GET /users/{id}/friends", s.listFriendsHandler)

	mux.HandleFunc("GET /prompts", s.listPromptsHandler)
	mux.HandleFunc("POST /prompts/custom", s.createCustomPromptHandler)

	mux.HandleFunc("POST /waffles", s.orderHandler)
	mux.HandleFunc("GET /waffles/{id}", s.getWaffleHandler)
	mux.HandleFunc("DELETE /waffles/{id}", s.cancelHandler)
	mux.HandleFunc("POST /waffles/{id}/replies", s.replyHandler)
	mux.HandleFunc("POST /waffles/{id}/video", s.videoHandler)
	mux.HandleFunc("POST /waffles/{id}/close", s.closeHandler)

	mux.HandleFunc("POST /friends/invite", s.inviteHandler)
	mux.HandleFunc("POST /friends/respond", s.respondHandler)

	mux.HandleFunc("GET /receipts", s.receiptsHandler)
	if s.feed != nil {
		mux.Handle("GET /ws", s.feed)
	}
	return withRequestID(withRecover(mux))
}

// Start serves HTTP until Shutdown is called. Shutdown before Start makes
// Start return immediately.
func (s *Server) Start() error {
	slog.Info("Server.Start: WaffleCafe API listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server.Start: server stopped", "error", err)
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
