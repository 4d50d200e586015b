// Package console serves the cached alarm state to local viewers over HTTP
// and websocket, and forwards arm/disarm/cancel and retry requests.
package console

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/alarmsync/internal/cache"
	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/markus-barta/alarmsync/internal/reachability"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Session is the part of session.Controller the console drives.
type Session interface {
	Authenticated() bool
	Retry() bool
	Refresh(ctx context.Context) error
	Arm(ctx context.Context, target protocol.AlarmState, code string) (protocol.AlarmStateSnapshot, error)
	Disarm(ctx context.Context, code string) (protocol.AlarmStateSnapshot, error)
	CancelArming(ctx context.Context, code string) (protocol.AlarmStateSnapshot, error)
}

// Options configures a Server.
type Options struct {
	ListenAddr string
	Cache      *cache.Cache
	Session    Session
	Tracker    *reachability.Tracker
	Metrics    *metrics.Metrics
}

// Server is the local console.
type Server struct {
	addr    string
	log     zerolog.Logger
	cache   *cache.Cache
	session Session
	tracker *reachability.Tracker
	metrics *metrics.Metrics
	hub     *Hub
	router  *chi.Mux
}

// New creates a console server. Call Run to serve and to start the hub.
func New(opts Options, log zerolog.Logger) *Server {
	s := &Server{
		addr:    opts.ListenAddr,
		log:     log.With().Str("component", "console").Logger(),
		cache:   opts.Cache,
		session: opts.Session,
		tracker: opts.Tracker,
		metrics: opts.Metrics,
		hub:     NewHub(log),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleGetState)
		r.Get("/events", s.handleGetEvents)
		r.Get("/countdown", s.handleGetCountdown)
		r.Get("/connection", s.handleGetConnection)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/arm", s.handleArm)
			r.Post("/disarm", s.handleDisarm)
			r.Post("/cancel", s.handleCancel)
		})
		r.Post("/retry", s.handleRetry)
		r.Post("/refresh", s.handleRefresh)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Attach subscribes the hub to cache and connection changes. The returned
// function detaches it again.
func (s *Server) Attach() (detach func()) {
	unsubCache := s.cache.Subscribe(func(cache.Change) {
		s.hub.Broadcast(typeSnapshot, s.cache.Snapshot())
	})
	unsubTracker := func() {}
	if s.tracker != nil {
		unsubTracker = s.tracker.Subscribe(func(st reachability.State) {
			s.hub.Broadcast(typeConnection, st)
		})
	}
	return func() {
		unsubCache()
		unsubTracker()
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	detach := s.Attach()
	defer detach()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("starting console server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("console server stopped")
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the viewer hub (for testing).
func (s *Server) Hub() *Hub {
	return s.hub
}
