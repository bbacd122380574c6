// Package server wires the guard HTTP surface onto a chi router and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/examforge/guard"
	"github.com/examforge/guard/internal/config"
	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/store"
	"github.com/examforge/guard/verifier"
)

// maxVerifyBody bounds verify-password request bodies.
const maxVerifyBody = 4 << 10

// Deps are the components the router serves.
type Deps struct {
	Config   *config.Config
	Verifier *verifier.Verifier
	Limiter  *limiter.Limiter
	Gatherer prometheus.Gatherer

	// Pinger backs /readyz. Nil means the store has nothing to ping.
	Pinger store.Pinger
}

// NewRouter builds the HTTP routes:
//
//	GET    /healthz
//	GET    /readyz
//	GET    /metrics
//	POST   /api/quizzes/{quizID}/verify-password
//	GET    /admin/quizzes/{quizID}/limit
//	DELETE /admin/quizzes/{quizID}/limit
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(guard.Handler(guard.WithCanonlog(), guard.WithSLOs()))

		r.With(guard.SLO(guard.SLOCritical)).Get("/healthz", guard.Healthz)
		r.With(guard.SLO(guard.SLOCritical)).Get("/readyz", guard.Readyz(d.Pinger))

		verify := []func(http.Handler) http.Handler{
			guard.SLO(guard.SLOHighSlow),
			guard.MaxBodySize(maxVerifyBody),
			guard.RequireContentType("application/json"),
		}
		if t := d.Config.IPThrottle; t.Enabled {
			keyOpt := guard.RateLimitWithIP()
			if t.TrustProxy {
				keyOpt = guard.RateLimitWithRealIP()
			}
			throttle := guard.NewRateLimiter(d.Limiter, t.Policy(), guard.RateLimitWithName("ip"), keyOpt)
			verify = append(verify, throttle.Handler)
		}
		r.With(verify...).Post("/api/quizzes/{quizID}/verify-password", guard.VerifyPassword(d.Verifier))

		r.Route("/admin", func(r chi.Router) {
			r.Use(guard.SLO(guard.SLOLow))
			r.Use(guard.APIKey(guard.StaticAPIKeys(d.Config.Admin.APIKeys...)))
			r.Get("/quizzes/{quizID}/limit", guard.LimitStatus(d.Limiter, d.Verifier.Policy()))
			r.Delete("/quizzes/{quizID}/limit", guard.ResetLimit(d.Limiter))
		})
	})

	return r
}

// Server is the HTTP server plus any background workers sharing its lifetime.
type Server struct {
	http            *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
	workers         []func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithWorker runs fn alongside the server. fn must return when its context
// is cancelled; context.Canceled is not treated as a failure.
func WithWorker(fn func(context.Context) error) Option {
	return func(s *Server) {
		s.workers = append(s.workers, fn)
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cfg config.ServerConfig, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		http: &http.Server{
			Addr:              cfg.GetAddr(),
			Handler:           handler,
			ReadTimeout:       time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		},
		logger:          slog.Default(),
		shutdownTimeout: time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully. It returns the first error from the listener or a worker.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		s.logger.Info("http server shutting down")
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	})

	for _, w := range s.workers {
		g.Go(func() error {
			if err := w(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
