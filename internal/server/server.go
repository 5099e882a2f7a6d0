// Package server exposes the issuance pipeline over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/issuance"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "server")

// Pipeline is what the HTTP API drives; *issuance.Orchestrator implements it.
type Pipeline interface {
	Issue(ctx context.Context, req issuance.Request) (*issuance.Result, error)
	Record(ctx context.Context, key string) (*hacienda.SubmissionRecord, error)
	Refresh(ctx context.Context, key string) (*issuance.Result, error)
	Resubmit(ctx context.Context, key string) (*issuance.Result, error)
}

type Option func(*Server)

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithDefaultCallbackURL is used for requests that do not name a callback.
func WithDefaultCallbackURL(u string) Option {
	return func(s *Server) { s.callbackURL = u }
}

type Server struct {
	pipeline    Pipeline
	endpoints   hacienda.Endpoints
	gatherer    prometheus.Gatherer
	health      func(ctx context.Context) error
	callbackURL string
	router      *chi.Mux
}

func New(p Pipeline, endpoints hacienda.Endpoints, opts ...Option) *Server {
	s := &Server{
		pipeline:  p,
		endpoints: endpoints,
		gatherer:  prometheus.DefaultGatherer,
		router:    chi.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(requestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(accessLog)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/documents", func(r chi.Router) {
		r.Post("/", s.handleIssue)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", s.handleRecord)
			r.Post("/status", s.handleRefresh)
			r.Post("/resubmit", s.handleResubmit)
			r.Get("/qr", s.handleQR)
		})
	})
	s.router.Get("/keys/{key}", s.handleParseKey)
}

// Start serves on addr until ctx ends, then shuts down within shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, read, write, idle, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- errors.Wrap(err, "server failed to start")
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown failed")
	}
	logger.Info("HTTP server shutdown complete")
	return nil
}

type requestIDKey struct{}

// requestID tags each request with a UUID, honouring one sent by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("request served")
	})
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}
