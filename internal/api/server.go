// Package api exposes job submission, status and review resolution over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/monitoring"
	"github.com/sells-group/evidence-pipeline/internal/review"
	"github.com/sells-group/evidence-pipeline/internal/store"
	"github.com/sells-group/evidence-pipeline/internal/worker"
)

// Spooler stores uploaded document content and returns a locator for it.
type Spooler interface {
	Spool(name string, content []byte) (string, error)
}

// Server handles the pipeline's HTTP API.
type Server struct {
	store   store.Store
	reviews *review.Service
	spool   Spooler
	stats   func() worker.Stats
	metrics *monitoring.Collector
	window  int
	origins []string
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithWorkerStats reports pool counters on the health endpoint.
func WithWorkerStats(fn func() worker.Stats) Option {
	return func(s *Server) { s.stats = fn }
}

// WithMetrics serves ledger health snapshots over the given lookback window.
func WithMetrics(c *monitoring.Collector, lookbackHours int) Option {
	return func(s *Server) {
		s.metrics = c
		s.window = lookbackHours
		if s.window <= 0 {
			s.window = 24
		}
	}
}

// NewServer creates an API server.
func NewServer(st store.Store, reviews *review.Service, spool Spooler, opts ...Option) *Server {
	s := &Server{
		store:   st,
		reviews: reviews,
		spool:   spool,
		origins: []string{"*"},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/cancel", s.handleCancel)
				r.Post("/requeue", s.handleRequeue)
				r.Get("/entities", s.handleEntities)
				r.Get("/mappings", s.handleMappings)
				r.Get("/reviews", s.handleJobReviews)
				r.Get("/events", s.handleEvents)
			})
		})
		r.Get("/metrics", s.handleMetrics)
		r.Get("/reviews", s.handleListReviews)
		r.Post("/reviews/{id}/resolve", s.handleResolve)
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		zap.L().Info("api: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("api: starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreErr maps ledger errors onto status codes. Anything the ledger
// does not recognize is an infrastructure failure the caller may retry.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrNotClaimable), errors.Is(err, store.ErrAlreadyResolved):
		writeErr(w, http.StatusConflict, err)
	default:
		zap.L().Error("api: ledger error", zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeErr(w, http.StatusServiceUnavailable, errors.New("ledger unavailable, retry later"))
	}
}
