package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/hco/pkg/log"
	"github.com/cuemby/hco/pkg/metrics"
)

// Server holds the wired dependencies and exposes the chi router as an
// http.Handler, plus Start/Stop over a standard http.Server — the same
// shape the teacher's health server used for its own listener.
type Server struct {
	deps Dependencies
	mux  *chi.Mux
	http *http.Server
}

// NewServer builds a Server from deps and registers every route spec §6
// names.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps}
	s.mux = s.routes()
	return s
}

// ServeHTTP lets Server itself be used as an http.Handler, e.g. in tests
// with httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(withCorrelationID)
	r.Use(requestLogger)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/matters", func(r chi.Router) {
		r.Post("/", s.handleCreateMatter)
		r.Get("/", s.handleListMatters)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/start", s.handleStartJob)
			r.Post("/complete", s.handleCompleteJob)
			r.Post("/items", s.handleIngestItems)
			r.Post("/reconcile", s.handleReconcile)
			r.Get("/shards", s.handleListShards)
		})
	})

	r.Get("/shards/{id}/checkpoints", s.handleListCheckpoints)

	r.Route("/sharded-jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateShardedJob)
		r.Route("/shards", func(r chi.Router) {
			r.Post("/next", s.handleClaimNext)
			r.Put("/{id}/progress", s.handleShardProgress)
			r.Put("/{id}/complete", s.handleShardComplete)
			r.Post("/{id}/release", s.handleShardRelease)
			r.Post("/{id}/retry", s.handleShardRetry)
		})
		r.Post("/maintenance/cleanup-locks", s.handleCleanupLocks)
	})

	r.Route("/custody", func(r chi.Router) {
		r.Post("/manifest/generate/{job_id}", s.handleGenerateManifest)
		r.Post("/manifest/seal/{id}", s.handleSealManifest)
		r.Post("/manifest/verify/{id}", s.handleVerifyManifest)
		r.Get("/manifest/{id}", s.handleGetManifest)
		r.Get("/manifest/{id}/download", s.handleDownloadManifest)
		r.Get("/job/{job_id}/manifests", s.handleListJobManifests)
	})

	return r
}

// requestLogger is a chi middleware logging each request's method, path,
// status, and duration via the shared zerolog logger, grounded on the
// teacher's component-scoped logging convention elsewhere in this tree.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("correlation_id", correlationIDFromContext(r.Context())).
			Msg("request handled")
	})
}

// Start begins serving on addr. It blocks until Stop is called or the
// listener fails.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Stop closes the listener and all open connections immediately
// (http.Server.Close); in-flight requests are not drained.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}
