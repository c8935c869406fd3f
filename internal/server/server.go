// Package server is the collector: it ingests analytics batches from
// trackers and serves experiment results.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/headline-goat/abkit/internal/store"
)

// maxBodyBytes caps ingest request bodies.
const maxBodyBytes = 1 << 20

type Options struct {
	Port int
	// Token protects the read API. A random one is generated when empty.
	Token  string
	Logger zerolog.Logger
}

type Server struct {
	store     store.Store
	port      int
	token     string
	router    chi.Router
	startTime time.Time
	log       zerolog.Logger
	http      *http.Server
}

func New(s store.Store, opts Options) *Server {
	token := opts.Token
	if token == "" {
		token = generateToken()
	}

	srv := &Server{
		store:     s,
		port:      opts.Port,
		token:     token,
		router:    chi.NewRouter(),
		startTime: time.Now(),
		log:       opts.Logger,
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	// Ingest endpoints are called cross-origin by trackers
	s.router.Group(func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Options("/api/metrics", preflight)
		r.Options("/api/analytics", preflight)
		r.Post("/api/metrics", s.handleMetrics)
		r.Post("/api/analytics", s.handleEvent)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/experiments", s.handleExperiments)
		r.Get("/api/experiments/{key}/results", s.handleResults)
	})
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate token: %v", err))
	}
	return hex.EncodeToString(bytes)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}
