// Package worker provides the HTTP service for gamegen.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/gamegen/internal/auth"
	"github.com/thebtf/gamegen/internal/config"
	"github.com/thebtf/gamegen/internal/db/gorm"
	"github.com/thebtf/gamegen/internal/worker/relay"
	"github.com/thebtf/gamegen/internal/worker/stream"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// Service is the gamegen HTTP service.
type Service struct {
	version string
	config  *config.Config

	store         *gorm.Store
	users         *gorm.UserStore
	conversations *gorm.ConversationStore
	generations   *gorm.GenerationStore

	tokens      *auth.Tokens
	coordinator *stream.Coordinator

	router chi.Router
	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	ready     atomic.Bool
}

// NewService wires stores, auth and the stream coordinator. Generations run
// on ctx and outlive the requests that start them.
func NewService(ctx context.Context, cfg *config.Config, version string, store *gorm.Store, source stream.Source) (*Service, error) {
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	generations := gorm.NewGenerationStore(store)
	metrics := stream.NewMetrics()
	pending := stream.NewPendingRegistry(cfg.PendingTTL, metrics)
	sessions := stream.NewRegistry(cfg.HeartbeatInterval, metrics)
	recorder := relay.NewRecorder(ctx, generations, 0)

	svc := &Service{
		version:       version,
		config:        cfg,
		store:         store,
		users:         gorm.NewUserStore(store),
		conversations: gorm.NewConversationStore(store),
		generations:   generations,
		tokens:        tokens,
		router:        chi.NewRouter(),
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
	}
	svc.coordinator = stream.NewCoordinator(ctx, pending, sessions, source, stream.Options{
		StartDelay: cfg.StartDelay,
		Consumers:  []stream.ConsumerFactory{recorder.Factory()},
		Metrics:    metrics,
		PreviewURL: func(k stream.Key) string { return previewPath(k.ConversationID, k.MessageID) },
	})

	svc.setupRoutes()
	svc.ready.Store(true)
	return svc, nil
}

// Handler returns the root HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on the configured address and sweeps expired pending
// generations until ctx is done, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with the service so open streams are released.
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("version", s.version).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.coordinator.Pending().Run(gctx, s.config.PendingSweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)

		closed := s.coordinator.Sessions().CloseAll()
		log.Info().Int("streams", closed).Msg("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		s.cancel()
		s.coordinator.Wait()
		return err
	})

	return g.Wait()
}

// Close cancels in-flight generations and waits for their final snapshots.
func (s *Service) Close() {
	s.cancel()
	s.coordinator.Wait()
}

func (s *Service) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)
		r.Get("/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)

			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)

			// Previews load their own assets by relative URL and cannot carry
			// a token; message IDs are random UUIDs.
			r.Get("/conversations/{conversationID}/messages/{messageID}/preview/*", s.handlePreview)

			// The only route that takes ?token=.
			r.With(s.tokens.StreamMiddleware, s.requireConversationOwner).
				Get("/conversations/{conversationID}/messages/{messageID}/stream", s.handleStream)

			r.Group(func(r chi.Router) {
				r.Use(s.tokens.Middleware)

				r.Get("/auth/me", s.handleMe)
				r.Get("/conversations", s.handleListConversations)
				r.Post("/conversations", s.handleCreateConversation)

				r.Route("/conversations/{conversationID}", func(r chi.Router) {
					r.Use(s.requireConversationOwner)

					r.Get("/", s.handleGetConversation)
					r.Delete("/", s.handleDeleteConversation)
					r.Get("/messages", s.handleListMessages)
					r.Post("/messages", s.handleCreateMessage)
					r.Get("/messages/{messageID}/versions", s.handleListVersions)
					r.Get("/messages/{messageID}/download", s.handleDownload)
				})
			})
		})
	})
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// cors allows the configured browser origins.
func (s *Service) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case slices.Contains(s.config.AllowedOrigins, "*"):
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(s.config.AllowedOrigins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireReady rejects API calls until the service is initialized.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service not ready"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	dbStatus := "ok"
	if err := s.store.Ping(); err != nil {
		log.Warn().Err(err).Msg("Health check: database unreachable")
		dbStatus = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !s.ready.Load() {
		status = "starting"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"version":  s.version,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"database": dbStatus,
		"sessions": s.coordinator.Sessions().Count(),
		"pending":  s.coordinator.Pending().Len(),
	})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
