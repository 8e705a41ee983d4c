package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/app"
	"github.com/JakeFAU/luneth-sync/internal/config"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dispatcher"
	"github.com/JakeFAU/luneth-sync/internal/metrics"
	memorypublisher "github.com/JakeFAU/luneth-sync/internal/publisher/memory"
)

const (
	defaultRequestTimeout = 60 * time.Second
	enqueueTimeout        = 5 * time.Second
)

// NoticeSource lists the task notices retained in process.
type NoticeSource interface {
	Messages() []memorypublisher.PublishedMessage
}

// Server wires HTTP handlers to the application context and dispatcher.
type Server struct {
	router     chi.Router
	app        *app.Context
	dispatcher *dispatcher.Dispatcher
	notices    NoticeSource
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. notices may be
// nil, in which case the notices route answers 404.
func NewServer(
	appCtx *app.Context,
	dispatcher *dispatcher.Dispatcher,
	notices NoticeSource,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		app:        appCtx,
		dispatcher: dispatcher,
		notices:    notices,
		cfg:        cfg,
		logger:     logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/{kind}", s.submitTask)
			r.Get("/{task_id}", s.getTask)
		})
		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Post("/{code}/{action}", s.recordAction)
		})
		r.Get("/history/ops", s.listOperations)
		r.Get("/exist-ids", s.existIDs)
		r.Get("/notices", s.listNotices)
		r.Route("/auth/client", func(r chi.Router) {
			r.Get("/", s.getClientAuth)
			r.Put("/", s.putClientAuth)
			r.Delete("/", s.deleteClientAuth)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.app.Store().RecordIDs(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrAuthMissing):
		return http.StatusPreconditionFailed
	case crawler.KindOf(err) == crawler.KindAuth:
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
