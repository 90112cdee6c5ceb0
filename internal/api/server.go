// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/config"
	"github.com/sourcehound/harvester/internal/harvest"
	"github.com/sourcehound/harvester/internal/progress"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// TaskService is the orchestrator surface the HTTP layer depends on.
type TaskService interface {
	Submit(ctx context.Context, spec harvest.TaskSpec) (string, error)
	Cancel(ctx context.Context, taskID string) error
	GetStatus(ctx context.Context, taskID string) (harvest.Task, error)
	GetResults(ctx context.Context, taskID string, page, size int) ([]harvest.DetailRecord, int, error)
}

// Subscriber hands out live progress channels per owner.
type Subscriber interface {
	Subscribe(ownerID string) *progress.Subscription
}

// Server wires HTTP handlers to the orchestrator and broadcaster.
type Server struct {
	router chi.Router
	tasks  TaskService
	subs   Subscriber
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks TaskService, subs Subscriber, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:  tasks,
		subs:   subs,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	timeout := timeoutMiddleware(time.Duration(cfg.Server.TimeoutSeconds) * time.Second)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.With(timeout).Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.With(timeout).Get("/status", s.getTaskStatus)
				r.With(timeout).Get("/results", s.getTaskResults)
				r.With(timeout).Post("/cancel", s.cancelTask)
			})
		})
		// No timeout handler here: the SSE stream is long-lived.
		r.Get("/users/{user_id}/progress", s.streamProgress)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitTaskRequest struct {
	OwnerID string          `json:"owner_id"`
	Units   []harvest.Unit  `json:"units"`
	Mode    harvest.Mode    `json:"mode"`
	Policy  harvest.Policy  `json:"policy"`
	Filters harvest.Filters `json:"filters"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	taskID, err := s.tasks.Submit(r.Context(), harvest.TaskSpec{
		OwnerID: req.OwnerID,
		Units:   req.Units,
		Mode:    req.Mode,
		Policy:  req.Policy,
		Filters: req.Filters,
	})
	if err != nil {
		if errors.Is(err, harvest.ErrInsufficientFunds) {
			writeError(w, http.StatusPaymentRequired, "insufficient credits")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) getTaskResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	page, size, err := parsePageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, total, err := s.tasks.GetResults(r.Context(), taskID, page, size)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get results failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if recs == nil {
		recs = []harvest.DetailRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":   recs,
		"total":     total,
		"page":      page,
		"page_size": size,
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.tasks.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("cancel task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancelling"})
}

// streamProgress serves the owner's live progress channel as Server-Sent
// Events. The subscription ends when the client disconnects or the
// broadcaster evicts the channel.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "user_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.subs.Subscribe(ownerID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if evt.Ping {
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("marshal progress event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parsePageParams(r *http.Request) (page, size int, err error) {
	page, size = 1, defaultPageSize
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		size, err = strconv.Atoi(raw)
		if err != nil || size < 1 || size > maxPageSize {
			return 0, 0, fmt.Errorf("page_size must be between 1 and %d", maxPageSize)
		}
	}
	return page, size, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
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
