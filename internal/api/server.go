// Package api is the HTTP producer and inspection API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reliable-queue/internal/job"
	"reliable-queue/internal/store"
	"reliable-queue/internal/telemetry"
)

// Queue is what the API needs from queue.Queue.
type Queue interface {
	EnqueueJob(ctx context.Context, topic string, payload []byte, opts job.EnqueueOptions) (job.Envelope, bool, error)
	Get(ctx context.Context, id string) (job.Envelope, error)
	ListDead(ctx context.Context, topic string, limit int) ([]job.Envelope, error)
	Replay(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context, topic string) (map[job.Status]int64, error)
	Ping(ctx context.Context) error
}

// Limiter rate limits producers by key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	queue   Queue
	limiter Limiter
	topics  map[string]bool
	now     func() time.Time
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil. When topics is not
// empty, enqueues to other topics are rejected.
func New(q Queue, limiter Limiter, topics []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queue:   q,
		limiter: limiter,
		topics:  make(map[string]bool, len(topics)),
		now:     time.Now,
		logger:  logger,
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/topics/{topic}", func(r chi.Router) {
		r.With(s.rateLimit).Post("/jobs", s.handleEnqueue)
		r.Get("/dead", s.handleDead)
		r.Get("/stats", s.handleStats)
	})
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/replay", s.handleReplay)
	return r
}

type enqueueRequest struct {
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	RunAt          *time.Time      `json:"run_at"`
	DelaySeconds   int             `json:"delay_seconds"`
	MaxAttempts    int             `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        job.Envelope `json:"job"`
	Idempotent bool         `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if len(s.topics) > 0 && !s.topics[topic] {
		writeError(w, http.StatusNotFound, "unknown topic "+topic)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DelaySeconds < 0 || req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds and max_attempts must not be negative")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	if req.RunAt != nil {
		if d := req.RunAt.Sub(s.now()); d > delay {
			delay = d
		}
	}

	env, idempotent, err := s.queue.EnqueueJob(r.Context(), topic, req.Payload, job.EnqueueOptions{
		Delay:          delay,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !idempotent {
		telemetry.EnqueueCounter.WithLabelValues(topic).Inc()
		s.logger.Debug("job enqueued", slog.String("job_id", env.ID), slog.String("topic", topic))
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: env, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	env, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queue.ListDead(r.Context(), chi.URLParam(r, "topic"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := s.queue.Replay(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("dead letter replayed", slog.String("job_id", id), slog.String("new_job_id", newID))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": newID, "replay_of": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	counts, err := s.queue.Stats(r.Context(), topic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "counts": counts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "tenant:"+tenantFromRequest(r))
		if err != nil {
			s.logger.Error("rate limit", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps queue errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrInvalidState), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, job.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error())
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
