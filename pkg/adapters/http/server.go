package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionStore is the part of session.Store the HTTP layer drives.
type SessionStore interface {
	Load(ctx context.Context, key string) (domain.Payload, bool, error)
	Save(ctx context.Context, payload domain.Payload, ttl time.Duration) (string, error)
	Update(ctx context.Context, key string, payload domain.Payload, ttl time.Duration) (string, error)
	Renew(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Server exposes a SessionStore over a small JSON admin API.
type Server struct {
	Store      SessionStore
	DefaultTTL time.Duration

	health   func(ctx context.Context) error
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealthCheck makes /healthz report the result of check.
func WithHealthCheck(check func(ctx context.Context) error) ServerOption {
	return func(s *Server) {
		s.health = check
	}
}

// WithGatherer exposes the collectors of g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithServerLogger configures request logging.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewHandler creates the admin HTTP handler for store. Sessions created
// without an explicit ttl live for defaultTTL. Requests to the paths in
// api/openapi.yaml are validated against it before reaching a handler.
func NewHandler(store SessionStore, defaultTTL time.Duration, opts ...ServerOption) http.Handler {
	s := &Server{
		Store:      store,
		DefaultTTL: defaultTTL,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router, err := apiRouter()
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(enableCORS)
	r.Use(s.validateRequest(router))

	r.Get("/openapi.yaml", serveOpenAPI)
	r.Get("/swagger", serveSwagger)
	r.Get("/healthz", s.GetHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.CreateSession)
		r.Route("/{key}", func(r chi.Router) {
			r.Use(validKey)
			r.Get("/", s.GetSession)
			r.Put("/", s.UpdateSession)
			r.Delete("/", s.DeleteSession)
			r.Post("/renew", s.RenewSession)
		})
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := ValidateKey(chi.URLParam(r, "key")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteRequest is the body of POST /sessions and PUT /sessions/{key}.
type WriteRequest struct {
	Payload domain.Payload `json:"payload"`
	TTL     string         `json:"ttl,omitempty"`
}

// RenewRequest is the optional body of POST /sessions/{key}/renew.
type RenewRequest struct {
	TTL string `json:"ttl,omitempty"`
}

// KeyResponse reports the key a write landed under. Replaced is set when an
// update had to create a new record because the old one was gone.
type KeyResponse struct {
	Key      string `json:"key"`
	Replaced bool   `json:"replaced,omitempty"`
}

// SessionResponse is the body of GET /sessions/{key}.
type SessionResponse struct {
	Key     string         `json:"key"`
	Payload domain.Payload `json:"payload"`
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "err", err, "request_id", RequestIDFrom(r.Context()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetSession handles GET /sessions/{key}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	payload, ok, err := s.Store.Load(r.Context(), key)
	if err != nil {
		s.fail(w, r, "Load", err)
		return
	}
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Key: key, Payload: payload})
}

// CreateSession handles POST /sessions.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	body, ttl, ok := s.decodeWrite(w, r)
	if !ok {
		return
	}
	key, err := s.Store.Save(r.Context(), body.Payload, ttl)
	if err != nil {
		s.fail(w, r, "Save", err)
		return
	}
	writeJSON(w, http.StatusCreated, KeyResponse{Key: key})
}

// UpdateSession handles PUT /sessions/{key}.
func (s *Server) UpdateSession(w http.ResponseWriter, r *http.Request) {
	body, ttl, ok := s.decodeWrite(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	newKey, err := s.Store.Update(r.Context(), key, body.Payload, ttl)
	if err != nil {
		s.fail(w, r, "Update", err)
		return
	}
	writeJSON(w, http.StatusOK, KeyResponse{Key: newKey, Replaced: newKey != key})
}

// RenewSession handles POST /sessions/{key}/renew.
func (s *Server) RenewSession(w http.ResponseWriter, r *http.Request) {
	var body RenewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	ttl, err := s.ttl(body.TTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Store.Renew(r.Context(), chi.URLParam(r, "key"), ttl); err != nil {
		s.fail(w, r, "Renew", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSession handles DELETE /sessions/{key}.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.fail(w, r, "Delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeWrite(w http.ResponseWriter, r *http.Request) (WriteRequest, time.Duration, bool) {
	var body WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("Invalid request body", "err", err, "request_id", RequestIDFrom(r.Context()))
		return body, 0, false
	}
	ttl, err := s.ttl(body.TTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return body, 0, false
	}
	return body, ttl, true
}

func (s *Server) ttl(raw string) (time.Duration, error) {
	if raw == "" {
		return s.DefaultTTL, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", raw, err)
	}
	return d, nil
}

// fail maps store errors onto status codes. Unreadable records are a 422 so
// callers can tell them apart from a backend outage.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTTL):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDeserialization):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorage):
		status = http.StatusServiceUnavailable
	}
	s.logger.Error(op+" failed", "err", err, "status", status, "request_id", RequestIDFrom(r.Context()))
	http.Error(w, fmt.Sprintf("%s error: %v", op, err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Response encode failed", "err", err)
	}
}
