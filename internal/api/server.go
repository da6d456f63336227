// Package api exposes the admin HTTP interface for a running crawler.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
	"github.com/JakeFAU/adaptive-crawler/internal/policy"
	"github.com/JakeFAU/adaptive-crawler/internal/proxypool"
)

// Crawler is the operator surface of the orchestrator.
type Crawler interface {
	EnqueueSeed(ctx context.Context, rawURL string) (bool, error)
	GetPolicy(ctx context.Context, domain string) (crawler.DomainPolicy, policy.State, error)
	GetRotationStats() proxypool.RotationStats
	Pending(ctx context.Context) (int, error)
}

// ProxyAdmin mutates the proxy inventory.
type ProxyAdmin interface {
	Add(ctx context.Context, desc crawler.ProxyDescriptor) error
	Remove(ctx context.Context, id string) error
}

// Config controls the admin server.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
	MaxSeeds       int
}

// Server wires HTTP handlers to the crawler.
type Server struct {
	router  chi.Router
	crawler Crawler
	proxies ProxyAdmin
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. proxies may be nil,
// in which case the inventory routes answer 501.
func NewServer(c Crawler, proxies ProxyAdmin, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxSeeds <= 0 {
		cfg.MaxSeeds = 1000
	}
	s := &Server{crawler: c, proxies: proxies, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/seeds", s.submitSeeds)
		r.Get("/policies/{domain}", s.getPolicy)
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/stats", s.getProxyStats)
			r.Post("/", s.addProxy)
			r.Delete("/{proxy_id}", s.removeProxy)
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

// readyz touches the frontier store so a lost backend shows up in probes.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	n, err := s.crawler.Pending(r.Context())
	if err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "pending": n})
}

type seedRequest struct {
	URLs []string `json:"urls"`
}

type seedRejection struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type seedResponse struct {
	Accepted   []string        `json:"accepted"`
	Duplicates []string        `json:"duplicates"`
	Rejected   []seedRejection `json:"rejected"`
}

func (s *Server) submitSeeds(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.cfg.MaxSeeds {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", s.cfg.MaxSeeds))
		return
	}

	resp := seedResponse{Accepted: []string{}, Duplicates: []string{}, Rejected: []seedRejection{}}
	for _, raw := range req.URLs {
		ok, err := s.crawler.EnqueueSeed(r.Context(), raw)
		switch {
		case errors.Is(err, crawler.ErrStoreUnavailable):
			s.logger.Error("Seed enqueue failed", zap.String("url", raw), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "state store unavailable")
			return
		case err != nil:
			resp.Rejected = append(resp.Rejected, seedRejection{URL: raw, Error: err.Error()})
		case ok:
			resp.Accepted = append(resp.Accepted, raw)
		default:
			resp.Duplicates = append(resp.Duplicates, raw)
		}
	}
	status := http.StatusAccepted
	if len(resp.Accepted) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

type policyResponse struct {
	Policy crawler.DomainPolicy `json:"policy"`
	State  policy.State         `json:"state"`
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(chi.URLParam(r, "domain"))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain required")
		return
	}
	p, state, err := s.crawler.GetPolicy(r.Context(), domain)
	if err != nil {
		s.logger.Error("Policy lookup failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{Policy: p, State: state})
}

func (s *Server) getProxyStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.crawler.GetRotationStats())
}

// proxyRequest carries credentials, which ProxyDescriptor never serializes.
type proxyRequest struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Scheme   string `json:"scheme"`
	Region   string `json:"region"`
	Premium  bool   `json:"premium"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) addProxy(w http.ResponseWriter, r *http.Request) {
	if s.proxies == nil {
		writeError(w, http.StatusNotImplemented, "proxy pool disabled")
		return
	}
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	desc := proxypool.WithID(crawler.ProxyDescriptor(req))
	if err := desc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.proxies.Add(r.Context(), desc)
	switch {
	case errors.Is(err, proxypool.ErrDuplicateProxy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("Proxy add failed", zap.String("proxy_id", desc.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "add proxy failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": desc.ID})
}

func (s *Server) removeProxy(w http.ResponseWriter, r *http.Request) {
	if s.proxies == nil {
		writeError(w, http.StatusNotImplemented, "proxy pool disabled")
		return
	}
	id := chi.URLParam(r, "proxy_id")
	err := s.proxies.Remove(r.Context(), id)
	switch {
	case errors.Is(err, crawler.ErrUnknownProxy):
		writeError(w, http.StatusNotFound, "proxy not found")
		return
	case err != nil:
		s.logger.Error("Proxy remove failed", zap.String("proxy_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "remove proxy failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
		s.logger.Info("Request completed",
			zap.String("request_id", RequestID(r.Context())),
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
				s.logger.Error("Panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
