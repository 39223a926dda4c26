// Package server exposes the reward engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"vendorvote/observability"
	"vendorvote/services/rewardd/admission"
	"vendorvote/services/rewardd/binding"
	"vendorvote/services/rewardd/ledger"
)

// Admitter is the admission surface used by the API.
type Admitter interface {
	Admit(ctx context.Context, req admission.VoteRequest) (admission.Admission, error)
	RecomputeStreak(ctx context.Context, userID uint64) (int, error)
}

// Binder is the wallet binding surface used by the API.
type Binder interface {
	Bind(ctx context.Context, userID uint64, wallet ledger.WalletAddress) (binding.FlushResult, error)
	RetryFailed(ctx context.Context, userID uint64) (binding.FlushResult, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Admission Admitter
	Binding   Binder
	Pause     *admission.PauseGuard
	Auth      *Authenticator
	RateLimit RateLimit
	// QueueDepth reports pending signer submissions on /admin/status.
	QueueDepth func() int
	Logger     *slog.Logger
	Metrics    *observability.HTTPMetrics
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	admission  Admitter
	binding    Binder
	pause      *admission.PauseGuard
	auth       *Authenticator
	limiter    *RateLimiter
	queueDepth func() int
	logger     *slog.Logger
	metrics    *observability.HTTPMetrics

	router http.Handler
}

// New constructs the router.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil || cfg.Admission == nil || cfg.Binding == nil {
		return nil, fmt.Errorf("server: database, admission and binding are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		var err error
		if auth, err = NewAuthenticator(AuthConfig{}, logger); err != nil {
			return nil, err
		}
	}
	pause := cfg.Pause
	if pause == nil {
		pause = admission.NewPauseGuard(nil, nil)
	}
	srv := &Server{
		db:         cfg.DB,
		admission:  cfg.Admission,
		binding:    cfg.Binding,
		pause:      pause,
		auth:       auth,
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		queueDepth: cfg.QueueDepth,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	idempotent := WithIdempotency(s.db, s.logger)

	r.Route("/api/v1", func(api chi.Router) {
		api.With(s.auth.Middleware(ScopeVote), s.limiter.Middleware("votes"), idempotent).Post("/votes", s.handleVote)
		api.With(s.auth.Middleware(ScopeWallet), s.limiter.Middleware("wallets"), idempotent).Post("/wallets/bind", s.handleBind)
		api.With(s.auth.Middleware(ScopeWallet), s.limiter.Middleware("retry"), idempotent).Post("/distributions/retry", s.handleRetry)
		api.With(s.auth.Middleware(ScopeRead)).Get("/users/{id}", s.handleGetUser)
		api.With(s.auth.Middleware(ScopeRead)).Get("/users/{id}/distributions", s.handleListDistributions)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.AdminMiddleware)
		admin.Post("/pause", s.handlePause)
		admin.Post("/resume", s.handleResume)
		admin.Get("/status", s.handleStatus)
		admin.Post("/users/{id}/streak/recompute", s.handleRecomputeStreak)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(route, status, time.Since(start))
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func userIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}
