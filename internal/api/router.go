package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dashauth/internal/auth"
	"dashauth/internal/config"
	"dashauth/internal/middleware"
	"dashauth/internal/models"
	"dashauth/internal/rate"
	"dashauth/internal/security"
	"dashauth/internal/service"
	"dashauth/internal/store"
	"dashauth/internal/util"
	"dashauth/internal/version"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Config    config.Config
	Service   *service.Service
	Store     *store.Store
	Limiter   *rate.Limiter
	Monitor   *security.Monitor
	Blocklist *security.Blocklist
	// Redis is optional; when set it is part of the readiness check.
	Redis redis.UniversalClient
	Log   *zap.Logger
}

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	st      *store.Store
	monitor *security.Monitor
	redis   redis.UniversalClient
	log     *zap.Logger
}

func Policies(cfg config.Config) (api, authn, admin rate.Policy) {
	return rate.Policy{Class: rate.ClassAPI, Limit: cfg.RateAPILimit, Window: cfg.RateAPIWindow},
		rate.Policy{Class: rate.ClassAuth, Limit: cfg.RateAuthLimit, Window: cfg.RateAuthWindow},
		rate.Policy{Class: rate.ClassAdmin, Limit: cfg.RateAdminLimit, Window: cfg.RateAdminWindow}
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handlers{
		cfg:     d.Config,
		svc:     d.Service,
		st:      d.Store,
		monitor: d.Monitor,
		redis:   d.Redis,
		log:     log,
	}
	trust := d.Config.TrustProxy
	apiPolicy, authPolicy, adminPolicy := Policies(d.Config)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(log, trust))
	r.Use(middleware.SecurityHeaders)
	if len(d.Config.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.Config.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Get("/health/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	rateLimit := func(p rate.Policy) func(http.Handler) http.Handler {
		return middleware.RateLimit(d.Limiter, p, d.Monitor, log, trust)
	}
	authn := middleware.Authn(d.Service, log, trust)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.IPBlock(d.Blocklist, d.Monitor, trust))

		r.Route("/auth", func(r chi.Router) {
			r.With(rateLimit(authPolicy)).Post("/register", h.Register)
			r.With(rateLimit(authPolicy)).Post("/login", h.Login)
			r.With(rateLimit(apiPolicy)).Post("/refresh", h.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(rateLimit(apiPolicy))
				r.Use(authn)
				r.Post("/logout", h.Logout)
				r.Get("/me", h.Me)
				r.Get("/sessions", h.ListSessions)
				r.Delete("/sessions/{id}", h.RevokeSession)
				r.Post("/change-password", h.ChangePassword)
			})
		})

		r.Route("/security", func(r chi.Router) {
			r.Use(rateLimit(adminPolicy))
			r.Use(authn)
			r.Use(middleware.RequireRole(models.RoleAdmin, d.Monitor, trust))
			r.Get("/metrics", h.SecurityMetrics)
			r.Get("/events", h.SecurityEvents)
			r.Get("/firewall-rules", h.FirewallRules)
			r.Get("/vulnerability-scans", h.VulnerabilityScans)
			r.Post("/vulnerability-scans", h.RecordScan)
			r.Get("/top-attacking-ips", h.TopAttackingIPs)
			r.Get("/blocked-ips", h.BlockedIPs)
			r.Post("/block-ip", h.BlockIP)
			r.Post("/unblock-ip", h.UnblockIP)
			r.Get("/audit-log", h.AuditLog)
			r.Post("/users/{id}/revoke-sessions", h.RevokeUserSessions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "not_found", "route not found", middleware.RequestID(r.Context()))
	})
	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	comps := map[string]any{}
	ok := true
	check := func(name string, err error) {
		if err != nil {
			ok = false
			comps[name] = map[string]any{"ok": false, "error": err.Error()}
			return
		}
		comps[name] = map[string]any{"ok": true}
	}
	check("database", h.st.Ping(ctx))
	if h.redis != nil {
		check("redis", h.redis.Ping(ctx).Err())
	}
	check("security_events", h.monitor.Health())

	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": comps,
	}
	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, http.StatusOK, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, http.StatusServiceUnavailable, ready)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		util.WriteError(w, http.StatusBadRequest, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return false
	}
	return true
}

func clientOf(r *http.Request, trustProxy bool) service.Client {
	return service.Client{IP: middleware.ClientIP(r, trustProxy), UserAgent: r.UserAgent()}
}

func parseLimitOffset(r *http.Request) (int, int) {
	limit := 25
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 1 {
				n = 1
			}
			if n > 100 {
				n = 100
			}
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// writeError maps service and store errors onto the API error taxonomy.
// Anything unrecognised is an infrastructure failure: logged in full,
// reported generically.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	if verrs, ok := service.IsValidation(err); ok {
		util.WriteAPIError(w, http.StatusBadRequest, util.APIError{
			Code:      "validation_error",
			Message:   "invalid input",
			RequestID: rid,
			Details:   verrs,
		})
		return
	}
	switch {
	case errors.Is(err, service.ErrEmailTaken):
		util.WriteError(w, http.StatusBadRequest, "email_taken", "email already registered", rid)
	case errors.Is(err, service.ErrInvalidCredentials):
		util.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials", rid)
	case errors.Is(err, service.ErrWrongPassword):
		util.WriteError(w, http.StatusBadRequest, "wrong_password", "current password is incorrect", rid)
	case errors.Is(err, service.ErrTokenRequired):
		util.WriteError(w, http.StatusUnauthorized, "token_required", "refresh token required", rid)
	case errors.Is(err, auth.ErrInvalidToken):
		util.WriteError(w, http.StatusForbidden, "invalid_token", "invalid or expired token", rid)
	case errors.Is(err, service.ErrSessionInvalid):
		util.WriteError(w, http.StatusForbidden, "session_invalid", "session expired or invalid", rid)
	case errors.Is(err, store.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, "not_found", "not found", rid)
	case errors.Is(err, store.ErrConflict):
		util.WriteError(w, http.StatusConflict, "conflict", "already exists", rid)
	default:
		h.log.Error("request failed",
			zap.String("request_id", rid),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		util.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", rid)
	}
}
