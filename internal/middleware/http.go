package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dashauth/internal/auth"
	"dashauth/internal/metrics"
	"dashauth/internal/models"
	"dashauth/internal/rate"
	"dashauth/internal/security"
	"dashauth/internal/service"
	"dashauth/internal/util"
	"dashauth/internal/validate"
)

type Authenticator interface {
	Authenticate(ctx context.Context, raw string, c service.Client) (models.Identity, error)
}

type Monitor interface {
	Record(ctx context.Context, e security.Event) models.SecurityEvent
	BruteForce(ctx context.Context, ip, description string)
}

type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) bool
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		r = r.WithContext(WithRequestID(r.Context(), rid))
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the caller's address in canonical form. With trustProxy
// the first X-Forwarded-For hop wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	raw := ""
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			raw = strings.TrimSpace(parts[0])
		}
	}
	if raw == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		raw = host
	}
	if ip, ok := validate.NormalizeIP(raw); ok {
		return ip
	}
	return raw
}

func clientOf(r *http.Request, trustProxy bool) service.Client {
	return service.Client{IP: ClientIP(r, trustProxy), UserAgent: r.UserAgent()}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Authn verifies the bearer token and the session behind it, then attaches
// the identity to the request context.
func Authn(a Authenticator, log *zap.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := RequestID(r.Context())
			id, err := a.Authenticate(r.Context(), bearerToken(r), clientOf(r, trustProxy))
			switch {
			case err == nil:
			case errors.Is(err, service.ErrTokenRequired):
				util.WriteError(w, http.StatusUnauthorized, "token_required", "access token required", rid)
				return
			case errors.Is(err, auth.ErrInvalidToken):
				util.WriteError(w, http.StatusForbidden, "invalid_token", "invalid or expired token", rid)
				return
			case errors.Is(err, service.ErrSessionInvalid):
				util.WriteError(w, http.StatusForbidden, "session_invalid", "session expired or invalid", rid)
				return
			default:
				log.Error("authentication failed", zap.String("request_id", rid), zap.Error(err))
				util.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", rid)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func RequireRole(role string, mon Monitor, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := Identity(r.Context())
			if !ok || id.Role != role {
				ip := ClientIP(r, trustProxy)
				mon.Record(r.Context(), security.Event{
					Type:        models.EventUnauthorizedAccess,
					Severity:    models.SeverityMedium,
					UserID:      id.UserID,
					IPAddress:   ip,
					Description: "role " + role + " required for " + r.Method + " " + r.URL.Path,
				})
				util.WriteError(w, http.StatusForbidden, "forbidden", role+" role required", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPBlock rejects requests from actively blocked addresses.
func IPBlock(bl BlockChecker, mon Monitor, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			if bl.IsBlocked(r.Context(), ip) {
				mon.Record(r.Context(), security.Event{
					Type:        models.EventBlockedIPRequest,
					Severity:    models.SeverityLow,
					IPAddress:   ip,
					Description: "request from blocked ip: " + r.Method + " " + r.URL.Path,
					Status:      models.EventBlocked,
				})
				util.WriteError(w, http.StatusForbidden, "ip_blocked", "access denied", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces p per client IP. For the auth class, requests that end
// below 400 are refunded so only failures count toward the limit.
func RateLimit(l *rate.Limiter, p rate.Policy, mon Monitor, log *zap.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			d, err := l.Allow(r.Context(), p, ip)
			if err != nil {
				log.Error("rate limiter unavailable, allowing request",
					zap.String("class", string(p.Class)), zap.String("ip", ip), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(secondsUntil(d.ResetAt)))

			if !d.Allowed {
				metrics.RateLimitRejectionsTotal.WithLabelValues(string(p.Class)).Inc()
				desc := "rate limit exceeded for " + string(p.Class) + " class: " + r.Method + " " + r.URL.Path
				if p.Class == rate.ClassAuth {
					mon.BruteForce(r.Context(), ip, desc)
				} else {
					mon.Record(r.Context(), security.Event{
						Type:        models.EventRateLimitExceeded,
						Severity:    models.SeverityMedium,
						IPAddress:   ip,
						Description: desc,
						Status:      models.EventBlocked,
					})
				}
				retry := int((d.RetryAfter + time.Second - 1) / time.Second)
				h.Set("Retry-After", strconv.Itoa(retry))
				util.WriteAPIError(w, http.StatusTooManyRequests, util.APIError{
					Code:       "rate_limited",
					Message:    "too many requests, try again later",
					RequestID:  RequestID(r.Context()),
					RetryAfter: retry,
				})
				return
			}

			if p.Class != rate.ClassAuth {
				next.ServeHTTP(w, r)
				return
			}
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			if sr.status < 400 {
				if err := l.Refund(context.WithoutCancel(r.Context()), p, ip, d); err != nil {
					log.Warn("rate limit refund failed", zap.String("ip", ip), zap.Error(err))
				}
			}
		})
	}
}

func secondsUntil(t time.Time) int {
	s := int(time.Until(t).Round(time.Second) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// RequestLogger logs one line per request and feeds the HTTP metrics,
// labelled by chi route pattern to keep cardinality bounded.
func RequestLogger(log *zap.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			elapsed := time.Since(start)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sr.status)).Inc()
			metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sr.status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
				zap.String("remote_ip", ClientIP(r, trustProxy)),
			)
		})
	}
}
