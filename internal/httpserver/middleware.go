package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"bioadmin/accounts/internal/audit"
	"bioadmin/accounts/internal/auth"
)

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.status = statusCode
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// observe assigns the request id, recovers panics as 500s and records one log
// line plus metrics per request, labelled by the matched route template.
func (h *handlers) observe(router *mux.Router, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))

		route := "unmatched"
		var match mux.RouteMatch
		if router.Match(r, &match) && match.Route != nil {
			if tmpl, err := match.Route.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				h.log.Error("panic serving request",
					"request_id", reqID, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
				}
			}
			d := time.Since(start)
			h.Metrics.ObserveRequest(r.Method, route, rec.status, d)
			h.log.Info("http request",
				"request_id", reqID,
				"method", r.Method,
				"route", route,
				"status", rec.status,
				"duration_ms", d.Milliseconds(),
			)
		}()
		next.ServeHTTP(rec, r)
	})
}

// requireSession admits only requests carrying a valid bearer token for an
// account that is still active, and attaches the fresh identity.
func (h *handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		identity, err := h.Auth.Identify(r.Context(), token)
		if err != nil {
			switch auth.KindOf(err) {
			case auth.KindInvalidToken:
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token", nil)
			case auth.KindAccountInactive, auth.KindNotFound:
				writeError(w, http.StatusUnauthorized, "ACCOUNT_INACTIVE", "account is inactive", nil)
			default:
				h.writeAuthError(w, r, err)
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// requireRole passes only identities holding exactly the role code.
func (h *handlers) requireRole(code string) mux.MiddlewareFunc {
	return h.roleGate(func(identity auth.Identity) bool {
		return auth.HasRole(identity, code)
	}, "requires role "+code)
}

// requireAnyRole passes identities holding at least one of codes.
func (h *handlers) requireAnyRole(codes []string) mux.MiddlewareFunc {
	return h.roleGate(func(identity auth.Identity) bool {
		return auth.HasAnyRole(identity, codes)
	}, "requires one of roles: "+strings.Join(codes, ", "))
}

func (h *handlers) roleGate(allowed func(auth.Identity) bool, denial string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := sessionIdentity(w, r)
			if !ok {
				return
			}
			if !allowed(identity) {
				h.record(r, identity.Email, "authorize", r.URL.Path, audit.OutcomeDenied, denial)
				writeError(w, http.StatusForbidden, "FORBIDDEN", denial, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionIdentity returns the identity set by requireSession, answering 401
// when a route was reached without one.
func sessionIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	}
	return identity, ok
}

// rateLimited throttles a credential endpoint per client IP. Limiter errors
// are logged and the request is let through.
func (h *handlers) rateLimited(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil {
			next(w, r)
			return
		}
		res, err := h.Limiter.Allow(r.Context(), name+":"+h.clientIP(r))
		if err != nil {
			h.log.Warn("rate limiter unavailable", "request_id", requestIDFromContext(r.Context()), "error", err)
			next(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			retry := int(res.RetryAfter.Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			h.Metrics.AuthEvent(name, "rate_limited")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next(w, r)
	}
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

// clientIP is the socket peer unless proxy headers are trusted.
func (h *handlers) clientIP(r *http.Request) string {
	if h.TrustProxyHeaders {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// record writes an audit entry and bumps the auth event counter. Audit
// failures are logged, never returned.
func (h *handlers) record(r *http.Request, actor, action, target, outcome, detail string) {
	h.Metrics.AuthEvent(action, outcome)
	if h.Audit == nil {
		return
	}
	err := h.Audit.Log(audit.Event{
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		RequestID: requestIDFromContext(r.Context()),
		IP:        h.clientIP(r),
		Detail:    detail,
	})
	if err != nil {
		h.log.Warn("audit write failed", "action", action, "error", err)
	}
}
