package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/metrics"
	"github.com/exportd-io/exportd/internal/ratelimit"
)

// HeaderCorrelationID is echoed back on every response; generated when the
// client did not send one.
const HeaderCorrelationID = "X-Correlation-ID"

// Rate limit headers, present on every authenticated response.
const (
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyCredential stores the resolved *auth.Credential after the
	// gate passes.
	contextKeyCredential contextKey = iota
)

// credentialFromCtx retrieves the credential stored by Authenticate.
// Returns nil on unauthenticated requests (only /health).
func credentialFromCtx(ctx context.Context) *auth.Credential {
	cred, _ := ctx.Value(contextKeyCredential).(*auth.Credential)
	return cred
}

// CorrelationID ensures every request carries a correlation id and echoes it
// on the response so clients can cross-reference error reports with logs.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate is the API-key gate. It resolves the presented secret (or the
// internal dashboard token), checks the CIDR allowlist, and stores the
// credential in the request context. Error codes distinguish a missing key
// from an invalid one so clients can fix the right problem.
func Authenticate(svc *auth.Service, dashboard *auth.Dashboard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The trusted dashboard path resolves to a synthetic ADMIN
			// credential; it is loopback-only and skips rate limiting.
			if token := r.Header.Get(auth.DashboardHeader); token != "" {
				cred, err := dashboard.Resolve(r.Context(), token, auth.RemoteIP(r))
				if err != nil {
					if errors.Is(err, auth.ErrBadDashboardToken) {
						Err(w, http.StatusUnauthorized, "invalid api key", CodeInvalidAPIKey, "")
						return
					}
					ErrInternal(w)
					return
				}
				ctx := context.WithValue(r.Context(), contextKeyCredential, cred)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			cred, err := svc.Resolve(r.Context(), auth.BearerSecret(r))
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrMissingKey):
					Err(w, http.StatusUnauthorized, "api key required", CodeMissingAPIKey, "")
				case errors.Is(err, auth.ErrInvalidKey),
					errors.Is(err, auth.ErrRevokedKey),
					errors.Is(err, auth.ErrExpiredKey):
					Err(w, http.StatusUnauthorized, "invalid api key", CodeInvalidAPIKey, "")
				default:
					ErrInternal(w)
				}
				return
			}

			if err := auth.CheckAllowlist(cred.Key, auth.RemoteIP(r)); err != nil {
				Err(w, http.StatusForbidden, "request address not in allowlist", CodeIPNotAllowed, "")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyCredential, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects methods the credential's scope does not permit.
// A valid credential with the wrong scope gets FORBIDDEN, distinct from the
// 401 family.
func RequireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := credentialFromCtx(r.Context())
		if cred == nil {
			Err(w, http.StatusUnauthorized, "api key required", CodeMissingAPIKey, "")
			return
		}
		if !auth.ScopeAllows(cred.Scope, r.Method) {
			Err(w, http.StatusForbidden, "scope does not permit this operation", CodeForbidden, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies the tier's windowed budget for the authenticated key and
// writes the limit headers on every response, not only 429s. The internal
// dashboard path is exempt.
func RateLimit(limiter *ratelimit.Limiter, tier ratelimit.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := credentialFromCtx(r.Context())
			if cred == nil || cred.Internal {
				next.ServeHTTP(w, r)
				return
			}

			override := 0
			if cred.Key != nil {
				override = cred.Key.RateLimitPerMin
			}
			res := limiter.Allow(r.Context(), cred.Key.ID.String(), tier, override)

			w.Header().Set(HeaderRateLimit, strconv.Itoa(res.Limit))
			w.Header().Set(HeaderRateRemaining, strconv.Itoa(res.Remaining))
			w.Header().Set(HeaderRateReset, strconv.FormatInt(res.Reset.Unix(), 10))

			if !res.Allowed {
				metrics.RateLimitRejections.WithLabelValues(string(tier)).Inc()
				retry := int(res.RetryAfter / time.Second)
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				Err(w, http.StatusTooManyRequests, "rate limit exceeded", CodeRateLimited, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and the
// correlation id set by CorrelationID.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
