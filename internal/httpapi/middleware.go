package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/qendev/iacreg/internal/calltoken"
	"github.com/qendev/iacreg/internal/metrics"
	"github.com/qendev/iacreg/internal/model"
	"github.com/qendev/iacreg/internal/ratelimit"
	"github.com/qendev/iacreg/internal/storage"
)

type ctxKey int

const (
	ctxKeyRegistryToken ctxKey = iota
	ctxKeyCallbackRun
)

// requestLogger logs each completed request at info level, mirroring the
// request-scoped structured logging used throughout the rest of this
// codebase.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", now().Sub(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request counts and latency by request path
// and numeric status code.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		metrics.RecordHTTPRequest(route, r.Method, strconv.Itoa(ww.status), now().Sub(start))
	})
}

// tracingMiddleware wraps each request in a span, via otelhttp, carrying
// standard HTTP semconv attributes; the webhook ingest span started in
// webhooks.go nests under it.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.request")
}

// webhookRateLimit keys on the caller's source IP, per spec.md §4.12's
// webhook surface.
func (s *Server) webhookRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.WebhookLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := sourceIP(r)
		decision := s.deps.WebhookLimiter.Allow(key)
		if !decision.Allowed {
			metrics.RecordRateLimitRejection("source_ip")
			w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiRateLimit keys on the caller's bearer token (see rateLimitKey),
// shared by the registry and callback surfaces.
func (s *Server) apiRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.APILimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := rateLimitKey(r)
		decision := s.deps.APILimiter.Allow(key)
		if !decision.Allowed {
			metrics.RecordRateLimitRejection("token_id")
			w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey keys on the SHA-256 hash of the bearer token, one bucket
// per token, falling back to source IP when no bearer token is present.
func rateLimitKey(r *http.Request) string {
	if token, ok := calltoken.ExtractBearer(r.Header.Get("Authorization")); ok {
		return calltoken.Hash(token)
	}
	return sourceIP(r)
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	return r.RemoteAddr
}

// registryAuth enforces the breg_ token prefix boundary and resolves the
// token against storage, rejecting revoked or unknown tokens before any
// handler runs. A brce_-prefixed token is rejected outright, before any
// hash lookup; a token carrying neither known prefix is treated as a
// legacy token and proceeds to the hash lookup (spec.md §6 scenario 6).
func (s *Server) registryAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := calltoken.ExtractBearer(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if calltoken.HasPrefix(token, calltoken.PrefixCallback) {
			// Reject the other family's prefix before any hash lookup; a
			// legacy token carrying neither prefix still falls through.
			writeError(w, http.StatusUnauthorized, "token is not a registry token")
			return
		}
		hash := calltoken.Hash(token)
		rec, err := s.deps.Store.GetAPITokenByHash(r.Context(), hash)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token lookup failed")
			return
		}
		if rec == nil || !rec.Active() {
			writeError(w, http.StatusUnauthorized, "token invalid or revoked")
			return
		}
		if err := s.deps.Store.TouchAPIToken(r.Context(), rec.ID); err != nil {
			s.log.Warn("touch api token failed", zap.String("token_id", rec.ID), zap.Error(err))
		}
		ctx := context.WithValue(r.Context(), ctxKeyRegistryToken, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callbackAuth enforces the brce_ token prefix boundary for executor
// callbacks, resolving the token against the run named in the path
// rather than a standalone token table — a callback token is scoped to
// exactly one run for its lifetime. A breg_-prefixed token is rejected
// outright, before any hash lookup; a token carrying neither known
// prefix is treated as a legacy token and proceeds to the hash lookup
// (spec.md §6 scenario 6).
func (s *Server) callbackAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := routeParam(r, "runID")
		if runID == "" {
			writeError(w, http.StatusNotFound, "missing run id")
			return
		}
		token, ok := calltoken.ExtractBearer(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if calltoken.HasPrefix(token, calltoken.PrefixRegistry) {
			// Reject the other family's prefix before any hash lookup; a
			// legacy token carrying neither prefix still falls through.
			writeError(w, http.StatusUnauthorized, "token is not a callback token")
			return
		}

		run, err := s.deps.Store.GetRun(r.Context(), runID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && run == nil) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "run lookup failed")
			return
		}
		if run.CallbackTokenHash == "" {
			// The hash is cleared on every terminal transition, so a retried
			// callback for a finished run can no longer verify. It is still
			// answered 200 as a no-op: the executor must stop retrying, and
			// a terminal run cannot be mutated through this surface anyway.
			if run.Status.IsTerminal() {
				writeJSON(w, http.StatusOK, map[string]any{"message": "no-op: run already terminal"})
				return
			}
			writeError(w, http.StatusUnauthorized, "callback token invalid")
			return
		}
		if !calltoken.Verify(token, run.CallbackTokenHash) {
			writeError(w, http.StatusUnauthorized, "callback token invalid")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyCallbackRun, run)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callbackRunFromContext(r *http.Request) *model.ModuleRun {
	run, _ := r.Context().Value(ctxKeyCallbackRun).(*model.ModuleRun)
	return run
}
