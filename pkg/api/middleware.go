package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/ratelimit"
	"github.com/agentos-dev/agentos/pkg/types"
)

// clientIP resolves the caller address. X-Forwarded-For is trusted only when
// TRUST_PROXY is set; otherwise the TCP peer wins.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// preAuthMiddleware applies the per-IP token bucket before any auth or
// database work.
func (s *Server) preAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.preauth.Allow(s.clientIP(r))
		setLimitHeaders(w, "X-PreAuth-RateLimit", d)
		if !d.Allowed {
			metrics.RateLimitDenials.WithLabelValues("preauth").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
			s.writeError(w, apperr.New(http.StatusTooManyRequests, apperr.CodePreAuthRateLimit,
				"Too many requests from this address"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setLimitHeaders(w http.ResponseWriter, prefix string, d ratelimit.Decision) {
	w.Header().Set(prefix+"-Limit", strconv.Itoa(d.Limit))
	w.Header().Set(prefix+"-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set(prefix+"-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// statusRecorder captures the written status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handlerFunc is one endpoint body: it receives the authenticated context and
// the raw request body and returns the response payload. Handlers may set
// extra response headers through w but must not write the body themselves.
type handlerFunc func(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error)

// endpointOpts configures the shared gate pipeline for one endpoint.
type endpointOpts struct {
	name   string
	scopes []types.Scope
	limit  func() int
	write  bool // idempotency applies
}

// endpoint wraps a handler with the ordered gates: authentication, scope
// check, endpoint rate limit, idempotency lookup, handler, idempotency store.
// The pre-auth gate already ran as router middleware.
func (s *Server) endpoint(opts endpointOpts, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		defer func() {
			metrics.RequestsTotal.WithLabelValues(opts.name, strconv.Itoa(rec.status)).Inc()
			timer.ObserveDurationVec(metrics.RequestDuration, opts.name)
		}()

		authCtx, err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(rec, err)
			return
		}

		if !hasAnyScope(authCtx, opts.scopes) {
			s.writeError(rec, apperr.Forbidden("Missing required scope"))
			return
		}

		d := s.window.Allow(authCtx.TenantID, opts.name, opts.limit())
		setLimitHeaders(rec, "X-RateLimit", d)
		if !d.Allowed {
			metrics.RateLimitDenials.WithLabelValues("endpoint").Inc()
			rec.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
			s.writeError(rec, apperr.New(http.StatusTooManyRequests, apperr.CodeRateLimitExceeded,
				"Rate limit exceeded"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(rec, r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(rec, apperr.Validation("request body too large or unreadable"))
			return
		}

		idemKey := r.Header.Get("Idempotency-Key")
		if opts.write && idemKey != "" {
			cached, err := s.idem.Lookup(r.Context(), authCtx.TenantID, idemKey, body)
			if err != nil {
				s.writeError(rec, err)
				return
			}
			if cached != nil {
				s.writeRaw(rec, cached)
				return
			}
		}

		resp, err := fn(rec, r, authCtx, body)
		if err != nil {
			s.writeError(rec, err)
			return
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			s.writeError(rec, fmt.Errorf("encode response: %w", err))
			return
		}

		if opts.write && idemKey != "" {
			if err := s.idem.Store(r.Context(), authCtx.TenantID, idemKey, body, payload); err != nil {
				s.logger.Error().Err(err).Str("tenant_id", authCtx.TenantID).
					Msg("Failed to store idempotency record")
			}
		}
		s.writeRaw(rec, payload)
	}
}

func hasAnyScope(authCtx *types.AuthContext, scopes []types.Scope) bool {
	for _, scope := range scopes {
		if authCtx.HasScope(scope) {
			return true
		}
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if ae := apperr.From(err); ae == nil || ae.Status >= 500 {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	apperr.Write(w, err, s.cfg.Production())
}

func (s *Server) writeRaw(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func decodeBody(body []byte, dst any) error {
	if len(body) == 0 {
		return apperr.Validation("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validation("request body is not valid JSON")
	}
	return nil
}
