package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/auth"
	"github.com/agentos-dev/agentos/pkg/memory"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/types"
)

var (
	readScopes   = []types.Scope{types.ScopeMemoryRead}
	writeScopes  = []types.Scope{types.ScopeMemoryWrite}
	searchScopes = []types.Scope{types.ScopeSearchRead}
	adminScopes  = []types.Scope{types.ScopeAdmin}
)

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "put",
		scopes: writeScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
		write:  true,
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.PutRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.Put(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "get",
		scopes: readScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.GetRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.Get(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "delete",
		scopes: writeScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
		write:  true,
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.DeleteRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.Delete(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "history",
		scopes: readScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.HistoryRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.History(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "list",
		scopes: readScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.ListRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.List(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

func (s *Server) handleGlob(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "glob",
		scopes: readScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.GlobRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.Glob(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "dump",
		scopes: readScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(w http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.DumpRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		resp, cached, err := s.engine.Dump(r.Context(), authCtx.TenantID, &req)
		if err != nil {
			return nil, err
		}
		if cached {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		return resp, nil
	})(w, r)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "agents",
		scopes: readScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, _ []byte) (any, error) {
		return s.engine.Agents(r.Context(), authCtx.TenantID)
	})(w, r)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "search",
		scopes: searchScopes,
		limit:  func() int { return s.cfg.SearchRateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, authCtx *types.AuthContext, body []byte) (any, error) {
		var req memory.SearchRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.engine.Search(r.Context(), authCtx.TenantID, &req)
	})(w, r)
}

// Admin

type createKeyRequest struct {
	Token    string `json:"token"`
	Label    string `json:"label,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

type createKeyResponse struct {
	OK       bool   `json:"ok"`
	APIKey   string `json:"api_key"`
	KeyID    string `json:"key_id"`
	TenantID string `json:"tenant_id"`
}

// handleCreateKey provisions a tenant API key. It authenticates with the
// bootstrap token from the request body, not a bearer key, and carries its
// own tight rate limit.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	d := s.window.Allow("admin", "create-key", bootstrapLimit)
	setLimitHeaders(w, "X-RateLimit", d)
	if !d.Allowed {
		metrics.RateLimitDenials.WithLabelValues("endpoint").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
		s.writeError(w, apperr.New(http.StatusTooManyRequests, apperr.CodeRateLimitExceeded,
			"Rate limit exceeded"))
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("request body is not valid JSON"))
		return
	}

	if s.cfg.AdminBootstrapToken == "" ||
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.AdminBootstrapToken)) != 1 {
		metrics.AuthFailures.Inc()
		s.writeError(w, apperr.Unauthorized())
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = uuid.NewString()
	}

	id, secret, err := auth.GenerateKeyPair()
	if err != nil {
		s.writeError(w, err)
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateAPIKey(r.Context(), &types.APIKey{
		ID:         id,
		TenantID:   tenantID,
		SecretHash: hash,
		Label:      req.Label,
		Scopes:     []types.Scope{types.ScopeMemoryRead, types.ScopeMemoryWrite, types.ScopeSearchRead},
		CreatedAt:  time.Now(),
	}); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info().Str("key_id", id).Str("tenant_id", tenantID).Msg("Provisioned API key")
	payload, _ := json.Marshal(createKeyResponse{
		OK:       true,
		APIKey:   id + "." + secret,
		KeyID:    id,
		TenantID: tenantID,
	})
	s.writeRaw(w, payload)
}

type requeueJobsRequest struct {
	Status string `json:"status"`
	Limit  int    `json:"limit,omitempty"`
}

type requeueJobsResponse struct {
	OK       bool `json:"ok"`
	Requeued int  `json:"requeued"`
}

func (s *Server) handleRequeueJobs(w http.ResponseWriter, r *http.Request) {
	s.endpoint(endpointOpts{
		name:   "requeue-jobs",
		scopes: adminScopes,
		limit:  func() int { return s.cfg.RateLimitPerMinute },
	}, func(_ http.ResponseWriter, r *http.Request, _ *types.AuthContext, body []byte) (any, error) {
		var req requeueJobsRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		status := types.JobStatus(req.Status)
		switch status {
		case types.JobQueued, types.JobRunning, types.JobFailed:
		default:
			return nil, apperr.Validation("status must be one of queued, running, failed")
		}
		n, err := s.jobs.Requeue(r.Context(), status, req.Limit)
		if err != nil {
			return nil, err
		}
		return requeueJobsResponse{OK: true, Requeued: n}, nil
	})(w, r)
}

// Health and metrics

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, apperr.New(http.StatusServiceUnavailable, apperr.CodeInternal,
			"Database unavailable"))
		return
	}
	s.writeRaw(w, []byte(`{"ok":true}`))
}

// handleMetrics serves Prometheus text when ENABLE_METRICS is set. A
// configured METRICS_TOKEN is checked in constant time.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableMetrics {
		http.NotFound(w, r)
		return
	}
	if s.cfg.MetricsToken != "" {
		presented := ""
		if h := r.Header.Get("Authorization"); len(h) > len("Bearer ") {
			presented = h[len("Bearer "):]
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.MetricsToken)) != 1 {
			s.writeError(w, apperr.Unauthorized())
			return
		}
	}
	metrics.Handler().ServeHTTP(w, r)
}
