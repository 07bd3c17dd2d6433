// Package memory provides an in-memory Store implementation with the same
// semantics as the PostgreSQL backend. It backs tests and the memory://
// development mode; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

type tripleKey struct {
	tenant string
	agent  string
	path   string
}

type idemKey struct {
	tenant string
	key    string
}

// MemoryStore implements storage.Store with mutex-guarded maps.
type MemoryStore struct {
	mu sync.Mutex

	apiKeys  map[string]*types.APIKey
	versions map[string]*types.EntryVersion // by version id
	byTriple map[tripleKey][]*types.EntryVersion
	latest   map[tripleKey]*types.LatestEntry

	embeddings map[string]*types.Embedding    // by version id
	jobs       map[string]*types.EmbeddingJob // by version id

	idempotency map[idemKey]*types.IdempotencyRecord
	quotas      map[string]*types.QuotaUsage // tenant + "|" + day
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apiKeys:     make(map[string]*types.APIKey),
		versions:    make(map[string]*types.EntryVersion),
		byTriple:    make(map[tripleKey][]*types.EntryVersion),
		latest:      make(map[tripleKey]*types.LatestEntry),
		embeddings:  make(map[string]*types.Embedding),
		jobs:        make(map[string]*types.EmbeddingJob),
		idempotency: make(map[idemKey]*types.IdempotencyRecord),
		quotas:      make(map[string]*types.QuotaUsage),
	}
}

var _ storage.Store = (*MemoryStore)(nil)

// API keys

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *types.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return fmt.Errorf("api key %s already exists", key.ID)
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, id string) (*types.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return nil, nil
	}
	cp := *key
	return &cp, nil
}

// Entry versions

func (s *MemoryStore) PutVersion(_ context.Context, v *types.EntryVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[v.ID]; exists {
		return fmt.Errorf("version %s already exists", v.ID)
	}
	cp := *v
	k := tripleKey{tenant: v.TenantID, agent: v.Agent, path: v.Path}
	s.versions[v.ID] = &cp
	s.byTriple[k] = append(s.byTriple[k], &cp)
	s.latest[k] = &types.LatestEntry{
		TenantID:        v.TenantID,
		Agent:           v.Agent,
		Path:            v.Path,
		LatestVersionID: v.ID,
		UpdatedAt:       v.CreatedAt,
	}
	return nil
}

func (s *MemoryStore) GetVersion(_ context.Context, versionID string) (*types.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) GetLatest(_ context.Context, tenantID, agent, path string) (*types.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.visibleLatestLocked(tenantID, agent, path, time.Now())
	if v == nil {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// visibleLatestLocked resolves the latest pointer and applies the visibility
// filter. Caller holds the mutex.
func (s *MemoryStore) visibleLatestLocked(tenantID, agent, path string, now time.Time) *types.EntryVersion {
	le, ok := s.latest[tripleKey{tenant: tenantID, agent: agent, path: path}]
	if !ok {
		return nil
	}
	v, ok := s.versions[le.LatestVersionID]
	if !ok || !v.Visible(now) {
		return nil
	}
	return v
}

func (s *MemoryStore) History(_ context.Context, tenantID, agent, path string, limit int) ([]*types.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.byTriple[tripleKey{tenant: tenantID, agent: agent, path: path}]
	out := make([]*types.EntryVersion, len(all))
	for i, v := range all {
		cp := *v
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPaths(_ context.Context, tenantID, agent, likePattern string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	re, err := likeToRegexp(likePattern)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var paths []string
	for k := range s.latest {
		if k.tenant != tenantID || k.agent != agent {
			continue
		}
		if s.visibleLatestLocked(k.tenant, k.agent, k.path, now) == nil {
			continue
		}
		if re.MatchString(k.path) {
			paths = append(paths, k.path)
		}
	}
	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

func (s *MemoryStore) Dump(_ context.Context, tenantID, agent string, limit int) ([]*types.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []*types.EntryVersion
	for k := range s.latest {
		if k.tenant != tenantID || k.agent != agent {
			continue
		}
		if v := s.visibleLatestLocked(k.tenant, k.agent, k.path, now); v != nil {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Agents(_ context.Context, tenantID string) ([]*types.AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counts := make(map[string]int)
	for k := range s.latest {
		if k.tenant != tenantID {
			continue
		}
		if s.visibleLatestLocked(k.tenant, k.agent, k.path, now) != nil {
			counts[k.agent]++
		}
	}

	out := make([]*types.AgentInfo, 0, len(counts))
	for agent, n := range counts {
		out = append(out, &types.AgentInfo{ID: agent, MemoryCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Embeddings

func (s *MemoryStore) UpsertEmbedding(_ context.Context, e *types.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Vector = append([]float32(nil), e.Vector...)
	s.embeddings[e.VersionID] = &cp
	return nil
}

func (s *MemoryStore) SearchEmbeddings(_ context.Context, q storage.SearchQuery) ([]*types.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prefixRe *regexp.Regexp
	if q.PathPrefixLike != "" {
		re, err := likeToRegexp(q.PathPrefixLike)
		if err != nil {
			return nil, err
		}
		prefixRe = re
	}

	now := time.Now()
	var out []*types.SearchResult
	for versionID, emb := range s.embeddings {
		if emb.TenantID != q.TenantID || emb.Agent != q.Agent {
			continue
		}
		v, ok := s.versions[versionID]
		if !ok {
			continue
		}
		// Only the visible latest version of a path is searchable.
		latest := s.visibleLatestLocked(v.TenantID, v.Agent, v.Path, now)
		if latest == nil || latest.ID != versionID {
			continue
		}
		if prefixRe != nil && !prefixRe.MatchString(v.Path) {
			continue
		}
		out = append(out, &types.SearchResult{
			Path:       v.Path,
			Value:      v.Value,
			Tags:       v.Tags,
			Similarity: cosineSimilarity(emb.Vector, q.Vector),
			VersionID:  v.ID,
			CreatedAt:  v.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Embedding jobs

func (s *MemoryStore) EnqueueEmbeddingJob(_ context.Context, job *types.EmbeddingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.VersionID]; ok {
		// Re-enqueueing an existing job resets it to queued.
		existing.Status = types.JobQueued
		existing.LastError = job.LastError
		existing.UpdatedAt = time.Now()
		return nil
	}
	cp := *job
	s.jobs[job.VersionID] = &cp
	return nil
}

func (s *MemoryStore) GetEmbeddingJob(_ context.Context, versionID string) (*types.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[versionID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ClaimEmbeddingJob(_ context.Context) (*types.EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *types.EmbeddingJob
	for _, job := range s.jobs {
		if job.Status != types.JobQueued || job.Attempts >= types.MaxJobAttempts {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = types.JobRunning
	oldest.Attempts++
	oldest.UpdatedAt = time.Now()
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) CompleteEmbeddingJob(_ context.Context, versionID string) error {
	return s.setJobState(versionID, types.JobSucceeded, "")
}

func (s *MemoryStore) ReleaseEmbeddingJob(_ context.Context, versionID, lastError string) error {
	return s.setJobState(versionID, types.JobQueued, lastError)
}

func (s *MemoryStore) FailEmbeddingJob(_ context.Context, versionID, lastError string) error {
	return s.setJobState(versionID, types.JobFailed, lastError)
}

func (s *MemoryStore) setJobState(versionID string, status types.JobStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[versionID]
	if !ok {
		return fmt.Errorf("embedding job %s not found", versionID)
	}
	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RequeueEmbeddingJobs(_ context.Context, status types.JobStatus, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if limit > 0 && count >= limit {
			break
		}
		if job.Status != status {
			continue
		}
		job.Status = types.JobQueued
		job.Attempts = 0
		job.LastError = ""
		job.UpdatedAt = time.Now()
		count++
	}
	return count, nil
}

// Idempotency

func (s *MemoryStore) GetIdempotency(_ context.Context, tenantID, key string) (*types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey{tenant: tenantID, key: key}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutIdempotency(_ context.Context, rec *types.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{tenant: rec.TenantID, key: rec.Key}
	// On conflict do nothing: a concurrent retry must not clobber the
	// first-stored response.
	if _, exists := s.idempotency[k]; exists {
		return nil
	}
	cp := *rec
	s.idempotency[k] = &cp
	return nil
}

func (s *MemoryStore) DeleteIdempotency(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, idemKey{tenant: tenantID, key: key})
	return nil
}

func (s *MemoryStore) SweepIdempotency(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for k, rec := range s.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(s.idempotency, k)
			count++
		}
	}
	return count, nil
}

// Quotas

func (s *MemoryStore) IncrementWriteQuota(_ context.Context, tenantID, day string, bytes int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.quotaLocked(tenantID, day)
	u.Writes++
	u.Bytes += bytes
	return u.Writes, nil
}

func (s *MemoryStore) IncrementQuota(_ context.Context, tenantID, day string, kind types.QuotaKind, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.quotaLocked(tenantID, day)
	switch kind {
	case types.QuotaSearches:
		u.Searches += amount
		return u.Searches, nil
	case types.QuotaEmbedTokens:
		u.EmbedTokens += amount
		return u.EmbedTokens, nil
	case types.QuotaWrites:
		u.Writes += amount
		return u.Writes, nil
	case types.QuotaBytes:
		u.Bytes += amount
		return u.Bytes, nil
	}
	return 0, fmt.Errorf("unknown quota kind %q", kind)
}

func (s *MemoryStore) quotaLocked(tenantID, day string) *types.QuotaUsage {
	k := tenantID + "|" + day
	u, ok := s.quotas[k]
	if !ok {
		u = &types.QuotaUsage{TenantID: tenantID, Day: day}
		s.quotas[k] = u
	}
	return u
}

// Utility

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// likeToRegexp compiles a LIKE pattern (backslash escape) to an anchored
// regular expression so the memory backend matches exactly what the SQL
// backend would.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		case '%':
			b.WriteString("(?s).*")
		case '_':
			b.WriteString("(?s).")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
