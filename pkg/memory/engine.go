// Package memory implements the core store semantics: versioned writes with
// tombstones and TTL, prefix listing, glob matching, dumps with a short-lived
// cache, and vector search over embedded entries.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/canonical"
	"github.com/agentos-dev/agentos/pkg/embedder"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/metrics"
	"github.com/agentos-dev/agentos/pkg/pathspec"
	"github.com/agentos-dev/agentos/pkg/quota"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

const (
	historyDefaultLimit = 20
	historyMaxLimit     = 100
	listRowCap          = 500
	globRowCap          = 500
	dumpDefaultLimit    = 200
	dumpMaxLimit        = 500
	searchDefaultLimit  = 10
	searchMaxLimit      = 50
	maxQueryChars       = 2000
	maxTagsAny          = 20
	embedTextLimit      = 8000
)

var agentRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Engine executes memory operations against a Store. The embedder may be nil,
// in which case searchable writes enqueue jobs and search returns empty.
type Engine struct {
	store storage.Store
	embed embedder.Embedder
	quota *quota.Checker
	dumps *dumpCache
	now   func() time.Time
}

// NewEngine builds an Engine. Pass a nil embedder when none is configured.
func NewEngine(store storage.Store, embed embedder.Embedder, q *quota.Checker) *Engine {
	return &Engine{
		store: store,
		embed: embed,
		quota: q,
		dumps: newDumpCache(),
		now:   time.Now,
	}
}

func validateAgent(agentID string) error {
	if !agentRe.MatchString(agentID) {
		return apperr.Validation("agent_id must match [A-Za-z0-9_-]{1,128}")
	}
	return nil
}

func normalizePath(p string) (string, error) {
	norm, err := pathspec.Normalize(p)
	if err != nil {
		return "", apperr.New(http.StatusBadRequest, apperr.CodeInvalidPath, err.Error())
	}
	return norm, nil
}

// EmbedText builds the deterministic text payload embedded for a version.
func EmbedText(path string, value json.RawMessage, tags []string) string {
	tagsJSON, err := json.Marshal(tags)
	if err != nil || tags == nil {
		tagsJSON = []byte("[]")
	}
	text := fmt.Sprintf("path:%s\nvalue:%s\ntags:%s", path, value, tagsJSON)
	return truncateRunes(text, embedTextLimit)
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Put appends a new version and moves the latest pointer.
func (e *Engine) Put(ctx context.Context, tenantID string, req *PutRequest) (*PutResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	path, err := normalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	if pathspec.Reserved(path) {
		return nil, apperr.New(http.StatusForbidden, apperr.CodeReservedPath,
			"Paths under "+pathspec.ReservedPrefix+" are reserved")
	}
	if len(req.Value) == 0 || !json.Valid(req.Value) {
		return nil, apperr.Validation("value must be valid JSON")
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
		if importance < 0 || importance > 1 {
			return nil, apperr.Validation("importance must be within [0,1]")
		}
	}
	if req.TTLSeconds != nil && *req.TTLSeconds <= 0 {
		return nil, apperr.Validation("ttl_seconds must be positive")
	}

	contentHash, err := canonical.ContentHash(path, req.Value)
	if err != nil {
		return nil, apperr.Validation("value must be valid JSON")
	}

	if err := e.quota.ConsumeWrite(ctx, tenantID, int64(len(req.Value))); err != nil {
		return nil, err
	}

	now := e.now()
	v := &types.EntryVersion{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Agent:       req.AgentID,
		Path:        path,
		Value:       req.Value,
		Tags:        req.Tags,
		Importance:  importance,
		Searchable:  req.Searchable,
		ContentHash: contentHash,
		CreatedAt:   now,
	}
	if req.TTLSeconds != nil {
		expires := now.Add(time.Duration(*req.TTLSeconds) * time.Second)
		v.ExpiresAt = &expires
	}
	if err := e.store.PutVersion(ctx, v); err != nil {
		return nil, err
	}

	if req.Searchable {
		e.embedOrEnqueue(ctx, v)
	}

	e.dumps.invalidate(tenantID, req.AgentID)
	return &PutResponse{OK: true, VersionID: v.ID, CreatedAt: v.CreatedAt}, nil
}

// embedOrEnqueue tries an inline embedding when a provider is configured,
// falling back to a queued job. Write success never depends on the provider.
func (e *Engine) embedOrEnqueue(ctx context.Context, v *types.EntryVersion) {
	job := &types.EmbeddingJob{
		VersionID: v.ID,
		TenantID:  v.TenantID,
		Agent:     v.Agent,
		Path:      v.Path,
		Status:    types.JobQueued,
		CreatedAt: v.CreatedAt,
	}
	if err := e.store.EnqueueEmbeddingJob(ctx, job); err != nil {
		logger := log.WithTenant(v.TenantID)
		logger.Error().Err(err).Str("version_id", v.ID).
			Msg("Failed to enqueue embedding job")
		return
	}
	if e.embed == nil {
		return
	}

	vec, err := e.embed.Embed(ctx, EmbedText(v.Path, v.Value, v.Tags))
	if err != nil {
		// Short reason only; the worker will retry.
		_ = e.store.ReleaseEmbeddingJob(ctx, v.ID, truncateError(err))
		return
	}
	if err := e.store.UpsertEmbedding(ctx, &types.Embedding{
		VersionID: v.ID,
		TenantID:  v.TenantID,
		Agent:     v.Agent,
		Path:      v.Path,
		Model:     e.embed.Model(),
		Vector:    vec,
		CreatedAt: e.now(),
	}); err != nil {
		_ = e.store.ReleaseEmbeddingJob(ctx, v.ID, truncateError(err))
		return
	}
	_ = e.store.CompleteEmbeddingJob(ctx, v.ID)
	_ = e.quota.RecordEmbedTokens(ctx, v.TenantID, quota.ApproxTokens(EmbedText(v.Path, v.Value, v.Tags)))
}

func truncateError(err error) string {
	return truncateRunes(err.Error(), 256)
}

// Get returns the visible latest version at a path, if any.
func (e *Engine) Get(ctx context.Context, tenantID string, req *GetRequest) (*GetResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	path, err := normalizePath(req.Path)
	if err != nil {
		return nil, err
	}

	v, err := e.store.GetLatest(ctx, tenantID, req.AgentID, path)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return &GetResponse{Found: false}, nil
	}
	createdAt := v.CreatedAt
	return &GetResponse{
		Found:     true,
		Path:      v.Path,
		Value:     v.Value,
		VersionID: v.ID,
		CreatedAt: &createdAt,
		ExpiresAt: v.ExpiresAt,
		Tags:      v.Tags,
	}, nil
}

// Delete appends a tombstone version. Deleting an absent path still succeeds.
func (e *Engine) Delete(ctx context.Context, tenantID string, req *DeleteRequest) (*DeleteResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	path, err := normalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	if pathspec.Reserved(path) {
		return nil, apperr.New(http.StatusForbidden, apperr.CodeReservedPath,
			"Paths under "+pathspec.ReservedPrefix+" are reserved")
	}

	now := e.now()
	v := &types.EntryVersion{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Agent:       req.AgentID,
		Path:        path,
		Value:       json.RawMessage(`{}`),
		ContentHash: types.TombstoneContentHash,
		CreatedAt:   now,
		DeletedAt:   &now,
	}
	if err := e.store.PutVersion(ctx, v); err != nil {
		return nil, err
	}

	e.dumps.invalidate(tenantID, req.AgentID)
	return &DeleteResponse{OK: true, Deleted: true, VersionID: v.ID, CreatedAt: now}, nil
}

// History returns recent versions for a path, tombstones and expired included.
func (e *Engine) History(ctx context.Context, tenantID string, req *HistoryRequest) (*HistoryResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	path, err := normalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = historyDefaultLimit
	}
	if limit > historyMaxLimit {
		return nil, apperr.Validation(fmt.Sprintf("limit must be at most %d", historyMaxLimit))
	}

	versions, err := e.store.History(ctx, tenantID, req.AgentID, path, limit)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryVersion, len(versions))
	for i, v := range versions {
		out[i] = HistoryVersion{
			VersionID: v.ID,
			CreatedAt: v.CreatedAt,
			Value:     v.Value,
			ExpiresAt: v.ExpiresAt,
			DeletedAt: v.DeletedAt,
		}
	}
	return &HistoryResponse{Versions: out}, nil
}

// List returns the direct children under a prefix, classified as file or dir.
func (e *Engine) List(ctx context.Context, tenantID string, req *ListRequest) (*ListResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	prefix, err := normalizePath(req.Prefix)
	if err != nil {
		return nil, err
	}

	base := prefix
	if base == "/" {
		base = ""
	}
	pattern := pathspec.EscapeLike(base) + "/%"

	paths, err := e.store.ListPaths(ctx, tenantID, req.AgentID, pattern, listRowCap)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	items := make([]ListItem, 0, len(paths))
	for _, p := range paths {
		suffix := strings.TrimPrefix(p, base+"/")
		seg, _, hasMore := strings.Cut(suffix, "/")
		child := base + "/" + seg
		if seen[child] {
			continue
		}
		seen[child] = true
		kind := "file"
		if hasMore {
			kind = "dir"
		}
		items = append(items, ListItem{Path: child, Type: kind})
	}
	return &ListResponse{Items: items}, nil
}

// Glob returns visible paths matching a glob pattern, ordered ascending.
func (e *Engine) Glob(ctx context.Context, tenantID string, req *GlobRequest) (*GlobResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	if err := pathspec.ValidateGlob(req.Pattern); err != nil {
		return nil, apperr.New(http.StatusBadRequest, apperr.CodeInvalidPath, err.Error())
	}

	paths, err := e.store.ListPaths(ctx, tenantID, req.AgentID, pathspec.GlobToLike(req.Pattern), globRowCap)
	if err != nil {
		return nil, err
	}
	if paths == nil {
		paths = []string{}
	}
	return &GlobResponse{Paths: paths}, nil
}

// Dump returns all visible entries for an agent, served from a 60-second
// cache when possible. The boolean reports a cache hit.
func (e *Engine) Dump(ctx context.Context, tenantID string, req *DumpRequest) (*DumpResponse, bool, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, false, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = dumpDefaultLimit
	}
	if limit > dumpMaxLimit {
		return nil, false, apperr.Validation(fmt.Sprintf("limit must be at most %d", dumpMaxLimit))
	}

	now := e.now()
	key := dumpCacheKey(tenantID, req.AgentID, limit)
	if resp, hit := e.dumps.get(key, now); hit {
		metrics.DumpCacheTotal.WithLabelValues("hit").Inc()
		return resp, true, nil
	}
	metrics.DumpCacheTotal.WithLabelValues("miss").Inc()

	versions, err := e.store.Dump(ctx, tenantID, req.AgentID, limit)
	if err != nil {
		return nil, false, err
	}

	entries := make([]DumpEntry, len(versions))
	for i, v := range versions {
		entries[i] = DumpEntry{
			Path:      v.Path,
			Value:     v.Value,
			VersionID: v.ID,
			CreatedAt: v.CreatedAt,
			ExpiresAt: v.ExpiresAt,
			Tags:      v.Tags,
		}
	}
	resp := &DumpResponse{Entries: entries, Count: len(entries)}
	e.dumps.put(key, resp, now)
	return resp, false, nil
}

// Agents lists the tenant's agents with visible entry counts.
func (e *Engine) Agents(ctx context.Context, tenantID string) (*AgentsResponse, error) {
	infos, err := e.store.Agents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]AgentSummary, len(infos))
	for i, a := range infos {
		out[i] = AgentSummary{ID: a.ID, MemoryCount: a.MemoryCount}
	}
	return &AgentsResponse{Agents: out}, nil
}

// Search ranks visible entries by cosine similarity to the query embedding.
func (e *Engine) Search(ctx context.Context, tenantID string, req *SearchRequest) (*SearchResponse, error) {
	if err := validateAgent(req.AgentID); err != nil {
		return nil, err
	}
	if req.Query == "" || len(req.Query) > maxQueryChars {
		return nil, apperr.Validation(fmt.Sprintf("query must be 1-%d characters", maxQueryChars))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = searchDefaultLimit
	}
	if limit > searchMaxLimit {
		return nil, apperr.Validation(fmt.Sprintf("limit must be at most %d", searchMaxLimit))
	}
	if len(req.TagsAny) > maxTagsAny {
		return nil, apperr.Validation(fmt.Sprintf("tags_any must have at most %d entries", maxTagsAny))
	}
	if len(req.PathPrefix) > pathspec.MaxPathBytes {
		return nil, apperr.Validation(fmt.Sprintf("path_prefix must be at most %d bytes", pathspec.MaxPathBytes))
	}

	var prefixLike string
	if req.PathPrefix != "" {
		prefix, err := normalizePath(req.PathPrefix)
		if err != nil {
			return nil, err
		}
		prefixLike = pathspec.EscapeLike(prefix) + "%"
	}

	if err := e.quota.ConsumeSearch(ctx, tenantID); err != nil {
		return nil, err
	}

	if e.embed == nil {
		return &SearchResponse{
			Results: []SearchHit{},
			Note:    "No embedding provider configured; search is unavailable",
		}, nil
	}

	vec, err := e.embed.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	results, err := e.store.SearchEmbeddings(ctx, storage.SearchQuery{
		TenantID:       tenantID,
		Agent:          req.AgentID,
		Vector:         vec,
		Limit:          limit,
		PathPrefixLike: prefixLike,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if len(req.TagsAny) > 0 && !tagsIntersect(r.Tags, req.TagsAny) {
			continue
		}
		hits = append(hits, SearchHit{
			Path:       r.Path,
			Value:      r.Value,
			Tags:       r.Tags,
			Similarity: r.Similarity,
			VersionID:  r.VersionID,
			CreatedAt:  r.CreatedAt,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	return &SearchResponse{Results: hits}, nil
}

func tagsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
