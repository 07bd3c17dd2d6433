// End-to-end scenarios exercising the full HTTP surface against the
// in-memory backend.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentos-dev/agentos/pkg/api"
	"github.com/agentos-dev/agentos/pkg/auth"
	"github.com/agentos-dev/agentos/pkg/config"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/memory"
	"github.com/agentos-dev/agentos/pkg/quota"
	"github.com/agentos-dev/agentos/pkg/storage"
	memstore "github.com/agentos-dev/agentos/pkg/storage/memory"
	"github.com/agentos-dev/agentos/pkg/types"
	"github.com/agentos-dev/agentos/pkg/worker"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) Model() string { return "fake-model" }

type env struct {
	store *memstore.MemoryStore
	ts    *httptest.Server
	token string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := &config.Config{
		DatabaseURL:               "memory://",
		Env:                       "development",
		WriteQuotaPerDay:          10000,
		SearchQuotaPerDay:         10000,
		EmbedTokensQuotaPerDay:    1000000,
		RateLimitPerMinute:        1000,
		SearchRateLimitPerMinute:  1000,
		PreAuthRateLimitPerMinute: 10000,
	}
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{
		WritesPerDay:      cfg.WriteQuotaPerDay,
		EmbedTokensPerDay: cfg.EmbedTokensQuotaPerDay,
		SearchesPerDay:    cfg.SearchQuotaPerDay,
	})
	engine := memory.NewEngine(store, nil, q)
	jobs := worker.New(store, nil, q, time.Second)
	srv := api.NewServer(cfg, store, engine, jobs)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	id, secret, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(context.Background(), &types.APIKey{
		ID: id, TenantID: "tenant-e2e", SecretHash: hash,
		Scopes: []types.Scope{
			types.ScopeMemoryRead, types.ScopeMemoryWrite, types.ScopeSearchRead,
		},
		CreatedAt: time.Now(),
	}))

	return &env{store: store, ts: ts, token: id + "." + secret}
}

func (e *env) post(t *testing.T, path string, body any, headers map[string]string, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		resp.Body.Close()
	}
	return resp
}

func TestVersioningAndHistory(t *testing.T) {
	e := newEnv(t)

	var put1, put2 memory.PutResponse
	e.post(t, "/v1/put", map[string]any{
		"agent_id": "a", "path": "/x/y", "value": map[string]int{"n": 1},
	}, nil, &put1)
	require.True(t, put1.OK)

	e.post(t, "/v1/put", map[string]any{
		"agent_id": "a", "path": "/x/y", "value": map[string]int{"n": 2},
	}, nil, &put2)
	require.NotEqual(t, put1.VersionID, put2.VersionID)

	var got memory.GetResponse
	e.post(t, "/v1/get", map[string]any{"agent_id": "a", "path": "/x/y"}, nil, &got)
	require.True(t, got.Found)
	assert.Equal(t, put2.VersionID, got.VersionID)
	assert.JSONEq(t, `{"n":2}`, string(got.Value))

	var hist memory.HistoryResponse
	e.post(t, "/v1/history", map[string]any{"agent_id": "a", "path": "/x/y", "limit": 10}, nil, &hist)
	require.Len(t, hist.Versions, 2)
	assert.JSONEq(t, `{"n":2}`, string(hist.Versions[0].Value))
	assert.JSONEq(t, `{"n":1}`, string(hist.Versions[1].Value))
}

func TestTTLExpiry(t *testing.T) {
	e := newEnv(t)

	var put memory.PutResponse
	e.post(t, "/v1/put", map[string]any{
		"agent_id": "a", "path": "/ttl/e", "value": 1, "ttl_seconds": 1,
	}, nil, &put)
	require.True(t, put.OK)

	var got memory.GetResponse
	e.post(t, "/v1/get", map[string]any{"agent_id": "a", "path": "/ttl/e"}, nil, &got)
	assert.True(t, got.Found)

	time.Sleep(1500 * time.Millisecond)

	got = memory.GetResponse{}
	e.post(t, "/v1/get", map[string]any{"agent_id": "a", "path": "/ttl/e"}, nil, &got)
	assert.False(t, got.Found)
}

func TestListChildren(t *testing.T) {
	e := newEnv(t)

	for _, p := range []string{"/a", "/b", "/sub/c"} {
		e.post(t, "/v1/put", map[string]any{"agent_id": "a", "path": p, "value": 1}, nil, nil)
	}

	var list memory.ListResponse
	e.post(t, "/v1/list", map[string]any{"agent_id": "a", "prefix": "/"}, nil, &list)
	require.Len(t, list.Items, 3)

	byPath := make(map[string]string)
	for _, item := range list.Items {
		byPath[item.Path] = item.Type
	}
	assert.Equal(t, "file", byPath["/a"])
	assert.Equal(t, "file", byPath["/b"])
	assert.Equal(t, "dir", byPath["/sub"])
}

func TestGlobRecursive(t *testing.T) {
	e := newEnv(t)

	for _, p := range []string{"/glob/foo", "/glob/bar", "/glob/sub/baz"} {
		e.post(t, "/v1/put", map[string]any{"agent_id": "a", "path": p, "value": 1}, nil, nil)
	}

	var glob memory.GlobResponse
	e.post(t, "/v1/glob", map[string]any{"agent_id": "a", "pattern": "/glob/**"}, nil, &glob)
	assert.ElementsMatch(t, []string{"/glob/foo", "/glob/bar", "/glob/sub/baz"}, glob.Paths)
}

func TestIdempotentRetries(t *testing.T) {
	e := newEnv(t)
	headers := map[string]string{"Idempotency-Key": "K"}
	body := map[string]any{"agent_id": "a", "path": "/i", "value": map[string]int{"a": 1}}

	var put1, put2 memory.PutResponse
	e.post(t, "/v1/put", body, headers, &put1)
	e.post(t, "/v1/put", body, headers, &put2)
	assert.Equal(t, put1.VersionID, put2.VersionID)

	resp := e.post(t, "/v1/put",
		map[string]any{"agent_id": "a", "path": "/i", "value": map[string]int{"a": 2}},
		headers, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestConcurrentWorkersProcessJobOnce(t *testing.T) {
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{})
	emb := &fakeEmbedder{}
	ctx := context.Background()

	v := &types.EntryVersion{
		ID: uuid.NewString(), TenantID: "t1", Agent: "a", Path: "/v",
		Value: json.RawMessage(`{"d":1}`), Searchable: true,
		ContentHash: "hash", CreatedAt: time.Now(),
	}
	require.NoError(t, store.PutVersion(ctx, v))
	require.NoError(t, store.EnqueueEmbeddingJob(ctx, &types.EmbeddingJob{
		VersionID: v.ID, TenantID: "t1", Agent: "a", Path: "/v",
		Status: types.JobQueued, CreatedAt: v.CreatedAt,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := worker.New(store, emb, q, time.Millisecond)
			_, err := w.RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	job, err := store.GetEmbeddingJob(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, emb.calls)

	results, err := store.SearchEmbeddings(ctx, storage.SearchQuery{
		TenantID: "t1", Agent: "a", Vector: []float32{0.1, 0.2, 0.3}, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestTenantIsolationHTTP(t *testing.T) {
	e := newEnv(t)

	// Second tenant with its own key.
	id, secret, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)
	require.NoError(t, e.store.CreateAPIKey(context.Background(), &types.APIKey{
		ID: id, TenantID: "tenant-other", SecretHash: hash,
		Scopes:    []types.Scope{types.ScopeMemoryRead, types.ScopeMemoryWrite},
		CreatedAt: time.Now(),
	}))

	e.post(t, "/v1/put", map[string]any{"agent_id": "a", "path": "/shared", "value": 1}, nil, nil)

	other := &env{store: e.store, ts: e.ts, token: id + "." + secret}
	var got memory.GetResponse
	other.post(t, "/v1/get", map[string]any{"agent_id": "a", "path": "/shared"}, nil, &got)
	assert.False(t, got.Found)

	var list memory.ListResponse
	other.post(t, "/v1/list", map[string]any{"agent_id": "a", "prefix": "/"}, nil, &list)
	assert.Empty(t, list.Items)
}
