package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/quota"
	memstore "github.com/agentos-dev/agentos/pkg/storage/memory"
	"github.com/agentos-dev/agentos/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeEmbedder returns a fixed vector, or an error when failing is set.
type fakeEmbedder struct {
	vector  []float32
	failing bool
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("provider unreachable")
	}
	return f.vector, nil
}

func (f *fakeEmbedder) Model() string { return "fake-model" }

func newTestEngine(t *testing.T) (*Engine, *memstore.MemoryStore) {
	t.Helper()
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{})
	return NewEngine(store, nil, q), store
}

func TestPutGetRoundtrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	put, err := e.Put(ctx, "t1", &PutRequest{
		AgentID: "a1", Path: "/notes//today/", Value: json.RawMessage(`{"text":"hi"}`),
		Tags: []string{"daily"},
	})
	require.NoError(t, err)
	assert.True(t, put.OK)
	assert.NotEmpty(t, put.VersionID)

	// The stored path is normalized.
	got, err := e.Get(ctx, "t1", &GetRequest{AgentID: "a1", Path: "/notes/today"})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, "/notes/today", got.Path)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Value))
	assert.Equal(t, []string{"daily"}, got.Tags)
	assert.Equal(t, put.VersionID, got.VersionID)
}

func TestPutValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	bad := func(req *PutRequest, code string) {
		t.Helper()
		_, err := e.Put(ctx, "t1", req)
		require.Error(t, err)
		assert.Equal(t, code, apperr.From(err).Code)
	}

	neg := int64(-1)
	big := 1.5
	bad(&PutRequest{AgentID: "bad agent!", Path: "/x", Value: json.RawMessage(`1`)}, apperr.CodeValidation)
	bad(&PutRequest{AgentID: "a1", Path: "relative", Value: json.RawMessage(`1`)}, apperr.CodeInvalidPath)
	bad(&PutRequest{AgentID: "a1", Path: "/x", Value: json.RawMessage(`{not json`)}, apperr.CodeValidation)
	bad(&PutRequest{AgentID: "a1", Path: "/x", Value: nil}, apperr.CodeValidation)
	bad(&PutRequest{AgentID: "a1", Path: "/x", Value: json.RawMessage(`1`), TTLSeconds: &neg}, apperr.CodeValidation)
	bad(&PutRequest{AgentID: "a1", Path: "/x", Value: json.RawMessage(`1`), Importance: &big}, apperr.CodeValidation)
	bad(&PutRequest{AgentID: "a1", Path: "/sys/config", Value: json.RawMessage(`1`)}, apperr.CodeReservedPath)
}

func TestDeleteHidesEntryAndIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: "/doc", Value: json.RawMessage(`1`)})
	require.NoError(t, err)

	del, err := e.Delete(ctx, "t1", &DeleteRequest{AgentID: "a1", Path: "/doc"})
	require.NoError(t, err)
	assert.True(t, del.Deleted)

	got, err := e.Get(ctx, "t1", &GetRequest{AgentID: "a1", Path: "/doc"})
	require.NoError(t, err)
	assert.False(t, got.Found)

	// Deleting an absent path still appends a tombstone and succeeds.
	del2, err := e.Delete(ctx, "t1", &DeleteRequest{AgentID: "a1", Path: "/never-existed"})
	require.NoError(t, err)
	assert.True(t, del2.Deleted)
}

func TestTTLHidesExpired(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ttl := int64(60)
	base := time.Now()
	e.now = func() time.Time { return base }
	_, err := e.Put(ctx, "t1", &PutRequest{
		AgentID: "a1", Path: "/session", Value: json.RawMessage(`1`), TTLSeconds: &ttl,
	})
	require.NoError(t, err)

	got, err := e.Get(ctx, "t1", &GetRequest{AgentID: "a1", Path: "/session"})
	require.NoError(t, err)
	require.True(t, got.Found)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, base.Add(time.Minute), *got.ExpiresAt, time.Second)
}

func TestHistoryIncludesTombstones(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		e.now = func() time.Time { return at }
		_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: "/doc", Value: json.RawMessage(`1`)})
		require.NoError(t, err)
	}
	at := base.Add(3 * time.Second)
	e.now = func() time.Time { return at }
	_, err := e.Delete(ctx, "t1", &DeleteRequest{AgentID: "a1", Path: "/doc"})
	require.NoError(t, err)

	hist, err := e.History(ctx, "t1", &HistoryRequest{AgentID: "a1", Path: "/doc"})
	require.NoError(t, err)
	require.Len(t, hist.Versions, 4)
	assert.NotNil(t, hist.Versions[0].DeletedAt)

	limited, err := e.History(ctx, "t1", &HistoryRequest{AgentID: "a1", Path: "/doc", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited.Versions, 2)

	_, err = e.History(ctx, "t1", &HistoryRequest{AgentID: "a1", Path: "/doc", Limit: 101})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
}

func TestListClassifiesChildren(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, p := range []string{"/proj/readme", "/proj/src/main", "/proj/src/util", "/proj/docs/api/v1", "/other/file"} {
		_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: p, Value: json.RawMessage(`1`)})
		require.NoError(t, err)
	}

	list, err := e.List(ctx, "t1", &ListRequest{AgentID: "a1", Prefix: "/proj"})
	require.NoError(t, err)
	require.Len(t, list.Items, 3)

	byPath := make(map[string]string)
	for _, item := range list.Items {
		byPath[item.Path] = item.Type
	}
	assert.Equal(t, "file", byPath["/proj/readme"])
	assert.Equal(t, "dir", byPath["/proj/src"])
	assert.Equal(t, "dir", byPath["/proj/docs"])
}

func TestListRootPrefix(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b/c"} {
		_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: p, Value: json.RawMessage(`1`)})
		require.NoError(t, err)
	}

	list, err := e.List(ctx, "t1", &ListRequest{AgentID: "a1", Prefix: "/"})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	byPath := make(map[string]string)
	for _, item := range list.Items {
		byPath[item.Path] = item.Type
	}
	assert.Equal(t, "file", byPath["/a"])
	assert.Equal(t, "dir", byPath["/b"])
}

func TestListTreatsPrefixMetacharactersLiterally(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, p := range []string{"/weird%dir/inside", "/weirdXdir/other"} {
		_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: p, Value: json.RawMessage(`1`)})
		require.NoError(t, err)
	}

	list, err := e.List(ctx, "t1", &ListRequest{AgentID: "a1", Prefix: "/weird%dir"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "/weird%dir/inside", list.Items[0].Path)
}

func TestGlobMatching(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, p := range []string{"/logs/2026-01/app", "/logs/2026-02/app", "/logs/2026-02/db", "/conf/app"} {
		_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: p, Value: json.RawMessage(`1`)})
		require.NoError(t, err)
	}

	glob, err := e.Glob(ctx, "t1", &GlobRequest{AgentID: "a1", Pattern: "/logs/*/app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/logs/2026-01/app", "/logs/2026-02/app"}, glob.Paths)

	glob, err = e.Glob(ctx, "t1", &GlobRequest{AgentID: "a1", Pattern: "/logs/2026-0?/db"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/logs/2026-02/db"}, glob.Paths)

	_, err = e.Glob(ctx, "t1", &GlobRequest{AgentID: "a1", Pattern: "no-leading-slash"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidPath, apperr.From(err).Code)
}

func TestDumpCacheHitAndInvalidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: "/a", Value: json.RawMessage(`1`)})
	require.NoError(t, err)

	resp, cached, err := e.Dump(ctx, "t1", &DumpRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, resp.Count)

	_, cached, err = e.Dump(ctx, "t1", &DumpRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, cached)

	// A write for the agent invalidates the cache.
	_, err = e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: "/b", Value: json.RawMessage(`2`)})
	require.NoError(t, err)

	resp, cached, err = e.Dump(ctx, "t1", &DumpRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, resp.Count)
}

func TestAgents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, put := range []struct{ agent, path string }{
		{"alpha", "/a"}, {"alpha", "/b"}, {"beta", "/c"},
	} {
		_, err := e.Put(ctx, "t1", &PutRequest{AgentID: put.agent, Path: put.path, Value: json.RawMessage(`1`)})
		require.NoError(t, err)
	}

	resp, err := e.Agents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, resp.Agents, 2)
	assert.Equal(t, AgentSummary{ID: "alpha", MemoryCount: 2}, resp.Agents[0])
	assert.Equal(t, AgentSummary{ID: "beta", MemoryCount: 1}, resp.Agents[1])
}

func TestSearchWithoutEmbedderReturnsNote(t *testing.T) {
	e, _ := newTestEngine(t)

	resp, err := e.Search(context.Background(), "t1", &SearchRequest{AgentID: "a1", Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotEmpty(t, resp.Note)
}

func TestSearchValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	bad := func(req *SearchRequest) {
		t.Helper()
		_, err := e.Search(ctx, "t1", req)
		require.Error(t, err)
		assert.Equal(t, apperr.CodeValidation, apperr.From(err).Code)
	}

	bad(&SearchRequest{AgentID: "a1", Query: ""})
	bad(&SearchRequest{AgentID: "a1", Query: strings.Repeat("q", maxQueryChars+1)})
	bad(&SearchRequest{AgentID: "a1", Query: "q", Limit: searchMaxLimit + 1})
	bad(&SearchRequest{AgentID: "a1", Query: "q", TagsAny: make([]string, maxTagsAny+1)})
	bad(&SearchRequest{AgentID: strings.Repeat("a", 129), Query: "q"})
}

func TestSearchRanksAndFiltersTags(t *testing.T) {
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{})
	emb := &fakeEmbedder{vector: []float32{1, 0, 0}}
	e := NewEngine(store, emb, q)
	ctx := context.Background()

	put := func(path string, tags []string, vec []float32) {
		emb.vector = vec
		_, err := e.Put(ctx, "t1", &PutRequest{
			AgentID: "a1", Path: path, Value: json.RawMessage(`{"d":1}`),
			Tags: tags, Searchable: true,
		})
		require.NoError(t, err)
	}
	put("/k/close", []string{"keep"}, []float32{1, 0, 0})
	put("/k/far", []string{"drop"}, []float32{0, 1, 0})

	emb.vector = []float32{1, 0, 0}
	resp, err := e.Search(ctx, "t1", &SearchRequest{AgentID: "a1", Query: "find close"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "/k/close", resp.Results[0].Path)
	assert.Greater(t, resp.Results[0].Similarity, resp.Results[1].Similarity)

	resp, err = e.Search(ctx, "t1", &SearchRequest{
		AgentID: "a1", Query: "find close", TagsAny: []string{"keep"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "/k/close", resp.Results[0].Path)
}

func TestPutInlineEmbeddingSuccess(t *testing.T) {
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{})
	emb := &fakeEmbedder{vector: []float32{0.5, 0.5}}
	e := NewEngine(store, emb, q)
	ctx := context.Background()

	put, err := e.Put(ctx, "t1", &PutRequest{
		AgentID: "a1", Path: "/doc", Value: json.RawMessage(`{"d":1}`), Searchable: true,
	})
	require.NoError(t, err)

	job, err := store.GetEmbeddingJob(ctx, put.VersionID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Equal(t, 1, emb.calls)
}

func TestPutInlineEmbeddingFailureQueuesJob(t *testing.T) {
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{})
	e := NewEngine(store, &fakeEmbedder{failing: true}, q)
	ctx := context.Background()

	put, err := e.Put(ctx, "t1", &PutRequest{
		AgentID: "a1", Path: "/doc", Value: json.RawMessage(`{"d":1}`), Searchable: true,
	})
	require.NoError(t, err, "write success must not depend on the provider")

	job, err := store.GetEmbeddingJob(ctx, put.VersionID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.NotEmpty(t, job.LastError)
}

func TestEmbedTextShape(t *testing.T) {
	text := EmbedText("/p", json.RawMessage(`{"a":1}`), []string{"x"})
	assert.Equal(t, "path:/p\nvalue:{\"a\":1}\ntags:[\"x\"]", text)

	// nil tags render as an empty array.
	text = EmbedText("/p", json.RawMessage(`1`), nil)
	assert.Equal(t, "path:/p\nvalue:1\ntags:[]", text)

	long := EmbedText("/p", json.RawMessage(`"`+strings.Repeat("x", 10000)+`"`), nil)
	assert.Len(t, long, embedTextLimit)

	// Truncation backs off to a rune boundary rather than splitting one.
	multi := EmbedText("/p", json.RawMessage(`"`+strings.Repeat("é", embedTextLimit)+`"`), nil)
	assert.True(t, utf8.ValidString(multi))
	assert.LessOrEqual(t, len(multi), embedTextLimit)
}

func TestWriteQuotaEnforcedOnPut(t *testing.T) {
	store := memstore.NewMemoryStore()
	q := quota.NewChecker(store, quota.Limits{WritesPerDay: 1})
	e := NewEngine(store, nil, q)
	ctx := context.Background()

	_, err := e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: "/a", Value: json.RawMessage(`1`)})
	require.NoError(t, err)

	_, err = e.Put(ctx, "t1", &PutRequest{AgentID: "a1", Path: "/b", Value: json.RawMessage(`1`)})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeQuotaWrites, apperr.From(err).Code)
}

type enqueueFailingStore struct {
	*memstore.MemoryStore
}

func (s *enqueueFailingStore) EnqueueEmbeddingJob(context.Context, *types.EmbeddingJob) error {
	return errors.New("queue table unavailable")
}

func TestPutSucceedsWhenEnqueueFails(t *testing.T) {
	store := &enqueueFailingStore{MemoryStore: memstore.NewMemoryStore()}
	q := quota.NewChecker(store, quota.Limits{})
	e := NewEngine(store, nil, q)

	put, err := e.Put(context.Background(), "t1", &PutRequest{
		AgentID: "a1", Path: "/doc", Value: json.RawMessage(`1`), Searchable: true,
	})
	require.NoError(t, err)
	assert.True(t, put.OK)
}
