package storage

import (
	"context"
	"time"

	"github.com/agentos-dev/agentos/pkg/types"
)

// SearchQuery describes one vector-similarity lookup. PathPrefixLike, when
// non-empty, is an already-escaped LIKE pattern bound as a parameter.
type SearchQuery struct {
	TenantID       string
	Agent          string
	Vector         []float32
	Limit          int
	PathPrefixLike string
}

// Store defines the interface for AgentOS persistence.
// Implemented by the PostgreSQL backend and an in-memory backend for tests.
//
// Every method that touches data rows takes the owning tenant and binds it as
// a query parameter; no implementation may interpolate identifiers into SQL.
type Store interface {
	// API keys
	CreateAPIKey(ctx context.Context, key *types.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*types.APIKey, error)

	// Entry versions and latest pointers. PutVersion inserts the immutable
	// version row and moves the latest pointer in one atomic unit.
	PutVersion(ctx context.Context, v *types.EntryVersion) error
	GetVersion(ctx context.Context, versionID string) (*types.EntryVersion, error)
	GetLatest(ctx context.Context, tenantID, agent, path string) (*types.EntryVersion, error)
	History(ctx context.Context, tenantID, agent, path string, limit int) ([]*types.EntryVersion, error)
	ListPaths(ctx context.Context, tenantID, agent, likePattern string, limit int) ([]string, error)
	Dump(ctx context.Context, tenantID, agent string, limit int) ([]*types.EntryVersion, error)
	Agents(ctx context.Context, tenantID string) ([]*types.AgentInfo, error)

	// Embeddings
	UpsertEmbedding(ctx context.Context, e *types.Embedding) error
	SearchEmbeddings(ctx context.Context, q SearchQuery) ([]*types.SearchResult, error)

	// Embedding jobs. ClaimEmbeddingJob atomically flips one queued job to
	// running and increments attempts; it returns (nil, nil) when no job is
	// claimable. At-most-one claim per job per attempt is guaranteed.
	EnqueueEmbeddingJob(ctx context.Context, job *types.EmbeddingJob) error
	GetEmbeddingJob(ctx context.Context, versionID string) (*types.EmbeddingJob, error)
	ClaimEmbeddingJob(ctx context.Context) (*types.EmbeddingJob, error)
	CompleteEmbeddingJob(ctx context.Context, versionID string) error
	ReleaseEmbeddingJob(ctx context.Context, versionID, lastError string) error
	FailEmbeddingJob(ctx context.Context, versionID, lastError string) error
	RequeueEmbeddingJobs(ctx context.Context, status types.JobStatus, limit int) (int, error)

	// Idempotency
	GetIdempotency(ctx context.Context, tenantID, key string) (*types.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *types.IdempotencyRecord) error
	DeleteIdempotency(ctx context.Context, tenantID, key string) error
	SweepIdempotency(ctx context.Context, now time.Time) (int, error)

	// Quotas. Increments upsert the UTC-day row and return the new counter
	// value so callers can enforce limits without a read-modify-write race.
	IncrementWriteQuota(ctx context.Context, tenantID, day string, bytes int64) (int64, error)
	IncrementQuota(ctx context.Context, tenantID, day string, kind types.QuotaKind, amount int64) (int64, error)

	// Utility
	Ping(ctx context.Context) error
	Close()
}
