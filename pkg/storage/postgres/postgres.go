// Package postgres implements the storage.Store interface on PostgreSQL
// using pgx/v5 connection pools. Embedding vectors live in a pgvector
// column and are bound as text literals cast to the vector type.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/types"
)

const (
	connectAttempts = 5
	connectDelay    = 2 * time.Second
)

// PostgresStore implements storage.Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database, retrying on startup so the
// server tolerates a database that comes up after it does.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	logger := log.WithComponent("postgres")

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			err = pool.Ping(ctx)
		}
		if err == nil {
			break
		}
		if pool != nil {
			pool.Close()
			pool = nil
		}
		if attempt == connectAttempts {
			return nil, fmt.Errorf("connect to postgres after %d attempts: %w", connectAttempts, err)
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Database not ready, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * connectDelay):
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// API keys

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *types.APIKey) error {
	scopes := make([]string, len(key.Scopes))
	for i, sc := range key.Scopes {
		scopes[i] = string(sc)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, secret_hash, label, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.TenantID, key.SecretHash, key.Label, scopes, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*types.APIKey, error) {
	var (
		key    types.APIKey
		scopes []string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, secret_hash, label, scopes, created_at, revoked_at
		FROM api_keys WHERE id = $1`, id,
	).Scan(&key.ID, &key.TenantID, &key.SecretHash, &key.Label, &scopes, &key.CreatedAt, &key.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select api key: %w", err)
	}
	key.Scopes = make([]types.Scope, len(scopes))
	for i, sc := range scopes {
		key.Scopes[i] = types.Scope(sc)
	}
	return &key, nil
}

// Entry versions

func (s *PostgresStore) PutVersion(ctx context.Context, v *types.EntryVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO entry_versions
			(id, tenant_id, agent, path, value, tags, importance, searchable,
			 content_hash, created_at, expires_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.TenantID, v.Agent, v.Path, []byte(v.Value), v.Tags, v.Importance,
		v.Searchable, v.ContentHash, v.CreatedAt, v.ExpiresAt, v.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO entries (tenant_id, agent, path, latest_version_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, agent, path) DO UPDATE
		SET latest_version_id = EXCLUDED.latest_version_id,
		    updated_at = EXCLUDED.updated_at`,
		v.TenantID, v.Agent, v.Path, v.ID, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert latest pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put version: %w", err)
	}
	return nil
}

const versionColumns = `id, tenant_id, agent, path, value, tags, importance,
	searchable, content_hash, created_at, expires_at, deleted_at`

func scanVersion(row pgx.Row) (*types.EntryVersion, error) {
	var (
		v     types.EntryVersion
		value []byte
	)
	err := row.Scan(&v.ID, &v.TenantID, &v.Agent, &v.Path, &value, &v.Tags,
		&v.Importance, &v.Searchable, &v.ContentHash, &v.CreatedAt, &v.ExpiresAt, &v.DeletedAt)
	if err != nil {
		return nil, err
	}
	v.Value = value
	return &v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (*types.EntryVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM entry_versions WHERE id = $1`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) GetLatest(ctx context.Context, tenantID, agent, path string) (*types.EntryVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance,
		       v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2 AND e.path = $3
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > now())`,
		tenantID, agent, path)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) History(ctx context.Context, tenantID, agent, path string, limit int) ([]*types.EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+versionColumns+`
		FROM entry_versions
		WHERE tenant_id = $1 AND agent = $2 AND path = $3
		ORDER BY created_at DESC
		LIMIT $4`,
		tenantID, agent, path, limit)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	var out []*types.EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPaths(ctx context.Context, tenantID, agent, likePattern string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.path
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND e.path LIKE $3 ESCAPE '\'
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > now())
		ORDER BY e.path
		LIMIT $4`,
		tenantID, agent, likePattern, limit)
	if err != nil {
		return nil, fmt.Errorf("select paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Dump(ctx context.Context, tenantID, agent string, limit int) ([]*types.EntryVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.id, v.tenant_id, v.agent, v.path, v.value, v.tags, v.importance,
		       v.searchable, v.content_hash, v.created_at, v.expires_at, v.deleted_at
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1 AND e.agent = $2
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > now())
		ORDER BY v.created_at DESC
		LIMIT $3`,
		tenantID, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("select dump: %w", err)
	}
	defer rows.Close()

	var out []*types.EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dump row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Agents(ctx context.Context, tenantID string) ([]*types.AgentInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.agent, COUNT(*)
		FROM entries e
		JOIN entry_versions v ON v.id = e.latest_version_id
		WHERE e.tenant_id = $1
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > now())
		GROUP BY e.agent
		ORDER BY e.agent`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("select agents: %w", err)
	}
	defer rows.Close()

	var out []*types.AgentInfo
	for rows.Next() {
		var info types.AgentInfo
		if err := rows.Scan(&info.ID, &info.MemoryCount); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, &info)
	}
	return out, rows.Err()
}

// Embeddings

func (s *PostgresStore) UpsertEmbedding(ctx context.Context, e *types.Embedding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embeddings (version_id, tenant_id, agent, path, model, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
		ON CONFLICT (version_id) DO UPDATE
		SET model = EXCLUDED.model,
		    embedding = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`,
		e.VersionID, e.TenantID, e.Agent, e.Path, e.Model, vectorLiteral(e.Vector), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchEmbeddings(ctx context.Context, q storage.SearchQuery) ([]*types.SearchResult, error) {
	vec := vectorLiteral(q.Vector)

	query := `
		SELECT v.path, v.value, v.tags,
		       1 - (em.embedding <=> $3::vector) AS similarity,
		       v.id, v.created_at
		FROM embeddings em
		JOIN entry_versions v ON v.id = em.version_id
		JOIN entries e ON e.tenant_id = v.tenant_id
		             AND e.agent = v.agent
		             AND e.path = v.path
		             AND e.latest_version_id = v.id
		WHERE em.tenant_id = $1 AND em.agent = $2
		  AND v.deleted_at IS NULL
		  AND (v.expires_at IS NULL OR v.expires_at > now())`
	args := []any{q.TenantID, q.Agent, vec}
	if q.PathPrefixLike != "" {
		query += ` AND v.path LIKE $4 ESCAPE '\'`
		args = append(args, q.PathPrefixLike)
	}
	query += fmt.Sprintf(`
		ORDER BY em.embedding <=> $3::vector
		LIMIT $%d`, len(args)+1)
	args = append(args, q.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var out []*types.SearchResult
	for rows.Next() {
		var (
			r     types.SearchResult
			value []byte
		)
		if err := rows.Scan(&r.Path, &value, &r.Tags, &r.Similarity, &r.VersionID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		r.Value = value
		out = append(out, &r)
	}
	return out, rows.Err()
}

// vectorLiteral renders the pgvector text form, e.g. "[0.1,0.2,0.3]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Embedding jobs

func (s *PostgresStore) EnqueueEmbeddingJob(ctx context.Context, job *types.EmbeddingJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO embedding_jobs (version_id, tenant_id, agent, path, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, '', $5, $5)
		ON CONFLICT (version_id) DO UPDATE
		SET status = 'queued',
		    last_error = '',
		    updated_at = EXCLUDED.updated_at`,
		job.VersionID, job.TenantID, job.Agent, job.Path, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue embedding job: %w", err)
	}
	return nil
}

const jobColumns = `version_id, tenant_id, agent, path, status, attempts, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*types.EmbeddingJob, error) {
	var j types.EmbeddingJob
	err := row.Scan(&j.VersionID, &j.TenantID, &j.Agent, &j.Path, &j.Status,
		&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) GetEmbeddingJob(ctx context.Context, versionID string) (*types.EmbeddingJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM embedding_jobs WHERE version_id = $1`, versionID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select embedding job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ClaimEmbeddingJob(ctx context.Context) (*types.EmbeddingJob, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT version_id
			FROM embedding_jobs
			WHERE status = 'queued' AND attempts < $1
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE embedding_jobs j
		SET status = 'running', attempts = j.attempts + 1, updated_at = now()
		FROM next
		WHERE j.version_id = next.version_id
		RETURNING j.version_id, j.tenant_id, j.agent, j.path, j.status, j.attempts,
		          j.last_error, j.created_at, j.updated_at`,
		types.MaxJobAttempts)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim embedding job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CompleteEmbeddingJob(ctx context.Context, versionID string) error {
	return s.setJobStatus(ctx, versionID, types.JobSucceeded, "")
}

func (s *PostgresStore) ReleaseEmbeddingJob(ctx context.Context, versionID, lastError string) error {
	return s.setJobStatus(ctx, versionID, types.JobQueued, lastError)
}

func (s *PostgresStore) FailEmbeddingJob(ctx context.Context, versionID, lastError string) error {
	return s.setJobStatus(ctx, versionID, types.JobFailed, lastError)
}

func (s *PostgresStore) setJobStatus(ctx context.Context, versionID string, status types.JobStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs
		SET status = $2, last_error = $3, updated_at = now()
		WHERE version_id = $1`,
		versionID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("update embedding job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("embedding job %s not found", versionID)
	}
	return nil
}

func (s *PostgresStore) RequeueEmbeddingJobs(ctx context.Context, status types.JobStatus, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH sel AS (
			SELECT version_id
			FROM embedding_jobs
			WHERE status = $1
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE embedding_jobs j
		SET status = 'queued', attempts = 0, last_error = '', updated_at = now()
		FROM sel
		WHERE j.version_id = sel.version_id`,
		string(status), limit)
	if err != nil {
		return 0, fmt.Errorf("requeue embedding jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Idempotency

func (s *PostgresStore) GetIdempotency(ctx context.Context, tenantID, key string) (*types.IdempotencyRecord, error) {
	var (
		rec  types.IdempotencyRecord
		body []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, key, request_hash, response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND key = $2`,
		tenantID, key,
	).Scan(&rec.TenantID, &rec.Key, &rec.RequestHash, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select idempotency record: %w", err)
	}
	rec.ResponseBody = body
	return &rec, nil
}

func (s *PostgresStore) PutIdempotency(ctx context.Context, rec *types.IdempotencyRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (tenant_id, key, request_hash, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, key) DO NOTHING`,
		rec.TenantID, rec.Key, rec.RequestHash, []byte(rec.ResponseBody), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteIdempotency(ctx context.Context, tenantID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`,
		tenantID, key)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SweepIdempotency(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Quotas

func (s *PostgresStore) IncrementWriteQuota(ctx context.Context, tenantID, day string, bytes int64) (int64, error) {
	var writes int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quota_usage (tenant_id, day, writes, bytes)
		VALUES ($1, $2::date, 1, $3)
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET writes = quota_usage.writes + 1,
		    bytes = quota_usage.bytes + EXCLUDED.bytes
		RETURNING writes`,
		tenantID, day, bytes,
	).Scan(&writes)
	if err != nil {
		return 0, fmt.Errorf("increment write quota: %w", err)
	}
	return writes, nil
}

func (s *PostgresStore) IncrementQuota(ctx context.Context, tenantID, day string, kind types.QuotaKind, amount int64) (int64, error) {
	var column string
	switch kind {
	case types.QuotaWrites:
		column = "writes"
	case types.QuotaBytes:
		column = "bytes"
	case types.QuotaEmbedTokens:
		column = "embed_tokens"
	case types.QuotaSearches:
		column = "searches"
	default:
		return 0, fmt.Errorf("unknown quota kind %q", kind)
	}

	query := fmt.Sprintf(`
		INSERT INTO quota_usage (tenant_id, day, %[1]s)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET %[1]s = quota_usage.%[1]s + EXCLUDED.%[1]s
		RETURNING %[1]s`, column)

	var value int64
	if err := s.pool.QueryRow(ctx, query, tenantID, day, amount).Scan(&value); err != nil {
		return 0, fmt.Errorf("increment %s quota: %w", column, err)
	}
	return value, nil
}

// Utility

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
