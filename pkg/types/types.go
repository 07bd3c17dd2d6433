package types

import (
	"encoding/json"
	"time"
)

// Scope is a capability attached to an API key.
type Scope string

const (
	ScopeMemoryRead  Scope = "memory:read"
	ScopeMemoryWrite Scope = "memory:write"
	ScopeSearchRead  Scope = "search:read"
	ScopeAdmin       Scope = "admin"
)

// TombstoneContentHash is the sentinel content hash carried by delete markers.
const TombstoneContentHash = "tombstone"

// EmbeddingDimension is the fixed vector width stored for searchable entries.
const EmbeddingDimension = 1536

// APIKey is the stored form of a client credential. The secret itself is
// never persisted; only its argon2id hash.
type APIKey struct {
	ID         string
	TenantID   string
	SecretHash string
	Label      string
	Scopes     []Scope
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the key has been administratively disabled.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// HasScope reports whether the key carries the scope or admin.
func (k *APIKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s || have == ScopeAdmin {
			return true
		}
	}
	return false
}

// AuthContext is the result of a successful authentication, attached to the
// request for downstream gates and handlers.
type AuthContext struct {
	TenantID string
	KeyID    string
	Scopes   []Scope
}

// HasScope reports whether the authenticated key carries the scope or admin.
func (a *AuthContext) HasScope(s Scope) bool {
	for _, have := range a.Scopes {
		if have == s || have == ScopeAdmin {
			return true
		}
	}
	return false
}

// EntryVersion is one immutable version of a value at a path. Rows are
// append-only; a non-nil DeletedAt marks a tombstone.
type EntryVersion struct {
	ID          string
	TenantID    string
	Agent       string
	Path        string
	Value       json.RawMessage
	Tags        []string
	Importance  float64
	Searchable  bool
	ContentHash string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	DeletedAt   *time.Time
}

// Tombstone reports whether this version is a delete marker.
func (v *EntryVersion) Tombstone() bool {
	return v.DeletedAt != nil
}

// Expired reports whether the version's TTL has elapsed at the given instant.
func (v *EntryVersion) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && !v.ExpiresAt.After(now)
}

// Visible reports whether the version may be returned by reads: not a
// tombstone and not expired. Latest-pointer selection is the caller's job.
func (v *EntryVersion) Visible(now time.Time) bool {
	return !v.Tombstone() && !v.Expired(now)
}

// LatestEntry is the per-(tenant, agent, path) pointer to the newest version.
type LatestEntry struct {
	TenantID        string
	Agent           string
	Path            string
	LatestVersionID string
	UpdatedAt       time.Time
}

// Embedding is the stored vector for a searchable version. At most one row
// exists per version; re-embedding replaces it.
type Embedding struct {
	VersionID string
	TenantID  string
	Agent     string
	Path      string
	Model     string
	Vector    []float32
	CreatedAt time.Time
}

// JobStatus is the lifecycle state of an embedding job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// MaxJobAttempts is the terminal attempt bound for embedding jobs.
const MaxJobAttempts = 5

// EmbeddingJob records the intent to embed one version.
type EmbeddingJob struct {
	VersionID string
	TenantID  string
	Agent     string
	Path      string
	Status    JobStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyRecord caches the response for a (tenant, key) write so client
// retries replay the original outcome.
type IdempotencyRecord struct {
	TenantID     string
	Key          string
	RequestHash  string
	ResponseBody json.RawMessage
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// QuotaKind names one of the per-tenant daily counters.
type QuotaKind string

const (
	QuotaWrites      QuotaKind = "writes"
	QuotaBytes       QuotaKind = "bytes"
	QuotaEmbedTokens QuotaKind = "embed_tokens"
	QuotaSearches    QuotaKind = "searches"
)

// QuotaUsage is one tenant's counters for a single UTC day.
type QuotaUsage struct {
	TenantID    string
	Day         string // YYYY-MM-DD, UTC
	Writes      int64
	Bytes       int64
	EmbedTokens int64
	Searches    int64
}

// SearchResult is one ranked hit from vector search.
type SearchResult struct {
	Path       string
	Value      json.RawMessage
	Tags       []string
	Similarity float64
	VersionID  string
	CreatedAt  time.Time
}

// AgentInfo summarizes one agent namespace within a tenant.
type AgentInfo struct {
	ID          string
	MemoryCount int
}

// ListItem is one direct child under a LIST prefix.
type ListItem struct {
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
}

// UTCDay formats an instant as the UTC day key used by quota rows.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
