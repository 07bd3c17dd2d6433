package memory

import (
	"encoding/json"
	"time"
)

// Request and response shapes for the /v1/* memory operations.

type PutRequest struct {
	AgentID    string          `json:"agent_id"`
	Path       string          `json:"path"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds *int64          `json:"ttl_seconds,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Searchable bool            `json:"searchable,omitempty"`
}

type PutResponse struct {
	OK        bool      `json:"ok"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

type GetRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
}

type GetResponse struct {
	Found     bool            `json:"found"`
	Path      string          `json:"path,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	VersionID string          `json:"version_id,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

type DeleteRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
}

type DeleteResponse struct {
	OK        bool      `json:"ok"`
	Deleted   bool      `json:"deleted"`
	VersionID string    `json:"version_id"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryRequest struct {
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
	Limit   int    `json:"limit,omitempty"`
}

type HistoryVersion struct {
	VersionID string          `json:"version_id"`
	CreatedAt time.Time       `json:"created_at"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

type HistoryResponse struct {
	Versions []HistoryVersion `json:"versions"`
}

type ListRequest struct {
	AgentID string `json:"agent_id"`
	Prefix  string `json:"prefix"`
}

type ListItem struct {
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
}

type ListResponse struct {
	Items []ListItem `json:"items"`
}

type GlobRequest struct {
	AgentID string `json:"agent_id"`
	Pattern string `json:"pattern"`
}

type GlobResponse struct {
	Paths []string `json:"paths"`
}

type DumpRequest struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit,omitempty"`
}

type DumpEntry struct {
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value"`
	VersionID string          `json:"version_id"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

type DumpResponse struct {
	Entries []DumpEntry `json:"entries"`
	Count   int         `json:"count"`
}

type AgentsResponse struct {
	Agents []AgentSummary `json:"agents"`
}

type AgentSummary struct {
	ID          string `json:"id"`
	MemoryCount int    `json:"memory_count"`
}

type SearchRequest struct {
	AgentID    string   `json:"agent_id"`
	Query      string   `json:"query"`
	Limit      int      `json:"limit,omitempty"`
	PathPrefix string   `json:"path_prefix,omitempty"`
	TagsAny    []string `json:"tags_any,omitempty"`
}

type SearchHit struct {
	Path       string          `json:"path"`
	Value      json.RawMessage `json:"value"`
	Tags       []string        `json:"tags,omitempty"`
	Similarity float64         `json:"similarity"`
	VersionID  string          `json:"version_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SearchResponse struct {
	Results []SearchHit `json:"results"`
	Note    string      `json:"note,omitempty"`
}
