/*
Package storage defines the persistence interface for AgentOS memory data.

The Store interface covers entry versions, latest pointers, embeddings,
embedding jobs, idempotency records, quota counters, and API keys. Two
implementations exist:

  - storage/postgres: the production backend on pgx/v5. Serialization relies
    entirely on the database: primary keys, unique constraints, and
    FOR UPDATE SKIP LOCKED for job claims. Vectors are stored in a pgvector
    column and bound as text literals.
  - storage/memory: a mutex-guarded in-memory backend with the same semantics,
    used by tests and by the memory:// development mode.

# Data model

	┌───────────────────── STORE ──────────────────────────────┐
	│                                                           │
	│  api_keys          id → tenant, argon2 hash, scopes       │
	│  entry_versions    append-only, immutable version rows    │
	│  entries           (tenant, agent, path) → latest version │
	│  embeddings        version_id → vector(1536), model       │
	│  embedding_jobs    version_id → status, attempts          │
	│  idempotency_keys  (tenant, key) → request hash, response │
	│  quota_usage       (tenant, utc day) → counters           │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

A version row is visible to reads iff it is the latest for its triple, is not
a tombstone, and has not expired. History ignores visibility so callers can
audit tombstones and expired versions.

No application-level locks exist over this data; writers rely on the latest
pointer upsert and job claims rely on at-most-one row-claim semantics.
*/
package storage
