/*
Package types defines the core domain types shared across AgentOS packages.

Every stored row is scoped by the tenancy trinity (tenant, agent, path).
EntryVersion rows are append-only and immutable; LatestEntry points at the
newest version per triple; tombstones and TTL expiry hide paths from reads
without deleting history.
*/
package types
