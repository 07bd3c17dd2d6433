/*
Package metrics provides Prometheus instrumentation for AgentOS.

Collectors are package-level and registered in init(): request counters and
duration histograms by endpoint, quota and rate-limit denial counters,
authentication failures, embedding job outcomes, and dump cache hit/miss
counts. Handler() exposes the standard promhttp endpoint; access gating is the
HTTP server's responsibility.
*/
package metrics
