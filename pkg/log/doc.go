/*
Package log provides structured logging for AgentOS using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Production deployments log JSON to stdout; local development uses the console
writer. Upstream provider response bodies are never logged, only their status.
*/
package log
