/*
Package log provides structured logging for the orchestrator using
zerolog.

All components obtain a logger via log.WithComponent("scheduler") (or
WithJobID/WithShardID/WithCorrelationID for request-scoped context) rather
than calling zerolog directly, so every log line carries a consistent set
of fields regardless of which subsystem emitted it.

Call Init once at process startup with the desired Level and output
format; until Init runs, Logger defaults to zerolog's zero value (a no-op
logger).
*/
package log
