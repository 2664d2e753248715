/*
Package metrics exposes Prometheus instrumentation for the orchestrator
and a small health-check registry used by the liveness/readiness HTTP
handlers.

Metric names are prefixed hco_ and grouped by the component that owns
them: job/shard gauges sampled periodically by Collector, counters
incremented inline by the scheduler, collector drivers, manifest
generator, and reconciler. The API request counter and duration
histogram are registered as well; no code in this module records them.

RegisterComponent/UpdateComponent track whether a dependency (the
metadata store, the artifact store, the API listener) is currently
healthy; GetHealth/GetReadiness aggregate that into the JSON bodies served
by HealthHandler/ReadyHandler/LivenessHandler.
*/
package metrics
