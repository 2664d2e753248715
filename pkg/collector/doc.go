// Package collector implements C8: the Collector interface bound by
// spec §4.8, plus the PerItem and Bulk back-ends. Both back-ends write
// artifacts through pkg/artifact, report progress through a ProgressSink
// at least once per 60s or 100 items, and retry throttled calls with
// exponential backoff and jitter: PerItemDriver around each artifact
// write, BulkDriver around each binary download. A throttled ItemSource
// fetch is not retried.
package collector
