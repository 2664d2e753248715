// Package reconcile implements C10, the Reconciler: it compares a source
// (ground-truth) manifest against a collected manifest, computes
// cardinality/extras/size/hash gates, and optionally emits a CSV report.
package reconcile
