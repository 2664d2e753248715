// Package planner is the C5 Shard Planner: plan(request, config) -> []Shard.
// Windows are generated per custodian, bisected under an injected
// Estimator when they exceed the configured per-shard caps, then capped
// to MaxPerCustodian by merging trailing windows.
package planner
