// Package manifest implements C9, the Manifest Generator: it assembles a
// per-job chain-of-custody manifest from collected item metadata, hashes
// and optionally signs it, persists JSON/CSV forms via pkg/artifact, and
// seals a copy into the immutable WORM namespace.
package manifest
