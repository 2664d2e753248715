/*
Package artifact is the C2 ArtifactStore: keyed persistence for
collected binaries, manifest side-files, and sealed WORM copies. Callers
choose each key; the SHA-256 of the content is computed and returned,
not used as the key.

FilesystemStore writes through a temp file in the destination directory,
hashing with SHA-256 as bytes are copied, fsyncing, then renaming into
place, so a reader never observes a partially written artifact. The
Put/PutImmutable split mirrors the two key namespaces in the persisted
state layout: the mutable matter/logs tree and the append-only
immutable/worm tree that backs manifest sealing.
*/
package artifact
