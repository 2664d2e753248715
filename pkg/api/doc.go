// Package api implements the Control API: the HTTP/JSON surface spec §6
// describes for matter/job lifecycle management, the sharded worker-pull
// protocol, and chain-of-custody manifest operations. It is a thin layer
// over pkg/jobcontrol, pkg/scheduler, pkg/checkpoint, and pkg/manifest —
// the Controller, Scheduler, and Generator already enforce every
// invariant; handlers here only decode, validate, and translate errors
// into the stable error-code envelope spec §7 requires.
package api
