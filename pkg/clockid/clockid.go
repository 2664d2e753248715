// Package clockid provides the two smallest capabilities the rest of the
// orchestrator is built against: a source of monotonic wall-clock time and
// a generator of correlation/entity identifiers. Injecting both behind
// interfaces keeps the scheduler's lease-expiry math and the planner's
// shard-identifier generation deterministic under test.
package clockid

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so lease expiry, checkpoint timestamps, and
// reap sweeps can be driven by a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a Clock for tests that always returns the same instant
// until Advance is called.
type FixedClock struct {
	at time.Time
}

// NewFixedClock returns a FixedClock pinned to at.
func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at.UTC()}
}

// Now returns the clock's current fixed instant.
func (c *FixedClock) Now() time.Time { return c.at }

// Advance moves the fixed clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

// IDGenerator produces UUIDs for correlation ids and manifest ids. Lease
// tokens do not go through it: pkg/store mints them with uuid.NewString.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the production IDGenerator, backed by google/uuid.
type UUIDGenerator struct{}

// NewID returns a new random (v4) UUID string.
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// SequentialGenerator is an IDGenerator for tests: it returns ids of the
// form "<prefix>-<n>" in call order, not real UUIDs.
type SequentialGenerator struct {
	Prefix string
	n      int
}

// NewID returns the next sequential id.
func (g *SequentialGenerator) NewID() string {
	g.n++
	return g.Prefix + "-" + strconv.Itoa(g.n)
}
