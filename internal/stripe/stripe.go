// Package stripe maps unbounded key spaces onto fixed-size slots.
// The same table backs work-queue partitioning and lock striping:
// distinct keys may share a slot, which bounds memory at the cost of
// occasional unrelated-key contention.
package stripe

import "hash/fnv"

// Table assigns string keys to one of a fixed number of stripes.
type Table struct {
	count uint64
}

// New creates a table with the given stripe count. Counts below one
// collapse to a single stripe.
func New(count int) Table {
	if count < 1 {
		count = 1
	}
	return Table{count: uint64(count)}
}

// Count returns the number of stripes.
func (t Table) Count() int {
	return int(t.count)
}

// Index returns the stripe for a key.
func (t Table) Index(key string) int {
	return int(Sum64(key) % t.count)
}

// Sum64 hashes a key. The raw sum doubles as a diagnostic handle so
// callers can correlate acquisitions of the same key across logs.
func Sum64(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
