package hashtable

import "sync/atomic"

// RCU wraps a Fixed table behind an atomic pointer swap, giving
// lock-free reads. It is the global code-cache backing selected when
// LOCK_GLOBAL_CODE_CACHE is false: readers never block behind a
// writer. Inserts go straight into the current table; only Swap
// replaces it.
//
// This table does not grow past its initial capacity (matching Fixed);
// RCU here buys reader concurrency, not resizing.
type RCU[K comparable, V any] struct {
	cur   atomic.Pointer[Fixed[K, V]]
	hash  func(K) uint64
	eq    func(a, b K) bool
	epoch func() // Sync is called after installing a new table and
	// before the old one is allowed to be dropped, giving in-flight
	// readers of the old table a grace period. It is whatever the
	// caller passed to NewRCU, possibly nil.
}

// NewRCU creates an RCU-guarded table with the given initial capacity.
// sync, if non-nil, is called by Swap after the new table is installed
// to give readers a grace period before the old table is dropped; when
// nil, Swap returns with no grace period, which is only safe if
// readers never hold a *Fixed across a preemption point.
func NewRCU[K comparable, V any](capacity int, hash func(K) uint64, eq func(a, b K) bool, sync func()) *RCU[K, V] {
	r := &RCU[K, V]{hash: hash, eq: eq, epoch: sync}
	r.cur.Store(NewFixed[K, V](capacity, hash, eq))
	return r
}

// Lookup is lock-free: it reads whatever table snapshot was current
// when the pointer load happened.
func (r *RCU[K, V]) Lookup(key K) (V, bool) {
	return r.cur.Load().Lookup(key)
}

// StoreKeepPrev inserts into the current table snapshot. Because
// Fixed's slots are individually atomic, concurrent StoreKeepPrev
// calls against the same snapshot are already race-safe without
// copying; a new table snapshot is only needed when growing, which
// this fixed-capacity table never does, so StoreKeepPrev here is a
// direct passthrough kept as its own method for interface symmetry
// with Locked.
func (r *RCU[K, V]) StoreKeepPrev(key K, value V) (prev V, installed bool) {
	return r.cur.Load().StoreKeepPrev(key, value)
}

func (r *RCU[K, V]) Len() int {
	return r.cur.Load().Len()
}

// Swap installs a freshly built replacement table (used when
// resetting the cache, e.g. on module unload invalidating every
// entry it owned) and calls the configured grace-period barrier
// before returning, so the caller can safely reclaim anything only
// reachable from the old table.
func (r *RCU[K, V]) Swap(next *Fixed[K, V]) {
	r.cur.Store(next)
	if r.epoch != nil {
		r.epoch()
	}
}
