package cache

import (
	"sort"

	"granary.dev/granary/policy"
)

// DetachRange names a contiguous native address range owned by a
// module the translator has agreed never to instrument: calls into it
// detach cleanly to the untranslated code instead of triggering
// translation. Ranges are looked up by binary search, adapted from
// the compact bitmap-range bookkeeping style of an ID allocator's
// free-list (contiguous runs recorded as (start, length) pairs rather
// than one bit per address).
type DetachRange struct {
	Start, End uintptr // [Start, End)
	Name       string
}

// DetachTable is a sorted, binary-searchable set of DetachRanges.
type DetachTable struct {
	ranges []DetachRange
}

// NewDetachTable builds a table from an unsorted range list.
func NewDetachTable(ranges []DetachRange) *DetachTable {
	t := &DetachTable{ranges: append([]DetachRange(nil), ranges...)}
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].Start < t.ranges[j].Start })
	return t
}

// Lookup reports whether addr falls in a registered detach range.
func (t *DetachTable) Lookup(addr uintptr) (DetachRange, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].End > addr })
	if i < len(t.ranges) && t.ranges[i].Start <= addr {
		return t.ranges[i], true
	}
	return DetachRange{}, false
}

// Add registers a new range, e.g. on module load.
func (t *DetachTable) Add(r DetachRange) {
	t.ranges = append(t.ranges, r)
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].Start < t.ranges[j].Start })
}

// Remove drops every range with the given name, e.g. on module
// unload. A module-state change for a module the translator was never
// instrumenting is silently ignored: removing a name with no matching
// ranges is a no-op, not an error.
func (t *DetachTable) Remove(name string) {
	out := t.ranges[:0]
	for _, r := range t.ranges {
		if r.Name != name {
			out = append(out, r)
		}
	}
	t.ranges = out
}

// AsDetachTarget adapts the table to the DetachTarget function shape
// Cache.Find expects, ignoring the policy context (this table does
// not currently distinguish detach targets by policy).
func (t *DetachTable) AsDetachTarget() DetachTarget {
	return func(addr uintptr, _ policy.ID) (uintptr, bool) {
		if r, ok := t.Lookup(addr); ok && r.Start == addr {
			return r.Start, true
		}
		return 0, false
	}
}
