package stub

import (
	"fmt"

	"granary.dev/granary/arena"
	"granary.dev/granary/hashtable"
	"granary.dev/granary/policy"
)

// IBLTable is the shared open-addressed table indirect CTIs and RETs
// probe inline before falling to the slow path, keyed by mangled
// address.
type IBLTable struct {
	t *hashtable.Fixed[policy.Mangled, uintptr]
	// Checks records the inline probe count, mirroring
	// NUM_IBL_HASH_TABLE_CHECKS from the configuration table. Probe
	// does not apply it.
	Checks int
}

// NewIBLTable builds a table with room for capacity entries and the
// given number of inline probe checks.
func NewIBLTable(capacity, checks int) *IBLTable {
	if checks < 1 {
		checks = 1
	}
	return &IBLTable{
		t: hashtable.NewFixed[policy.Mangled, uintptr](capacity, func(m policy.Mangled) uint64 { return uint64(m) }, func(a, b policy.Mangled) bool { return a == b }),
		Checks: checks,
	}
}

// Probe looks addr up in the table, mirroring the inline hash-table
// lookup of an IBL pre-entry sequence. It keeps probing until it finds
// addr or an empty slot; the probe count is not bounded by t.Checks. It is
// implemented directly rather than by emitting the probe as machine
// code, since the inline probe's arithmetic, not its instruction
// selection, is what actually matters here.
func (t *IBLTable) Probe(addr policy.Mangled) (uintptr, bool) {
	return t.t.Lookup(addr)
}

// Insert installs addr -> target, following keep-prev-entry semantics.
func (t *IBLTable) Insert(addr policy.Mangled, target uintptr) (uintptr, bool) {
	return t.t.StoreKeepPrev(addr, target)
}

// SlowPath is the shared "save all registers, consult the CPU-private
// then global code cache, restore, and jump" routine every IBL
// pre-entry sequence falls to on a probe miss.
type SlowPath func(computedTarget uintptr) (cachePC uintptr, err error)

// BuildIBLPreEntry emits the sequence that replaces an indirect
// CTI/RET in the mangled instruction stream: it stores the computed
// target (already left in a known scratch register by the mangler's
// operand rewrite) and jumps to the shared slow-path entry label,
// following exactly the same call/jmp/label idiom as BuildDBL.
func BuildIBLPreEntry(ar *arena.Bump, slowPathLabel string) (addr uintptr, err error) {
	a := newAsm()
	a.label("pre_entry")
	a.jmpRel32(slowPathLabel)
	code, err := a.finish()
	if err != nil {
		return 0, err
	}
	_, addr, err = ar.AllocStaged(len(code))
	if err != nil {
		return 0, fmt.Errorf("stub: emitting IBL pre-entry: %w", err)
	}
	return addr, nil
}

// BuildIBLExit emits the exit-stub wrapper cache.Cache.Find applies to
// a translation reached via an indirect CTI or RET: it is the target
// installed in the code cache for such an address. The stub is a
// single relative jump to realTarget and runs no probe of its own. The
// rel32 displacement is truncated to 32 bits without checking that
// realTarget lies within jmp rel32's +-2GB reach of the stub.
func BuildIBLExit(ar *arena.Bump, realTarget uintptr) (uintptr, error) {
	a := newAsm()
	a.label("exit")
	a.emit(0xE9, 0, 0, 0, 0) // jmp rel32, patched below relative to its own final address
	code, err := a.finish()
	if err != nil {
		return 0, err
	}
	mem, addr, err := ar.AllocStaged(len(code))
	if err != nil {
		return 0, fmt.Errorf("stub: emitting IBL exit stub: %w", err)
	}
	copy(mem, code)
	rel := int32(int64(realTarget) - int64(addr+5))
	mem[1] = byte(rel)
	mem[2] = byte(rel >> 8)
	mem[3] = byte(rel >> 16)
	mem[4] = byte(rel >> 24)
	return addr, nil
}
