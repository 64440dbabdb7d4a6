package stub

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"granary.dev/granary/arena"
)

// PatchSlotSize is the width of a DBL stub's self-patchable jump
// target field. It is written with a single atomic 8-byte store so a
// concurrently executing CPU never observes a torn address; the field
// is 8 bytes even though only 4 are needed for a rel32 displacement so
// the store is always naturally aligned regardless of how the 4 patch
// bytes sit inside it.
const PatchSlotSize = 8

// DBL is a direct-branch-lookup stub for one call site. On first
// execution it falls through to the shared "resolve and patch"
// routine, which computes the real cache target, atomically patches
// this stub's jump displacement, and jumps there; every subsequent
// execution takes the patched direct jump with no lookup at all.
type DBL struct {
	// Addr is the stub's address in the code cache, the address the
	// mangler rewrites the original direct CTI to target.
	Addr uintptr
	// PatchOffset is the byte offset within the stub of the
	// 8-byte-aligned patch slot.
	PatchOffset int
	bytes       []byte
}

// BuildDBL emits a DBL stub into ar for a direct CTI whose target has
// not yet been translated. resolveLabel names the shared slow-path
// routine (an IBL-style resolve-and-patch entry) that every DBL stub
// falls through to before it is patched.
func BuildDBL(ar *arena.Bump, resolveLabel string, resolveTarget uintptr) (*DBL, error) {
	a := newAsm()
	a.label("stub_entry")
	a.nopUntil(8) // the patch slot below must land 8-byte aligned
	patchOff := a.pos()
	// Placeholder unconditional jump; the 4-byte rel32 at patchOff+1
	// is overwritten atomically once the real target is known. Until
	// then it falls through into the resolve call immediately after,
	// which is only reachable because this jump has not been patched
	// yet (it currently targets its own next instruction).
	a.jmpRel32("resolve_call")
	a.label("resolve_call")
	a.callRel32(resolveLabel)

	code, err := a.finish()
	if err != nil {
		return nil, err
	}

	mem, addr, err := ar.AllocStaged(len(code))
	if err != nil {
		return nil, fmt.Errorf("stub: emitting DBL stub: %w", err)
	}
	copy(mem, code)

	return &DBL{Addr: addr, PatchOffset: patchOff, bytes: mem}, nil
}

// Patch atomically installs target as this stub's jump destination.
// It must only be called once per stub in the steady state, but is
// safe to call redundantly from multiple racing CPUs since every
// racer computes the same target for the same source address.
func (d *DBL) Patch(target uintptr) {
	rel := int32(int64(target) - int64(d.Addr+uintptr(d.PatchOffset)+5))
	// Preserve the jmp rel32 opcode byte (0xE9) in the low byte and
	// pack the displacement into the next 4 bytes, so the whole
	// 5-byte instruction plus 3 bytes of trailing NOP padding forms
	// one atomically-stored 8-byte word.
	word := uint64(0xE9) | uint64(uint32(rel))<<8 | uint64(0x909090)<<40
	slot := (*uint64)(unsafe.Pointer(&d.bytes[d.PatchOffset]))
	atomic.StoreUint64(slot, word)
}
