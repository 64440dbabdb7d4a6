// Package policy implements mangled addresses and instrumentation
// policies: the identity and property-inheritance rules that travel
// with a translated program counter as it crosses basic block
// boundaries.
package policy

import "fmt"

// Mangled is a native program counter tagged with a small policy tag:
// the identity of the instrumentation policy the address was reached
// under, plus a bag of ephemeral properties. The tag occupies the low
// bits below the minimum instruction alignment (1 byte on x86-64, so
// only the properties that fit below that alignment may be encoded
// without losing address bits); here we widen to a 64-bit value with
// the PC shifted left into the high 48 bits (its top 16 bits are
// dropped and PC recovers them by sign extension) and the tag in the
// low two bytes, which keeps Base a pure mask instead of a
// shift-and-mask pair. The tag is 16 bits total, split into an 8-bit policy ID field
// and an 8-bit ephemeral property field, well within the small number
// of mangled bits a native address can donate without losing PC
// precision.
type Mangled uint64

const (
	propBits = 8
	idBits   = 8
	tagBits  = propBits + idBits
	propMask = Mangled(1)<<propBits - 1
	idMask   = Mangled(1)<<idBits - 1
	tagMask  = Mangled(1)<<tagBits - 1
	pcMask   = ^tagMask
	pcAlignN = 1 // x86-64 instructions have no alignment requirement
)

// Ephemeral properties carried in a Mangled address. These do not
// survive Base and are not part of a Policy's stable identity.
const (
	IsReturnTarget Prop = 1 << iota
	IsIndirectTarget
	InHostContext
	HostAutoInstrument
	ReturnAddrInCodeCache
	BeginsFunctionalUnit

	// CanDetach marks a policy as permitting the code cache to resolve
	// a miss via the detach table (a known host function or statically
	// linked library routine) instead of always building a basic
	// block. It lives in Policy.Props, not in a Mangled address's
	// ephemeral tag: it is a property of the policy itself, checked
	// once per miss, not something that varies address to address.
	CanDetach
)

// Prop is a single ephemeral or inherited boolean property.
type Prop uint8

func (p Prop) String() string {
	names := map[Prop]string{
		IsReturnTarget:        "return-target",
		IsIndirectTarget:      "indirect-target",
		InHostContext:         "host-context",
		HostAutoInstrument:    "host-auto-instrument",
		ReturnAddrInCodeCache: "retaddr-in-cache",
		BeginsFunctionalUnit:  "begins-func-unit",
		CanDetach:             "can-detach",
	}
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("prop(%#x)", uint8(p))
}

// Mangle attaches pol's identity and props to pc, shifting pc above
// the tag field and dropping its top tagBits bits. For a canonical
// x86-64 address those bits repeat bit 47, so PC restores them and no
// address information is lost; this call exists so callers cannot
// construct a Mangled value except through the one place that knows
// the layout. pol.Props is not consulted here: props is the ephemeral
// bag for this particular mangled address, which may differ from
// pol's own property bag (for instance a RET's target carries
// IsReturnTarget regardless of what the call site's policy had set).
func Mangle(pc uintptr, pol Policy, props Prop) Mangled {
	id := Mangled(pol.ID) & idMask
	return Mangled(uint64(pc)<<tagBits) | (id << propBits) | (Mangled(props) & propMask)
}

// Base strips all ephemeral properties, returning the address that
// identifies the same translated location regardless of how it was
// reached. The policy ID survives Base since it is part of a mangled
// address's stable identity, not an ephemeral property; two Mangled
// values with equal Base refer to the same basic block entry under
// the same policy.
func (m Mangled) Base() Mangled {
	return m &^ propMask
}

// PC extracts the native program counter, sign-extending the top
// tagBits back in. Mangle packs pc<<tagBits into a 64-bit value,
// which drops pc's top tagBits bits; on x86-64 a canonical address
// has those bits all equal to bit 63 (kernel addresses like
// 0xffff800000000000 have them set), so recovering pc requires an
// arithmetic, not logical, shift back down or every kernel-space PC
// unmangles into a non-canonical, user-looking address.
func (m Mangled) PC() uintptr {
	return uintptr(int64(m) >> tagBits)
}

// PolicyID extracts the identity of the instrumentation policy this
// mangled address was created under. Unlike Props, it survives Base.
func (m Mangled) PolicyID() ID {
	return ID((m >> propBits) & idMask)
}

// Props extracts the ephemeral property bag.
func (m Mangled) Props() Prop {
	return Prop(m & propMask)
}

// Has reports whether every bit in want is set in m's property bag.
func (m Mangled) Has(want Prop) bool {
	return m.Props()&want == want
}

// WithProps returns a copy of m with props merged into its bag,
// leaving PC and PolicyID untouched.
func (m Mangled) WithProps(props Prop) Mangled {
	return m.Base() | (Mangled(props) & propMask)
}

// Unmangle is the left inverse of Mangle: Unmangle(Mangle(pc, p)) ==
// pc for every canonical x86-64 pc (bits 63 through 47 all equal) and
// every prop set p, which is exercised as the
// round-trip property in policy_test.go.
func Unmangle(m Mangled) uintptr {
	return m.PC()
}
