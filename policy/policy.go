package policy

// ID names a stable instrumentation policy. Policies are registered
// once and referenced by ID from then on; the ID, not the property
// bag, is a policy's identity.
type ID uint32

// Policy is a stable identity plus the property bag that travels with
// it across basic block boundaries. Two Policy values with the same
// ID are the same client-visible instrumentation policy even if their
// property bags have since diverged (e.g. one has AutoInstrument set
// after a host callback, the other does not).
type Policy struct {
	ID    ID
	Props Prop
}

// Instrument is implemented by a client instrumentation pass. It is
// invoked once per basic block, after decoding and before mangling,
// and may attach watcher hooks, insert new instructions, or request a
// different policy for blocks reached from this one via Inherit*.
type Instrument func(p Policy, block Interposer) error

// Interposer is the narrow view of a basic block that an Instrument
// callback is allowed to mutate: insertion only, never deletion or
// reordering of instructions the mangler has not yet seen.
type Interposer interface {
	// InsertBefore inserts newInsn immediately before at, an index
	// into the block's not-yet-mangled instruction sequence.
	InsertBefore(at int, newInsn any)
	// Append adds newInsn to the end of the block, before the
	// terminating CTI.
	Append(newInsn any)
	// Len reports the number of decoded instructions currently in
	// the block.
	Len() int
}

// InheritCall computes the policy propagated to a callee across a
// CALL instruction. The callee always begins a new functional unit
// and is never itself a return target.
func InheritCall(caller Policy) Policy {
	return Policy{
		ID:    caller.ID,
		Props: (caller.Props &^ (IsReturnTarget | IsIndirectTarget)) | BeginsFunctionalUnit,
	}
}

// InheritJmp computes the policy propagated across a JMP. A JMP does
// not begin a new functional unit and does not by itself make its
// target a return target.
func InheritJmp(jumper Policy) Policy {
	return Policy{
		ID:    jumper.ID,
		Props: jumper.Props &^ (IsReturnTarget | BeginsFunctionalUnit),
	}
}

// InheritReturn computes the policy at a RET's target. It re-derives
// the policy that was in effect at the call site rather than the one
// in effect inside the callee, since callee-local property changes
// (for instance HostAutoInstrument toggled by a nested call) must not
// leak back to the caller. The target is marked IsReturnTarget and
// leaves host context, mirroring a RET's two-fold effect: control
// returns to a known return address, and it is never itself
// in-host-context regardless of what the callee was.
func InheritReturn(callSitePolicy Policy) Policy {
	return Policy{
		ID:    callSitePolicy.ID,
		Props: (callSitePolicy.Props &^ (BeginsFunctionalUnit | InHostContext)) | IsReturnTarget,
	}
}

// Equal reports whether two policies have the same identity and
// property bag.
func (p Policy) Equal(o Policy) bool {
	return p.ID == o.ID && p.Props == o.Props
}
