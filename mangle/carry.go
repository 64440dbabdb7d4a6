package mangle

import "granary.dev/granary/instr"

// CarryPlan describes what a pass must do around one instruction to
// keep the carry flag intact across its own inserted, flag-clobbering
// code: save it before the instruction if the instruction (or a CTI
// about to branch on it) depends on the value the original stream
// would otherwise have delivered, and restore it after if a
// not-yet-visited instruction still needs it.
type CarryPlan struct {
	RestoreBefore bool
	RestoreAfter  bool
}

// CarryFlagTracker walks an instruction sequence forward, deciding at
// each step whether the carry flag's value must survive intact past
// that point: a RET or an instruction that itself sets CF
// (AffectsCarry) clears the requirement, a CTI or an instruction that
// reads CF (ReadsCarry) establishes it, and anything else carries the
// requirement forward unchanged. watchpoints.Pass.Rewrite drives this
// tracker directly ahead of its own BT-based tag test, which sets CF
// as a side effect and so must save and restore it whenever the
// instruction it is instrumenting needs the original value; mangle's
// own pass1 rewrites (DBL/IBL target patching, the far-memory
// spill/restore sequence) never touch CF themselves, so pass1 has no
// matching consultation of its own.
type CarryFlagTracker struct {
	live bool
}

// NewCarryFlagTracker starts assuming the flag is dead, matching a
// basic block's entry: nothing yet in the stream depends on it.
func NewCarryFlagTracker() *CarryFlagTracker {
	return &CarryFlagTracker{}
}

// Observe advances the tracker past in and reports the plan for it.
func (c *CarryFlagTracker) Observe(in instr.Instruction) CarryPlan {
	switch {
	case in.Op == instr.OpRet:
		c.live = false
		return CarryPlan{}
	case in.IsCTI():
		c.live = true
		return CarryPlan{RestoreBefore: true}
	case in.ReadsCarry:
		c.live = true
		return CarryPlan{RestoreBefore: true}
	case in.AffectsCarry:
		c.live = false
		return CarryPlan{}
	default:
		return CarryPlan{RestoreAfter: c.live}
	}
}
