// Package watchpoints implements the reference client instrumentation
// pass of component H: it tags memory operands with a distinguishing
// bit test and calls a client Watcher for each memory operand it
// instruments, following
// original_source/clients/watchpoints/instrument.cc's operand
// classification, register acquisition, and LEA+BT+Jcc tag-test
// sequence.
package watchpoints

import (
	"granary.dev/granary/instr"
	"granary.dev/granary/mangle"
	"granary.dev/granary/policy"
)

// DistinguishingBit is the bit position within a candidate address
// that the BT instruction tests to decide whether the address is
// watched. The original leaves this as a build-time constant tied to
// the host's virtual address width; NUM_HIGH_ORDER_BITS masked off on
// unwatch below must stay consistent with it.
const DistinguishingBit = 47

// NumHighOrderBits is the width, in bits, of the mask applied (via the
// double-BSWAP sequence) to recover the real address from a tagged
// one.
const NumHighOrderBits = 16

// Watcher is the client-visible hook Pass.Rewrite invokes once per
// memory operand it instruments, at rewrite time rather than each time
// the access executes. Read is called for load operands, Write for
// store operands; addrReg names the register that holds the resolved
// address in the emitted tag-test sequence.
type Watcher interface {
	Read(cpu any, in *instr.Instruction, addrReg instr.Reg)
	Write(cpu any, in *instr.Instruction, addrReg instr.Reg)
}

// Pass runs the watchpoints instrumentation over one basic block's
// instruction sequence. Because policy.Interposer only supports
// insertion (block.Build owns the authoritative slice until the
// client instrumentation policy returns), the actual operand rewrite
// happens in Rewrite, run as a pre-mangle step: watchpoints owns replacing each candidate memory
// operand's instruction with the LEA+BT+Jcc-guarded sequence, and
// mangle.Mangler runs afterward over the result exactly as it would
// over any other client-produced instruction stream. Instrument
// itself is registered as the policy.Instrument callback and is
// intentionally a no-op observer: watchpoints has no need to touch
// the decode-order instruction list before mangling, since Rewrite
// runs on the fully decoded block.
type Pass struct {
	Watcher Watcher
	Regs    *instr.RegisterManager
}

// Instrument implements policy.Instrument. Watchpoints has nothing to
// insert at the pre-mangle Interposer stage; it does its rewriting in
// Rewrite instead.
func (p *Pass) Instrument(pol policy.Policy, ip policy.Interposer) error {
	return nil
}

// Rewrite walks insns and replaces every instruction with a
// watchable memory operand with the tag-test-guarded sequence
// RewriteOperand builds, following instrument.cc's visit_operands.
// Unlike block.Mangler it takes no arena or policy, only the
// instruction slice; a caller runs it ahead of mangle.Mangler's
// AsBlockMangler.
func (p *Pass) Rewrite(insns []instr.Instruction) ([]instr.Instruction, error) {
	regs := p.Regs
	if regs == nil {
		regs = instr.NewRegisterManager()
		regs.Analyze(insns, len(insns))
	}

	var out []instr.Instruction
	carry := mangle.NewCarryFlagTracker()
	for _, in := range insns {
		op, canReplace, ok := FindMemoryOperand(in, regs)
		if !ok {
			out = append(out, in)
			TrackCarryFlag(in, carry)
			continue
		}

		plan := TrackCarryFlag(in, carry)
		var carrySave, carryRestore []instr.Instruction
		carryReg := instr.RegNone
		if plan.RestoreBefore {
			// The tag test's own BT below sets CF as a side effect; if in
			// itself still needs CF's original value (it reads it, or it
			// is a CTI that branches on it), that value must survive the
			// tag test intact.
			carrySave, carryRestore = saveRestoreCarry(regs)
			// Keep RewriteOperand from choosing the register that now
			// holds the saved carry bit.
			if r := carrySave[len(carrySave)-1].Operands[0].Reg; regs.IsZombie(r) {
				carryReg = r
				regs.Revive(r)
			}
		}

		before, addrReg, spilled := RewriteOperand(op, canReplace, regs)
		if carryReg != instr.RegNone {
			regs.Kill(carryReg)
		}
		out = append(out, carrySave...)
		out = append(out, before...)

		if p.Watcher != nil {
			if isStoreOperand(in) {
				p.Watcher.Write(nil, &in, addrReg)
			} else {
				p.Watcher.Read(nil, &in, addrReg)
			}
		}

		out = append(out, UnwatchAddress(addrReg)...)
		out = append(out, carryRestore...)

		pre, rewritten, post := applyResolvedAddress(in, op, addrReg, canReplace)
		out = append(out, pre...)
		out = append(out, rewritten)
		out = append(out, post...)

		if spilled {
			out = append(out, instr.Instruction{Op: instr.OpPop, Writes: instr.RegMask(addrReg), Mangled: true})
		}
	}
	return out, nil
}

// saveRestoreCarry returns the instructions that save CF into a
// scratch register before RewriteOperand's BT runs and restore it
// immediately afterward: SETcc captures the bit into a register, and
// a later BT against bit 0 of that register reproduces it in CF, so
// no arithmetic flag-restore primitive is needed. Falls back to a
// push/pop-spilled RCX when no zombie register is free, matching
// RewriteOperand's own fallback.
func saveRestoreCarry(regs *instr.RegisterManager) (save, restore []instr.Instruction) {
	reg := regs.GetZombie(instr.RSP, instr.RBP)
	spilled := reg == instr.RegNone
	if spilled {
		reg = instr.RCX
		save = append(save, instr.Instruction{Op: instr.OpPush, Reads: instr.RegMask(reg), Mangled: true})
	}
	save = append(save, instr.Instruction{
		Op:       instr.OpSetcc,
		Operands: []instr.Operand{{Kind: instr.OperandReg, Reg: reg, Width: 1}},
		Writes:   instr.RegMask(reg),
		Mangled:  true,
	})
	restore = append(restore, instr.Instruction{
		Op:           instr.OpBt,
		Operands:     []instr.Operand{{Kind: instr.OperandReg, Reg: reg}, {Kind: instr.OperandImm, Imm: 0}},
		Reads:        instr.RegMask(reg),
		AffectsCarry: true,
		Mangled:      true,
	})
	if spilled {
		restore = append(restore, instr.Instruction{Op: instr.OpPop, Writes: instr.RegMask(reg), Mangled: true})
	}
	return save, restore
}

// isStoreOperand reports whether in's memory operand is a
// destination, matching instrument.cc's source/dest split for the
// Watcher.Read/Write dispatch.
func isStoreOperand(in instr.Instruction) bool {
	switch in.Op {
	case instr.OpMovStore, instr.OpPush:
		return true
	default:
		return false
	}
}

// FindMemoryOperand classifies in's memory operand, if any, following
// instrument.cc's find_memory_operand: it must have two live GP
// registers free (or match the R8-R15 exception, or already reference
// a non-zero displacement/scale) to be safely replaceable in place,
// and it is skipped for RSP/RBP-based operands. instr.Operand carries
// no segment, so GS/FS-relative operands are not told apart and are
// not skipped.
func FindMemoryOperand(in instr.Instruction, regs *instr.RegisterManager) (op instr.Operand, canReplace bool, ok bool) {
	for _, o := range in.Operands {
		if o.Kind != instr.OperandMem {
			continue
		}
		if o.Reg == instr.RSP || o.Reg == instr.RBP {
			return instr.Operand{}, false, false
		}

		numRegs := 0
		if o.Reg != instr.RegNone {
			numRegs++
		}
		if o.Index != instr.RegNone {
			numRegs++
		}

		switch {
		case numRegs == 2:
			canReplace = true
		case o.Reg > instr.RDI:
			canReplace = true
		case o.Disp != 0 || o.Scale != 0:
			canReplace = true
		default:
			canReplace = false
		}
		return o, canReplace, true
	}
	return instr.Operand{}, false, false
}

// TrackCarryFlag reports the save/restore plan for in by driving the
// shared mangle.CarryFlagTracker, per instrument.cc's
// track_carry_flag: RETs never propagate flags, CTIs need the flag
// restored before (since the branch itself may read it), and
// ordinary instructions inherit read-after-write / output-dependency
// rules from whether they read or write CF. tracker is the same type
// mangle.Mangler's own pass1 would use for the identical instruction,
// so this pass's tag-test BT -- which clobbers CF as a side effect --
// makes exactly the save/restore decision pass1 would have made had
// it seen this instruction instead.
func TrackCarryFlag(in instr.Instruction, tracker *mangle.CarryFlagTracker) mangle.CarryPlan {
	return tracker.Observe(in)
}

// RewriteOperand builds the LEA+BT+Jcc tag-test sequence for one
// watched-candidate operand, following instrument.cc's visit_operands.
// It returns the synthetic instructions to splice in before the
// original instruction and the register holding the resolved address.
//
// regs is the register manager RewriteOperand uses to acquire a
// scratch register the same way get_zombie/get_spill do: prefer an
// already-dead register, and only spill (push/pop around the whole
// sequence) when none is free.
func RewriteOperand(op instr.Operand, canReplace bool, regs *instr.RegisterManager) (before []instr.Instruction, addrReg instr.Reg, spilled bool) {
	addrReg = regs.GetZombie(instr.RSP, instr.RBP)
	if addrReg == instr.RegNone {
		addrReg = instr.RAX // conservative fallback spill target
		spilled = true
		before = append(before, instr.Instruction{Op: instr.OpPush, Reads: instr.RegMask(addrReg), Mangled: true})
	}

	// LEA addrReg, [op]  -- compute the candidate address.
	before = append(before, instr.Instruction{
		Op:       instr.OpLea,
		Operands: []instr.Operand{{Kind: instr.OperandReg, Reg: addrReg}, op},
		Writes:   instr.RegMask(addrReg),
		Mangled:  true,
	})

	// BT addrReg, DistinguishingBit  -- sets CF if the address is tagged.
	before = append(before, instr.Instruction{
		Op:           instr.OpBt,
		Operands:     []instr.Operand{{Kind: instr.OperandReg, Reg: addrReg}, {Kind: instr.OperandImm, Imm: DistinguishingBit}},
		Reads:        instr.RegMask(addrReg),
		AffectsCarry: true,
		Mangled:      true,
	})

	// Jcc around the watchpoint-specific instrumentation when the tag
	// bit is clear; the client Watcher runs only in the taken path,
	// modeled here as the caller's responsibility once RewriteOperand
	// returns (Pass.Rewrite sequences the Watcher call between
	// this and the unmask sequence below).
	before = append(before, instr.Instruction{
		Op:         instr.OpJccDirect,
		ReadsCarry: true,
		Mangled:    true,
	})

	return before, addrReg, spilled
}

// applyResolvedAddress splices the original instruction in back into
// the stream so that it actually executes against the untagged
// address UnwatchAddress computed into addrReg, rather than
// re-reading its own (still tagged) memory operand.
//
// When canReplace is true, op's base register is swapped out for
// addrReg directly and the index/scale/displacement are dropped,
// since addrReg already holds the fully-resolved address: no
// index or displacement is left to add to it. When canReplace is
// false (op.Reg alone forms the address, per FindMemoryOperand),
// there is no room to introduce a new register into the operand
// encoding, so op.Reg and addrReg are exchanged immediately before
// in runs and exchanged back immediately after, leaving op.Reg
// holding its original (tagged) value once more.
func applyResolvedAddress(in instr.Instruction, op instr.Operand, addrReg instr.Reg, canReplace bool) (pre []instr.Instruction, out instr.Instruction, post []instr.Instruction) {
	if canReplace {
		rewritten := in
		rewritten.Operands = replaceMemOperand(in.Operands, instr.Operand{
			Kind:  instr.OperandMem,
			Reg:   addrReg,
			Width: op.Width,
		})
		rewritten.Reads = (rewritten.Reads &^ (instr.RegMask(op.Reg) | instr.RegMask(op.Index))) | instr.RegMask(addrReg)
		return nil, rewritten, nil
	}

	swap := instr.Instruction{
		Op:      instr.OpXchg,
		Reads:   instr.RegMask(op.Reg) | instr.RegMask(addrReg),
		Writes:  instr.RegMask(op.Reg) | instr.RegMask(addrReg),
		Mangled: true,
	}
	return []instr.Instruction{swap}, in, []instr.Instruction{swap}
}

// replaceMemOperand returns a copy of operands with its first
// OperandMem entry replaced by replacement; there is always exactly
// one, since FindMemoryOperand only ever reports the first it finds.
func replaceMemOperand(operands []instr.Operand, replacement instr.Operand) []instr.Operand {
	out := make([]instr.Operand, len(operands))
	copy(out, operands)
	for i, o := range out {
		if o.Kind == instr.OperandMem {
			out[i] = replacement
			break
		}
	}
	return out
}

// UnwatchAddress builds the double-BSWAP mask sequence that recovers
// the real address from a tagged one, following instrument.cc's
// bswap/mov_imm/bswap triple: BSWAP flips the address into
// big-endian, a masking immediate zeroes (or sets) the now-low-order
// tag bits, and a second BSWAP flips it back.
func UnwatchAddress(addrReg instr.Reg) []instr.Instruction {
	return []instr.Instruction{
		{Op: instr.OpBswap, Reads: instr.RegMask(addrReg), Writes: instr.RegMask(addrReg), Mangled: true},
		{Op: instr.OpMovImm, Writes: instr.RegMask(addrReg), Mangled: true},
		{Op: instr.OpBswap, Reads: instr.RegMask(addrReg), Writes: instr.RegMask(addrReg), Mangled: true},
	}
}

