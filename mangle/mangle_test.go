package mangle

import (
	"testing"

	"granary.dev/granary/arena"
	"granary.dev/granary/instr"
	"granary.dev/granary/policy"
)

func testConfig() Config {
	return Config{
		TranslateFarAddresses: true,
		ResolveDirectTarget: func(target uintptr, pol policy.Policy) (uintptr, error) {
			return target + 0x1000, nil
		},
		ResolveIndirectTarget: func(target uintptr, pol policy.Policy) (uintptr, error) {
			return target + 0x2000, nil
		},
	}
}

func TestMangleDirectCTIGetsPatchableStub(t *testing.T) {
	m := New(testConfig())
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{
		{Op: instr.OpCallDirect, PC: 0x1000, Len: 5, Target: 0x2000},
		{Op: instr.OpRet, PC: 0x1005, Len: 1},
	}
	out, err := m.Mangle(ar, policy.Policy{}, insns)
	if err != nil {
		t.Fatal(err)
	}
	// pass2 pads ahead of the patchable call, so find the call itself.
	var call *instr.Instruction
	for i := range out {
		if out[i].Op == instr.OpCallDirect {
			call = &out[i]
			break
		}
	}
	if call == nil || !call.Mangled || !call.Patchable {
		t.Fatalf("expected the direct call to be mangled and patchable, got %+v", out)
	}
	if call.Target == 0x2000 {
		t.Fatal("expected the target to be rewritten to a DBL stub address")
	}
}

func TestStatsCountsMangleCallsAndDirectCTIs(t *testing.T) {
	m := New(testConfig())
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{
		{Op: instr.OpCallDirect, PC: 0x1000, Len: 5, Target: 0x2000},
		{Op: instr.OpRet, PC: 0x1005, Len: 1},
	}
	if _, err := m.Mangle(ar, policy.Policy{}, insns); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mangle(ar, policy.Policy{}, insns); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats()
	if stats.Blocks != 2 {
		t.Fatalf("Blocks = %d, want 2", stats.Blocks)
	}
	if stats.DirectCTIs != 2 {
		t.Fatalf("DirectCTIs = %d, want 2", stats.DirectCTIs)
	}
}

func TestTargetPolicyInheritsByOpcodeKind(t *testing.T) {
	pol := policy.Policy{ID: 5, Props: policy.IsReturnTarget | policy.HostAutoInstrument}

	call := targetPolicy(pol, instr.OpCallDirect)
	if call.Props&policy.BeginsFunctionalUnit == 0 {
		t.Errorf("targetPolicy(call) must set BeginsFunctionalUnit, got %v", call.Props)
	}
	if call.Props&policy.IsReturnTarget != 0 {
		t.Errorf("targetPolicy(call) must clear IsReturnTarget, got %v", call.Props)
	}

	jmp := targetPolicy(pol, instr.OpJmpDirect)
	if jmp.Props&policy.IsReturnTarget != 0 {
		t.Errorf("targetPolicy(jmp) must clear IsReturnTarget, got %v", jmp.Props)
	}
	if jmp.Props&policy.HostAutoInstrument == 0 {
		t.Errorf("targetPolicy(jmp) must preserve unrelated props, got %v", jmp.Props)
	}

	ret := targetPolicy(pol, instr.OpRet)
	if ret.Props&policy.IsReturnTarget == 0 {
		t.Errorf("targetPolicy(ret) must set IsReturnTarget, got %v", ret.Props)
	}
	if ret.ID != pol.ID {
		t.Errorf("targetPolicy must preserve policy ID, got %v want %v", ret.ID, pol.ID)
	}
}

func TestMangleIndirectCTIRewritesTarget(t *testing.T) {
	m := New(testConfig())
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{
		{Op: instr.OpCallIndirect, PC: 0x1000, Len: 2, Reads: instr.RegMask(instr.RAX)},
	}
	out, err := m.Mangle(ar, policy.Policy{}, insns)
	if err != nil {
		t.Fatal(err)
	}
	if !out[0].Mangled {
		t.Fatal("expected indirect call to be mangled")
	}
}

func TestMangleBsfZeroFixupAppendsCmovz(t *testing.T) {
	m := New(testConfig())
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{
		{Op: instr.OpBsf, PC: 0x1000, Len: 3, Writes: instr.RegMask(instr.RAX)},
		{Op: instr.OpRet, PC: 0x1003, Len: 1},
	}
	out, err := m.Mangle(ar, policy.Policy{}, insns)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 2 || out[1].Op != instr.OpCmovcc {
		t.Fatalf("expected a CMOVZ fixup immediately after BSF, got %+v", out)
	}
}

func TestMangleFarMemoryPushSpecialCase(t *testing.T) {
	m := New(testConfig())
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{
		{Op: instr.OpPush, PC: 0x1000, Len: 6, Operands: []instr.Operand{{Kind: instr.OperandMemAbs}}},
		{Op: instr.OpRet, PC: 0x1006, Len: 1},
	}
	out, err := m.Mangle(ar, policy.Policy{}, insns)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 2 || out[0].Op != instr.OpMovImm || out[1].Op != instr.OpPush {
		t.Fatalf("expected load-then-push sequence for the far-memory push, got %+v", out[:2])
	}
}

func TestMangleFarMemoryOperandPropagatesDelayBoundaries(t *testing.T) {
	m := New(testConfig())
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{
		{
			Op:         instr.OpMovLoad,
			PC:         0x1000,
			Len:        7,
			Operands:   []instr.Operand{{Kind: instr.OperandMemAbs}},
			DelayBegin: true,
			DelayEnd:   true,
		},
		{Op: instr.OpRet, PC: 0x1007, Len: 1},
	}
	out, err := m.Mangle(ar, policy.Policy{}, insns)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 4 {
		t.Fatalf("expected a spill/load/restore sequence, got %+v", out)
	}
	if !out[0].DelayBegin {
		t.Fatalf("expected DelayBegin to move onto the first emitted instruction, got %+v", out[0])
	}
	if out[3].DelayBegin {
		t.Fatalf("expected DelayBegin not to appear anywhere past the first emitted instruction, got %+v", out[3])
	}
	if !out[3].DelayEnd {
		t.Fatalf("expected DelayEnd to move onto the last emitted instruction of the sequence, got %+v", out[3])
	}
	if out[0].DelayEnd || out[1].DelayEnd || out[2].DelayEnd {
		t.Fatalf("expected DelayEnd not to appear before the last emitted instruction, got %+v", out[:3])
	}
}

func TestMangleFailsWithoutResolvers(t *testing.T) {
	m := New(Config{})
	ar := arena.NewBump(4096)
	defer ar.Close()

	insns := []instr.Instruction{{Op: instr.OpCallDirect, PC: 0x1000, Len: 5, Target: 0x2000}}
	if _, err := m.Mangle(ar, policy.Policy{}, insns); err == nil {
		t.Fatal("expected an error when no ResolveDirectTarget is configured")
	}
}

func TestPass2InjectsAlignmentNops(t *testing.T) {
	m := New(testConfig())
	insns := []instr.Instruction{
		{Op: instr.OpNop, Len: 3},
		{Op: instr.OpJmpDirect, Len: 5, Patchable: true},
	}
	out := m.pass2(insns)

	offset := 0
	var patchOffset int
	for _, in := range out {
		if in.Patchable {
			patchOffset = offset
		}
		offset += in.Len
	}
	if patchOffset%8 != 0 {
		t.Fatalf("expected the patchable instruction to land on an 8-byte boundary, got offset %d", patchOffset)
	}
}

func TestPass2AlignsCallReturnAddressNotCallStart(t *testing.T) {
	m := New(testConfig())
	insns := []instr.Instruction{
		{Op: instr.OpNop, Len: 3},
		{Op: instr.OpCallDirect, Len: 5, Patchable: true},
		{Op: instr.OpNop, Len: 1},
	}
	out := m.pass2(insns)

	offset := 0
	var returnAddrOffset int
	for _, in := range out {
		offset += in.Len
		if in.Op == instr.OpCallDirect {
			returnAddrOffset = offset
		}
	}
	if returnAddrOffset%8 != 0 {
		t.Fatalf("expected the call's return address to land on an 8-byte boundary, got offset %d", returnAddrOffset)
	}
	// The NOP pads the call's slot to offset 8; the return address
	// lands ReturnAddressOffset bytes past that boundary.
	if returnAddrOffset != 8+ReturnAddressOffset {
		t.Fatalf("expected the call's return address ReturnAddressOffset bytes past the first 8-byte boundary, got offset %d", returnAddrOffset)
	}
}

func TestPass2ReservesFullSlotAfterPatchableInstruction(t *testing.T) {
	m := New(testConfig())
	insns := []instr.Instruction{
		{Op: instr.OpJmpDirect, Len: 5, Patchable: true},
		{Op: instr.OpNop, Len: 1},
	}
	out := m.pass2(insns)

	offset := 0
	var slotEnd int
	for _, in := range out {
		if in.Patchable {
			slotEnd = offset + in.Len
		}
		offset += in.Len
	}
	// The next instruction after the patchable one must start on the
	// next 8-byte boundary past the patchable instruction's own
	// (already 8-byte-aligned) start, so NOP padding must fill out
	// whatever's left of that instruction's slot.
	if slotEnd%8 == 0 {
		t.Fatalf("expected a short patchable instruction to leave a partially-filled slot before padding, got %d", slotEnd)
	}
	var i int
	for offset, in := range out {
		if in.Patchable {
			i = offset
			break
		}
	}
	following := out[i+1:]
	var nopBytes int
	for _, in := range following {
		// Padding NOPs are Mangled; the original trailing NOP is not.
		if in.Op != instr.OpNop || !in.Mangled {
			break
		}
		nopBytes += in.Len
	}
	if (slotEnd+nopBytes)%8 != 0 {
		t.Fatalf("expected trailing NOPs to fill the patchable instruction's slot to an 8-byte boundary, got %d bytes of padding after offset %d", nopBytes, slotEnd)
	}
}
