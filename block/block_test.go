package block

import (
	"errors"
	"testing"

	"granary.dev/granary/arena"
	"granary.dev/granary/instr"
	"granary.dev/granary/policy"
)

// fakeCode serves a fixed-length NOP stream terminated by a RET,
// encoded as one byte per instruction for simplicity: 0x90 = nop, 0xC3
// = ret.
type fakeCode struct{ bytes []byte }

func (f *fakeCode) ReadCode(pc uintptr, max int) ([]byte, error) {
	if pc >= uintptr(len(f.bytes)) {
		return nil, errors.New("out of range")
	}
	end := pc + uintptr(max)
	if end > uintptr(len(f.bytes)) {
		end = uintptr(len(f.bytes))
	}
	return f.bytes[pc:end], nil
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(code []byte, pc uintptr) (instr.Instruction, error) {
	if len(code) == 0 {
		return instr.Instruction{}, errors.New("no bytes")
	}
	switch code[0] {
	case 0x90:
		return instr.Instruction{Op: instr.OpNop, PC: pc, Len: 1}, nil
	case 0xC3:
		return instr.Instruction{Op: instr.OpRet, PC: pc, Len: 1}, nil
	default:
		return instr.Instruction{}, errors.New("unknown opcode")
	}
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(dst []byte, in instr.Instruction) ([]byte, error) {
	switch in.Op {
	case instr.OpNop:
		return append(dst, 0x90), nil
	case instr.OpRet:
		return append(dst, 0xC3), nil
	default:
		return nil, errors.New("cannot encode")
	}
}

func TestBuildStopsAtTerminator(t *testing.T) {
	code := &fakeCode{bytes: []byte{0x90, 0x90, 0xC3, 0x90}}
	b := &Builder{Decoder: fakeDecoder{}, Encoder: fakeEncoder{}}
	ar := arena.NewBump(4096)
	defer ar.Close()

	blk, err := b.Build(ar, code, policy.Policy{}, policy.Mangle(0, policy.Policy{}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(blk.Instructions) != 3 {
		t.Fatalf("expected 3 instructions (nop, nop, ret), got %d", len(blk.Instructions))
	}
	if blk.Instructions[2].Op != instr.OpRet {
		t.Fatalf("expected block to end at the ret, got %v", blk.Instructions[2].Op)
	}
}

func TestBuildWritesHeaderMagic(t *testing.T) {
	code := &fakeCode{bytes: []byte{0xC3}}
	b := &Builder{Decoder: fakeDecoder{}, Encoder: fakeEncoder{}}
	ar := arena.NewBump(4096)
	defer ar.Close()

	blk, err := b.Build(ar, code, policy.Policy{}, policy.Mangle(0, policy.Policy{}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if blk.Header.Magic != HeaderMagic {
		t.Fatalf("Header.Magic = %#x, want %#x", blk.Header.Magic, HeaderMagic)
	}
	if blk.CachePCStart == 0 {
		t.Fatal("expected a non-zero cache address")
	}
}

func TestBuildInvokesInstrumentationPolicy(t *testing.T) {
	code := &fakeCode{bytes: []byte{0xC3}}
	invoked := false
	b := &Builder{
		Decoder: fakeDecoder{},
		Encoder: fakeEncoder{},
		Instrument: func(p policy.Policy, ip policy.Interposer) error {
			invoked = true
			if ip.Len() != 1 {
				t.Errorf("expected 1 decoded instruction visible to the policy, got %d", ip.Len())
			}
			return nil
		},
	}
	ar := arena.NewBump(4096)
	defer ar.Close()

	if _, err := b.Build(ar, code, policy.Policy{}, policy.Mangle(0, policy.Policy{}, 0)); err != nil {
		t.Fatal(err)
	}
	if !invoked {
		t.Fatal("expected the instrumentation policy to be invoked")
	}
}
