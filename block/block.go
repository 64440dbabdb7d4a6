// Package block implements the basic-block builder of component E:
// decode a native instruction stream to its terminating control
// transfer, run the client instrumentation policy over it, mangle it,
// and emit the result into a CPU's fragment arena with a header magic
// word written RETURN_ADDRESS_OFFSET bytes ahead of the block's first
// instruction.
package block

import (
	"encoding/binary"
	"fmt"

	"granary.dev/granary/arena"
	"granary.dev/granary/instr"
	"granary.dev/granary/policy"
)

// HeaderMagic identifies a valid basic-block header, mirroring
// basic_block_info::HEADER in the original.
const HeaderMagic uint32 = 0x67725948 // "grYH"

// RETURN_ADDRESS_OFFSET names the fixed byte distance, behind an
// address that might be a copied return address into the code cache,
// at which a header magic word is expected.
const ReturnAddressOffset = 16

// MaxBlockInstructions bounds decode-to-terminator scanning so a
// malformed or adversarial instruction stream cannot make block
// construction loop forever.
const MaxBlockInstructions = 4096

// Header is the fixed-layout record written immediately before a
// translated block's first instruction, encoded with encoding/binary
// as a small binary.Write-friendly struct that a raw pointer walk can
// locate at a fixed offset.
type Header struct {
	Magic    uint32
	Flags    uint32
	OriginPC uint64
}

const HeaderSize = 16 // 4 + 4 + 8, explicit rather than unsafe.Sizeof

// Block is a translated basic block.
type Block struct {
	CachePCStart uintptr // address of the first instruction in the cache
	OriginPC     uintptr // native PC this block was translated from
	OriginMangled policy.Mangled
	Header       Header
	Instructions []instr.Instruction
}

// Mangler is the narrow interface package mangle satisfies; block
// depends on it as a function value to avoid an import cycle (mangle
// in turn depends on instr and policy, not on block).
type Mangler func(cpuArena *arena.Bump, policy policy.Policy, insns []instr.Instruction) ([]instr.Instruction, error)

// Builder holds the collaborators needed to build blocks: a decoder,
// an encoder, an instrumentation dispatcher, and a mangler.
type Builder struct {
	Decoder    instr.Decoder
	Encoder    instr.Encoder
	Instrument policy.Instrument
	Mangle     Mangler
}

// codeReader supplies raw bytes at a native address; block.Build reads
// through it rather than assuming a single contiguous []byte, since
// the address space a real translator decodes from is not one Go
// slice.
type codeReader interface {
	ReadCode(pc uintptr, max int) ([]byte, error)
}

// CodeReaderFunc adapts a function to codeReader.
type CodeReaderFunc func(pc uintptr, max int) ([]byte, error)

func (f CodeReaderFunc) ReadCode(pc uintptr, max int) ([]byte, error) { return f(pc, max) }

// interposer implements policy.Interposer over a slice being built up
// during decode.
type interposer struct {
	insns *[]instr.Instruction
}

func (ip *interposer) InsertBefore(at int, newInsn any) {
	in, ok := newInsn.(instr.Instruction)
	if !ok {
		return
	}
	s := *ip.insns
	s = append(s, instr.Instruction{})
	copy(s[at+1:], s[at:])
	s[at] = in
	*ip.insns = s
}

func (ip *interposer) Append(newInsn any) {
	in, ok := newInsn.(instr.Instruction)
	if !ok {
		return
	}
	if n := len(*ip.insns); n > 0 && (*ip.insns)[n-1].IsCTI() {
		ip.InsertBefore(n-1, in)
		return
	}
	*ip.insns = append(*ip.insns, in)
}

func (ip *interposer) Len() int { return len(*ip.insns) }

// Build decodes from pc until a control transfer instruction
// terminates the block (or MaxBlockInstructions is reached), invokes
// the client instrumentation policy, mangles the result, and emits it
// into cpuArena with a header written ReturnAddressOffset bytes ahead
// of the first instruction.
func (b *Builder) Build(cpuArena *arena.Bump, code codeReader, pol policy.Policy, mangledPC policy.Mangled) (*Block, error) {
	pc := mangledPC.PC()
	var insns []instr.Instruction

	cur := pc
	for i := 0; i < MaxBlockInstructions; i++ {
		raw, err := code.ReadCode(cur, 16)
		if err != nil {
			return nil, fmt.Errorf("block: reading code at %#x: %w", cur, err)
		}
		in, err := b.Decoder.Decode(raw, cur)
		if err != nil {
			return nil, fmt.Errorf("block: decoding at %#x: %w", cur, err)
		}
		if in.Len <= 0 {
			return nil, fmt.Errorf("block: decoder reported zero-length instruction at %#x", cur)
		}
		insns = append(insns, in)
		cur += uintptr(in.Len)
		if in.IsCTI() {
			break
		}
	}

	if b.Instrument != nil {
		ip := &interposer{insns: &insns}
		if err := b.Instrument(pol, ip); err != nil {
			return nil, fmt.Errorf("block: instrumentation policy: %w", err)
		}
	}

	if b.Mangle != nil {
		mangled, err := b.Mangle(cpuArena, pol, insns)
		if err != nil {
			return nil, fmt.Errorf("block: mangling: %w", err)
		}
		insns = mangled
	}

	body, err := b.encode(insns)
	if err != nil {
		return nil, err
	}

	hdr := Header{Magic: HeaderMagic, Flags: uint32(pol.Props), OriginPC: uint64(pc)}
	hdrBytes := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdrBytes[0:4], hdr.Magic)
	binary.LittleEndian.PutUint32(hdrBytes[4:8], hdr.Flags)
	binary.LittleEndian.PutUint64(hdrBytes[8:16], hdr.OriginPC)

	total := HeaderSize + len(body)
	mem, addr, err := cpuArena.AllocStaged(total)
	if err != nil {
		return nil, fmt.Errorf("block: emitting %d bytes: %w", total, err)
	}
	copy(mem[:HeaderSize], hdrBytes)
	copy(mem[HeaderSize:], body)

	return &Block{
		CachePCStart:  addr + HeaderSize,
		OriginPC:      pc,
		OriginMangled: mangledPC,
		Header:        hdr,
		Instructions:  insns,
	}, nil
}

func (b *Builder) encode(insns []instr.Instruction) ([]byte, error) {
	var out []byte
	for _, in := range insns {
		var err error
		out, err = b.Encoder.Encode(out, in)
		if err != nil {
			return nil, fmt.Errorf("encoding %v at %#x: %w", in.Op, in.PC, err)
		}
	}
	return out, nil
}
