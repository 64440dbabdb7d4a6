package instr

// Decoder is the narrow decode contract this repository depends on:
// it turns raw bytes at pc into one Instruction, reporting how many
// bytes it consumed. A production translator's decoder is a full
// x86-64 disassembler; this package only specifies the interface it
// must satisfy so the mangler and watchpoints pass can be built and
// tested against a fake.
type Decoder interface {
	// Decode reads one instruction from code starting at offset 0,
	// which corresponds to the native address pc. It returns the
	// decoded instruction; in.Len is the number of bytes consumed.
	Decode(code []byte, pc uintptr) (Instruction, error)
}

// Encoder is the narrow encode contract: it serializes a (possibly
// mangler-rewritten) Instruction back to bytes suitable for placement
// in the code cache.
type Encoder interface {
	// Encode appends the machine code for in to dst and returns the
	// extended slice.
	Encode(dst []byte, in Instruction) ([]byte, error)
}

// DecodeFunc adapts a plain function to Decoder.
type DecodeFunc func(code []byte, pc uintptr) (Instruction, error)

func (f DecodeFunc) Decode(code []byte, pc uintptr) (Instruction, error) { return f(code, pc) }

// EncodeFunc adapts a plain function to Encoder.
type EncodeFunc func(dst []byte, in Instruction) ([]byte, error)

func (f EncodeFunc) Encode(dst []byte, in Instruction) ([]byte, error) { return f(dst, in) }
