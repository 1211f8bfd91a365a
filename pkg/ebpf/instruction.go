package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InstructionSize is the size of one encoded instruction slot.
const InstructionSize = 8

// MaxInstructions bounds the number of slots in one program.
const MaxInstructions = 65536

// Register numbers.
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10

	NumRegisters = 11
	FramePointer = R10
)

// ErrTruncatedText is returned when program text is not a whole number of slots.
var ErrTruncatedText = errors.New("program text is not a multiple of 8 bytes")

// Instruction extracts fields from an encoded instruction.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 {
	return uint8(i)
}

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 {
	return uint8(i>>8) & 0x0f
}

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 {
	return uint8(i>>12) & 0x0f
}

// Off returns the signed offset (bits 16-31).
func (i Instruction) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the signed immediate (bits 32-63).
func (i Instruction) Imm() int32 {
	return int32(i >> 32)
}

// Uimm returns the immediate as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i >> 32)
}

func (i Instruction) String() string {
	return fmt.Sprintf("{op=0x%02x dst=r%d src=r%d off=%d imm=%d}", i.Op(), i.Dst(), i.Src(), i.Off(), i.Imm())
}

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) Instruction {
	return Instruction(uint64(op) |
		uint64(dst&0x0f)<<8 |
		uint64(src&0x0f)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32)
}

// EncodeLddw returns the two slots of a 64-bit immediate load.
func EncodeLddw(dst uint8, imm uint64) [2]Instruction {
	return [2]Instruction{
		Encode(OpLddw, dst, 0, 0, int32(uint32(imm))),
		Encode(0, 0, 0, 0, int32(uint32(imm>>32))),
	}
}

// Lddw returns the 64-bit immediate of the lddw starting at pc.
func Lddw(insns []Instruction, pc int) uint64 {
	return uint64(insns[pc].Uimm()) | uint64(insns[pc+1].Uimm())<<32
}

// Decode splits little-endian program text into instruction slots.
func Decode(text []byte) ([]Instruction, error) {
	if len(text)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedText, len(text))
	}
	insns := make([]Instruction, len(text)/InstructionSize)
	for i := range insns {
		insns[i] = Instruction(binary.LittleEndian.Uint64(text[i*InstructionSize:]))
	}
	return insns, nil
}

// Assemble encodes instructions as little-endian program text.
func Assemble(insns ...Instruction) []byte {
	text := make([]byte, len(insns)*InstructionSize)
	for i, ins := range insns {
		binary.LittleEndian.PutUint64(text[i*InstructionSize:], uint64(ins))
	}
	return text
}
