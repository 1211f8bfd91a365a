package ebpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bpfvm/pkg/memory"
)

func TestInstructionFields(t *testing.T) {
	ins := Encode(OpStxdw, 10, 1, -8, 0x12345678)
	assert.Equal(t, uint8(OpStxdw), ins.Op())
	assert.Equal(t, uint8(10), ins.Dst())
	assert.Equal(t, uint8(1), ins.Src())
	assert.Equal(t, int16(-8), ins.Off())
	assert.Equal(t, int32(0x12345678), ins.Imm())

	neg := Encode(OpMov64Imm, 0, 0, 0, -1)
	assert.Equal(t, int32(-1), neg.Imm())
	assert.Equal(t, uint32(0xffffffff), neg.Uimm())
}

// Programs assembled with cilium/ebpf must decode to the same slots.
func TestEncodingMatchesCilium(t *testing.T) {
	insns := asm.Instructions{
		asm.Mov.Imm(asm.R0, 7),
		asm.Add.Imm(asm.R0, 5),
		asm.LoadImm(asm.R1, 0x1122334455667788, asm.DWord),
		asm.LoadMem(asm.R2, asm.R1, 8, asm.Word),
		asm.StoreMem(asm.RFP, -8, asm.R2, asm.DWord),
		asm.Mov.Reg32(asm.R3, asm.R2),
		asm.FnMapLookupElem.Call(),
		asm.Return(),
	}
	var buf bytes.Buffer
	require.NoError(t, insns.Marshal(&buf, binary.LittleEndian))

	lddw := EncodeLddw(1, 0x1122334455667788)
	want := Assemble(
		Encode(OpMov64Imm, 0, 0, 0, 7),
		Encode(OpAdd64Imm, 0, 0, 0, 5),
		lddw[0], lddw[1],
		Encode(OpLdxw, 2, 1, 8, 0),
		Encode(OpStxdw, 10, 2, -8, 0),
		Encode(OpMov32Reg, 3, 2, 0, 0),
		Encode(OpCall, 0, CallSyscall, 0, 1),
		Encode(OpExit, 0, 0, 0, 0),
	)
	assert.Equal(t, want, buf.Bytes())

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, decoded, 9)
	assert.Equal(t, uint64(0x1122334455667788), Lddw(decoded, 2))
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(make([]byte, 12))
	assert.True(t, errors.Is(err, ErrTruncatedText))
}

func TestOpcodeSet(t *testing.T) {
	s := DefaultOpcodes()
	for _, op := range []uint8{OpAdd64Imm, OpLe, OpBe, OpLddw, OpJsle32Reg, OpCall, OpExit, OpStxb} {
		assert.True(t, s.Has(op), "opcode 0x%02x", op)
	}
	for _, op := range []uint8{0x00, 0x20, 0x8d, 0xff, 0x06} {
		assert.False(t, s.Has(op), "opcode 0x%02x", op)
	}

	c := s.Clone()
	require.NoError(t, c.DisableGroup("jmp32"))
	assert.False(t, c.Has(OpJeq32Imm))
	assert.True(t, s.Has(OpJeq32Imm))
	assert.Error(t, c.DisableGroup("vector"))
}

func TestCostTables(t *testing.T) {
	u := UniformCosts()
	w := WeightedCosts()
	tests := []struct {
		op       uint8
		weighted uint64
	}{
		{OpAdd64Imm, CostALU},
		{OpMul64Imm, CostMul},
		{OpDiv64Imm, CostDiv},
		{OpMod32Reg, CostDiv},
		{OpLdxdw, CostLoad},
		{OpStxdw, CostStore},
		{OpLddw, CostLddw},
		{OpJa, CostJump},
		{OpCall, CostCall},
		{OpExit, CostExit},
	}
	for _, tt := range tests {
		assert.Equal(t, uint64(1), u.Cost(tt.op))
		assert.Equal(t, tt.weighted, w.Cost(tt.op), "opcode 0x%02x", tt.op)
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter(10)
	require.NoError(t, m.Consume(4))
	assert.Equal(t, uint64(6), m.Remaining())

	assert.True(t, errors.Is(m.Consume(7), ErrBudgetExhausted))
	assert.Equal(t, uint64(6), m.Remaining(), "failed charge must not consume")

	require.NoError(t, m.Consume(6))
	assert.Equal(t, uint64(10), m.Consumed())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.MaxCallDepth = 0 },
		func(c *Config) { c.StackFrameSize = 3000 },
		func(c *Config) { c.HeapSize = MaxHeapSize + 1 },
		func(c *Config) { c.Costs = &CostTable{} },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		assert.True(t, errors.Is(c.Validate(), ErrInvalidConfig), "case %d", i)
	}
}

func TestFault(t *testing.T) {
	detail := &memory.AccessError{Addr: 0x400000004, Len: 1, Kind: memory.Load}
	f := NewFault(InvalidMemoryAccess, 3, detail)

	assert.True(t, errors.Is(f, ErrInvalidMemoryAccess))
	assert.True(t, errors.Is(f, memory.ErrAccessViolation))
	assert.False(t, errors.Is(f, ErrDivideByZero))

	var ae *memory.AccessError
	require.True(t, errors.As(f, &ae))
	assert.Equal(t, uint64(1), ae.Len)
	assert.True(t, f.Same(NewFault(InvalidMemoryAccess, 3, nil)))

	sf := SyscallFault(9, ErrBudgetExhausted)
	assert.Equal(t, ExceededMaxInstructions, sf.Kind)
	assert.Equal(t, SyscallError, SyscallFault(9, errors.New("boom")).Kind)
}

func TestSyscallTable(t *testing.T) {
	fn := SyscallFunc(func(Env, uint64, uint64, uint64, uint64, uint64) (uint64, error) { return 1, nil })
	table, err := NewSyscallTable(SyscallEntry{ID: 7, Name: "seven", Fn: fn}, SyscallEntry{ID: 2, Name: "two", Fn: fn})
	require.NoError(t, err)

	_, ok := table.Lookup(7)
	assert.True(t, ok)
	name, _ := table.Name(2)
	assert.Equal(t, "two", name)
	assert.Equal(t, uint32(2), table.Entries()[0].ID)

	_, err = NewSyscallTable(SyscallEntry{ID: 1, Fn: fn}, SyscallEntry{ID: 1, Fn: fn})
	assert.True(t, errors.Is(err, ErrDuplicateSyscall))

	var nilTable *SyscallTable
	_, ok = nilTable.Lookup(1)
	assert.False(t, ok)
}

func TestDisassemble(t *testing.T) {
	lddw := EncodeLddw(1, 0x1234)
	insns := []Instruction{
		lddw[0], lddw[1],
		Encode(OpLdxw, 0, 1, 8, 0),
		Encode(OpStxdw, 10, 1, -8, 0),
		Encode(OpStb, 10, 0, -1, 5),
		Encode(OpAdd64Imm, 0, 0, 0, 5),
		Encode(OpSub32Reg, 2, 3, 0, 0),
		Encode(OpNeg64, 0, 0, 0, 0),
		Encode(OpLe, 1, 0, 0, 16),
		Encode(OpBe, 1, 0, 0, 64),
		Encode(OpDiv64Reg, 1, 2, 1, 0),
		Encode(OpJeqImm, 1, 0, 2, 0),
		Encode(OpCall, 0, CallInternal, 0, 2),
		Encode(OpCall, 0, CallSyscall, 0, 1),
		Encode(OpExit, 0, 0, 0, 0),
		Encode(OpJa, 0, 0, -2, 0),
		Encode(0xff, 0, 0, 0, 0),
	}
	fn := SyscallFunc(func(Env, uint64, uint64, uint64, uint64, uint64) (uint64, error) { return 0, nil })
	table, err := NewSyscallTable(SyscallEntry{ID: 1, Name: "sol_log_", Fn: fn})
	require.NoError(t, err)

	prog := &Program{Insns: insns, Functions: []Function{{Entry: 0, End: 15}, {Entry: 15, End: 17}}}
	want := `function_0:
    lddw r1, 0x1234
    ldxw r0, [r1+0x8]
    stxdw [r10-0x8], r1
    stb [r10-0x1], 5
    add64 r0, 5
    sub32 r2, r3
    neg64 r0
    le16 r1
    be64 r1
    sdiv64 r1, r2
    jeq r1, 0x0, lbb_14
    call function_15
    syscall sol_log_
lbb_14:
    exit
function_15:
    ja lbb_14
    unknown opcode=0xff
`
	assert.Equal(t, want, Disassemble(prog, table))
	assert.Equal(t, "syscall 0x00000009", DisassembleInstruction([]Instruction{Encode(OpCall, 0, 0, 0, 9)}, 0, nil))
}
