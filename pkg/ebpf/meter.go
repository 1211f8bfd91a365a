package ebpf

import "errors"

// ErrBudgetExhausted is returned by Meter.Consume when not enough units remain.
var ErrBudgetExhausted = errors.New("compute budget exhausted")

// Weighted instruction costs.
const (
	CostALU   = uint64(1)  // Simple ALU operations
	CostMul   = uint64(4)  // Multiplication
	CostDiv   = uint64(12) // Division/modulo
	CostLoad  = uint64(2)  // Memory load
	CostStore = uint64(2)  // Memory store
	CostLddw  = uint64(2)  // 64-bit immediate load
	CostJump  = uint64(1)  // Jump instructions
	CostCall  = uint64(5)  // Internal calls and syscalls
	CostExit  = uint64(1)  // Exit/return
)

// CostTable maps every opcode to the units charged before it executes.
// Costs must be at least 1.
type CostTable [256]uint64

// Cost returns the cost of op.
func (t *CostTable) Cost(op uint8) uint64 {
	return t[op]
}

var uniform = func() *CostTable {
	t := &CostTable{}
	for i := range t {
		t[i] = 1
	}
	return t
}()

// UniformCosts returns the table charging one unit per instruction.
func UniformCosts() *CostTable {
	return uniform
}

// WeightedCosts returns a table charging by instruction class.
func WeightedCosts() *CostTable {
	t := &CostTable{}
	for op := range t {
		t[op] = weightedCost(uint8(op))
	}
	return t
}

func weightedCost(op uint8) uint64 {
	switch Class(op) {
	case ClassAlu, ClassAlu64:
		switch op & 0xf0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		default:
			return CostALU
		}

	case ClassLd, ClassLdx:
		if op == OpLddw {
			return CostLddw
		}
		return CostLoad

	case ClassSt, ClassStx:
		return CostStore

	case ClassJmp, ClassJmp32:
		switch op & 0xf0 {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		default:
			return CostJump
		}

	default:
		return CostALU
	}
}

// Meter tracks the remaining compute budget of one invocation.
type Meter struct {
	remaining uint64
	limit     uint64
}

// NewMeter creates a meter with limit units.
func NewMeter(limit uint64) *Meter {
	return &Meter{remaining: limit, limit: limit}
}

// Consume charges cost units. When fewer remain, nothing is charged.
func (m *Meter) Consume(cost uint64) error {
	if m.remaining < cost {
		return ErrBudgetExhausted
	}
	m.remaining -= cost
	return nil
}

// Remaining returns the units left.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the units charged so far.
func (m *Meter) Consumed() uint64 {
	return m.limit - m.remaining
}

// Set overwrites the remaining units. Compiled code keeps the budget in
// its own state block and syncs it back through Set.
func (m *Meter) Set(remaining uint64) {
	m.remaining = remaining
}
