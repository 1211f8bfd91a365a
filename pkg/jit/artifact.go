package jit

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/memory"
)

// maxNativeStack bounds the native stack used with native call frames.
const maxNativeStack = 64 << 20

// scratchPoolSize is the number of idle scratch mappings kept per artifact.
const scratchPoolSize = 8

// ErrIncompatibleConfig is returned when an artifact is used with a
// configuration that differs in an option baked into the code.
var ErrIncompatibleConfig = errors.New("config does not match compiled artifact")

// Invocation carries the per-run state handed to Execute. Regs, Memory and
// Meter are owned by the caller and updated in place.
type Invocation struct {
	Regs     *[ebpf.NumRegisters]uint64
	Memory   *memory.Map
	Meter    *ebpf.Meter
	Syscalls *ebpf.SyscallTable
	Env      ebpf.Env

	// Executed is incremented by the number of instructions run.
	Executed uint64
}

// Artifact is a compiled program. It is immutable and may be executed by
// many goroutines at once, each with its own Invocation.
type Artifact struct {
	prog    *ebpf.Program
	cfg     ebpf.Config
	costs   *ebpf.CostTable
	code    []byte // executable mapping
	offsets []uint32
	layout  scratchLayout

	closed atomic.Bool
	mu     sync.Mutex
	pool   chan *scratch
}

// Compile translates prog into native code using the options of cfg that
// affect code generation: the call depth, the frame stride, the alignment
// policy, the call frame mode and the cost table.
func Compile(prog *ebpf.Program, cfg ebpf.Config) (*Artifact, error) {
	if err := cfg.Validate(); err != nil {
		return nil, compileError(-1, err, "invalid config")
	}
	layout, err := newScratchLayout(cfg)
	if err != nil {
		return nil, err
	}
	code, offsets, err := compile(prog, cfg)
	if err != nil {
		return nil, err
	}
	if !nativeSupported {
		return nil, &Error{Reason: "unsupported platform " + runtime.GOOS + "/" + runtime.GOARCH, Index: -1, Err: ErrUnsupportedPlatform}
	}
	exec, err := mapExecutable(code)
	if err != nil {
		return nil, compileError(-1, err, "map code")
	}

	a := &Artifact{
		prog:    prog,
		cfg:     cfg,
		costs:   cfg.CostTable(),
		code:    exec,
		offsets: offsets,
		layout:  layout,
		pool:    make(chan *scratch, scratchPoolSize),
	}
	runtime.SetFinalizer(a, (*Artifact).Close)
	return a, nil
}

// Program returns the program the artifact was compiled from.
func (a *Artifact) Program() *ebpf.Program {
	return a.prog
}

// Config returns the configuration the artifact was compiled with.
func (a *Artifact) Config() ebpf.Config {
	return a.cfg
}

// Compatible reports whether cfg can run this artifact.
func (a *Artifact) Compatible(cfg ebpf.Config) error {
	switch {
	case cfg.MaxCallDepth != a.cfg.MaxCallDepth:
		return fmt.Errorf("%w: max call depth %d, compiled for %d", ErrIncompatibleConfig, cfg.MaxCallDepth, a.cfg.MaxCallDepth)
	case cfg.FrameStride() != a.cfg.FrameStride() || cfg.StackFrameSize != a.cfg.StackFrameSize:
		return fmt.Errorf("%w: stack frame layout", ErrIncompatibleConfig)
	case cfg.EnableStackGaps != a.cfg.EnableStackGaps:
		return fmt.Errorf("%w: stack gaps", ErrIncompatibleConfig)
	case cfg.NativeCallFrames != a.cfg.NativeCallFrames:
		return fmt.Errorf("%w: native call frames", ErrIncompatibleConfig)
	case cfg.AllowUnaligned != a.cfg.AllowUnaligned:
		return fmt.Errorf("%w: unaligned access policy", ErrIncompatibleConfig)
	case *cfg.CostTable() != *a.costs:
		return fmt.Errorf("%w: cost table", ErrIncompatibleConfig)
	}
	return nil
}

// Code returns a copy of the native code.
func (a *Artifact) Code() []byte {
	return append([]byte(nil), a.code...)
}

// NativeOffset returns the offset of the code for instruction pc.
func (a *Artifact) NativeOffset(pc int) (uint32, bool) {
	if pc < 0 || pc >= len(a.offsets) {
		return 0, false
	}
	return a.offsets[pc], true
}

// PCForOffset maps a native offset back to the instruction whose code
// contains it. Offsets in the entry sequence map to -1, offsets past the
// program body map to the instruction count.
func (a *Artifact) PCForOffset(off uint32) int {
	i := sort.Search(len(a.offsets), func(i int) bool { return a.offsets[i] > off })
	if i == 0 {
		return -1
	}
	pc := i - 1
	// Skip empty instruction ranges, such as the second lddw slot.
	for pc > 0 && a.offsets[pc-1] == a.offsets[pc] {
		pc--
	}
	return pc
}

// Close releases the native code. Executing a closed artifact fails.
func (a *Artifact) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(a, nil)
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		select {
		case s := <-a.pool:
			s.free()
		default:
			return unmap(a.code)
		}
	}
}

func (a *Artifact) addr(pc int) uintptr {
	return uintptr(unsafe.Pointer(&a.code[0])) + uintptr(a.offsets[pc])
}

// Execute runs the compiled program with the registers, memory and meter
// of inv. It returns r0, or an *ebpf.Fault.
//
// The runtime cannot preempt native code. Between two syscalls the
// goroutine does not reach a safe point, so a stop-the-world pause waits
// for the run to exit; with the default budget that is up to 1.4M
// instructions without an intervening syscall. Bound ComputeBudget where
// GC latency matters.
func (a *Artifact) Execute(inv *Invocation) (uint64, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}
	s, err := a.acquire()
	if err != nil {
		return 0, err
	}
	defer a.release(s)
	defer runtime.KeepAlive(a)

	st := s.state()
	*st = state{}
	st.regs = *inv.Regs
	st.budget = inv.Meter.Remaining()
	st.depth = 1
	st.frames = s.frames
	st.nativeSP = s.stackTop
	st.loadRegions(inv.Memory)
	st.resume = a.addr(a.prog.Entry)

	defer func() {
		*inv.Regs = st.regs
		inv.Meter.Set(st.budget)
		inv.Executed += st.executed
	}()

	entry := uintptr(unsafe.Pointer(&a.code[0]))
	for {
		callJIT(entry, s.stateAddr)

		switch st.exitKind {
		case exitHalt:
			return st.regs[0], nil

		case exitSyscall:
			pc := int(st.exitPC)
			*inv.Regs = st.regs
			inv.Meter.Set(st.budget)
			err := inv.Syscalls.Dispatch(inv.Env, pc, a.prog.Insns[pc].Uimm(), &st.regs)
			st.budget = inv.Meter.Remaining()
			if err != nil {
				return 0, err
			}
			st.resume = a.addr(pc + 1)

		case exitBudget:
			return 0, a.replayBudget(st, int(st.exitPC))

		case exitFault:
			return 0, a.fault(inv, st)

		default:
			return 0, fmt.Errorf("jit: unknown exit kind %d at pc %d", st.exitKind, st.exitPC)
		}
	}
}

// replayBudget charges instruction costs from pc on against the remaining
// budget to find the first instruction the budget cannot cover.
func (a *Artifact) replayBudget(st *state, pc int) error {
	n := a.prog.Len()
	for ; pc < n; pc += a.prog.Width(pc) {
		cost := a.costs.Cost(a.prog.Insns[pc].Op())
		if st.budget < cost {
			break
		}
		st.budget -= cost
		st.executed++
	}
	return ebpf.NewFault(ebpf.ExceededMaxInstructions, pc, nil)
}

func (a *Artifact) fault(inv *Invocation, st *state) error {
	kind := ebpf.FaultKind(st.fault)
	pc := int(st.exitPC)
	if kind != ebpf.InvalidMemoryAccess {
		return ebpf.NewFault(kind, pc, nil)
	}
	width, access := accessOf(a.prog.Insns[pc])
	detail := inv.Memory.Check(st.faultAddr, width, access)
	if detail == nil {
		detail = &memory.AccessError{Addr: st.faultAddr, Len: width, Kind: access, Region: "unknown", Reason: "rejected by compiled check"}
	}
	return ebpf.NewFault(kind, pc, detail)
}

// scratchLayout sizes the per-invocation mapping:
//
//	[guard page][native stack][state][frame slots]
type scratchLayout struct {
	guard  int
	stack  int
	frames int
	total  int
}

func newScratchLayout(cfg ebpf.Config) (scratchLayout, error) {
	page := os.Getpagesize()
	l := scratchLayout{guard: page, stack: page}
	if cfg.NativeCallFrames {
		need := cfg.MaxCallDepth*frameSlotSize + page
		if need > maxNativeStack {
			return l, compileError(-1, nil, "native stack of %d bytes for %d frames exceeds %d", need, cfg.MaxCallDepth, maxNativeStack)
		}
		l.stack = roundUp(need, page)
	} else {
		l.frames = cfg.MaxCallDepth * frameSlotSize
	}
	l.total = roundUp(l.guard+l.stack+int(unsafe.Sizeof(state{}))+l.frames, page)
	return l, nil
}

func roundUp(n, page int) int {
	return (n + page - 1) / page * page
}

// scratch is one mapping laid out by scratchLayout. Living outside the Go
// heap, its addresses stay valid while compiled code runs.
type scratch struct {
	mem       []byte
	stateOff  int
	stateAddr uintptr
	stackTop  uintptr
	frames    uintptr
}

func newScratch(l scratchLayout) (*scratch, error) {
	mem, err := mapScratch(l.total, l.guard)
	if err != nil {
		return nil, err
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	s := &scratch{
		mem:      mem,
		stackTop: base + uintptr(l.guard+l.stack),
	}
	s.stateOff = l.guard + l.stack
	s.stateAddr = s.stackTop
	if l.frames > 0 {
		s.frames = s.stateAddr + unsafe.Sizeof(state{})
	}
	return s, nil
}

func (s *scratch) state() *state {
	return (*state)(unsafe.Pointer(&s.mem[s.stateOff]))
}

func (s *scratch) free() {
	_ = unmap(s.mem)
}

func (a *Artifact) acquire() (*scratch, error) {
	select {
	case s := <-a.pool:
		return s, nil
	default:
		return newScratch(a.layout)
	}
}

func (a *Artifact) release(s *scratch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		s.free()
		return
	}
	select {
	case a.pool <- s:
	default:
		s.free()
	}
}
