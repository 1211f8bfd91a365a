// Package vm runs verified programs. A Context holds the state of one
// invocation and dispatches to the interpreter or to a compiled artifact.
package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/jit"
	"github.com/fortiblox/bpfvm/pkg/memory"
)

// Context errors.
var (
	ErrContextSpent     = errors.New("context already ran")
	ErrInputBound       = errors.New("input can only be bound before the first step")
	ErrCompiledStep     = errors.New("compiled contexts cannot be stepped")
	ErrArtifactMismatch = errors.New("artifact was compiled from a different program")
	ErrNoProgram        = errors.New("nil program")
	ErrConfigMismatch   = errors.New("config differs from the one the program was verified with")
)

const inputSlot = int(memory.InputStart >> 32)

// Engine names.
const (
	EngineInterpreter = "interpreter"
	EngineJIT         = "jit"
)

// Options configures a Context.
type Options struct {
	// Config overrides the configuration the program was verified with.
	// Fields the verifier checks against must be unchanged.
	Config *ebpf.Config

	// Syscalls resolves syscall ids. It should be the table the program
	// was verified against.
	Syscalls *ebpf.SyscallTable

	// Artifact runs the program as native code. When nil and the config
	// sets UseJIT, New compiles one and Close releases it.
	Artifact *jit.Artifact

	// FallbackToInterpreter interprets instead of failing when the
	// program cannot be compiled.
	FallbackToInterpreter bool

	Logger logrus.FieldLogger
}

type runState uint8

const (
	stateReady runState = iota
	stateStepping
	stateDone
)

// Context is the state of one invocation. It is not safe for concurrent
// use and runs once.
type Context struct {
	prog     *ebpf.Program
	cfg      ebpf.Config
	costs    *ebpf.CostTable
	syscalls *ebpf.SyscallTable
	log      logrus.FieldLogger

	artifact *jit.Artifact
	owned    bool // artifact compiled by New

	mem   *memory.Map
	stack *Stack
	meter *ebpf.Meter

	regs     [ebpf.NumRegisters]uint64
	pc       int
	executed uint64
	state    runState
}

// New creates a context for prog. The input region is empty until
// BindInput is called.
func New(prog *ebpf.Program, opts Options) (*Context, error) {
	if prog == nil {
		return nil, ErrNoProgram
	}
	cfg := prog.Config
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sameVerification(prog.Config, cfg); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}

	stack, err := memory.NewStackRegion(cfg.StackFrameSize, uint64(cfg.MaxCallDepth), cfg.EnableStackGaps)
	if err != nil {
		return nil, err
	}
	mem, err := memory.New(cfg.AllowUnaligned,
		memory.NewProgramRegion(prog.ProgramRegion()),
		stack,
		memory.NewHeapRegion(cfg.HeapSize),
		memory.NewInputRegion(nil, cfg.WritableInput),
	)
	if err != nil {
		return nil, err
	}

	c := &Context{
		prog:     prog,
		cfg:      cfg,
		costs:    cfg.CostTable(),
		syscalls: opts.Syscalls,
		log:      log,
		mem:      mem,
		stack:    NewStack(cfg.MaxCallDepth, cfg.FrameStride()),
		meter:    ebpf.NewMeter(cfg.ComputeBudget),
		pc:       prog.Entry,
	}
	c.regs[1] = memory.InputStart
	c.regs[10] = memory.StackStart + cfg.StackFrameSize

	if err := c.attach(opts); err != nil {
		return nil, err
	}
	return c, nil
}

// sameVerification rejects an override that changes what the verifier
// accepted the program under.
func sameVerification(verified, cfg ebpf.Config) error {
	switch {
	case *cfg.Enabled() != *verified.Enabled():
		return fmt.Errorf("%w: enabled opcodes", ErrConfigMismatch)
	case cfg.StackFrameSize != verified.StackFrameSize:
		return fmt.Errorf("%w: stack frame size %d, verified with %d", ErrConfigMismatch, cfg.StackFrameSize, verified.StackFrameSize)
	case cfg.MaxCallDepth != verified.MaxCallDepth:
		return fmt.Errorf("%w: max call depth %d, verified with %d", ErrConfigMismatch, cfg.MaxCallDepth, verified.MaxCallDepth)
	case cfg.AllowUnaligned != verified.AllowUnaligned:
		return fmt.Errorf("%w: unaligned access policy", ErrConfigMismatch)
	}
	return nil
}

// attach selects the artifact to run, compiling one if the config asks
// for it.
func (c *Context) attach(opts Options) error {
	if opts.Artifact != nil {
		if opts.Artifact.Program() != c.prog {
			return ErrArtifactMismatch
		}
		if err := opts.Artifact.Compatible(c.cfg); err != nil {
			return err
		}
		c.artifact = opts.Artifact
		return nil
	}
	if !c.cfg.UseJIT {
		return nil
	}

	a, err := jit.Compile(c.prog, c.cfg)
	if err != nil {
		if !opts.FallbackToInterpreter {
			return err
		}
		c.log.WithError(err).Debug("compile failed, interpreting")
		return nil
	}
	c.artifact = a
	c.owned = true
	return nil
}

// BindInput maps input at the input region. The buffer is used in place,
// so writes by the program are visible to the caller when the input is
// writable.
func (c *Context) BindInput(input []byte) error {
	if c.state != stateReady {
		return ErrInputBound
	}
	return c.mem.Replace(inputSlot, input)
}

// Run executes the program until it exits or faults and returns r0. A
// fault is returned as an *ebpf.Fault.
func (c *Context) Run() (uint64, error) {
	if c.state == stateDone {
		return 0, ErrContextSpent
	}

	var (
		r0  uint64
		err error
	)
	if c.artifact != nil {
		r0, err = c.runCompiled()
	} else {
		r0, err = c.interpret()
	}
	c.finish(err)
	return r0, err
}

func (c *Context) interpret() (uint64, error) {
	c.state = stateStepping
	for {
		halted, err := c.step()
		if err != nil {
			return 0, err
		}
		if halted {
			return c.regs[0], nil
		}
	}
}

func (c *Context) runCompiled() (uint64, error) {
	c.state = stateStepping
	inv := &jit.Invocation{
		Regs:     &c.regs,
		Memory:   c.mem,
		Meter:    c.meter,
		Syscalls: c.syscalls,
		Env:      c,
	}
	r0, err := c.artifact.Execute(inv)
	c.executed += inv.Executed

	var fault *ebpf.Fault
	if errors.As(err, &fault) {
		c.pc = fault.PC
	}
	return r0, err
}

// Step executes a single instruction on the interpreter. It reports
// whether the program has exited; r0 then holds the result.
func (c *Context) Step() (bool, error) {
	if c.state == stateDone {
		return false, ErrContextSpent
	}
	if c.artifact != nil {
		return false, ErrCompiledStep
	}
	c.state = stateStepping
	halted, err := c.step()
	if halted || err != nil {
		c.finish(err)
	}
	return halted, err
}

func (c *Context) finish(err error) {
	c.state = stateDone
	fields := logrus.Fields{
		"engine":   c.Engine(),
		"executed": c.executed,
		"consumed": c.meter.Consumed(),
	}
	if err != nil {
		c.log.WithFields(fields).WithError(err).Debug("invocation faulted")
		return
	}
	c.log.WithFields(fields).Debug("invocation finished")
}

// Close releases an artifact compiled by New. Artifacts passed in
// through Options belong to the caller.
func (c *Context) Close() error {
	if c.owned {
		c.owned = false
		return c.artifact.Close()
	}
	return nil
}

// Engine returns the name of the engine the context runs on.
func (c *Context) Engine() string {
	if c.artifact != nil {
		return EngineJIT
	}
	return EngineInterpreter
}

// Executed returns the number of instructions executed so far.
func (c *Context) Executed() uint64 {
	return c.executed
}

// Consumed returns the compute units charged so far.
func (c *Context) Consumed() uint64 {
	return c.meter.Consumed()
}

// Registers returns a copy of the register file.
func (c *Context) Registers() [ebpf.NumRegisters]uint64 {
	return c.regs
}

// PC returns the index of the next instruction, or of the faulting one.
func (c *Context) PC() int {
	return c.pc
}

// Depth returns the number of active functions.
func (c *Context) Depth() int {
	return c.stack.Depth()
}

// Memory returns the memory map of the invocation.
func (c *Context) Memory() *memory.Map {
	return c.mem
}

// Config returns the effective configuration.
func (c *Context) Config() ebpf.Config {
	return c.cfg
}

// Translate implements ebpf.Env.
func (c *Context) Translate(addr, size uint64, kind memory.AccessKind) ([]byte, error) {
	return c.mem.Translate(addr, size, kind)
}

// Consume implements ebpf.Env.
func (c *Context) Consume(units uint64) error {
	if err := c.meter.Consume(units); err != nil {
		return fmt.Errorf("%w: need %d, have %d", err, units, c.meter.Remaining())
	}
	return nil
}

// Remaining implements ebpf.Env.
func (c *Context) Remaining() uint64 {
	return c.meter.Remaining()
}

// Logger implements ebpf.Env.
func (c *Context) Logger() logrus.FieldLogger {
	return c.log
}

var _ ebpf.Env = (*Context)(nil)
