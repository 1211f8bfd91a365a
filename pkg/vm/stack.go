package vm

// Frame is the caller state saved by an internal call.
type Frame struct {
	FramePtr uint64    // caller R10
	NVRegs   [4]uint64 // callee-saved R6-R9
	RetAddr  int       // instruction index to resume at
}

// Stack is the bounded call frame stack. Depth counts active functions,
// so a fresh stack has depth 1 for the entry function.
type Stack struct {
	frames []Frame
	max    int
	stride uint64
}

// NewStack creates a stack allowing maxDepth active functions. Every push
// moves the frame pointer up by stride bytes.
func NewStack(maxDepth int, stride uint64) *Stack {
	return &Stack{
		frames: make([]Frame, 0, maxDepth-1),
		max:    maxDepth,
		stride: stride,
	}
}

// Push saves the caller registers and moves regs[10] to the next frame.
// It returns false when the stack is full.
func (s *Stack) Push(regs *[11]uint64, retAddr int) bool {
	if s.Depth() >= s.max {
		return false
	}
	frame := Frame{
		FramePtr: regs[10],
		RetAddr:  retAddr,
	}
	copy(frame.NVRegs[:], regs[6:10])
	s.frames = append(s.frames, frame)

	regs[10] += s.stride
	return true
}

// Pop restores the caller registers and returns the return address. It
// returns false when only the entry function is active.
func (s *Stack) Pop(regs *[11]uint64) (int, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}
	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	copy(regs[6:10], frame.NVRegs[:])
	regs[10] = frame.FramePtr
	return frame.RetAddr, true
}

// Depth returns the number of active functions.
func (s *Stack) Depth() int {
	return len(s.frames) + 1
}

// Frames returns the saved frames, innermost last.
func (s *Stack) Frames() []Frame {
	return s.frames
}
