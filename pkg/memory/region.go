package memory

import "fmt"

// Region is one contiguous mapping in the virtual address space.
type Region struct {
	Vaddr      uint64
	Host       []byte
	Writable   bool
	Executable bool

	// FrameSize and Stride describe a gapped stack. With a non-zero
	// FrameSize only the first FrameSize bytes of every Stride bytes are
	// accessible; the rest is a guard zone.
	FrameSize uint64
	Stride    uint64

	mapped bool
}

// Len returns the mapped length of the region.
func (r *Region) Len() uint64 {
	return uint64(len(r.Host))
}

// Mask returns the offset mask used for the guard gap check.
func (r *Region) Mask() uint64 {
	if r.FrameSize == 0 {
		return ^uint64(0)
	}
	return r.Stride - 1
}

// Chunk returns the number of accessible bytes per stride.
func (r *Region) Chunk() uint64 {
	if r.FrameSize == 0 {
		return r.Len()
	}
	return r.FrameSize
}

// check returns a non-empty reason when [lo, lo+size) cannot be accessed.
func (r *Region) check(lo, size uint64, kind AccessKind) string {
	switch kind {
	case Store:
		if !r.Writable {
			return "read-only"
		}
	case Execute:
		if !r.Executable {
			return "not executable"
		}
	}
	if size > offsetMask || lo+size > r.Len() {
		return fmt.Sprintf("out of bounds (region is %d bytes)", r.Len())
	}
	if (lo&r.Mask())+size > r.Chunk() {
		return "stack guard gap"
	}
	return ""
}

// NewProgramRegion maps read-only program bytes.
func NewProgramRegion(data []byte) Region {
	return Region{Vaddr: ProgramStart, Host: data, Executable: true}
}

// NewStackRegion maps depth stack frames of frameSize bytes. With gaps
// enabled every frame is followed by an unmapped zone of the same size.
// The host buffer covers the gaps, so virtual and host offsets coincide.
func NewStackRegion(frameSize, depth uint64, gaps bool) (Region, error) {
	if frameSize == 0 || frameSize&(frameSize-1) != 0 {
		return Region{}, fmt.Errorf("%w: %d", ErrInvalidFrameSize, frameSize)
	}
	stride := FrameStride(frameSize, gaps)
	if depth == 0 || stride*depth > offsetMask {
		return Region{}, fmt.Errorf("%w: %d frames of %d bytes", ErrRegionTooLarge, depth, stride)
	}
	r := Region{
		Vaddr:    StackStart,
		Host:     make([]byte, stride*depth),
		Writable: true,
	}
	if gaps {
		r.FrameSize = frameSize
		r.Stride = stride
	}
	return r, nil
}

// FrameStride returns the distance between two consecutive frame pointers.
func FrameStride(frameSize uint64, gaps bool) uint64 {
	if gaps {
		return 2 * frameSize
	}
	return frameSize
}

// NewHeapRegion maps a zeroed read-write heap.
func NewHeapRegion(size uint64) Region {
	return Region{Vaddr: HeapStart, Host: make([]byte, size), Writable: true}
}

// NewInputRegion maps the input parameter buffer.
func NewInputRegion(input []byte, writable bool) Region {
	return Region{Vaddr: InputStart, Host: input, Writable: writable}
}
