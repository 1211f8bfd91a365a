package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T, allowUnaligned bool) *Map {
	t.Helper()
	stack, err := NewStackRegion(64, 4, true)
	require.NoError(t, err)
	m, err := New(allowUnaligned,
		NewProgramRegion([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		stack,
		NewHeapRegion(32),
		NewInputRegion([]byte{0xaa, 0xbb, 0xcc, 0xdd}, false),
	)
	require.NoError(t, err)
	return m
}

func TestTranslate(t *testing.T) {
	m := newTestMap(t, true)

	tests := []struct {
		name   string
		addr   uint64
		size   uint64
		kind   AccessKind
		ok     bool
		reason string
	}{
		{"program load", ProgramStart, 8, Load, true, ""},
		{"program store", ProgramStart, 1, Store, false, "read-only"},
		{"program execute", ProgramStart + 4, 4, Execute, true, ""},
		{"program past end", ProgramStart + 1, 8, Load, false, "out of bounds (region is 8 bytes)"},
		{"null page", 0x10, 1, Load, false, "unmapped"},
		{"slot beyond table", 0x9_0000_0000, 1, Load, false, "unmapped"},
		{"stack first frame", StackStart, 64, Store, true, ""},
		{"stack gap", StackStart + 64, 1, Load, false, "stack guard gap"},
		{"stack crossing into gap", StackStart + 60, 8, Load, false, "stack guard gap"},
		{"stack second frame", StackStart + 128, 8, Store, true, ""},
		{"stack last gap", StackStart + 3*128 + 64, 8, Load, false, "stack guard gap"},
		{"heap store", HeapStart + 24, 8, Store, true, ""},
		{"heap overflow", HeapStart + 25, 8, Store, false, "out of bounds (region is 32 bytes)"},
		{"heap not executable", HeapStart, 1, Execute, false, "not executable"},
		{"input load", InputStart + 3, 1, Load, true, ""},
		{"input one past end", InputStart + 4, 1, Load, false, "out of bounds (region is 4 bytes)"},
		{"input read-only", InputStart, 1, Store, false, "read-only"},
		{"huge length", HeapStart, 1 << 40, Load, false, "out of bounds (region is 32 bytes)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := m.Translate(tt.addr, tt.size, tt.kind)
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, b, int(tt.size))
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAccessViolation))
			var ae *AccessError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.addr, ae.Addr)
			assert.Equal(t, tt.size, ae.Len)
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, tt.reason, ae.Reason)
		})
	}
}

func TestLoadStore(t *testing.T) {
	m := newTestMap(t, true)

	require.NoError(t, m.Store(HeapStart+3, 8, 0x1122334455667788))
	v, err := m.Load(HeapStart+3, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)

	v, err = m.Load(HeapStart+3, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7788), v)

	v, err = m.Load(InputStart, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xddccbbaa), v)

	require.NoError(t, m.Store(StackStart+128+63, 1, 0x1ff))
	v, err = m.Load(StackStart+128+63, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff), v)
}

func TestAlignmentPolicy(t *testing.T) {
	strict := newTestMap(t, false)

	_, err := strict.Load(HeapStart+2, 4)
	var ae *AccessError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "unaligned", ae.Reason)

	_, err = strict.Load(HeapStart+3, 1)
	assert.NoError(t, err)

	_, err = strict.Load(HeapStart+8, 8)
	assert.NoError(t, err)

	// Translate is used for syscall buffers and ignores alignment.
	_, err = strict.Translate(HeapStart+3, 5, Load)
	assert.NoError(t, err)
}

func TestNewRejectsBadRegions(t *testing.T) {
	_, err := New(true, Region{Vaddr: HeapStart + 1})
	assert.True(t, errors.Is(err, ErrRegionAlignment))

	_, err = New(true, Region{Vaddr: 0})
	assert.True(t, errors.Is(err, ErrRegionSlot))

	_, err = New(true, NewHeapRegion(8), NewHeapRegion(8))
	assert.True(t, errors.Is(err, ErrRegionOverlap))

	_, err = NewStackRegion(48, 4, true)
	assert.True(t, errors.Is(err, ErrInvalidFrameSize))
}

func TestReplaceInput(t *testing.T) {
	m := newTestMap(t, true)
	require.NoError(t, m.Replace(int(InputStart>>32), []byte{9, 9, 9, 9, 9, 9}))

	v, err := m.Load(InputStart+5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)

	assert.Error(t, m.Replace(0, nil))
}

func TestStackWithoutGaps(t *testing.T) {
	stack, err := NewStackRegion(64, 2, false)
	require.NoError(t, err)
	m, err := New(true, stack)
	require.NoError(t, err)

	_, err = m.Translate(StackStart+60, 8, Store)
	assert.NoError(t, err)
	_, err = m.Translate(StackStart+121, 8, Store)
	assert.Error(t, err)
	assert.Equal(t, uint64(64), FrameStride(64, false))
	assert.Equal(t, uint64(128), FrameStride(64, true))
}
