package syscalls

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/memory"
)

// Syscall errors.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOverlap         = errors.New("overlapping copy")
	ErrAborted         = errors.New("program aborted")
	ErrPanicked        = errors.New("program panicked")
)

// Limits.
const (
	MaxLogMsgLen = 10000            // bytes logged by one sol_log_
	MaxSlices    = 100              // descriptors accepted by hash and log_data
	MaxMemOpSize = 10 * 1024 * 1024 // bytes touched by one memory syscall
	HashSize     = 32
)

// Costs are the compute units charged by the standard syscalls.
type Costs struct {
	Base         uint64
	LogBase      uint64
	LogPerByte   uint64
	Log64        uint64
	MemOpBase    uint64
	MemOpPerByte uint64
	HashBase     uint64
	HashPerByte  uint64
}

// DefaultCosts returns the default syscall cost schedule.
func DefaultCosts() Costs {
	return Costs{
		Base:         100,
		LogBase:      100,
		LogPerByte:   1,
		Log64:        100,
		MemOpBase:    10,
		MemOpPerByte: 1,
		HashBase:     85,
		HashPerByte:  1,
	}
}

// Options configures the standard set. Zero fields take defaults.
type Options struct {
	Costs     *Costs
	MaxLogLen uint64
}

type standard struct {
	costs     Costs
	maxLogLen uint64
}

// Standard returns a registry holding the standard syscalls.
func Standard(opts Options) *Registry {
	s := &standard{costs: DefaultCosts(), maxLogLen: MaxLogMsgLen}
	if opts.Costs != nil {
		s.costs = *opts.Costs
	}
	if opts.MaxLogLen > 0 {
		s.maxLogLen = opts.MaxLogLen
	}

	r := NewRegistry()
	for _, e := range []struct {
		name string
		fn   ebpf.SyscallFunc
	}{
		{"sol_log_", s.log},
		{"sol_log_64_", s.log64},
		{"sol_log_compute_units_", s.logComputeUnits},
		{"sol_log_data", s.logData},
		{"sol_memcpy_", s.memcpy},
		{"sol_memmove_", s.memmove},
		{"sol_memset_", s.memset},
		{"sol_memcmp_", s.memcmp},
		{"sol_sha256", s.hasher(sha256.New)},
		{"sol_keccak256", s.hasher(sha3.NewLegacyKeccak256)},
		{"sol_blake3", s.hasher(func() hash.Hash { return blake3.New() })},
		{"abort", abort},
		{"sol_panic_", panicked},
	} {
		// Names above are unique.
		_ = r.Register(e.name, e.fn)
	}
	return r
}

// StandardTable returns the standard set as a table.
func StandardTable(opts Options) (*ebpf.SyscallTable, error) {
	return Standard(opts).Table()
}

// Logging

func (s *standard) log(env ebpf.Env, r1, r2, _, _, _ uint64) (uint64, error) {
	n := r2
	if n > s.maxLogLen {
		n = s.maxLogLen
	}
	if err := env.Consume(s.costs.LogBase + s.costs.LogPerByte*n); err != nil {
		return 0, err
	}
	msg, err := env.Translate(r1, n, memory.Load)
	if err != nil {
		return 0, err
	}
	env.Logger().WithField("syscall", "sol_log_").Info(string(msg))
	return 0, nil
}

func (s *standard) log64(env ebpf.Env, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if err := env.Consume(s.costs.Log64); err != nil {
		return 0, err
	}
	env.Logger().WithField("syscall", "sol_log_64_").
		Info(fmt.Sprintf("%#x, %#x, %#x, %#x, %#x", r1, r2, r3, r4, r5))
	return 0, nil
}

func (s *standard) logComputeUnits(env ebpf.Env, _, _, _, _, _ uint64) (uint64, error) {
	if err := env.Consume(s.costs.Base); err != nil {
		return 0, err
	}
	env.Logger().WithField("syscall", "sol_log_compute_units_").
		Info(fmt.Sprintf("%d units remaining", env.Remaining()))
	return 0, nil
}

func (s *standard) logData(env ebpf.Env, r1, r2, _, _, _ uint64) (uint64, error) {
	if r2 == 0 || r2 > MaxSlices {
		return 0, fmt.Errorf("%w: %d slices", ErrInvalidArgument, r2)
	}
	if err := env.Consume(s.costs.LogBase); err != nil {
		return 0, err
	}
	parts := make([]string, 0, r2)
	err := eachSlice(env, r1, r2, func(data []byte) error {
		if uint64(len(data)) > s.maxLogLen {
			return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(data))
		}
		if err := env.Consume(s.costs.LogPerByte * uint64(len(data))); err != nil {
			return err
		}
		parts = append(parts, base64.StdEncoding.EncodeToString(data))
		return nil
	})
	if err != nil {
		return 0, err
	}
	env.Logger().WithField("syscall", "sol_log_data").Info(strings.Join(parts, " "))
	return 0, nil
}

// Memory

// chargeMem charges for an n byte memory operation.
func (s *standard) chargeMem(env ebpf.Env, n uint64) error {
	if n > MaxMemOpSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, n)
	}
	return env.Consume(s.costs.MemOpBase + s.costs.MemOpPerByte*n)
}

func (s *standard) memcpy(env ebpf.Env, dst, src, n, _, _ uint64) (uint64, error) {
	if err := s.chargeMem(env, n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if dst < src+n && src < dst+n {
		return 0, fmt.Errorf("%w: 0x%x and 0x%x, %d bytes", ErrOverlap, dst, src, n)
	}
	return 0, move(env, dst, src, n)
}

func (s *standard) memmove(env ebpf.Env, dst, src, n, _, _ uint64) (uint64, error) {
	if err := s.chargeMem(env, n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return 0, move(env, dst, src, n)
}

func move(env ebpf.Env, dst, src, n uint64) error {
	from, err := env.Translate(src, n, memory.Load)
	if err != nil {
		return err
	}
	to, err := env.Translate(dst, n, memory.Store)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (s *standard) memset(env ebpf.Env, dst, val, n, _, _ uint64) (uint64, error) {
	if err := s.chargeMem(env, n); err != nil {
		return 0, err
	}
	to, err := env.Translate(dst, n, memory.Store)
	if err != nil {
		return 0, err
	}
	for i := range to {
		to[i] = uint8(val)
	}
	return 0, nil
}

func (s *standard) memcmp(env ebpf.Env, a, b, n, result, _ uint64) (uint64, error) {
	if err := s.chargeMem(env, n); err != nil {
		return 0, err
	}
	left, err := env.Translate(a, n, memory.Load)
	if err != nil {
		return 0, err
	}
	right, err := env.Translate(b, n, memory.Load)
	if err != nil {
		return 0, err
	}
	var diff int32
	for i := range left {
		if left[i] != right[i] {
			diff = int32(left[i]) - int32(right[i])
			break
		}
	}
	out, err := env.Translate(result, 4, memory.Store)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(out, uint32(diff))
	return 0, nil
}

// Crypto

// hasher builds a syscall hashing the slices described at r1 (r2 of
// them) into the 32 bytes at r3.
func (s *standard) hasher(newHash func() hash.Hash) ebpf.SyscallFunc {
	return func(env ebpf.Env, r1, r2, r3, _, _ uint64) (uint64, error) {
		if r2 > MaxSlices {
			return 0, fmt.Errorf("%w: %d slices", ErrInvalidArgument, r2)
		}
		if err := env.Consume(s.costs.HashBase); err != nil {
			return 0, err
		}
		h := newHash()
		err := eachSlice(env, r1, r2, func(data []byte) error {
			if uint64(len(data)) > MaxMemOpSize {
				return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(data))
			}
			if err := env.Consume(s.costs.HashPerByte * uint64(len(data))); err != nil {
				return err
			}
			h.Write(data)
			return nil
		})
		if err != nil {
			return 0, err
		}
		out, err := env.Translate(r3, HashSize, memory.Store)
		if err != nil {
			return 0, err
		}
		copy(out, h.Sum(nil))
		return 0, nil
	}
}

// eachSlice walks count {ptr u64, len u64} descriptors starting at addr.
func eachSlice(env ebpf.Env, addr, count uint64, fn func([]byte) error) error {
	for i := uint64(0); i < count; i++ {
		desc, err := env.Translate(addr+i*16, 16, memory.Load)
		if err != nil {
			return err
		}
		ptr := binary.LittleEndian.Uint64(desc[:8])
		n := binary.LittleEndian.Uint64(desc[8:])
		if n > MaxMemOpSize {
			return fmt.Errorf("%w: %d bytes", ErrInvalidLength, n)
		}
		data, err := env.Translate(ptr, n, memory.Load)
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

// Misc

func abort(ebpf.Env, uint64, uint64, uint64, uint64, uint64) (uint64, error) {
	return 0, ErrAborted
}

// panicked reports the file (r1, r2), line r3 and column r4 of a
// program panic.
func panicked(env ebpf.Env, r1, r2, r3, r4, _ uint64) (uint64, error) {
	n := r2
	if n > 256 {
		n = 256
	}
	file, err := env.Translate(r1, n, memory.Load)
	if err != nil {
		return 0, ErrPanicked
	}
	file = bytes.TrimRight(file, "\x00")
	return 0, fmt.Errorf("%w at %s:%d:%d", ErrPanicked, file, r3, r4)
}
