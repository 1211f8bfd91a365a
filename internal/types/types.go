// Package types defines the identifiers shared by the program cache and
// the command line tools.
//
// Identifiers are displayed in base58, like the addresses of the
// networks that run these programs.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// IDSize is the size of a program id in bytes.
const IDSize = 32

// ErrInvalidID is returned when a program id has invalid length.
var ErrInvalidID = errors.New("invalid program id: must be 32 bytes")

// ProgramID is the blake3 digest of a program image.
type ProgramID [IDSize]byte

// ComputeProgramID hashes the parts of img that determine the verified
// program: text, read-only data, entry and declared functions. Declared
// functions are hashed in sorted order.
func ComputeProgramID(img ebpf.Image) ProgramID {
	h := blake3.New()
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(img.Text)))
	h.Write(buf)
	h.Write(img.Text)

	buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(len(img.ROData)))
	h.Write(buf)
	h.Write(img.ROData)

	functions := append([]int(nil), img.Functions...)
	sort.Ints(functions)
	buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(img.Entry))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(functions)))
	for _, f := range functions {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f))
	}
	h.Write(buf)

	var id ProgramID
	copy(id[:], h.Sum(nil))
	return id
}

// ProgramIDFromBase58 parses a base58-encoded program id.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return ProgramID{}, fmt.Errorf("base58 decode: %w", err)
	}
	return ProgramIDFromBytes(data)
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != IDSize {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Short returns the first eight characters of String, for logging.
func (id ProgramID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Hex returns the hex-encoded representation.
func (id ProgramID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Bytes returns the id as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
