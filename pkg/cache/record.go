package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"

	"github.com/fortiblox/bpfvm/pkg/ebpf"
)

// ErrCorrupt is returned when a stored record cannot be decoded or does
// not match the program it claims to describe.
var ErrCorrupt = errors.New("corrupt program record")

// Record is the persisted form of a verified program. Boundaries holds
// the function entries found by the verifier and is checked when the
// record is verified again on load.
type Record struct {
	Text       []byte
	ROData     []byte
	Entry      int
	Functions  []int
	Boundaries []int
}

// recordFor builds the record of a program verified from img.
func recordFor(img ebpf.Image, prog *ebpf.Program) *Record {
	rec := &Record{
		Text:      img.Text,
		ROData:    img.ROData,
		Entry:     img.Entry,
		Functions: img.Functions,
	}
	for _, f := range prog.Functions {
		rec.Boundaries = append(rec.Boundaries, f.Entry)
	}
	return rec
}

// Image returns the image the record was made from.
func (r *Record) Image() ebpf.Image {
	return ebpf.Image{Text: r.Text, ROData: r.ROData, Entry: r.Entry, Functions: r.Functions}
}

// Record encoding: one format byte, then a msgpack map, zstd compressed
// when the format byte says so.
const (
	formatRaw  byte = 0
	formatZstd byte = 1
)

// Msgpack keys.
const (
	keyText       = "text"
	keyROData     = "rodata"
	keyEntry      = "entry"
	keyFunctions  = "functions"
	keyBoundaries = "boundaries"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// MarshalRecord encodes rec, compressing it when compress is set.
func MarshalRecord(rec *Record, compress bool) ([]byte, error) {
	b := msgp.AppendMapHeader(nil, 5)
	b = msgp.AppendString(b, keyText)
	b = msgp.AppendBytes(b, rec.Text)
	b = msgp.AppendString(b, keyROData)
	b = msgp.AppendBytes(b, rec.ROData)
	b = msgp.AppendString(b, keyEntry)
	b = msgp.AppendInt(b, rec.Entry)
	b = msgp.AppendString(b, keyFunctions)
	b = appendInts(b, rec.Functions)
	b = msgp.AppendString(b, keyBoundaries)
	b = appendInts(b, rec.Boundaries)

	if !compress {
		return append([]byte{formatRaw}, b...), nil
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return enc.EncodeAll(b, []byte{formatZstd}), nil
}

// UnmarshalRecord decodes a record written by MarshalRecord.
func UnmarshalRecord(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorrupt)
	}
	b := data[1:]
	switch data[0] {
	case formatRaw:
	case formatZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if b, err = dec.DecodeAll(b, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorrupt, data[0])
	}

	rec, err := readRecord(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

func readRecord(b []byte) (*Record, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	for i := uint32(0); i < n; i++ {
		var key string
		if key, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, err
		}
		switch key {
		case keyText:
			rec.Text, b, err = msgp.ReadBytesBytes(b, nil)
		case keyROData:
			rec.ROData, b, err = msgp.ReadBytesBytes(b, nil)
		case keyEntry:
			rec.Entry, b, err = msgp.ReadIntBytes(b)
		case keyFunctions:
			rec.Functions, b, err = readInts(b)
		case keyBoundaries:
			rec.Boundaries, b, err = readInts(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if len(rec.ROData) == 0 {
		rec.ROData = nil
	}
	return rec, nil
}

func appendInts(b []byte, v []int) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(v)))
	for _, x := range v {
		b = msgp.AppendInt(b, x)
	}
	return b
}

func readInts(b []byte) ([]int, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil || n == 0 {
		return nil, b, err
	}
	out := make([]int, n)
	for i := range out {
		if out[i], b, err = msgp.ReadIntBytes(b); err != nil {
			return nil, b, err
		}
	}
	return out, b, nil
}
