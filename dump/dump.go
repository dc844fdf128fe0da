// Package dump implements an append-only, self-describing container of named groups, scalars
// and n-dimensional datasets.
//
// A dump file is a short header followed by framed records:
//
//	uvarint(len(payload)) | payload | uint64le(xxhash64(payload))
//
// Each payload is a protobuf wire-format message describing one group, scalar or dataset.
// Records are only ever appended, and only in transactions: a transaction becomes visible when
// its trailing commit record is on disk, and a transaction that fails to write is truncated away
// so earlier commits stay intact. Closing a writer appends an index of every committed object so
// readers can locate any dataset without scanning; a file that was never closed is recovered by
// scanning up to its last valid commit.
package dump

import (
	"encoding/binary"
	"math"

	"go.viam.com/depthcapture/utils"
)

// FileExt is the conventional extension of dump files.
const FileExt = ".dump"

// Compression levels accepted by Create. Zero stores datasets raw; 1 through 9 deflate them
// with increasing effort.
const (
	NoCompression       = 0
	MaxCompressionLevel = 9
)

const (
	fileMagic     = "DIPDUMP\x00"
	trailerMagic  = "DIPINDEX"
	formatVersion = 1
	checksumSize  = 8
	trailerSize   = 16
)

// ElementType tags the element encoding of a dataset or scalar. Elements are little-endian.
type ElementType int32

// Element types.
const (
	TypeInvalid ElementType = iota
	TypeInt32
	TypeFloat32
	TypeUint16
	TypeUint8
)

// Size returns the encoded size of one element in bytes.
func (t ElementType) Size() int {
	switch t {
	case TypeInt32, TypeFloat32:
		return 4
	case TypeUint16:
		return 2
	case TypeUint8:
		return 1
	default:
		return 0
	}
}

func (t ElementType) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeFloat32:
		return "float32"
	case TypeUint16:
		return "uint16"
	case TypeUint8:
		return "uint8"
	default:
		return "invalid"
	}
}

// ValidateCompressionLevel fails with utils.ErrInvalidArgument unless level is within
// [NoCompression, MaxCompressionLevel].
func ValidateCompressionLevel(level int) error {
	if level < NoCompression || level > MaxCompressionLevel {
		return utils.NewInvalidArgumentError(
			"compression level must be between %d and %d, got %d", NoCompression, MaxCompressionLevel, level)
	}
	return nil
}

// Uint16Bytes encodes samples as little-endian bytes.
func Uint16Bytes(samples []uint16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], s)
	}
	return out
}

// BytesToUint16 decodes little-endian bytes into dst, which must hold len(data)/2 samples.
func BytesToUint16(data []byte, dst []uint16) error {
	if len(data) != 2*len(dst) {
		return utils.NewInvalidArgumentError("%d bytes cannot fill %d uint16 samples", len(data), len(dst))
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return nil
}

// Scalar is a single typed value.
type Scalar struct {
	Type ElementType
	raw  []byte
}

// Int32Scalar returns an int32 scalar.
func Int32Scalar(v int32) Scalar {
	return Scalar{Type: TypeInt32, raw: binary.LittleEndian.AppendUint32(nil, uint32(v))}
}

// Float32Scalar returns a float32 scalar.
func Float32Scalar(v float32) Scalar {
	return Scalar{Type: TypeFloat32, raw: binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))}
}

// Int32 returns the value of an int32 scalar.
func (s Scalar) Int32() (int32, error) {
	if s.Type != TypeInt32 || len(s.raw) != 4 {
		return 0, utils.NewInvalidArgumentError("scalar is %s, not int32", s.Type)
	}
	return int32(binary.LittleEndian.Uint32(s.raw)), nil
}

// Float32 returns the value of a float32 scalar.
func (s Scalar) Float32() (float32, error) {
	if s.Type != TypeFloat32 || len(s.raw) != 4 {
		return 0, utils.NewInvalidArgumentError("scalar is %s, not float32", s.Type)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(s.raw)), nil
}

// Dataset is a decoded n-dimensional array.
type Dataset struct {
	Type ElementType
	Dims []uint64
	Data []byte
}

// Elements returns the product of the dimensions.
func (d *Dataset) Elements() uint64 {
	return elements(d.Dims)
}

func elements(dims []uint64) uint64 {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}
