// Package ebml implements the EBML variable-length integer codec for element
// IDs and sizes, including the unknown-size sentinel of streamed Segments and
// Clusters, and a Reader that walks element headers of a live body.
//
// Matroska documents themselves are marshalled with github.com/at-wat/ebml-go
// in package mkv; this package is what a receiver uses to follow a stream
// whose master elements never declare a length.
package ebml

import (
	"errors"
	"math"
)

// Sentinel errors returned by the size codec.
var (
	ErrSizeOverflow = errors.New("ebml: size does not fit in 8 bytes")
	ErrShortBuffer  = errors.New("ebml: buffer too short")
	ErrInvalidVint  = errors.New("ebml: invalid variable-length integer")
)

// Unknown is the decoded value of the 8-byte unknown-size sentinel.
const Unknown = uint64(math.MaxUint64)

// MaxSize is the largest size representable as an 8-byte vint. The all-ones
// value is reserved for Unknown.
const MaxSize = uint64(1)<<56 - 2

var unknownSize = [8]byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// SizeLen returns the number of bytes AppendSize uses for size.
func SizeLen(size uint64) int {
	for n := 1; n <= 8; n++ {
		// The all-ones payload of every width is reserved.
		if size < uint64(1)<<(7*n)-1 {
			return n
		}
	}
	return 0
}

// AppendSize appends the minimal-width vint encoding of size.
func AppendSize(dst []byte, size uint64) ([]byte, error) {
	n := SizeLen(size)
	if n == 0 {
		return dst, ErrSizeOverflow
	}
	v := size | uint64(1)<<(7*n)
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst, nil
}

// AppendUnknownSize appends the 8-byte unknown-size sentinel used for
// elements whose length is not known when their header is written.
func AppendUnknownSize(dst []byte) []byte {
	return append(dst, unknownSize[:]...)
}

// ReadSize decodes a vint size from the front of b. It returns the value,
// the number of bytes consumed, and Unknown for the all-ones sentinel of any
// width.
func ReadSize(b []byte) (uint64, int, error) {
	n, err := vintLen(b)
	if err != nil {
		return 0, 0, err
	}
	v := uint64(b[0]) & (0xFF >> n)
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(b[i])
	}
	if v == uint64(1)<<(7*n)-1 {
		return Unknown, n, nil
	}
	return v, n, nil
}

// ReadID decodes an element ID from the front of b. Unlike sizes, IDs keep
// their length marker bits, so the returned value matches the constants in
// this package.
func ReadID(b []byte) (uint32, int, error) {
	n, err := vintLen(b)
	if err != nil {
		return 0, 0, err
	}
	if n > 4 {
		return 0, 0, ErrInvalidVint
	}
	var id uint32
	for i := 0; i < n; i++ {
		id = id<<8 | uint32(b[i])
	}
	return id, n, nil
}

func vintLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, ErrShortBuffer
	}
	if b[0] == 0 {
		return 0, ErrInvalidVint
	}
	n := 1
	for mask := byte(0x80); b[0]&mask == 0; mask >>= 1 {
		n++
	}
	if len(b) < n {
		return 0, ErrShortBuffer
	}
	return n, nil
}

// AppendID appends an element ID. IDs are stored with their marker bits, so
// the number of bytes written is derived from the value itself.
func AppendID(dst []byte, id uint32) []byte {
	switch {
	case id >= 1<<24:
		return append(dst, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id >= 1<<16:
		return append(dst, byte(id>>16), byte(id>>8), byte(id))
	case id >= 1<<8:
		return append(dst, byte(id>>8), byte(id))
	default:
		return append(dst, byte(id))
	}
}
