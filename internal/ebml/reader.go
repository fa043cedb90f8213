package ebml

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Reader walks a stream of EBML elements one header at a time. It does not
// track nesting: after Next the caller either descends (reads the next
// header, as for unknown-size masters) or consumes the body with Skip,
// ReadBody or ReadUint.
type Reader struct {
	br *bufio.Reader
	n  int64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.n
}

// Next reads an element ID and size. It returns io.EOF only when the stream
// ends cleanly between elements.
func (r *Reader) Next() (id uint32, size uint64, err error) {
	var buf [8]byte
	b, err := r.vint(buf[:0])
	if err != nil {
		return 0, 0, err
	}
	if id, _, err = ReadID(b); err != nil {
		return 0, 0, err
	}
	b, err = r.vint(buf[:0])
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, err
	}
	if size, _, err = ReadSize(b); err != nil {
		return 0, 0, err
	}
	return id, size, nil
}

func (r *Reader) vint(dst []byte) ([]byte, error) {
	first, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}
	if first == 0 {
		return nil, ErrInvalidVint
	}
	n := bits.LeadingZeros8(first) + 1
	dst = append(dst, first)
	for len(dst) < n {
		c, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		dst = append(dst, c)
	}
	r.n += int64(n)
	return dst, nil
}

// Skip discards size body bytes.
func (r *Reader) Skip(size uint64) error {
	if size == Unknown {
		return fmt.Errorf("ebml: cannot skip unknown-size element")
	}
	n, err := io.CopyN(io.Discard, r.br, int64(size))
	r.n += n
	if err != nil && errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ReadBody returns the next size bytes.
func (r *Reader) ReadBody(size uint64) ([]byte, error) {
	if size > MaxSize {
		return nil, ErrSizeOverflow
	}
	b := make([]byte, size)
	n, err := io.ReadFull(r.br, b)
	r.n += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// ReadUint reads a big-endian unsigned integer body of up to 8 bytes.
func (r *Reader) ReadUint(size uint64) (uint64, error) {
	if size > 8 {
		return 0, fmt.Errorf("ebml: integer body of %d bytes", size)
	}
	b, err := r.ReadBody(size)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
