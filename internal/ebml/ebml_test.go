package ebml

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestSizeRoundTripBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		size    uint64
		wantLen int
	}{
		{0, 1},
		{126, 1},
		{127, 2},
		{16382, 2},
		{16383, 3},
		{2097150, 3},
		{2097151, 4},
		{268435454, 4},
		{268435455, 5},
		{MaxSize, 8},
	}

	for _, tc := range tests {
		buf, err := AppendSize(nil, tc.size)
		if err != nil {
			t.Fatalf("AppendSize(%d) failed: %v", tc.size, err)
		}
		if len(buf) != tc.wantLen {
			t.Errorf("AppendSize(%d) length: got %d, want %d", tc.size, len(buf), tc.wantLen)
		}
		got, n, err := ReadSize(buf)
		if err != nil {
			t.Fatalf("ReadSize(%x) failed: %v", buf, err)
		}
		if got != tc.size || n != len(buf) {
			t.Errorf("ReadSize(%x): got (%d, %d), want (%d, %d)", buf, got, n, tc.size, len(buf))
		}
	}
}

func TestAppendSizeEncodings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		size uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{35, []byte{0xA3}},
		{126, []byte{0xFE}},
		{127, []byte{0x40, 0x7F}},
		{16382, []byte{0x7F, 0xFE}},
		{16383, []byte{0x20, 0x3F, 0xFF}},
		{2097151, []byte{0x10, 0x1F, 0xFF, 0xFF}},
	}
	for _, tc := range tests {
		got, err := AppendSize(nil, tc.size)
		if err != nil {
			t.Fatalf("AppendSize(%d) failed: %v", tc.size, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("AppendSize(%d): got %x, want %x", tc.size, got, tc.want)
		}
	}
}

func TestAppendSizeOverflow(t *testing.T) {
	t.Parallel()

	if _, err := AppendSize(nil, MaxSize+1); !errors.Is(err, ErrSizeOverflow) {
		t.Errorf("AppendSize(MaxSize+1): got %v, want ErrSizeOverflow", err)
	}
	if _, err := AppendSize(nil, math.MaxUint64); !errors.Is(err, ErrSizeOverflow) {
		t.Errorf("AppendSize(MaxUint64): got %v, want ErrSizeOverflow", err)
	}
}

func TestUnknownSize(t *testing.T) {
	t.Parallel()

	buf := AppendUnknownSize(nil)
	want := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(buf, want) {
		t.Fatalf("unknown size: got %x, want %x", buf, want)
	}
	got, n, err := ReadSize(buf)
	if err != nil {
		t.Fatalf("ReadSize failed: %v", err)
	}
	if got != Unknown || n != 8 {
		t.Errorf("ReadSize(sentinel): got (%d, %d), want (Unknown, 8)", got, n)
	}

	// A 1-byte all-ones size is also the unknown marker.
	if got, _, _ := ReadSize([]byte{0xFF}); got != Unknown {
		t.Errorf("ReadSize(0xFF): got %d, want Unknown", got)
	}
}

func TestReadSizeErrors(t *testing.T) {
	t.Parallel()

	if _, _, err := ReadSize(nil); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("empty: got %v, want ErrShortBuffer", err)
	}
	if _, _, err := ReadSize([]byte{0x00, 0x01}); !errors.Is(err, ErrInvalidVint) {
		t.Errorf("zero lead byte: got %v, want ErrInvalidVint", err)
	}
	if _, _, err := ReadSize([]byte{0x20, 0x01}); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("truncated: got %v, want ErrShortBuffer", err)
	}
}

func TestIDRoundTrip(t *testing.T) {
	t.Parallel()

	for _, id := range []uint32{0xA3, 0xE7, 0x4286, 0x73C5, 0x2AD7B1, 0x1A45DFA3, 0x1F43B675} {
		buf := AppendID(nil, id)
		got, n, err := ReadID(buf)
		if err != nil {
			t.Fatalf("ReadID(%x) failed: %v", buf, err)
		}
		if got != id || n != len(buf) {
			t.Errorf("ReadID(%x): got (0x%X, %d), want (0x%X, %d)", buf, got, n, id, len(buf))
		}
	}
}

func FuzzReadSize(f *testing.F) {
	f.Add([]byte{0x80})
	f.Add([]byte{0x40, 0x7F})
	f.Add([]byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		size, n, err := ReadSize(data)
		if err != nil || size == Unknown {
			return
		}
		if n < 1 || n > 8 {
			t.Fatalf("consumed %d bytes", n)
		}
		// Re-encoding never produces a longer form than the input used.
		buf, err := AppendSize(nil, size)
		if err != nil {
			t.Fatalf("AppendSize(%d) failed: %v", size, err)
		}
		if len(buf) > n {
			t.Fatalf("AppendSize(%d) used %d bytes, input used %d", size, len(buf), n)
		}
	})
}
