package source

// ITU-T G.711 companding. Both encoders take 16-bit linear samples.

// aLawSegEnd is the upper bound of each A-law segment in 13-bit magnitude.
var aLawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// ALaw encodes one sample. Even bits are inverted on the wire.
func ALaw(s int16) byte {
	v := int(s) >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := len(aLawSegEnd)
	for i, end := range aLawSegEnd {
		if v <= end {
			seg = i
			break
		}
	}
	if seg == len(aLawSegEnd) {
		return 0x7F ^ mask
	}

	out := byte(seg << 4)
	if seg < 2 {
		out |= byte(v>>1) & 0x0F
	} else {
		out |= byte(v>>seg) & 0x0F
	}
	return out ^ mask
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLaw encodes one sample. The code word is stored inverted.
func MuLaw(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	v = min(v, muLawClip) + muLawBias

	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | byte(exp<<4) | mant)
}
