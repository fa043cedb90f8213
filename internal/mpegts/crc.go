package mpegts

import "errors"

var errCRC = errors.New("mpegts: section CRC mismatch")

// crcTable is the MSB-first CRC-32/MPEG-2 table, polynomial 0x04C11DB7.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(b []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}

// checkCRC verifies a section whose last four bytes are its CRC; running the
// CRC over the whole section including the trailer yields zero.
func checkCRC(section []byte) error {
	if len(section) < 4 || crc32MPEG(section) != 0 {
		return errCRC
	}
	return nil
}
