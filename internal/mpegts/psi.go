package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	descriptorLanguage = 0x0A
)

var errShortSection = errors.New("mpegts: section too short")

// sectionsComplete reports whether payload, which begins with a pointer
// field, holds only complete sections.
func sectionsComplete(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			// Not a long-form section header, so the rest is padding.
			return true
		}
		off += 3 + sectionLength(payload[off:])
		if off > len(payload) {
			return false
		}
	}
	return true
}

func sectionLength(b []byte) int {
	return int(b[1]&0x0F)<<8 | int(b[2])
}

// parseSections decodes the PAT and PMT sections in a PSI payload. Other
// table ids are skipped. Decoded sections are returned even when a later
// one fails.
func parseSections(pid uint16, payload []byte) ([]*Unit, error) {
	if len(payload) == 0 {
		return nil, errShortSection
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, fmt.Errorf("mpegts: pointer field %d past end of payload", payload[0])
	}

	var units []*Unit
	for off+3 <= len(payload) {
		if payload[off] == 0xFF || payload[off+1]&0x80 == 0 {
			break
		}
		end := off + 3 + sectionLength(payload[off:])
		if end > len(payload) {
			break
		}
		section := payload[off:end]
		off = end

		switch section[0] {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return units, err
			}
			units = append(units, &Unit{PID: pid, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return units, err
			}
			units = append(units, &Unit{PID: pid, PMT: pmt})
		}
	}
	return units, nil
}

// parsePAT decodes a PAT section: an 8-byte header, 4-byte program
// entries, then the CRC. Program number 0 points at the NIT and is skipped.
func parsePAT(s []byte) (*PAT, error) {
	if len(s) < 12 {
		return nil, errShortSection
	}
	if err := checkCRC(s); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}

	pat := &PAT{TransportStreamID: uint16(s[3])<<8 | uint16(s[4])}
	for i := 8; i+4 <= len(s)-4; i += 4 {
		num := uint16(s[i])<<8 | uint16(s[i+1])
		if num == 0 {
			continue
		}
		pat.Programs = append(pat.Programs, Program{
			Number: num,
			PMTPID: uint16(s[i+2]&0x1F)<<8 | uint16(s[i+3]),
		})
	}
	return pat, nil
}

// parsePMT decodes a PMT section: a 12-byte header, program descriptors,
// elementary stream entries with their descriptors, then the CRC.
func parsePMT(s []byte) (*PMT, error) {
	if len(s) < 16 {
		return nil, errShortSection
	}
	if err := checkCRC(s); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}

	pmt := &PMT{
		ProgramNumber: uint16(s[3])<<8 | uint16(s[4]),
		PCRPID:        uint16(s[8]&0x1F)<<8 | uint16(s[9]),
	}
	end := len(s) - 4
	off := 12 + (int(s[10]&0x0F)<<8 | int(s[11]))
	for off+5 <= end {
		es := ElementaryStream{
			Type: s[off],
			PID:  uint16(s[off+1]&0x1F)<<8 | uint16(s[off+2]),
		}
		infoLen := int(s[off+3]&0x0F)<<8 | int(s[off+4])
		off += 5
		if off+infoLen > end {
			return nil, fmt.Errorf("PMT: ES info for PID %d overruns section", es.PID)
		}
		es.Language = language(s[off : off+infoLen])
		pmt.Streams = append(pmt.Streams, es)
		off += infoLen
	}
	return pmt, nil
}

// language returns the first ISO 639 code in a descriptor loop.
func language(descs []byte) string {
	for len(descs) >= 2 {
		tag, n := descs[0], int(descs[1])
		if 2+n > len(descs) {
			return ""
		}
		if tag == descriptorLanguage && n >= 4 {
			return string(descs[2:5])
		}
		descs = descs[2+n:]
	}
	return ""
}
