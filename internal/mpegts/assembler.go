package mpegts

// assembler collects the payloads of one PID into complete units. A unit
// starts at a packet with the start indicator and ends at the next one, or,
// for PSI, as soon as every section it holds is complete.
type assembler struct {
	psi     bool
	started bool
	last    uint8
	buf     []byte

	// discontinuities counts units abandoned because a packet was lost.
	discontinuities int64
}

func (a *assembler) reset() {
	a.started = false
	a.buf = nil
}

// push adds p and returns the payload of a unit it completed, if any.
func (a *assembler) push(p *Packet) []byte {
	if p.TEI {
		a.reset()
		return nil
	}
	if !p.HasPayload {
		return nil
	}

	if a.started && !p.Discontinuity {
		if want := (a.last + 1) & 0x0F; p.Counter != want {
			if p.Counter == a.last {
				return nil // duplicate
			}
			a.discontinuities++
			a.reset()
		}
	}

	var done []byte
	switch {
	case p.Start:
		if a.started && len(a.buf) > 0 {
			done = a.buf
		}
		a.buf = append([]byte(nil), p.Payload...)
		a.started = true
	case a.started:
		a.buf = append(a.buf, p.Payload...)
	default:
		// Continuation of a unit whose start we never saw.
		return nil
	}
	a.last = p.Counter

	if done == nil && a.psi && sectionsComplete(a.buf) {
		done = a.buf
		a.reset()
	}
	return done
}

// flush returns whatever is buffered.
func (a *assembler) flush() []byte {
	b := a.buf
	a.reset()
	return b
}
