package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sync/atomic"
)

// Stats counts what the demuxer skipped.
type Stats struct {
	Packets         int64 `json:"packets"`
	Resyncs         int64 `json:"resyncs"`
	Discontinuities int64 `json:"discontinuities"`
	BadUnits        int64 `json:"badUnits"`
}

// Demuxer reads transport packets and returns PAT, PMT and PES units.
// It is not safe for concurrent use, except for Stats.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	buf     [PacketSize]byte
	asm     map[uint16]*assembler
	pmtPIDs map[uint16]bool
	filter  func(pid uint16) bool
	pending []*Unit
	eof     bool

	packets  atomic.Int64
	resyncs  atomic.Int64
	badUnits atomic.Int64
	lost     atomic.Int64
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithPESFilter restricts PES reassembly to PIDs for which keep returns
// true. PAT and PMT PIDs are always read. keep is consulted per packet, so
// its answer may change as programs are discovered.
func WithPESFilter(keep func(pid uint16) bool) Option {
	return func(d *Demuxer) { d.filter = keep }
}

// NewDemuxer returns a Demuxer reading from r until EOF or ctx is done.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...Option) *Demuxer {
	d := &Demuxer{
		ctx:     ctx,
		r:       r,
		asm:     make(map[uint16]*assembler),
		pmtPIDs: make(map[uint16]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns the running counters.
func (d *Demuxer) Stats() Stats {
	return Stats{
		Packets:         d.packets.Load(),
		Resyncs:         d.resyncs.Load(),
		Discontinuities: d.lost.Load(),
		BadUnits:        d.badUnits.Load(),
	}
}

// Next returns the next unit. Units still buffered when the reader ends are
// returned before io.EOF. Malformed packets and units are counted and skipped.
func (d *Demuxer) Next() (*Unit, error) {
	for {
		if len(d.pending) > 0 {
			u := d.pending[0]
			d.pending = d.pending[1:]
			return u, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		if err := d.readPacket(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drain()
				continue
			}
			return nil, err
		}
		p, err := parsePacket(d.buf[:])
		if err != nil {
			continue
		}
		d.packets.Add(1)
		d.handle(&p)
	}
}

// readPacket fills buf with the next packet, scanning forward to the next
// sync byte when the stream is misaligned.
func (d *Demuxer) readPacket() error {
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		return err
	}
	for d.buf[0] != syncByte {
		d.resyncs.Add(1)
		i := bytes.IndexByte(d.buf[1:], syncByte)
		if i < 0 {
			if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
				return err
			}
			continue
		}
		n := copy(d.buf[:], d.buf[i+1:])
		if _, err := io.ReadFull(d.r, d.buf[n:]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPIDs[pid]
}

func (d *Demuxer) handle(p *Packet) {
	if p.PID == pidNull {
		return
	}
	psi := d.isPSI(p.PID)
	if !psi && d.filter != nil && !d.filter(p.PID) {
		return
	}
	a, ok := d.asm[p.PID]
	if !ok {
		a = &assembler{}
		d.asm[p.PID] = a
	}
	a.psi = psi

	before := a.discontinuities
	payload := a.push(p)
	d.lost.Add(a.discontinuities - before)
	if payload != nil {
		d.decode(p.PID, payload)
	}
}

func (d *Demuxer) decode(pid uint16, payload []byte) {
	if d.isPSI(pid) {
		units, err := parseSections(pid, payload)
		if err != nil {
			d.badUnits.Add(1)
		}
		for _, u := range units {
			if u.PAT != nil {
				for _, prog := range u.PAT.Programs {
					d.pmtPIDs[prog.PMTPID] = true
				}
			}
		}
		d.pending = append(d.pending, units...)
		return
	}

	pes, err := parsePES(payload)
	if err != nil {
		d.badUnits.Add(1)
		return
	}
	d.pending = append(d.pending, &Unit{PID: pid, PES: pes})
}

// drain decodes what the assemblers still hold, in PID order so a PAT is
// seen before the PMTs it announces.
func (d *Demuxer) drain() {
	pids := make([]uint16, 0, len(d.asm))
	for pid := range d.asm {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	for _, pid := range pids {
		if payload := d.asm[pid].flush(); len(payload) > 0 {
			d.decode(pid, payload)
		}
	}
}
