package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/kvsaudio/internal/aac"
	"github.com/zsiec/kvsaudio/internal/pipeline"
	"github.com/zsiec/kvsaudio/internal/putmedia"
)

const (
	pmtPID   = 0x1000
	audioPID = 0x101
	videoPID = 0x100

	typeADTS = 0x0F
	typeH264 = 0x1B
)

// tsBuilder writes a single-program transport stream.
type tsBuilder struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

func newTS() *tsBuilder {
	return &tsBuilder{cc: make(map[uint16]uint8)}
}

func mpegCRC(b []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, v := range b {
		c ^= uint32(v) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
	}
	return c
}

func (w *tsBuilder) write(pid uint16, unit []byte) {
	start := true
	for len(unit) > 0 {
		n := min(len(unit), 184)
		pkt := bytes.Repeat([]byte{0xFF}, 188)
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		if start {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | w.cc[pid]
		off := 4
		if n < 184 {
			pkt[3] |= 0x20
			af := 183 - n
			pkt[4] = byte(af)
			if af > 0 {
				pkt[5] = 0
			}
			off = 5 + af
		}
		copy(pkt[off:], unit[:n])
		w.buf.Write(pkt)
		w.cc[pid] = (w.cc[pid] + 1) & 0x0F
		unit = unit[n:]
		start = false
	}
}

func psi(body []byte) []byte {
	n := len(body) + 4 - 3
	body[1] = 0xB0 | byte(n>>8)&0x0F
	body[2] = byte(n)
	return append([]byte{0}, binary.BigEndian.AppendUint32(body, mpegCRC(body))...)
}

// program writes a PAT and a PMT listing one stream of type typ on pid.
func (w *tsBuilder) program(typ uint8, pid uint16) {
	w.write(0, psi([]byte{0x00, 0, 0, 0, 1, 0xC1, 0, 0, 0, 1, 0xE0 | pmtPID>>8, pmtPID & 0xFF}))
	w.write(pmtPID, psi([]byte{
		0x02, 0, 0, 0, 1, 0xC1, 0, 0, 0xE0 | byte(pid>>8), byte(pid), 0xF0, 0,
		typ, 0xE0 | byte(pid>>8), byte(pid), 0xF0, 0,
	}))
}

// audio writes n PES packets of three 48 kHz stereo ADTS frames each.
func (w *tsBuilder) audio(n int) {
	idx, _ := aac.SampleRateIndex(48000)
	for i := range n {
		var payload []byte
		for range 3 {
			payload = aac.AppendADTS(payload, 1, idx, 2, 32)
			payload = append(payload, make([]byte, 32)...)
		}
		pts := int64(i) * 3 * 1920
		pes := []byte{0, 0, 1, 0xC0, 0, 0, 0x80, 0x80, 5,
			0x21 | byte(pts>>29)&0x0E,
			byte(pts >> 22),
			byte(pts>>14)&0xFE | 1,
			byte(pts >> 7),
			byte(pts<<1)&0xFE | 1,
		}
		size := len(pes) - 6 + len(payload)
		pes[4], pes[5] = byte(size>>8), byte(size)
		w.write(audioPID, append(pes, payload...))
	}
}

// fakeKVS acknowledges every chunk and records the bytes per stream name.
type fakeKVS struct {
	mu     sync.Mutex
	bodies map[string][]byte
	opened chan string
	fail   error
}

func newFakeKVS() *fakeKVS {
	return &fakeKVS{bodies: make(map[string][]byte), opened: make(chan string, 8)}
}

func (f *fakeKVS) factory(_ context.Context, name string, _ time.Time) (pipeline.Streamer, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.opened <- name
	return &fakeSession{kvs: f, name: name}, nil
}

func (f *fakeKVS) body(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[name]
}

type fakeSession struct {
	kvs  *fakeKVS
	name string
	n    int
}

func (s *fakeSession) Stream(ctx context.Context, body <-chan []byte, d *putmedia.Dispatcher) error {
	for {
		select {
		case b, ok := <-body:
			if !ok {
				d.OnComplete()
				return nil
			}
			s.kvs.mu.Lock()
			s.kvs.bodies[s.name] = append(s.kvs.bodies[s.name], b...)
			s.kvs.mu.Unlock()
			s.n++
			d.OnAck(putmedia.Ack{EventType: putmedia.AckPersisted, FragmentNumber: fmt.Sprint(s.n)})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
