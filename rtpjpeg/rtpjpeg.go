// Package rtpjpeg packetizes complete JPEG frames into RFC 2435 RTP/JPEG
// packets: fixed 8-byte JPEG header, optional inline quantization table
// header on the first fragment, and an entropy-coded scan payload split
// to fit the configured MTU.
package rtpjpeg

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ausocean/mjpegrtp/jpeg"
	"github.com/ausocean/mjpegrtp/rtp"
	"github.com/ausocean/utils/logging"
)

// PayloadTypeJPEG is the RTP payload type reserved for RFC 2435 JPEG video.
const PayloadTypeJPEG = 26

// ClockRate is the RTP media clock rate for video, per RFC 2435: 90 kHz.
const ClockRate = 90000

const (
	minMTU = 500
	maxMTU = 9000

	rtpHeaderSize  = rtp.HeaderSize
	jpegHeaderSize = 8
	qTableHeaderFixedSize = 4
)

// Errors returned by NewPacketizer and PacketizeJPEG.
var (
	ErrEmptyData    = errors.New("rtpjpeg: empty jpeg data")
	ErrMissingSOI   = jpeg.ErrMissingSOI
	ErrMissingEOI   = jpeg.ErrMissingEOI
	ErrFrameTooLarge = errors.New("rtpjpeg: frame too large to fragment")
	ErrInvalidMTU   = errors.New("rtpjpeg: mtu out of range [500, 9000]")
)

// Packetizer holds the per-stream mutable state described by spec.md's
// PacketizerState: a fixed SSRC and MTU, a monotonic sequence number and
// timestamp, running counters, and the JpegInfo cached from the most
// recently packetized frame. A Packetizer is safe for concurrent use by
// multiple goroutines, though interleaved sequence numbers will result if
// PacketizeJPEG is called concurrently for the same stream; the intended
// usage is a single producer per stream.
type Packetizer struct {
	ssrc           uint32
	mtu            int
	maxPayloadSize int
	log            logging.Logger

	seq       uint32 // holds a 16-bit value, atomic.
	timestamp uint32 // atomic.

	packetsSent uint64 // atomic.
	bytesSent   uint64 // atomic.
	framesSent  uint64 // atomic.

	mu     sync.Mutex
	cached *jpeg.Info
}

// NewPacketizer returns a Packetizer for one RTP stream identified by
// ssrc, fragmenting payloads to fit mtu. mtu must be in [500, 9000];
// construction fails rather than letting a non-positive max payload size
// surface at packetize time.
func NewPacketizer(ssrc uint32, mtu int, log logging.Logger) (*Packetizer, error) {
	if mtu < minMTU || mtu > maxMTU {
		return nil, ErrInvalidMTU
	}
	maxPayload := mtu - rtpHeaderSize - jpegHeaderSize
	if maxPayload <= 0 {
		return nil, ErrInvalidMTU
	}
	return &Packetizer{
		ssrc:           ssrc,
		mtu:            mtu,
		maxPayloadSize: maxPayload,
		log:            log,
	}, nil
}

// SSRC returns the fixed synchronization source identifier of p.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// MTU returns the fixed maximum transmission unit of p.
func (p *Packetizer) MTU() int { return p.mtu }

// SequenceNumber returns the current (next-to-use) 16-bit sequence number.
func (p *Packetizer) SequenceNumber() uint16 {
	return uint16(atomic.LoadUint32(&p.seq))
}

// Stats is a snapshot of PacketizeJPEG's cumulative counters.
type Stats struct {
	PacketsSent uint64
	BytesSent   uint64
	FramesSent  uint64
	CurrentSeq  uint16
	CurrentTS   uint32
}

// GetStats returns an independent snapshot of p's counters. No
// cross-counter atomicity is implied.
func (p *Packetizer) GetStats() Stats {
	return Stats{
		PacketsSent: atomic.LoadUint64(&p.packetsSent),
		BytesSent:   atomic.LoadUint64(&p.bytesSent),
		FramesSent:  atomic.LoadUint64(&p.framesSent),
		CurrentSeq:  uint16(atomic.LoadUint32(&p.seq)),
		CurrentTS:   atomic.LoadUint32(&p.timestamp),
	}
}

// PacketizeJPEG fragments one complete JPEG frame into an ordered sequence
// of wire-ready RTP packet buffers, per RFC 2435. width and height are the
// frame's pixel dimensions as known to the caller (both must be multiples
// of 8) and are encoded directly into each JPEG header; they need not
// match whatever SOF0 reports, though in normal operation they do.
//
// If the frame's markers can't be walked (malformed DQT/SOF0 length,
// missing SOS), PacketizeJPEG degrades rather than fails: so long as SOI
// and EOI framing is intact, the whole JPEG is shipped as the RTP
// payload with Q=255 and no quantization table header, and a warning is
// logged via p's Logger.
func (p *Packetizer) PacketizeJPEG(jpegData []byte, width, height int, timestamp uint32) ([][]byte, error) {
	if len(jpegData) == 0 {
		return nil, ErrEmptyData
	}
	if err := jpeg.Validate(jpegData); err != nil {
		return nil, err
	}

	info, err := jpeg.Parse(jpegData)
	degraded := err != nil
	if degraded {
		if p.log != nil {
			p.log.Warning("rtpjpeg: falling back to full-frame payload", "error", err.Error())
		}
		info = jpeg.Info{ScanData: jpegData}
	}

	p.mu.Lock()
	if degraded {
		p.cached = nil
	} else {
		p.cached = &info
	}
	p.mu.Unlock()

	scan := info.ScanData
	qTableSize := 0
	if !degraded && len(info.QuantTables) > 0 {
		qTableSize = qTableHeaderFixedSize + tablesSize(info.QuantTables)
	}

	seq := atomic.LoadUint32(&p.seq)
	var packets [][]byte
	offset := 0
	first := true

	for offset < len(scan) || (len(scan) == 0 && first) {
		headerRoom := jpegHeaderSize
		if first {
			headerRoom += qTableSize
		}
		room := p.maxPayloadSize - headerRoom
		if room <= 0 {
			return nil, ErrFrameTooLarge
		}

		remaining := len(scan) - offset
		chunk := remaining
		if chunk > room {
			chunk = room
		}
		final := offset+chunk >= len(scan)

		buf := make([]byte, 0, rtpHeaderSize+headerRoom+chunk)
		pkt := &rtp.Packet{
			Marker:         final,
			PayloadType:    PayloadTypeJPEG,
			SequenceNumber: uint16(seq),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		}
		buf = pkt.Marshal(buf)[:rtpHeaderSize]

		buf = appendJPEGHeader(buf, uint32(offset), info.Type, first && qTableSize > 0, width, height)
		if first && qTableSize > 0 {
			buf = appendQTableHeader(buf, info.QuantTables)
		}
		buf = append(buf, scan[offset:offset+chunk]...)

		packets = append(packets, buf)

		seq = (seq + 1) & 0xFFFF
		offset += chunk
		first = false

		if len(scan) == 0 {
			break
		}
	}

	atomic.StoreUint32(&p.seq, seq)
	atomic.StoreUint32(&p.timestamp, timestamp)
	atomic.AddUint64(&p.packetsSent, uint64(len(packets)))
	atomic.AddUint64(&p.bytesSent, uint64(len(jpegData)))
	atomic.AddUint64(&p.framesSent, 1)

	return packets, nil
}

// appendJPEGHeader appends the 8-byte RFC 2435 JPEG header to buf.
func appendJPEGHeader(buf []byte, fragmentOffset uint32, jpegType byte, dynamicTables bool, width, height int) []byte {
	buf = append(buf, 0) // Type-specific.
	buf = append(buf, byte(fragmentOffset>>16), byte(fragmentOffset>>8), byte(fragmentOffset))
	buf = append(buf, jpegType)

	q := byte(255)
	if dynamicTables {
		q = 128
	}
	buf = append(buf, q)
	buf = append(buf, byte(width/8), byte(height/8))
	return buf
}

// appendQTableHeader appends the RFC 2435 Quantization Table header
// (MBZ, precision, 16-bit length, then the tables themselves concatenated
// in parse order) to buf.
func appendQTableHeader(buf []byte, tables [][]byte) []byte {
	size := tablesSize(tables)
	buf = append(buf, 0, 0) // MBZ, precision.
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(size))
	buf = append(buf, lenBuf[:]...)
	for _, t := range tables {
		buf = append(buf, t...)
	}
	return buf
}

func tablesSize(tables [][]byte) int {
	n := 0
	for _, t := range tables {
		n += len(t)
	}
	return n
}

// CachedInfo returns the JpegInfo parsed from the most recent call to
// PacketizeJPEG, or nil if none has completed yet or the most recent
// frame used the degraded full-payload path.
func (p *Packetizer) CachedInfo() *jpeg.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// Reset zeroes the sequence number, timestamp and all counters. Intended
// for tests and for a supervisor restarting a stream without reallocating
// its Packetizer.
func (p *Packetizer) Reset() {
	atomic.StoreUint32(&p.seq, 0)
	atomic.StoreUint32(&p.timestamp, 0)
	atomic.StoreUint64(&p.packetsSent, 0)
	atomic.StoreUint64(&p.bytesSent, 0)
	atomic.StoreUint64(&p.framesSent, 0)
}
