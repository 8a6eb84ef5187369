package rtpjpeg

import (
	"bytes"
	"testing"

	"github.com/ausocean/mjpegrtp/jpeg"
	"github.com/ausocean/mjpegrtp/rtp"
)

// buildMinimal constructs a minimal but structurally valid JPEG with one
// 64-byte DQT table, an SOF0 declaring width/height and 4:2:0 sampling,
// a minimal SOS header, scanData bytes, and a trailing EOI.
func buildMinimal(width, height int, scanData []byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xD8})

	b.Write([]byte{0xFF, 0xDB, 0x00, 67})
	b.WriteByte(0x00)
	b.Write(bytes.Repeat([]byte{1}, 64))

	b.Write([]byte{0xFF, 0xC0, 0x00, 17})
	b.WriteByte(8)
	b.WriteByte(byte(height >> 8))
	b.WriteByte(byte(height))
	b.WriteByte(byte(width >> 8))
	b.WriteByte(byte(width))
	b.WriteByte(3)
	b.Write([]byte{0x00, 0x22, 0x00, 0x01, 0x11, 0x01, 0x02, 0x11, 0x01})

	b.Write([]byte{0xFF, 0xDA, 0x00, 12})
	b.Write(bytes.Repeat([]byte{0}, 10))

	b.Write(scanData)
	b.Write([]byte{0xFF, 0xD9})
	return b.Bytes()
}

func TestPacketizeSinglePacket(t *testing.T) {
	p, err := NewPacketizer(0xCAFEBABE, 1500, nil)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}

	scan := bytes.Repeat([]byte{0xAB}, 100)
	data := buildMinimal(640, 480, scan)

	pkts, err := p.PacketizeJPEG(data, 640, 480, 12345)
	if err != nil {
		t.Fatalf("PacketizeJPEG: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}

	buf := pkts[0]
	if buf[1]>>7 != 1 {
		t.Error("marker bit should be set on the only (final) packet of the frame")
	}
	if buf[1]&0x7F != PayloadTypeJPEG {
		t.Errorf("payload type = %d, want %d", buf[1]&0x7F, PayloadTypeJPEG)
	}

	hdr := buf[rtp.HeaderSize:]
	if hdr[0] != 0 {
		t.Error("type-specific byte should be 0")
	}
	offset := uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
	if offset != 0 {
		t.Errorf("fragment offset = %d, want 0", offset)
	}
	if hdr[4] != jpeg.Type420 {
		t.Errorf("type = %d, want Type420", hdr[4])
	}
	if hdr[5] != 128 {
		t.Errorf("Q = %d, want 128 (dynamic tables present)", hdr[5])
	}
	if hdr[6] != 640/8 || hdr[7] != 480/8 {
		t.Errorf("width/height blocks = %d/%d, want %d/%d", hdr[6], hdr[7], 640/8, 480/8)
	}

	qhdr := hdr[8:]
	if qhdr[0] != 0 || qhdr[1] != 0 {
		t.Error("MBZ/precision should be zero")
	}
	qlen := int(qhdr[2])<<8 | int(qhdr[3])
	if qlen != 65 {
		t.Errorf("quant table header length = %d, want 65", qlen)
	}

	payload := qhdr[4+qlen:]
	if !bytes.Equal(payload, scan) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(payload), len(scan))
	}
}

func TestPacketizeFragmentsAcrossMTU(t *testing.T) {
	p, err := NewPacketizer(1, 500, nil)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}

	scan := bytes.Repeat([]byte{0x42}, 500)
	data := buildMinimal(160, 120, scan)

	pkts, err := p.PacketizeJPEG(data, 160, 120, 0)
	if err != nil {
		t.Fatalf("PacketizeJPEG: %v", err)
	}
	if len(pkts) < 2 {
		t.Fatalf("expected fragmentation across several packets, got %d", len(pkts))
	}

	var reassembled []byte
	for i, buf := range pkts {
		hdr := buf[rtp.HeaderSize:]
		offset := uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
		if int(offset) != len(reassembled) {
			t.Fatalf("packet %d: fragment offset = %d, want %d", i, offset, len(reassembled))
		}

		seq := uint16(buf[2])<<8 | uint16(buf[3])
		if int(seq) != i {
			t.Errorf("packet %d: sequence number = %d, want %d", i, seq, i)
		}

		marker := buf[1] >> 7
		wantFinal := i == len(pkts)-1
		if (marker == 1) != wantFinal {
			t.Errorf("packet %d: marker = %d, want final=%v", i, marker, wantFinal)
		}

		headerLen := 8
		if i == 0 {
			headerLen += 4 + 65
		}
		reassembled = append(reassembled, hdr[headerLen:]...)
	}

	if !bytes.Equal(reassembled, scan) {
		t.Errorf("reassembled payload mismatch: got %d bytes, want %d", len(reassembled), len(scan))
	}
}

func TestPacketizeSequenceNumberWraps(t *testing.T) {
	p, err := NewPacketizer(1, 1500, nil)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}
	p.seq = 0xFFFF

	data := buildMinimal(16, 16, []byte{0x01, 0x02})
	pkts, err := p.PacketizeJPEG(data, 16, 16, 0)
	if err != nil {
		t.Fatalf("PacketizeJPEG: %v", err)
	}
	seq := uint16(pkts[0][2])<<8 | uint16(pkts[0][3])
	if seq != 0xFFFF {
		t.Errorf("first packet seq = %#x, want 0xFFFF", seq)
	}
	if got := p.SequenceNumber(); got != 0 {
		t.Errorf("sequence number after wrap = %d, want 0", got)
	}
}

func TestPacketizeMalformedFallsBackToFullFrame(t *testing.T) {
	p, err := NewPacketizer(1, 1500, nil)
	if err != nil {
		t.Fatalf("NewPacketizer: %v", err)
	}

	// SOI, garbage marker with an overlong length, then EOI: Validate
	// passes (SOI/EOI framing intact) but Parse can't walk the markers.
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0xFF, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	pkts, err := p.PacketizeJPEG(data, 16, 16, 0)
	if err != nil {
		t.Fatalf("PacketizeJPEG: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}

	hdr := pkts[0][rtp.HeaderSize:]
	if hdr[5] != 255 {
		t.Errorf("Q = %d, want 255 for degraded full-frame payload", hdr[5])
	}
	if !bytes.Equal(hdr[8:], data) {
		t.Error("degraded payload should be the entire original jpeg buffer")
	}
}

func TestPacketizeRejectsEmptyAndMissingFraming(t *testing.T) {
	p, _ := NewPacketizer(1, 1500, nil)

	if _, err := p.PacketizeJPEG(nil, 16, 16, 0); err != ErrEmptyData {
		t.Errorf("got %v, want ErrEmptyData", err)
	}
	if _, err := p.PacketizeJPEG([]byte{0x00, 0x00, 0xFF, 0xD9}, 16, 16, 0); err != ErrMissingSOI {
		t.Errorf("got %v, want ErrMissingSOI", err)
	}
}

func TestNewPacketizerRejectsInvalidMTU(t *testing.T) {
	if _, err := NewPacketizer(1, 0, nil); err != ErrInvalidMTU {
		t.Errorf("mtu=0: got %v, want ErrInvalidMTU", err)
	}
	if _, err := NewPacketizer(1, 10000, nil); err != ErrInvalidMTU {
		t.Errorf("mtu=10000: got %v, want ErrInvalidMTU", err)
	}
}

func TestGetStatsAccumulates(t *testing.T) {
	p, _ := NewPacketizer(1, 1500, nil)
	data := buildMinimal(16, 16, bytes.Repeat([]byte{0x01}, 10))

	if _, err := p.PacketizeJPEG(data, 16, 16, 0); err != nil {
		t.Fatalf("PacketizeJPEG: %v", err)
	}
	if _, err := p.PacketizeJPEG(data, 16, 16, 3000); err != nil {
		t.Fatalf("PacketizeJPEG: %v", err)
	}

	stats := p.GetStats()
	if stats.FramesSent != 2 {
		t.Errorf("FramesSent = %d, want 2", stats.FramesSent)
	}
	if stats.PacketsSent != 2 {
		t.Errorf("PacketsSent = %d, want 2", stats.PacketsSent)
	}
	if stats.BytesSent != uint64(2*len(data)) {
		t.Errorf("BytesSent = %d, want %d", stats.BytesSent, 2*len(data))
	}
}
