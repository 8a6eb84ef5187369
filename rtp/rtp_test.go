package rtp

import "testing"

func TestMarshalHeaderFields(t *testing.T) {
	p := &Packet{
		Marker:         true,
		PayloadType:    26,
		SequenceNumber: 0x0102,
		Timestamp:      0x000003E8,
		SSRC:           0x12345678,
		Payload:        []byte{0xAA, 0xBB},
	}
	buf := p.Marshal(nil)

	if got := buf[0] >> 6; got != Version {
		t.Errorf("version = %d, want %d", got, Version)
	}
	if got := buf[1] & 0x7F; got != 26 {
		t.Errorf("payload type = %d, want 26", got)
	}
	if buf[1]>>7 != 1 {
		t.Error("marker bit not set")
	}
	if got := uint16(buf[2])<<8 | uint16(buf[3]); got != 0x0102 {
		t.Errorf("sequence number = %#x, want 0x0102", got)
	}
	if got := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]); got != 0x000003E8 {
		t.Errorf("timestamp = %#x, want 0x000003E8", got)
	}
	if got := uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]); got != 0x12345678 {
		t.Errorf("ssrc = %#x, want 0x12345678", got)
	}
	if len(buf) != HeaderSize+2 || buf[12] != 0xAA || buf[13] != 0xBB {
		t.Error("payload not appended correctly")
	}
}

func TestMarshalReusesBuffer(t *testing.T) {
	p := &Packet{Payload: []byte{1, 2, 3}}
	big := make([]byte, 0, 100)
	out := p.Marshal(big)
	if &out[0] != &big[:1][0] {
		t.Error("Marshal did not reuse the provided backing array")
	}
}
