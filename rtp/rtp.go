// Package rtp provides a minimal RFC 3550 RTP packet representation and
// its wire encoding. It covers exactly the header fields the JPEG
// payload format (RFC 2435) needs: no CSRC list, no header extension.
package rtp

import "encoding/binary"

// HeaderSize is the fixed 12-byte RTP header length used throughout this
// package; no CSRC or extension fields are supported.
const HeaderSize = 12

// Version is the only RTP version this package emits or accepts.
const Version = 2

// Packet is one RTP packet: a 12-byte header plus payload.
type Packet struct {
	Marker         bool   // M bit.
	PayloadType    uint8  // 7-bit payload type.
	SequenceNumber uint16 // 16-bit sequence number.
	Timestamp      uint32 // 90 kHz media clock for JPEG video.
	SSRC           uint32 // Synchronization source identifier.
	Payload        []byte // RTP payload; not copied by Marshal.
}

// Marshal encodes p into buf, appending header then payload, and returns
// the resulting slice. If buf has enough spare capacity it is reused,
// otherwise a new backing array is allocated.
func (p *Packet) Marshal(buf []byte) []byte {
	total := HeaderSize + len(p.Payload)
	if cap(buf) < total {
		buf = make([]byte, total)
	} else {
		buf = buf[:total]
	}

	buf[0] = Version<<6 | 0<<5 | 0<<4 | 0 // P=0, X=0, CC=0.
	marker := byte(0)
	if p.Marker {
		marker = 1
	}
	buf[1] = marker<<7 | p.PayloadType&0x7F
	binary.BigEndian.PutUint16(buf[2:4], p.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SSRC)
	copy(buf[12:], p.Payload)

	return buf
}

// Len returns the total wire length of p without encoding it.
func (p *Packet) Len() int {
	return HeaderSize + len(p.Payload)
}
