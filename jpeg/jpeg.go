// Package jpeg walks JPEG/JFIF markers and extracts the pieces that RFC
// 2435 needs to ship a frame over RTP: the quantization tables, the frame
// dimensions and chroma sampling, and the entropy-coded scan itself.
//
// Parsing is tolerant: unknown markers are skipped by their declared
// length rather than treated as fatal, since the only markers this
// package cares about are DQT, SOF0 and SOS.
package jpeg

import (
	"encoding/binary"
	"errors"
)

// Standard JPEG/JFIF marker codes relevant to RFC 2435 payload extraction.
const (
	markerSOI  = 0xD8 // Start of Image.
	markerEOI  = 0xD9 // End of Image.
	markerSOS  = 0xDA // Start of Scan.
	markerDQT  = 0xDB // Define Quantization Table.
	markerSOF0 = 0xC0 // Start of Frame (baseline).
)

// Errors returned by Parse and Validate.
var (
	ErrTooShort    = errors.New("jpeg: data too short")
	ErrMissingSOI  = errors.New("jpeg: missing SOI marker")
	ErrMissingSOS  = errors.New("jpeg: missing SOS marker")
	ErrMissingEOI  = errors.New("jpeg: missing EOI marker")
	ErrUnsupported = errors.New("jpeg: unsupported marker layout")
)

// JPEG type codes carried in the RFC 2435 header, derived from the Y
// component's chroma sampling factors in SOF0.
const (
	Type420 = 0 // 4:2:0 sampling.
	Type422 = 1 // 4:2:2 sampling.
)

// Info is the result of parsing one complete JPEG frame for RTP payload
// extraction. QuantTables holds each DQT body as-is (precision/id byte
// included), in the order encountered. ScanData is a slice of the
// original frame backing array — no bytes are copied.
type Info struct {
	QuantTables [][]byte
	Width       int
	Height      int
	Type        byte
	ScanData    []byte
}

// Validate checks that data has the minimal SOI/EOI framing required of
// any JPEG accepted by this package, without walking the markers between.
func Validate(data []byte) error {
	if len(data) < 4 {
		return ErrTooShort
	}
	if data[0] != 0xFF || data[1] != markerSOI {
		return ErrMissingSOI
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != markerEOI {
		return ErrMissingEOI
	}
	return nil
}

// Parse walks the markers of a complete JPEG (SOI...EOI) and returns the
// quantization tables, dimensions, chroma type and a view of the
// entropy-coded scan data, as required to build an RFC 2435 RTP payload.
//
// Parse is tolerant of markers it does not need: any marker with a
// standard two-byte length field (DHT, APPn, COM, etc.) is skipped by
// that length. Marker stuffing (0xFF 0x00 or 0xFF 0xFF inside the search
// for the next marker) is skipped a byte at a time.
func Parse(data []byte) (Info, error) {
	if len(data) < 4 {
		return Info{}, ErrTooShort
	}
	if data[0] != 0xFF || data[1] != markerSOI {
		return Info{}, ErrMissingSOI
	}

	var info Info
	pos := 2
	for pos < len(data)-1 {
		if data[pos] != 0xFF {
			// Not on a marker boundary; this can only legitimately happen
			// for stuffed bytes inside compressed data, which we shouldn't
			// reach before SOS. Treat as malformed.
			return Info{}, ErrUnsupported
		}

		marker := data[pos+1]
		switch marker {
		case 0x00, 0xFF:
			// Stuffing; advance one byte and keep scanning for a real marker.
			pos++
			continue

		case markerEOI:
			// End of image reached without ever seeing a scan.
			return Info{}, ErrMissingSOS

		case markerSOS:
			if pos+4 > len(data) {
				return Info{}, ErrMissingSOS
			}
			length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
			scanStart := pos + 2 + length
			if scanStart > len(data) {
				return Info{}, ErrMissingSOS
			}

			eoi := findEOI(data, scanStart)
			if eoi < 0 {
				return Info{}, ErrMissingEOI
			}

			info.ScanData = data[scanStart:eoi]
			return info, nil

		case markerDQT:
			if pos+4 > len(data) {
				return Info{}, ErrUnsupported
			}
			length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
			if length < 2 || pos+2+length > len(data) {
				return Info{}, ErrUnsupported
			}
			// Length includes the two length bytes themselves; the table
			// body is what follows them within the marker segment.
			info.QuantTables = append(info.QuantTables, data[pos+4:pos+2+length])
			pos += 2 + length

		case markerSOF0:
			if pos+4 > len(data) {
				return Info{}, ErrUnsupported
			}
			length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
			body := pos + 4
			if length < 2 || pos+2+length > len(data) || body+6 > len(data) {
				return Info{}, ErrUnsupported
			}

			info.Height = int(binary.BigEndian.Uint16(data[body+1 : body+3]))
			info.Width = int(binary.BigEndian.Uint16(data[body+3 : body+5]))
			components := data[body+5]
			if components == 3 {
				if body+8 > len(data) {
					return Info{}, ErrUnsupported
				}
				// Component descriptors start at body+6, each 3 bytes
				// (ID, sampling factors, quant table id); the Y component
				// is first, its sampling factor byte is body+7.
				samp := data[body+7]
				hi, lo := samp>>4, samp&0xF
				switch {
				case hi == 2 && lo == 2:
					info.Type = Type420
				case hi == 2 && lo == 1:
					info.Type = Type422
				default:
					return Info{}, ErrUnsupported
				}
			}
			pos += 2 + length

		default:
			// Any other marker with a standard length field: skip it.
			if pos+4 > len(data) {
				return Info{}, ErrUnsupported
			}
			length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
			if length < 2 || pos+2+length > len(data) {
				return Info{}, ErrUnsupported
			}
			pos += 2 + length
		}
	}

	return Info{}, ErrMissingSOS
}

// findEOI returns the index of the 0xFF byte of the last EOI marker in
// data at or after from, or -1 if none is found.
func findEOI(data []byte, from int) int {
	for i := len(data) - 2; i >= from; i-- {
		if data[i] == 0xFF && data[i+1] == markerEOI {
			return i
		}
	}
	return -1
}
