// Package capture obtains discrete JPEG frames from a video input device
// and publishes each one on a bounded, drop-oldest queue. It defines a
// small Source contract that any configurable, startable/stoppable
// device exposing an MJPEG byte stream can satisfy, and a FrameReader
// that performs the SOI/EOI marker lexing needed to split that byte
// stream into individual frames.
package capture

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

// QueueCapacity bounds the number of frames buffered between the
// FrameReader's read loop and its consumer. A consumer that falls
// behind causes the oldest buffered frame to be dropped to make room
// for the newest, rather than blocking the read loop: the capture
// source must never stall the camera to wait for a slow downstream
// stage.
const QueueCapacity = 5

// FlipMethod is a geometric transform a capture source applies before
// encoding, part of the control surface spec.md §6.3 exposes alongside
// width/height/fps/quality.
type FlipMethod uint8

// Supported flip/rotate transforms. A Source that doesn't support a
// given method should reject it in Set rather than silently ignoring
// it.
const (
	FlipNone FlipMethod = iota
	FlipVertical
	FlipHorizontal
	FlipRotate90
	FlipRotate180
	FlipRotate270
)

// Config describes a capture source's desired operating parameters. Not
// every Source implementation honours every field; Set should be
// tolerant of fields it doesn't use and apply sensible defaults for
// fields left at their zero value.
type Config struct {
	DevicePath string // e.g. "/dev/video0".
	Width      int
	Height     int
	FPS        int
	Quality    int // JPEG quality, 1-100; meaning is device-specific.
	FlipMethod FlipMethod
}

// Config validation errors, per spec.md §6.3/§7's bounds: width/height
// must be positive and divisible by 8, fps in 1..120, quality in
// 1..100.
var (
	ErrInvalidDimensions = errors.New("capture: width and height must be positive and divisible by 8")
	ErrInvalidFPS        = errors.New("capture: fps must be in 1..120")
	ErrInvalidQuality    = errors.New("capture: quality must be in 1..100")
)

// Validate bounds-checks c, returning the first violation found.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Width%8 != 0 || c.Height%8 != 0 {
		return ErrInvalidDimensions
	}
	if c.FPS < 1 || c.FPS > 120 {
		return ErrInvalidFPS
	}
	if c.Quality < 1 || c.Quality > 100 {
		return ErrInvalidQuality
	}
	return nil
}

// Source is a device from which a raw MJPEG byte stream can be read once
// started. Implementations are typically adapted from the wider AVDevice
// family (file, webcam, raspivid...): this package only needs the
// lifecycle and the ability to read bytes.
type Source interface {
	io.Reader

	// Name identifies the device for logging.
	Name() string

	// Set configures the source prior to Start. Implementations that
	// don't use a given field should ignore it.
	Set(Config) error

	// Start begins capturing; Read becomes valid only after Start
	// succeeds.
	Start() error

	// Stop ends capture. Reads after Stop fail.
	Stop() error

	// IsRunning reports whether Start has succeeded without a
	// following Stop.
	IsRunning() bool
}

// Frame is one captured JPEG image together with the time it was pulled
// off the wire.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Errors returned by FrameReader.Run.
var (
	ErrNotJPEGStart = errors.New("capture: frame does not start with SOI marker")
	ErrSourceClosed = errors.New("capture: source closed before a complete frame was read")
)

const initialFrameBufSize = 64 << 10 // 64 KiB, enough for most single JPEG frames without regrowing.

// QueueStats is a snapshot of a FrameReader's cumulative counters.
type QueueStats struct {
	FramesCaptured uint64
	FramesDropped  uint64
}

// FrameReader splits a Source's raw MJPEG byte stream into discrete
// frames by walking SOI (0xFFD8) / EOI (0xFFD9) markers, the same
// nesting-aware lexing scheme used to delimit frames within an MJPEG
// stream in general: a literal 0xFFD8 inside the entropy-coded scan
// can't occur (JPEG marker stuffing guarantees any real 0xFF byte there
// is followed by 0x00), so counting SOI/EOI occurrences correctly finds
// the matching EOI even across restart-marker-heavy scans.
//
// Completed frames are pushed onto a bounded internal queue
// (QueueCapacity) rather than handed directly to a consumer: per
// spec.md §4.4 the capture source must never block its own read loop
// waiting for a slow downstream stage, so once the queue is full the
// oldest buffered frame is dropped to make room for the newest.
type FrameReader struct {
	src Source
	log logging.Logger

	ch chan Frame

	framesCaptured uint64 // atomic.
	framesDropped  uint64 // atomic.
}

// NewFrameReader returns a FrameReader that reads from src, which must
// already be Set and Start-ed by the caller.
func NewFrameReader(src Source, log logging.Logger) *FrameReader {
	return &FrameReader{src: src, log: log, ch: make(chan Frame, QueueCapacity)}
}

// Frames returns the channel completed frames are published to. Run is
// the queue's only writer; a consumer reads from this channel directly.
func (f *FrameReader) Frames() <-chan Frame {
	return f.ch
}

// IsRunning reports whether the underlying Source is currently started.
func (f *FrameReader) IsRunning() bool {
	return f.src.IsRunning()
}

// Stats returns a snapshot of f's cumulative counters.
func (f *FrameReader) Stats() QueueStats {
	return QueueStats{
		FramesCaptured: atomic.LoadUint64(&f.framesCaptured),
		FramesDropped:  atomic.LoadUint64(&f.framesDropped),
	}
}

// Run reads frames from the underlying Source until ctx is cancelled or a
// read error occurs, pushing each complete frame onto the internal
// queue. Run blocks; callers typically run it in its own goroutine. Run
// never returns nil: if ctx was the reason Run stopped, the error is
// ctx.Err().
func (f *FrameReader) Run(ctx context.Context) error {
	r := bufio.NewReaderSize(f.src, initialFrameBufSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := readOneFrame(r)
		if err != nil {
			if err == io.EOF {
				return ErrSourceClosed
			}
			return errors.Wrap(err, "capture: frame read failed")
		}

		atomic.AddUint64(&f.framesCaptured, 1)
		if f.log != nil {
			f.log.Debug("capture: frame read", "source", f.src.Name(), "bytes", len(data))
		}
		f.push(Frame{Data: data, CapturedAt: time.Now()})
	}
}

// push enqueues frame, dropping the oldest buffered frame to make room
// if the queue is already at QueueCapacity.
func (f *FrameReader) push(frame Frame) {
	select {
	case f.ch <- frame:
		return
	default:
	}

	select {
	case <-f.ch:
		atomic.AddUint64(&f.framesDropped, 1)
	default:
	}

	select {
	case f.ch <- frame:
	default:
		// A concurrent reader drained the slot we just freed first;
		// count this frame dropped rather than block.
		atomic.AddUint64(&f.framesDropped, 1)
	}
}

// readOneFrame reads one complete SOI...EOI JPEG frame from r.
func readOneFrame(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	second, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if first != 0xFF || second != 0xD8 {
		return nil, ErrNotJPEGStart
	}

	buf := make([]byte, 2, initialFrameBufSize)
	buf[0], buf[1] = first, second

	depth := 1
	var last byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)

		switch {
		case last == 0xFF && b == 0xD8:
			depth++
		case last == 0xFF && b == 0xD9:
			depth--
		}

		if depth == 0 {
			return buf, nil
		}
		last = b
	}
}
