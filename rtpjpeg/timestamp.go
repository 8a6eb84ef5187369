package rtpjpeg

import (
	"sync/atomic"
	"time"
)

// TimestampGenerator produces RTP timestamps on the 90 kHz video clock
// (ClockRate), in either of the two forms a capture pipeline needs: one
// derived from wall-clock elapsed time for a source with a jittery
// natural frame rate, and one derived from a fixed nominal frame rate
// for a source that produces frames at a steady cadence.
type TimestampGenerator struct {
	start time.Time

	frameCount uint64 // atomic.
	fps        uint32
}

// NewTimestampGenerator returns a TimestampGenerator anchored to the
// current time. fps is used only by NextFromFrameCount; pass 0 if only
// NextFromWallClock will be used.
func NewTimestampGenerator(fps int) *TimestampGenerator {
	return &TimestampGenerator{start: time.Now(), fps: uint32(fps)}
}

// NextFromWallClock returns the RTP timestamp corresponding to elapsed
// wall-clock time since the generator was created, truncated to the 90
// kHz clock. Suited to sources (e.g. a live webcam) whose actual frame
// arrival times drift from any nominal frame rate.
func (g *TimestampGenerator) NextFromWallClock() uint32 {
	elapsed := time.Since(g.start)
	return uint32(elapsed.Seconds() * ClockRate)
}

// NextFromFrameCount returns the RTP timestamp for the next frame
// assuming frames arrive at exactly the generator's configured fps,
// advancing a monotonic frame counter rather than reading the clock.
// Suited to a source replaying frames at a fixed nominal rate (a file
// or a test harness) where wall-clock jitter shouldn't leak into
// timestamps.
func (g *TimestampGenerator) NextFromFrameCount() uint32 {
	n := atomic.AddUint64(&g.frameCount, 1) - 1
	if g.fps == 0 {
		return 0
	}
	step := uint64(ClockRate / g.fps)
	return uint32(n * step)
}

// Reset zeroes the frame counter and re-anchors the wall-clock start
// time to now.
func (g *TimestampGenerator) Reset() {
	g.start = time.Now()
	atomic.StoreUint64(&g.frameCount, 0)
}
