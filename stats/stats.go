// Package stats periodically logs and reports streaming statistics on a
// fixed interval, the way codec/jpeg's Lex paces writes with a
// time.Ticker: a Source is polled for a snapshot on every tick, logged
// through the shared Logger, and handed to an optional Reporter.
package stats

import (
	"context"
	"time"

	"github.com/ausocean/utils/logging"
)

// Source is anything that can produce a Snapshot on demand. streamer.Streamer
// satisfies this through its Snapshot method, which converts its
// streamer.Stats into a Snapshot.
type Source interface {
	Snapshot() Snapshot
}

// Snapshot is one point-in-time statistics reading, shaped to cover the
// counters every stage of the pipeline exposes.
type Snapshot struct {
	FramesCaptured uint64
	PacketsSent    uint64
	BytesSent      uint64
	SendErrors     uint64
	BitrateKbps    int
	Subscribers    int32
	FramesDropped  uint64
}

// Reporter receives each Snapshot as it's produced, e.g. to push it to an
// external metrics collector.
type Reporter interface {
	Report(Snapshot)
}

// Ticker polls a Source on a fixed interval and logs/reports each
// Snapshot until stopped.
type Ticker struct {
	src      Source
	interval time.Duration
	log      logging.Logger
	reporter Reporter
}

// NewTicker returns a Ticker that polls src every interval.
func NewTicker(src Source, interval time.Duration, log logging.Logger, reporter Reporter) *Ticker {
	return &Ticker{src: src, interval: interval, log: log, reporter: reporter}
}

// Run polls and logs/reports a Snapshot every interval until ctx is
// cancelled. Run blocks; callers typically run it in its own goroutine.
func (t *Ticker) Run(ctx context.Context) {
	if t.interval <= 0 {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := t.src.Snapshot()
			if t.log != nil {
				t.log.Info("stats: snapshot",
					"framesCaptured", snap.FramesCaptured,
					"packetsSent", snap.PacketsSent,
					"bytesSent", snap.BytesSent,
					"sendErrors", snap.SendErrors,
					"bitrateKbps", snap.BitrateKbps,
					"subscribers", snap.Subscribers,
				)
			}
			if t.reporter != nil {
				t.reporter.Report(snap)
			}
		}
	}
}
