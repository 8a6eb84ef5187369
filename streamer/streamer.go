// Package streamer supervises one end-to-end MJPEG-over-RTP session: it
// pulls frames from a capture.Source through a capture.FrameReader's
// bounded drop-oldest queue, forwards each frame into a sender.Sender's
// own bounded input channel, and fans out the original encoded frames
// through a distributor.Distributor for any local subscribers (a
// preview window, a recorder). It follows revid.Revid's lifecycle
// shape: a single running flag, a stop channel, and a sync.WaitGroup
// tracking the one background routing routine.
package streamer

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/mjpegrtp/capture"
	"github.com/ausocean/mjpegrtp/config"
	"github.com/ausocean/mjpegrtp/distributor"
	"github.com/ausocean/mjpegrtp/sender"
	"github.com/ausocean/mjpegrtp/stats"
)

// StatsReporter receives periodic Stats snapshots. Implementations
// adapt Streamer's stats to whatever collector a deployment uses (a
// metrics endpoint, a cloud telemetry client); Streamer has no opinion
// about where stats end up.
type StatsReporter interface {
	Report(Stats)
}

// Stats is a point-in-time snapshot of one Streamer's cumulative
// counters, aggregating its capture queue, its sender (and the
// sender's packetizer), and its distributor.
type Stats struct {
	FramesCaptured uint64
	Capture        capture.QueueStats
	Sender         sender.Stats
	Distributor    distributor.Stats
}

// Streamer ties together one capture source, its frame queue, one UDP
// sender and one local fan-out distributor into a single start/stop-able
// session. The sender owns its own packetizer and timestamp generator;
// Streamer's job is lifecycle ordering and routing frames between the
// two bounded queues.
type Streamer struct {
	cfg config.Config
	log logging.Logger

	src      capture.Source
	reader   *capture.FrameReader
	dist     *distributor.Distributor
	snd      *sender.Sender
	reporter StatsReporter

	running bool
	wg      sync.WaitGroup
	stop    chan struct{}

	frameCount uint64
}

// New validates cfg and returns a Streamer wired to read from src and
// forward through snd. reporter may be nil to disable periodic stats
// reporting. snd is expected to already be constructed (typically via
// sender.New) with the same width/height/fps as cfg.Capture; New does
// not start it.
func New(cfg config.Config, src capture.Source, snd *sender.Sender, reporter StatsReporter) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := src.Set(cfg.Capture); err != nil {
		return nil, errors.Wrap(err, "streamer: could not configure capture source")
	}

	return &Streamer{
		cfg:      cfg,
		log:      cfg.Logger,
		src:      src,
		reader:   capture.NewFrameReader(src, cfg.Logger),
		dist:     distributor.New(cfg.DistributorCapacity, cfg.Logger),
		snd:      snd,
		reporter: reporter,
	}, nil
}

// Start begins capturing and streaming. Per spec.md §4.6 the sender is
// started before the capture source, so it's ready to receive the
// first frame. Calling Start on an already-running Streamer is a
// no-op.
func (s *Streamer) Start() error {
	if s.running {
		if s.log != nil {
			s.log.Warning("streamer: start called but already running")
		}
		return nil
	}

	if err := s.snd.Start(); err != nil {
		return errors.Wrap(err, "streamer: could not start sender")
	}

	if err := s.src.Start(); err != nil {
		return errors.Wrap(err, "streamer: could not start capture source")
	}

	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.running = true
	return nil
}

// run is the Streamer's background routing routine: it drives the
// capture FrameReader's read loop in its own goroutine and, for every
// frame the reader queues, publishes to the distributor and forwards
// to the sender, until Stop closes s.stop.
func (s *Streamer) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- s.reader.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.reader.Frames():
			if !ok {
				return
			}
			s.handleFrame(ctx, f)
		case err := <-readerDone:
			if err != nil && err != context.Canceled && s.log != nil {
				s.log.Error("streamer: frame reader stopped", "error", err.Error())
			}
			return
		}
	}
}

// handleFrame publishes one captured frame to the local distributor and
// forwards it to the sender's own input queue, awaiting capacity there
// or ctx cancellation. The RTP timestamp is derived by the sender from
// the frame count, not from when handleFrame happens to run, so it
// stays invariant under scheduler jitter.
func (s *Streamer) handleFrame(ctx context.Context, f capture.Frame) {
	s.frameCount++

	s.dist.Publish(f.Data)

	if err := s.snd.SendFrame(ctx, f); err != nil && err != context.Canceled && s.log != nil {
		s.log.Error("streamer: send failed", "error", err.Error())
	}

	if s.cfg.StatsIntervalFrames > 0 && s.frameCount%uint64(s.cfg.StatsIntervalFrames) == 0 {
		s.reportStats()
	}
}

func (s *Streamer) reportStats() {
	cur := s.Stats()
	if s.log != nil {
		s.log.Info("streamer: stats",
			"framesCaptured", cur.FramesCaptured,
			"framesSent", cur.Sender.FramesSent,
			"framesDropped", cur.Sender.FramesDropped,
			"sendErrors", cur.Sender.SendErrors,
		)
	}
	if s.reporter != nil {
		s.reporter.Report(cur)
	}
}

// Stats returns a snapshot of the streamer's cumulative counters.
func (s *Streamer) Stats() Stats {
	return Stats{
		FramesCaptured: s.frameCount,
		Capture:        s.reader.Stats(),
		Sender:         s.snd.Stats(),
		Distributor:    s.dist.Stats(),
	}
}

// Snapshot returns s's current Stats as a stats.Snapshot, so a Streamer
// can be polled directly by a stats.Ticker.
func (s *Streamer) Snapshot() stats.Snapshot {
	cur := s.Stats()
	return stats.Snapshot{
		FramesCaptured: cur.FramesCaptured,
		PacketsSent:    cur.Sender.Packetizer.PacketsSent,
		BytesSent:      cur.Sender.Packetizer.BytesSent,
		SendErrors:     cur.Sender.SendErrors,
		BitrateKbps:    cur.Sender.BitrateKbps,
		Subscribers:    cur.Distributor.Subscribers,
		FramesDropped:  cur.Distributor.FramesDropped,
	}
}

// Subscribe registers a new local subscriber that will receive every
// frame streamed from this point on, independent of RTP delivery.
func (s *Streamer) Subscribe(id string) *distributor.Subscription {
	return s.dist.Subscribe(id)
}

// Running reports whether the Streamer is currently started.
func (s *Streamer) Running() bool {
	return s.running
}

// Stop halts the sender and then the capture source, per spec.md §4.6's
// shutdown ordering, and waits for the background routing routine to
// finish. Calling Stop on a non-running Streamer is a no-op.
func (s *Streamer) Stop() {
	if !s.running {
		if s.log != nil {
			s.log.Warning("streamer: stop called but not running")
		}
		return
	}

	close(s.stop)

	if err := s.snd.Stop(); err != nil && s.log != nil {
		s.log.Error("streamer: could not stop sender", "error", err.Error())
	}

	if err := s.src.Stop(); err != nil && s.log != nil {
		s.log.Error("streamer: could not stop capture source", "error", err.Error())
	}

	s.wg.Wait()
	s.dist.Close()

	s.running = false
}
