// Package sender owns a bound UDP socket and a dedicated background
// task that consumes captured frames from a bounded input channel,
// packetizes each into RFC 2435 RTP/JPEG packets and writes them to a
// fixed destination, tracking the frame/error counters a stream
// supervisor reports as statistics.
package sender

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/bitrate"
	"github.com/ausocean/utils/logging"

	"github.com/ausocean/mjpegrtp/capture"
	"github.com/ausocean/mjpegrtp/rtpjpeg"
)

// inputQueueCapacity bounds the sender's frame input channel per
// spec.md §4.5; producers use a non-blocking try-send and count an
// overflow as a dropped frame rather than waiting, unless they use the
// blocking SendFrame instead.
const inputQueueCapacity = 10

// Config describes a Sender's fixed UDP destination, local socket
// options, and the RTP stream identity it packetizes under.
type Config struct {
	DestHost string
	DestPort int

	// LocalPort binds the local end of the UDP socket to a fixed port,
	// e.g. so a firewall rule can allow a known source port. Zero
	// chooses an ephemeral port.
	LocalPort int

	// MTU bounds the RTP packets the packetizer produces; valid range
	// is 500..9000 per spec.md §6.1. Zero defaults to 1400.
	MTU int

	// SSRC is the RTP synchronization source identifier. Zero causes
	// one to be derived at New.
	SSRC uint32

	// DSCP is the IP TOS / Differentiated Services Code Point applied
	// to outgoing packets when the host stack permits it, 0..63. Zero
	// means "do not set". Setting the socket option itself is not
	// implemented (see DESIGN.md); this field exists so construction
	// still validates and records the value spec.md §6.3 requires.
	DSCP uint8
}

// Config validation errors.
var (
	ErrMissingDestHost = errors.New("sender: DestHost is required")
	ErrMissingDestPort = errors.New("sender: DestPort is required")
	ErrInvalidMTU      = errors.New("sender: MTU must be in 500..9000")
	ErrInvalidDSCP     = errors.New("sender: DSCP must be in 0..63")
)

// Validate bounds-checks c, returning the first violation found.
func (c Config) Validate() error {
	if c.DestHost == "" {
		return ErrMissingDestHost
	}
	if c.DestPort <= 0 {
		return ErrMissingDestPort
	}
	if c.MTU != 0 && (c.MTU < 500 || c.MTU > 9000) {
		return ErrInvalidMTU
	}
	if c.DSCP > 63 {
		return ErrInvalidDSCP
	}
	return nil
}

// ErrQueueFull is returned by SendFrameNonblocking when the input
// channel has no spare capacity.
var ErrQueueFull = errors.New("sender: input queue full")

// Stats is a snapshot combining the sender's own counters with its
// packetizer's, per spec.md §4.5's get_stats.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	SendErrors    uint64
	BitrateKbps   int
	Packetizer    rtpjpeg.Stats
}

// Sender owns a bound UDP socket and a dedicated background task that
// consumes frames from a bounded input channel, packetizes each and
// writes the resulting RTP packets to the configured destination.
type Sender struct {
	cfg    Config
	log    logging.Logger
	width  int
	height int

	packetizer *rtpjpeg.Packetizer
	timestamps *rtpjpeg.TimestampGenerator

	conn *net.UDPConn
	br   bitrate.Calculator

	in chan capture.Frame

	framesSent    uint64 // atomic.
	framesDropped uint64 // atomic.
	sendErrors    uint64 // atomic.

	running int32 // atomic bool.
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New validates cfg and builds the packetizer and timestamp generator a
// Sender needs, but does not touch the network until Start is called.
// width, height and fps describe the frames the Sender will be given;
// they're encoded into every JPEG header this Sender's packetizer
// emits.
func New(cfg Config, width, height, fps int, log logging.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ssrc := cfg.SSRC
	if ssrc == 0 {
		ssrc = defaultSSRC()
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1400
	}

	packetizer, err := rtpjpeg.NewPacketizer(ssrc, mtu, log)
	if err != nil {
		return nil, errors.Wrap(err, "sender: could not create packetizer")
	}

	return &Sender{
		cfg:        cfg,
		log:        log,
		width:      width,
		height:     height,
		packetizer: packetizer,
		timestamps: rtpjpeg.NewTimestampGenerator(fps),
		in:         make(chan capture.Frame, inputQueueCapacity),
	}, nil
}

// defaultSSRC derives a pseudo-random SSRC from the current time when
// the caller doesn't supply one. It need not be cryptographically
// random, only distinct across concurrent streams from this process in
// the common case.
func defaultSSRC() uint32 {
	return uint32(time.Now().UnixNano())
}

// Start binds the UDP socket to the configured destination and spawns
// the dedicated background task that drains the input channel. Calling
// Start on an already-running Sender is a no-op.
func (s *Sender) Start() error {
	if atomic.LoadInt32(&s.running) == 1 {
		if s.log != nil {
			s.log.Warning("sender: start called but already running")
		}
		return nil
	}

	raddr, err := net.ResolveUDPAddr("udp", s.GetDestination())
	if err != nil {
		return errors.Wrap(err, "sender: could not resolve destination address")
	}

	var laddr *net.UDPAddr
	if s.cfg.LocalPort != 0 {
		laddr = &net.UDPAddr{Port: s.cfg.LocalPort}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return errors.Wrap(err, "sender: could not dial udp destination")
	}
	if s.log != nil {
		s.log.Info("sender: dialed destination", "dest", raddr.String())
	}

	s.conn = conn
	s.stop = make(chan struct{})
	atomic.StoreInt32(&s.running, 1)

	s.wg.Add(1)
	go s.run()
	return nil
}

// run is the Sender's dedicated cooperative task: it awaits a frame
// from the input channel, packetizes it and writes every resulting
// packet to the destination, until told to stop.
func (s *Sender) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case f, ok := <-s.in:
			if !ok {
				return
			}
			if atomic.LoadInt32(&s.running) == 0 {
				return
			}
			s.processFrame(f)
		}
	}
}

// processFrame packetizes f using the frame-indexed timestamp form (a
// pure function of frame count, invariant under scheduler jitter) and
// writes every resulting packet to the destination.
func (s *Sender) processFrame(f capture.Frame) {
	ts := s.timestamps.NextFromFrameCount()
	packets, err := s.packetizer.PacketizeJPEG(f.Data, s.width, s.height, ts)
	if err != nil {
		atomic.AddUint64(&s.sendErrors, 1)
		if s.log != nil {
			s.log.Error("sender: packetize failed", "error", err.Error())
		}
		return
	}

	for _, pkt := range packets {
		if err := s.writePacket(pkt); err != nil {
			atomic.AddUint64(&s.sendErrors, 1)
			if s.log != nil {
				s.log.Warning("sender: send failed", "error", err.Error())
			}
			return
		}
	}
	atomic.AddUint64(&s.framesSent, 1)
}

// writePacket writes one packet to the destination and reports it to
// the bitrate calculator. Packets already handed to the kernel but not
// acknowledged are not recoverable; that is the UDP failure model.
func (s *Sender) writePacket(pkt []byte) error {
	n, err := s.conn.Write(pkt)
	if err != nil {
		return err
	}
	s.br.Report(n)
	return nil
}

// SendFrame enqueues f for transmission, blocking until the input
// channel has spare capacity or ctx is done.
func (s *Sender) SendFrame(ctx context.Context, f capture.Frame) error {
	select {
	case s.in <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFrameNonblocking enqueues f without waiting; producers that must
// never yield use this and treat ErrQueueFull as a dropped frame.
func (s *Sender) SendFrameNonblocking(f capture.Frame) error {
	select {
	case s.in <- f:
		return nil
	default:
		atomic.AddUint64(&s.framesDropped, 1)
		return ErrQueueFull
	}
}

// IsRunning reports whether Start has succeeded without a following
// Stop.
func (s *Sender) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// GetDestination returns the configured "host:port" destination string.
func (s *Sender) GetDestination() string {
	return fmt.Sprintf("%s:%d", s.cfg.DestHost, s.cfg.DestPort)
}

// Stats returns a snapshot of s's cumulative counters combined with its
// packetizer's.
func (s *Sender) Stats() Stats {
	return Stats{
		FramesSent:    atomic.LoadUint64(&s.framesSent),
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		SendErrors:    atomic.LoadUint64(&s.sendErrors),
		BitrateKbps:   s.br.Bitrate(),
		Packetizer:    s.packetizer.GetStats(),
	}
}

// Stop flips the running flag, waits for the background task to drain
// its current frame, and closes the UDP socket. Calling Stop on a
// non-running Sender is a no-op.
func (s *Sender) Stop() error {
	if atomic.LoadInt32(&s.running) == 0 {
		return nil
	}
	atomic.StoreInt32(&s.running, 0)
	close(s.stop)
	s.wg.Wait()
	return s.conn.Close()
}
