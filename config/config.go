// Package config holds the configuration for one streaming session,
// following revid/config's convention of a single struct covering every
// stage of the pipeline plus the shared Logger used throughout.
package config

import (
	"github.com/ausocean/utils/logging"

	"github.com/ausocean/mjpegrtp/capture"
	"github.com/ausocean/mjpegrtp/sender"
)

// Config is the full configuration for one MJPEG-over-RTP stream: the
// capture source, the RTP/UDP transport, and fan-out behaviour.
type Config struct {
	// Capture describes the video input device.
	Capture capture.Config

	// Sender describes the RTP/UDP transport destination and RTP
	// stream identity.
	Sender sender.Config

	// DistributorCapacity is how many recent frames the fan-out
	// distributor retains for subscribers that fall behind, e.g. local recording
	// or a debug preview alongside the primary RTP sender. Defaults to
	// 1 if zero (no retained backlog beyond the current frame).
	DistributorCapacity int

	// StatsIntervalFrames is how many frames pass between periodic
	// stats log lines. Zero disables periodic stats logging.
	StatsIntervalFrames int

	// Logger receives structured log output from every stage.
	Logger logging.Logger
}

// Validate bounds-checks every sub-config and applies defaults,
// returning the first violation found. Per spec.md §6.3/§7, an invalid
// MTU, DSCP, width/height, fps, quality or destination must all be
// rejected at construction.
func (c *Config) Validate() error {
	if err := c.Sender.Validate(); err != nil {
		return err
	}
	if err := c.Capture.Validate(); err != nil {
		return err
	}
	if c.DistributorCapacity <= 0 {
		c.DistributorCapacity = 1
	}
	return nil
}
