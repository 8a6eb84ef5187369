// Command streamerd captures Motion-JPEG from a V4L2-style webcam and
// streams it as RFC 2435 RTP/JPEG to a fixed UDP destination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ausocean/utils/logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/mjpegrtp/capture"
	"github.com/ausocean/mjpegrtp/config"
	"github.com/ausocean/mjpegrtp/sender"
	"github.com/ausocean/mjpegrtp/stats"
	"github.com/ausocean/mjpegrtp/streamer"
)

// Logging defaults.
const (
	logPath      = "/var/log/streamerd/streamerd.log"
	logMaxSize   = 100 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logVerbosity = logging.Debug
	logSuppress  = true
)

func main() {
	device := flag.String("device", "/dev/video0", "video capture device path")
	width := flag.Int("width", 1280, "capture width in pixels")
	height := flag.Int("height", 720, "capture height in pixels")
	fps := flag.Int("fps", 25, "capture frame rate")
	quality := flag.Int("quality", 80, "JPEG quality, 1-100")
	flip := flag.Int("flip", 0, "geometric transform: 0=none 1=vflip 2=hflip 3=rotate90 4=rotate180 5=rotate270")
	destHost := flag.String("dest-host", "", "destination host for RTP/UDP output")
	destPort := flag.Int("dest-port", 5004, "destination port for RTP/UDP output")
	localPort := flag.Int("local-port", 0, "local UDP port to bind, 0 for ephemeral")
	mtu := flag.Int("mtu", 1400, "maximum RTP packet size in bytes")
	dscp := flag.Int("dscp", 0, "IP DSCP code point for outgoing packets, 0-63")
	statsInterval := flag.Duration("stats-interval", 10*time.Second, "interval between periodic stats log lines")
	flag.Parse()

	if *destHost == "" {
		os.Stderr.WriteString("streamerd: -dest-host is required\n")
		os.Exit(2)
	}

	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(logVerbosity, fileLog, logSuppress)

	cfg := config.Config{
		Capture: capture.Config{
			DevicePath: *device,
			Width:      *width,
			Height:     *height,
			FPS:        *fps,
			Quality:    *quality,
			FlipMethod: capture.FlipMethod(*flip),
		},
		Sender: sender.Config{
			DestHost:  *destHost,
			DestPort:  *destPort,
			LocalPort: *localPort,
			MTU:       *mtu,
			DSCP:      uint8(*dscp),
		},
		DistributorCapacity: *fps, // roughly one second of backlog.
		Logger:              log,
	}

	snd, err := sender.New(cfg.Sender, *width, *height, *fps, log)
	if err != nil {
		log.Fatal("streamerd: could not create sender", "error", err.Error())
	}

	src := capture.NewWebcam(log)

	s, err := streamer.New(cfg, src, snd, nil)
	if err != nil {
		log.Fatal("streamerd: could not create streamer", "error", err.Error())
	}

	if err := s.Start(); err != nil {
		log.Fatal("streamerd: could not start streamer", "error", err.Error())
	}
	log.Info("streamerd: streaming started", "dest", *destHost, "port", *destPort)

	ctx, cancel := context.WithCancel(context.Background())
	ticker := stats.NewTicker(s, *statsInterval, log, nil)
	go ticker.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("streamerd: shutting down")
	cancel()
	s.Stop()
}
