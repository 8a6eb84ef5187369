package capture

import (
	"fmt"
	"io"
	"io/ioutil"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

// Configuration defaults used when a Config field is left at its zero
// value.
const (
	defaultDevicePath = "/dev/video0"
	defaultFPS        = 25
	defaultWidth      = 1280
	defaultHeight     = 720
	defaultQuality    = 80
)

// Webcam is a Source that pipes Motion-JPEG video from a V4L2-style
// camera device via an external ffmpeg process, the way revid's device/
// webcam package drives a webcam for other codecs.
type Webcam struct {
	log logging.Logger
	cfg Config

	mu        sync.Mutex
	cmd       *exec.Cmd
	out       io.ReadCloser
	done      chan struct{}
	isRunning bool
}

// NewWebcam returns a Webcam that logs through log.
func NewWebcam(log logging.Logger) *Webcam {
	return &Webcam{log: log}
}

// Name returns "Webcam".
func (w *Webcam) Name() string { return "Webcam" }

// Set records cfg, filling in defaults for any zero-valued field.
func (w *Webcam) Set(cfg Config) error {
	if cfg.DevicePath == "" {
		cfg.DevicePath = defaultDevicePath
	}
	if cfg.Width == 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height == 0 {
		cfg.Height = defaultHeight
	}
	if cfg.FPS == 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.Quality == 0 {
		cfg.Quality = defaultQuality
	}
	w.cfg = cfg
	return nil
}

// Start launches ffmpeg against the configured device, producing a raw
// MJPEG stream on the pipe subsequent Read calls consume.
func (w *Webcam) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	args := []string{
		"-i", w.cfg.DevicePath,
		"-r", fmt.Sprint(w.cfg.FPS),
		"-s", fmt.Sprintf("%dx%d", w.cfg.Width, w.cfg.Height),
		"-q:v", fmt.Sprint(qualityToFFmpegScale(w.cfg.Quality)),
	}
	if vf := flipFilter(w.cfg.FlipMethod); vf != "" {
		args = append(args, "-vf", vf)
	}
	args = append(args, "-f", "mjpeg", "-")

	if w.log != nil {
		w.log.Info("capture: starting webcam", "args", strings.Join(args, " "))
	}

	w.cmd = exec.Command("ffmpeg", args...)
	w.done = make(chan struct{})

	var err error
	w.out, err = w.cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "capture: failed to create stdout pipe")
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "capture: failed to create stderr pipe")
	}

	if err := w.cmd.Start(); err != nil {
		return errors.Wrap(err, "capture: failed to start ffmpeg")
	}
	w.isRunning = true

	go func() {
		buf, err := ioutil.ReadAll(stderr)
		if err != nil {
			if w.log != nil {
				w.log.Error("capture: could not read webcam stderr", "error", err.Error())
			}
			return
		}
		if len(buf) != 0 {
			select {
			case <-w.done:
			default:
				if w.log != nil {
					w.log.Warning("capture: webcam stderr output", "output", string(buf))
				}
			}
		}
	}()

	return nil
}

// flipFilter maps a FlipMethod to the ffmpeg video filter graph that
// implements it, or "" for FlipNone.
func flipFilter(m FlipMethod) string {
	switch m {
	case FlipVertical:
		return "vflip"
	case FlipHorizontal:
		return "hflip"
	case FlipRotate90:
		return "transpose=1"
	case FlipRotate180:
		return "hflip,vflip"
	case FlipRotate270:
		return "transpose=2"
	default:
		return ""
	}
}

// qualityToFFmpegScale maps a 0-100 JPEG quality to ffmpeg's inverted
// 1 (best) to 31 (worst) -q:v scale.
func qualityToFFmpegScale(quality int) int {
	if quality <= 0 {
		quality = defaultQuality
	}
	if quality > 100 {
		quality = 100
	}
	scale := 31 - (quality*30)/100
	if scale < 1 {
		scale = 1
	}
	return scale
}

// Stop kills the ffmpeg process and closes the output pipe.
func (w *Webcam) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return nil
	}
	w.isRunning = false
	close(w.done)

	if w.cmd == nil || w.cmd.Process == nil {
		return errors.New("capture: ffmpeg process was never started")
	}
	if err := w.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "capture: could not kill ffmpeg process")
	}
	return w.out.Close()
}

// Read implements io.Reader over the ffmpeg output pipe.
func (w *Webcam) Read(p []byte) (int, error) {
	w.mu.Lock()
	out := w.out
	w.mu.Unlock()
	if out == nil {
		return 0, errors.New("capture: webcam not streaming")
	}
	return out.Read(p)
}

// IsRunning reports whether Start has succeeded without a following
// Stop.
func (w *Webcam) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}
