// Package capture produces the raw inputs of a recording: camera frames for
// the compositor and PCM audio for the audio encoder.
package capture

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

var (
	// ErrNoSource is returned when no camera backend could be opened.
	ErrNoSource = errors.New("no camera source available")

	// ErrNoTimestamp is returned when captured samples carry no timestamp.
	ErrNoTimestamp = errors.New("captured buffer has no timestamp")

	ErrNotRunning = errors.New("capture not running")
)

// FrameHandler receives every captured frame with its capture timestamp.
// It is called from the capture goroutine and must not keep frame after
// returning unless it owns it; sources hand out a fresh image per frame.
type FrameHandler func(frame *image.RGBA, pts time.Duration)

// Source is a camera.
type Source interface {
	Start(h FrameHandler) error
	Stop() error

	// Name returns a human-readable name for this source
	Name() string

	// LatestFrame returns a copy of the most recent frame, or nil before
	// the first one.
	LatestFrame() *image.RGBA
}

// Config selects and sizes a camera source.
type Config struct {
	// Backend is auto, qmmf, pipewire, v4l2, x11 or test.
	Backend  string
	Device   string
	CameraID int
	Width    int
	Height   int
	FPS      int
	// Pattern is the videotestsrc pattern for the test backend.
	Pattern string
}

var (
	epoch    = time.Now()
	initOnce sync.Once
)

// Now is the capture clock shared by every source, so video and audio
// timestamps from separate pipelines line up.
func Now() time.Duration {
	return time.Since(epoch)
}

// InitGStreamer initializes GStreamer once per process.
func InitGStreamer() {
	initOnce.Do(func() { gst.Init(nil) })
}

// copyFrame returns a private copy of img.
func copyFrame(img *image.RGBA) *image.RGBA {
	if img == nil {
		return nil
	}
	cp := image.NewRGBA(img.Bounds())
	copy(cp.Pix, img.Pix)
	return cp
}
