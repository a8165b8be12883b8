// Package output holds the presentation targets a compositor renders
// into besides the encoder: the MJPEG preview stream and an X11 preview
// window. Every output is a codec.Surface.
package output

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Output is a preview target.
type Output interface {
	codec.Surface

	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width  int
	Height int
	FPS    int
}

// interval is the minimum time between two frames a preview accepts.
func (c Config) interval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

type fanoutTarget struct {
	name     string
	surface  codec.Surface
	required bool
}

// Fanout presents each frame to several surfaces. Errors from required
// surfaces (the encoder) are returned; preview errors are only logged so
// a broken preview never stops a recording.
type Fanout struct {
	mu      sync.RWMutex
	targets []fanoutTarget
	pts     time.Duration
}

// NewFanout returns an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add attaches a surface under name, replacing any surface of that name.
func (f *Fanout) Add(name string, s codec.Surface, required bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.targets {
		if t.name == name {
			f.targets[i] = fanoutTarget{name, s, required}
			return
		}
	}
	f.targets = append(f.targets, fanoutTarget{name, s, required})
}

// Remove detaches a surface.
func (f *Fanout) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.targets {
		if t.name == name {
			f.targets = append(f.targets[:i], f.targets[i+1:]...)
			return
		}
	}
}

// Len returns the number of attached surfaces.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.targets)
}

// SetPresentationTime implements codec.Surface.
func (f *Fanout) SetPresentationTime(pts time.Duration) {
	f.mu.Lock()
	f.pts = pts
	f.mu.Unlock()
}

// SwapBuffers implements codec.Surface.
func (f *Fanout) SwapBuffers(frame *image.RGBA) error {
	f.mu.RLock()
	targets := append([]fanoutTarget(nil), f.targets...)
	pts := f.pts
	f.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		t.surface.SetPresentationTime(pts)
		if err := t.surface.SwapBuffers(frame); err != nil {
			if t.required {
				errs = append(errs, err)
				continue
			}
			logger.WithComponent("output").Debug().Err(err).Str("target", t.name).Msg("Preview frame dropped")
		}
	}
	return errors.Join(errs...)
}
