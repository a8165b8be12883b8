package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

var (
	// ErrBackendSetup wraps any failure while the render loop initializes.
	ErrBackendSetup = errors.New("render backend setup failed")

	// ErrFrameStall is reported when the miss policy escalates.
	ErrFrameStall = errors.New("compositor stalled waiting for frames")
)

// DefaultFrameTimeout is how long one render iteration waits for a frame.
const DefaultFrameTimeout = 2 * time.Second

// MissAction decides what a frame-wait timeout does.
type MissAction string

const (
	MissIgnore   MissAction = "ignore"
	MissLog      MissAction = "log"
	MissEscalate MissAction = "escalate"
)

// MissPolicy is the frame-wait timeout policy. With MissEscalate the loop
// stops with ErrFrameStall after EscalateAfter consecutive misses.
type MissPolicy struct {
	Action        MissAction
	EscalateAfter int
}

// ParseMissAction accepts ignore, log or escalate; anything else is log.
func ParseMissAction(s string) MissAction {
	switch MissAction(s) {
	case MissIgnore, MissEscalate:
		return MissAction(s)
	}
	return MissLog
}

// Config sizes the compositor.
type Config struct {
	Width        int
	Height       int
	SyncCapacity int
	FrameTimeout time.Duration
	MissPolicy   MissPolicy
}

// Stats are render loop counters.
type Stats struct {
	FramesQueued   uint64 `json:"frames_queued"`
	FramesLatched  uint64 `json:"frames_latched"`
	FramesRendered uint64 `json:"frames_rendered"`
	Misses         uint64 `json:"misses"`
	OverlayUploads uint64 `json:"overlay_uploads"`
	ProducerStalls uint64 `json:"producer_stalls"`
}

// Compositor runs a render loop that adds an overlay layer onto every
// produced frame and presents the result with the frame's original
// timestamp.
type Compositor struct {
	cfg     Config
	backend Backend
	target  codec.Surface
	sync    *FrameSync
	input   *InputSurface
	log     *zerolog.Logger

	overlayMu      sync.Mutex
	pendingOverlay *image.RGBA
	overlayPending bool

	statsMu sync.Mutex
	stats   Stats

	errMu sync.Mutex
	err   error

	done        chan struct{}
	releaseOnce sync.Once
}

// NewCompositor starts the render loop and blocks until it has set up the
// backend. Setup failures are returned and leave nothing running.
func NewCompositor(cfg Config, backend Backend, target codec.Surface) (*Compositor, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, cfg.Width, cfg.Height)
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	if cfg.MissPolicy.Action == "" {
		cfg.MissPolicy.Action = MissLog
	}

	c := &Compositor{
		cfg:     cfg,
		backend: backend,
		target:  target,
		sync:    NewFrameSync(cfg.SyncCapacity),
		log:     logger.WithComponent("compositor"),
		done:    make(chan struct{}),
	}
	c.input = newInputSurface(c)

	ready := make(chan error, 1)
	go c.run(ready)
	if err := <-ready; err != nil {
		<-c.done
		return nil, err
	}

	c.log.Info().
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("sync_capacity", c.sync.Capacity()).
		Dur("frame_timeout", cfg.FrameTimeout).
		Str("miss_policy", string(cfg.MissPolicy.Action)).
		Msg("Compositor started")
	return c, nil
}

// InputSurface is where the producer queues frames.
func (c *Compositor) InputSurface() *InputSurface {
	return c.input
}

// SetImageOverlay replaces the overlay layer. It is uploaded on the next
// render pass. nil clears the overlay.
func (c *Compositor) SetImageOverlay(img *image.RGBA) {
	c.overlayMu.Lock()
	c.pendingOverlay = img
	c.overlayPending = true
	c.overlayMu.Unlock()
}

// SetTextOverlay replaces the overlay with text drawn on a transparent,
// frame-sized layer.
func (c *Compositor) SetTextOverlay(text string, x, y int, col color.RGBA, alpha float64) {
	c.SetImageOverlay(TextLayer(c.cfg.Width, c.cfg.Height, text, x, y, col, alpha))
}

func (c *Compositor) takeOverlay() (*image.RGBA, bool) {
	c.overlayMu.Lock()
	defer c.overlayMu.Unlock()
	if !c.overlayPending {
		return nil, false
	}
	img := c.pendingOverlay
	c.pendingOverlay = nil
	c.overlayPending = false
	return img, true
}

func (c *Compositor) run(ready chan<- error) {
	// Rendering contexts are bound to the OS thread that made them current.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)
	// An escalated stall must not leave producers parked at capacity.
	defer c.sync.Release()

	if err := c.backend.Init(c.cfg.Width, c.cfg.Height); err != nil {
		ready <- fmt.Errorf("%w: %v", ErrBackendSetup, err)
		return
	}
	ready <- nil

	misses := 0
	for {
		remaining, err := c.sync.WaitAndTake(c.cfg.FrameTimeout)
		if errors.Is(err, ErrReleased) {
			break
		}
		if errors.Is(err, ErrFrameTimeout) {
			misses++
			c.addStats(func(s *Stats) { s.Misses++ })
			if c.handleMiss(misses) {
				c.setErr(fmt.Errorf("%w: %d consecutive misses", ErrFrameStall, misses))
				break
			}
			continue
		}
		misses = 0

		pts := c.latch()
		// Every produced frame refreshes the texture, even the ones that
		// will not be rendered.
		for remaining > 0 {
			remaining, err = c.sync.WaitAndTake(0)
			if err != nil {
				break
			}
			pts = c.latch()
		}
		if errors.Is(err, ErrReleased) {
			break
		}

		if err := c.render(pts); err != nil {
			c.log.Warn().Err(err).Msg("Render pass failed")
		}
	}

	c.log.Debug().Msg("Render loop exited")
}

func (c *Compositor) handleMiss(consecutive int) bool {
	p := c.cfg.MissPolicy
	switch p.Action {
	case MissIgnore:
		return false
	case MissEscalate:
		if p.EscalateAfter > 0 && consecutive >= p.EscalateAfter {
			c.log.Error().Int("misses", consecutive).Msg("Frame wait escalated")
			return true
		}
	}
	c.log.Warn().
		Int("consecutive", consecutive).
		Dur("timeout", c.cfg.FrameTimeout).
		Msg("No frame within timeout")
	return false
}

func (c *Compositor) latch() time.Duration {
	frame, pts := c.input.latest()
	c.backend.UpdateTexImage(frame)
	c.addStats(func(s *Stats) { s.FramesLatched++ })
	return pts
}

func (c *Compositor) render(pts time.Duration) error {
	if img, ok := c.takeOverlay(); ok {
		if err := c.backend.UploadOverlay(img); err != nil {
			return fmt.Errorf("upload overlay: %w", err)
		}
		c.addStats(func(s *Stats) { s.OverlayUploads++ })
	}

	fb, err := c.backend.Draw()
	if err != nil {
		return fmt.Errorf("draw: %w", err)
	}

	c.target.SetPresentationTime(pts)
	if err := c.target.SwapBuffers(fb); err != nil {
		return fmt.Errorf("present: %w", err)
	}
	c.addStats(func(s *Stats) { s.FramesRendered++ })
	return nil
}

// Release stops accepting frames, waits for the render loop to exit and
// then frees the backend. It is safe to call more than once.
func (c *Compositor) Release() error {
	c.releaseOnce.Do(func() {
		c.input.close()
		c.sync.Release()
		<-c.done
		c.backend.Release()
		c.log.Info().Msg("Compositor released")
	})
	return c.Err()
}

// Done is closed when the render loop exits.
func (c *Compositor) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the render loop, if any.
func (c *Compositor) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Compositor) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Stats returns a snapshot of the render counters.
func (c *Compositor) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()
	s.ProducerStalls = c.sync.Stalls()
	return s
}

func (c *Compositor) addStats(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// InputSurface is the producer side of the compositor: it holds the most
// recent frame and signals the render loop.
type InputSurface struct {
	c       *Compositor
	mu      sync.Mutex
	frame   *image.RGBA
	pts     time.Duration
	nextPTS time.Duration
	closed  bool
}

func newInputSurface(c *Compositor) *InputSurface {
	return &InputSurface{c: c}
}

// QueueFrame hands a frame to the compositor. The frame must not be
// modified afterwards. It may block briefly while the compositor is behind
// and returns ErrReleased once the compositor is gone.
func (s *InputSurface) QueueFrame(frame *image.RGBA, pts time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrReleased
	}
	s.frame = frame
	s.pts = pts
	s.mu.Unlock()

	if _, err := s.c.sync.Signal(); err != nil {
		return err
	}
	s.c.addStats(func(st *Stats) { st.FramesQueued++ })
	return nil
}

// SetPresentationTime and SwapBuffers let the input surface stand in for a
// codec.Surface, so a compositor can sit in front of any other consumer.
func (s *InputSurface) SetPresentationTime(pts time.Duration) {
	s.mu.Lock()
	s.nextPTS = pts
	s.mu.Unlock()
}

// SwapBuffers queues frame with the last presentation time set.
func (s *InputSurface) SwapBuffers(frame *image.RGBA) error {
	s.mu.Lock()
	pts := s.nextPTS
	s.mu.Unlock()
	return s.QueueFrame(frame, pts)
}

func (s *InputSurface) latest() (*image.RGBA, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.pts
}

func (s *InputSurface) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
