package overlay

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSurface keeps copies of presented frames and their timestamps.
type captureSurface struct {
	mu      sync.Mutex
	nextPTS time.Duration
	pts     []time.Duration
	last    *image.RGBA
}

func (s *captureSurface) SetPresentationTime(pts time.Duration) {
	s.mu.Lock()
	s.nextPTS = pts
	s.mu.Unlock()
}

func (s *captureSurface) SwapBuffers(frame *image.RGBA) error {
	cp := image.NewRGBA(frame.Bounds())
	copy(cp.Pix, frame.Pix)
	s.mu.Lock()
	s.pts = append(s.pts, s.nextPTS)
	s.last = cp
	s.mu.Unlock()
	return nil
}

func (s *captureSurface) presented() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pts)
}

func (s *captureSurface) lastFrame() (*image.RGBA, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pts) == 0 {
		return nil, 0
	}
	return s.last, s.pts[len(s.pts)-1]
}

// failingBackend cannot create a rendering context.
type failingBackend struct {
	SoftwareBackend
}

func (b *failingBackend) Init(int, int) error { return errors.New("no display") }

func newTestCompositor(t *testing.T, cfg Config) (*Compositor, *captureSurface) {
	t.Helper()
	surface := &captureSurface{}
	c, err := NewCompositor(cfg, NewSoftwareBackend(), surface)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })
	return c, surface
}

func queueAndWait(t *testing.T, c *Compositor, s *captureSurface, frame *image.RGBA, pts time.Duration) {
	t.Helper()
	before := s.presented()
	require.NoError(t, c.InputSurface().QueueFrame(frame, pts))
	require.Eventually(t, func() bool { return s.presented() > before }, time.Second, time.Millisecond)
}

func TestCompositorRejectsInvalidResolution(t *testing.T) {
	_, err := NewCompositor(Config{Width: 0, Height: 720}, NewSoftwareBackend(), &captureSurface{})
	assert.ErrorIs(t, err, ErrInvalidResolution)

	_, err = NewCompositor(Config{Width: 1280, Height: -1}, NewSoftwareBackend(), &captureSurface{})
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestCompositorBackendFailureIsReturned(t *testing.T) {
	b := &failingBackend{}
	c, err := NewCompositor(Config{Width: 4, Height: 4}, b, &captureSurface{})
	assert.ErrorIs(t, err, ErrBackendSetup)
	assert.Nil(t, c)
}

func TestCompositorPreservesTimestamps(t *testing.T) {
	c, s := newTestCompositor(t, Config{Width: 2, Height: 2})

	for _, pts := range []time.Duration{33 * time.Millisecond, 66 * time.Millisecond, 1234567 * time.Microsecond} {
		queueAndWait(t, c, s, solid(2, 2, color.RGBA{1, 1, 1, 255}), pts)
		_, got := s.lastFrame()
		assert.Equal(t, pts, got)
	}
}

func TestCompositorAddsOverlay(t *testing.T) {
	c, s := newTestCompositor(t, Config{Width: 1, Height: 1})

	c.SetImageOverlay(solid(1, 1, color.RGBA{50, 0, 0, 0}))
	queueAndWait(t, c, s, solid(1, 1, color.RGBA{100, 0, 0, 255}), time.Millisecond)

	frame, _ := s.lastFrame()
	assert.Equal(t, uint8(150), frame.RGBAAt(0, 0).R)
}

func TestCompositorUploadsOverlayOnlyWhenChanged(t *testing.T) {
	c, s := newTestCompositor(t, Config{Width: 2, Height: 2})

	c.SetImageOverlay(solid(2, 2, color.RGBA{10, 0, 0, 0}))
	for i := 0; i < 5; i++ {
		queueAndWait(t, c, s, solid(2, 2, color.RGBA{0, 0, 0, 255}), time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, uint64(1), c.Stats().OverlayUploads)

	c.SetImageOverlay(nil)
	queueAndWait(t, c, s, solid(2, 2, color.RGBA{0, 0, 0, 255}), 10*time.Millisecond)
	assert.Equal(t, uint64(2), c.Stats().OverlayUploads)

	frame, _ := s.lastFrame()
	assert.Equal(t, uint8(0), frame.RGBAAt(1, 1).R, "cleared overlay adds nothing")
}

func TestCompositorTextOverlay(t *testing.T) {
	c, s := newTestCompositor(t, Config{Width: 64, Height: 20})

	c.SetTextOverlay("REC", 2, 2, color.RGBA{255, 255, 255, 255}, 1)
	queueAndWait(t, c, s, solid(64, 20, color.RGBA{0, 0, 0, 255}), 0)

	frame, _ := s.lastFrame()
	assert.True(t, hasColor(frame), "text should brighten some pixels")
}

func TestCompositorInputSurfaceActsAsSurface(t *testing.T) {
	c, s := newTestCompositor(t, Config{Width: 2, Height: 2})

	in := c.InputSurface()
	in.SetPresentationTime(42 * time.Millisecond)
	require.NoError(t, in.SwapBuffers(solid(2, 2, color.RGBA{0, 0, 0, 255})))
	require.Eventually(t, func() bool { return s.presented() == 1 }, time.Second, time.Millisecond)

	_, pts := s.lastFrame()
	assert.Equal(t, 42*time.Millisecond, pts)
}

func TestCompositorEscalatesMisses(t *testing.T) {
	c, _ := newTestCompositor(t, Config{
		Width:        2,
		Height:       2,
		FrameTimeout: 5 * time.Millisecond,
		MissPolicy:   MissPolicy{Action: MissEscalate, EscalateAfter: 3},
	})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("render loop did not stop")
	}
	assert.ErrorIs(t, c.Err(), ErrFrameStall)
	assert.GreaterOrEqual(t, c.Stats().Misses, uint64(3))

	err := c.InputSurface().QueueFrame(solid(2, 2, color.RGBA{}), 0)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, c.Release(), ErrFrameStall)
}

func TestCompositorIgnoredMissesKeepRunning(t *testing.T) {
	c, s := newTestCompositor(t, Config{
		Width:        2,
		Height:       2,
		FrameTimeout: 2 * time.Millisecond,
		MissPolicy:   MissPolicy{Action: MissIgnore},
	})

	require.Eventually(t, func() bool { return c.Stats().Misses >= 3 }, time.Second, time.Millisecond)
	queueAndWait(t, c, s, solid(2, 2, color.RGBA{}), 0)
	assert.NoError(t, c.Err())
}

func TestCompositorReleaseIsIdempotent(t *testing.T) {
	c, _ := newTestCompositor(t, Config{Width: 2, Height: 2})

	assert.NoError(t, c.Release())
	assert.NoError(t, c.Release())

	select {
	case <-c.Done():
	default:
		t.Fatal("render loop still running after Release")
	}
	err := c.InputSurface().QueueFrame(solid(2, 2, color.RGBA{}), 0)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestParseMissAction(t *testing.T) {
	assert.Equal(t, MissIgnore, ParseMissAction("ignore"))
	assert.Equal(t, MissEscalate, ParseMissAction("escalate"))
	assert.Equal(t, MissLog, ParseMissAction("log"))
	assert.Equal(t, MissLog, ParseMissAction("bogus"))
}

func hasColor(img *image.RGBA) bool {
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 || img.Pix[i+1] != 0 || img.Pix[i+2] != 0 {
			return true
		}
	}
	return false
}

// gatedSurface blocks the first SwapBuffers until gate is closed.
type gatedSurface struct {
	captureSurface
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gatedSurface) SwapBuffers(frame *image.RGBA) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.gate
	})
	return s.captureSurface.SwapBuffers(frame)
}

// countingBackend counts texture updates.
type countingBackend struct {
	SoftwareBackend
	mu      sync.Mutex
	updates int
}

func (b *countingBackend) UpdateTexImage(frame *image.RGBA) {
	b.mu.Lock()
	b.updates++
	b.mu.Unlock()
	b.SoftwareBackend.UpdateTexImage(frame)
}

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates
}

func TestCompositorLatchesEveryFrameWhileBehind(t *testing.T) {
	surface := &gatedSurface{entered: make(chan struct{}), gate: make(chan struct{})}
	backend := &countingBackend{}
	c, err := NewCompositor(Config{Width: 2, Height: 2}, backend, surface)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Release() })

	in := c.InputSurface()
	frame := solid(2, 2, color.RGBA{1, 1, 1, 255})
	require.NoError(t, in.QueueFrame(frame, 0))
	<-surface.entered

	// the render loop is stuck presenting the first frame
	for i := 1; i < 8; i++ {
		require.NoError(t, in.QueueFrame(frame, time.Duration(i)*time.Millisecond))
	}
	close(surface.gate)

	require.Eventually(t, func() bool { return c.Stats().FramesRendered == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, uint64(8), stats.FramesQueued)
	assert.Equal(t, uint64(8), stats.FramesLatched)
	assert.Equal(t, uint64(2), stats.FramesRendered, "backlog collapses into one render")
	assert.Equal(t, 8, backend.count())

	_, pts := surface.lastFrame()
	assert.Equal(t, 7*time.Millisecond, pts)
}
