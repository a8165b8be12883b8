package camera

import (
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/mux"
	"github.com/bryanchriswhite/OverlayCam/internal/output"
	"github.com/bryanchriswhite/OverlayCam/internal/overlay"
	"github.com/bryanchriswhite/OverlayCam/internal/recorder"
	"github.com/bryanchriswhite/OverlayCam/internal/snapshot"
	"github.com/bryanchriswhite/OverlayCam/internal/storage"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
	"github.com/bryanchriswhite/OverlayCam/internal/vendor"
)

// fakeCamera hands frames to the session only when the test pushes them.
type fakeCamera struct {
	mu      sync.Mutex
	handler capture.FrameHandler
	latest  *image.RGBA
	pts     time.Duration
	stops   int

	props map[string]interface{}
	known map[string]bool
}

func (c *fakeCamera) Start(h capture.FrameHandler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) Stop() error {
	c.mu.Lock()
	c.stops++
	c.handler = nil
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) Name() string { return "fake" }

func (c *fakeCamera) LatestFrame() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *fakeCamera) push(w, h int) {
	frame := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range frame.Pix {
		frame.Pix[i] = 0x80
	}
	c.mu.Lock()
	c.latest = frame
	c.pts += 33 * time.Millisecond
	h2, pts := c.handler, c.pts
	c.mu.Unlock()
	if h2 != nil {
		h2(frame, pts)
	}
}

// vendorCamera also exposes element properties.
type vendorCamera struct {
	fakeCamera
}

func (c *vendorCamera) HasProperty(name string) bool {
	return c.known[name]
}

func (c *vendorCamera) SetProperty(name string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.props == nil {
		c.props = map[string]interface{}{}
	}
	c.props[name] = value
	return nil
}

// fakeEncoder turns every input into one output and answers end of input
// with end of stream.
type fakeEncoder struct {
	kind     codec.Kind
	outputs  chan codec.Output
	released atomic.Bool

	mu  sync.Mutex
	pts time.Duration
}

func newFakeEncoder(kind codec.Kind) *fakeEncoder {
	return &fakeEncoder{kind: kind, outputs: make(chan codec.Output, 4096)}
}

func (e *fakeEncoder) Start() error {
	e.outputs <- codec.Output{Status: codec.StatusFormatChanged, Format: &codec.Format{Kind: e.kind}}
	return nil
}

func (e *fakeEncoder) DequeueOutput(timeout time.Duration) (codec.Output, error) {
	if e.released.Load() {
		return codec.Output{}, codec.ErrReleased
	}
	select {
	case out := <-e.outputs:
		return out, nil
	case <-time.After(timeout):
		return codec.Output{Status: codec.StatusTryAgainLater}, nil
	}
}

func (e *fakeEncoder) ReleaseOutput(codec.Output) {}
func (e *fakeEncoder) Stop() error                { return nil }

func (e *fakeEncoder) Release() error {
	e.released.Store(true)
	return nil
}

func (e *fakeEncoder) emit(ptsUs int64, flags codec.BufferFlags) {
	size := 4
	if flags.Has(codec.FlagEndOfStream) {
		size = 0
	}
	e.outputs <- codec.Output{
		Status: codec.StatusOK,
		Data:   make([]byte, size),
		Info:   codec.BufferInfo{Size: size, PresentationTimeUs: ptsUs, Flags: flags},
	}
}

func (e *fakeEncoder) InputSurface() codec.Surface { return e }

func (e *fakeEncoder) SetPresentationTime(pts time.Duration) {
	e.mu.Lock()
	e.pts = pts
	e.mu.Unlock()
}

func (e *fakeEncoder) SwapBuffers(*image.RGBA) error {
	e.mu.Lock()
	pts := e.pts
	e.mu.Unlock()
	e.emit(pts.Microseconds(), codec.FlagKeyFrame)
	return nil
}

func (e *fakeEncoder) SignalEndOfInputStream() error {
	e.emit(0, codec.FlagEndOfStream)
	return nil
}

func (e *fakeEncoder) DequeueInput(time.Duration) (codec.InputBuffer, error) {
	if e.released.Load() {
		return codec.InputBuffer{}, codec.ErrReleased
	}
	return codec.InputBuffer{Data: make([]byte, 4096)}, nil
}

func (e *fakeEncoder) QueueInput(_ codec.InputBuffer, _ int, ptsUs int64, flags codec.BufferFlags) error {
	e.emit(ptsUs, flags)
	return nil
}

type fakeMic struct {
	next atomic.Int64
}

func (m *fakeMic) Start() error   { return nil }
func (m *fakeMic) Stop() error    { return nil }
func (m *fakeMic) Release() error { return nil }

func (m *fakeMic) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return len(p), nil
}

func (m *fakeMic) Timestamp() (int64, error) {
	return m.next.Add(23_220), nil
}

type fakeFactory struct{}

func (fakeFactory) NewVideoEncoder(stream.Descriptor) (codec.SurfaceEncoder, error) {
	return newFakeEncoder(codec.KindVideo), nil
}

func (fakeFactory) NewAudioEncoder(stream.Descriptor) (codec.BufferEncoder, error) {
	return newFakeEncoder(codec.KindAudio), nil
}

func (fakeFactory) NewAudioSource(stream.Descriptor) (codec.AudioSource, error) {
	return &fakeMic{}, nil
}

// fakeWriter writes one byte per sample to its sink.
type fakeWriter struct {
	out         io.WriteCloser
	orientation *atomic.Int32
	samples     *atomic.Int32
}

func (w *fakeWriter) AddTrack(*codec.Format) (int, error) { return 0, nil }

func (w *fakeWriter) SetOrientationHint(degrees int) error {
	w.orientation.Store(int32(degrees))
	return nil
}

func (w *fakeWriter) Start() error { return nil }

func (w *fakeWriter) WriteSample(int, []byte, codec.BufferInfo) error {
	w.samples.Add(1)
	_, err := w.out.Write([]byte{1})
	return err
}

func (w *fakeWriter) Stop() error    { return nil }
func (w *fakeWriter) Release() error { return w.out.Close() }

type harness struct {
	session     *Session
	camera      *fakeCamera
	fs          afero.Fs
	free        atomic.Uint64
	orientation atomic.Int32
	samples     atomic.Int32

	mu     sync.Mutex
	events []Event
}

func smallStream() stream.Descriptor {
	d := stream.Default()
	d.Width, d.Height = 64, 48
	d.OverlayEnabled = true
	return d
}

func newHarness(t *testing.T, src capture.Source, cam *fakeCamera, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{camera: cam, fs: afero.NewMemMapFs()}
	h.free.Store(1 << 30)
	store := storage.New(storage.Config{
		Dir:       "/media",
		MinFree:   1 << 20,
		FreeSpace: func(string) (uint64, error) { return h.free.Load(), nil },
	}, h.fs, nil)

	cfg := Config{
		Streams:           []stream.Descriptor{smallStream()},
		SensorOrientation: 90,
		Compositor:        overlay.Config{FrameTimeout: 20 * time.Millisecond},
		Recorder:          RecorderTimeouts{Dequeue: 2 * time.Millisecond, Stop: time.Second},
		OverlayInterval:   5 * time.Millisecond,
		NewWriter: func(out io.WriteCloser) mux.Writer {
			return &fakeWriter{out: out, orientation: &h.orientation, samples: &h.samples}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, Deps{Source: src, Factory: fakeFactory{}, Store: store})
	require.NoError(t, err)
	s.Subscribe(func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	h.session = s
	return h
}

func (h *harness) states() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var states []string
	for _, e := range h.events {
		if e.Type == EventRecording {
			states = append(states, e.State)
		}
	}
	return states
}

func TestNewValidatesConfig(t *testing.T) {
	cam := &fakeCamera{}
	deps := Deps{Source: cam, Factory: fakeFactory{}}

	_, err := New(Config{}, deps)
	assert.ErrorIs(t, err, ErrNoStreams)

	three := []stream.Descriptor{stream.Default(), stream.Default(), stream.Default()}
	_, err = New(Config{Streams: three}, deps)
	assert.ErrorIs(t, err, ErrTooManyStreams)

	bad := stream.Default()
	bad.Width = 0
	_, err = New(Config{Streams: []stream.Descriptor{bad}}, deps)
	assert.Error(t, err)

	_, err = New(Config{Streams: []stream.Descriptor{stream.Default()}, Vendor: vendor.Params{"warp": true}}, deps)
	assert.ErrorIs(t, err, vendor.ErrUnknownKey)

	_, err = New(Config{Streams: []stream.Descriptor{stream.Default()}}, Deps{Factory: fakeFactory{}})
	assert.ErrorIs(t, err, capture.ErrNoSource)
}

func TestOperationsNeedOpenSession(t *testing.T) {
	h := newHarness(t, &fakeCamera{}, nil, nil)

	_, err := h.session.StartRecording()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, h.session.StopRecording(), ErrNotOpen)
	_, err = h.session.Snapshot()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, h.session.Close())
}

func TestRecordingLifecycle(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	require.NoError(t, h.session.Open())
	defer h.session.Close()
	assert.ErrorIs(t, h.session.Open(), ErrAlreadyOpen)

	assert.ErrorIs(t, h.session.StopRecording(), recorder.ErrNotRecording)

	rec, err := h.session.StartRecording()
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 90, rec.Orientation)
	assert.Equal(t, 1, rec.Streams)

	_, err = h.session.StartRecording()
	assert.ErrorIs(t, err, recorder.ErrAlreadyRecording)

	require.Eventually(t, func() bool {
		cam.push(64, 48)
		return h.samples.Load() > 4 && h.session.Status().Streams[0].Compositor.FramesRendered > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.StopRecording())
	assert.Equal(t, int32(90), h.orientation.Load())
	assert.Equal(t, []string{"encoding", "draining", "stopped"}, h.states())

	st := h.session.Status()
	require.Len(t, st.Streams, 1)
	assert.Equal(t, rec.ID, st.RecordingID)
	assert.NotEmpty(t, st.Streams[0].Path)
	assert.Greater(t, st.Streams[0].Compositor.FramesRendered, uint64(0))

	info, err := h.fs.Stat(st.Streams[0].Path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestDeviceRotationChangesOrientation(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	h.session.SetDeviceRotation(450)
	assert.Equal(t, 0, h.session.Orientation())

	rec, err := h.session.StartRecording()
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Orientation)
	require.NoError(t, h.session.StopRecording())
}

func TestTwoStreamsShareRecordingID(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, func(c *Config) {
		second := smallStream()
		second.Width, second.Height = 32, 24
		c.Streams = append(c.Streams, second)
	})
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	_, err := h.session.StartRecording()
	require.NoError(t, err)
	cam.push(64, 48)
	require.NoError(t, h.session.StopRecording())

	st := h.session.Status()
	require.Len(t, st.Streams, 2)
	assert.Contains(t, st.Streams[0].Path, "_s0.mp4")
	assert.Contains(t, st.Streams[1].Path, "_s1.mp4")
	short := st.RecordingID[:8]
	assert.Contains(t, st.Streams[0].Path, short)
	assert.Contains(t, st.Streams[1].Path, short)
}

func TestInsufficientStorageRefusesToStart(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	h.free.Store(10)
	_, err := h.session.StartRecording()
	assert.ErrorIs(t, err, storage.ErrInsufficientStorage)
	assert.Empty(t, h.states())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.events)
	assert.Equal(t, EventError, h.events[len(h.events)-1].Type)
}

func TestSnapshot(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	_, err := h.session.Snapshot()
	assert.ErrorIs(t, err, ErrNoFrame)

	cam.push(64, 48)
	path, err := h.session.Snapshot()
	require.NoError(t, err)

	data, err := afero.ReadFile(h.fs, path)
	require.NoError(t, err)
	deg, err := snapshot.ReadOrientation(data)
	require.NoError(t, err)
	assert.Equal(t, 90, deg)
}

func TestVendorControlsApplied(t *testing.T) {
	cam := &vendorCamera{}
	cam.known = map[string]bool{"eis": true, "tnr": true}
	h := newHarness(t, cam, &cam.fakeCamera, func(c *Config) {
		c.Vendor = vendor.Params{vendor.EIS: true, vendor.LDC: true}
	})
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	assert.Equal(t, []vendor.Key{vendor.EIS, vendor.TemporalDenoise}, h.session.Capabilities().Keys())
	cam.mu.Lock()
	assert.Equal(t, map[string]interface{}{"eis": true}, cam.props)
	cam.mu.Unlock()

	applied, err := h.session.SetVendor(vendor.Params{vendor.TemporalDenoise: false})
	require.NoError(t, err)
	assert.Equal(t, []vendor.Key{vendor.TemporalDenoise}, applied)
}

// recordingPreview counts frames handed to a preview.
type recordingPreview struct {
	frames atomic.Int32
	fail   bool
}

func (p *recordingPreview) SetPresentationTime(time.Duration) {}

func (p *recordingPreview) SwapBuffers(frame *image.RGBA) error {
	p.frames.Add(1)
	if p.fail {
		return errors.New("window gone")
	}
	return nil
}

func (p *recordingPreview) Start() error    { return nil }
func (p *recordingPreview) Stop() error     { return nil }
func (p *recordingPreview) Name() string    { return "test" }
func (p *recordingPreview) IsRunning() bool { return true }

var _ output.Output = (*recordingPreview)(nil)

func TestPreviewFailureDoesNotStopRecording(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	preview := &recordingPreview{fail: true}
	require.NoError(t, h.session.AttachPreview(0, "window", preview))
	assert.ErrorIs(t, h.session.AttachPreview(3, "window", preview), ErrUnknownStream)

	_, err := h.session.StartRecording()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cam.push(64, 48)
		return preview.frames.Load() > 2 && h.samples.Load() > 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.session.StopRecording())

	require.NoError(t, h.session.DetachPreview(0, "window"))
}

// overlayProbe is a preview that reports whether the overlay reached it.
type overlayProbe struct {
	mu  sync.Mutex
	got color.RGBA
}

func (p *overlayProbe) SetPresentationTime(time.Duration) {}

func (p *overlayProbe) SwapBuffers(frame *image.RGBA) error {
	p.mu.Lock()
	p.got = frame.RGBAAt(0, 0)
	p.mu.Unlock()
	return nil
}

func (p *overlayProbe) Start() error    { return nil }
func (p *overlayProbe) Stop() error     { return nil }
func (p *overlayProbe) Name() string    { return "probe" }
func (p *overlayProbe) IsRunning() bool { return true }

func TestOverlayWidgetsReachFrames(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	red := map[string]interface{}{"r": 255, "g": 0, "b": 0}
	m := h.session.deps.Overlays
	w, err := m.CreateWidget("text", "label", map[string]interface{}{
		"text": "REC", "x": 0, "y": 0, "color": red, "background": red,
	})
	require.NoError(t, err)
	require.NoError(t, m.AddWidget(w))
	require.NoError(t, h.session.Open())
	defer h.session.Close()

	probe := &overlayProbe{}
	require.NoError(t, h.session.AttachPreview(0, "probe", probe))

	require.Eventually(t, func() bool {
		cam.push(64, 48)
		probe.mu.Lock()
		defer probe.mu.Unlock()
		return probe.got != color.RGBA{0x80, 0x80, 0x80, 0x80}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsEverything(t *testing.T) {
	cam := &fakeCamera{}
	h := newHarness(t, cam, cam, nil)
	require.NoError(t, h.session.Open())

	_, err := h.session.StartRecording()
	require.NoError(t, err)
	require.NoError(t, h.session.Close())

	cam.mu.Lock()
	assert.Equal(t, 1, cam.stops)
	cam.mu.Unlock()
	assert.Equal(t, []string{"encoding", "draining", "stopped"}, h.states())
	assert.False(t, h.session.Status().Open)
	assert.NoError(t, h.session.Close())
}
