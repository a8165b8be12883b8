package recorder

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/mux"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

// fakeEncoder emits a format on Start and then whatever is pushed.
type fakeEncoder struct {
	kind    codec.Kind
	outputs chan codec.Output

	// when false, end of input never produces an end-of-stream output
	emitEOS bool

	starts   atomic.Int32
	releases atomic.Int32
	released atomic.Bool

	mu      sync.Mutex
	nextPTS time.Duration
}

func newFakeEncoder(kind codec.Kind) *fakeEncoder {
	return &fakeEncoder{kind: kind, outputs: make(chan codec.Output, 4096), emitEOS: true}
}

func (e *fakeEncoder) Start() error {
	e.starts.Add(1)
	f := &codec.Format{Kind: e.kind, MIME: "video/avc"}
	if e.kind == codec.KindAudio {
		f.MIME = "audio/mp4a-latm"
	}
	e.outputs <- codec.Output{Status: codec.StatusFormatChanged, Format: f}
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
	e.releases.Add(1)
	e.released.Store(true)
	return nil
}

func (e *fakeEncoder) data(ptsUs int64, flags codec.BufferFlags) {
	e.outputs <- codec.Output{
		Status: codec.StatusOK,
		Data:   []byte{1, 2, 3, 4},
		Info:   codec.BufferInfo{Size: 4, PresentationTimeUs: ptsUs, Flags: flags},
	}
}

func (e *fakeEncoder) eos(ptsUs int64) {
	if e.emitEOS {
		e.outputs <- codec.Output{
			Status: codec.StatusOK,
			Info:   codec.BufferInfo{PresentationTimeUs: ptsUs, Flags: codec.FlagEndOfStream},
		}
	}
}

// SurfaceEncoder side.

func (e *fakeEncoder) InputSurface() codec.Surface { return e }

func (e *fakeEncoder) SetPresentationTime(pts time.Duration) {
	e.mu.Lock()
	e.nextPTS = pts
	e.mu.Unlock()
}

func (e *fakeEncoder) SwapBuffers(*image.RGBA) error {
	e.mu.Lock()
	pts := e.nextPTS
	e.mu.Unlock()
	e.data(pts.Microseconds(), codec.FlagKeyFrame)
	return nil
}

func (e *fakeEncoder) SignalEndOfInputStream() error {
	e.eos(0)
	return nil
}

// BufferEncoder side: every queued input comes straight back as output.

func (e *fakeEncoder) DequeueInput(time.Duration) (codec.InputBuffer, error) {
	if e.released.Load() {
		return codec.InputBuffer{}, codec.ErrReleased
	}
	return codec.InputBuffer{Data: make([]byte, 4096)}, nil
}

func (e *fakeEncoder) QueueInput(_ codec.InputBuffer, size int, ptsUs int64, flags codec.BufferFlags) error {
	if flags.Has(codec.FlagEndOfStream) {
		e.eos(ptsUs)
		return nil
	}
	e.data(ptsUs, 0)
	return nil
}

// fakeSource yields timestamps from a script, then keeps counting.
type fakeSource struct {
	mu       sync.Mutex
	script   []int64
	next     int64
	failAt   int
	reads    int
	releases atomic.Int32
}

func (s *fakeSource) Start() error { return nil }
func (s *fakeSource) Stop() error  { return nil }

func (s *fakeSource) Release() error {
	s.releases.Add(1)
	return nil
}

func (s *fakeSource) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return len(p), nil
}

func (s *fakeSource) Timestamp() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && s.reads >= s.failAt {
		return 0, errors.New("clock unavailable")
	}
	if len(s.script) > 0 {
		ts := s.script[0]
		s.script = s.script[1:]
		return ts, nil
	}
	s.next += 23_220
	return s.next, nil
}

type fakeFactory struct {
	mu      sync.Mutex
	videos  []*fakeEncoder
	audios  []*fakeEncoder
	sources []*fakeSource

	noEOS     bool
	script    []int64
	failAt    int
	sourceErr error
}

func (f *fakeFactory) NewVideoEncoder(stream.Descriptor) (codec.SurfaceEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := newFakeEncoder(codec.KindVideo)
	e.emitEOS = !f.noEOS
	f.videos = append(f.videos, e)
	return e, nil
}

func (f *fakeFactory) NewAudioEncoder(stream.Descriptor) (codec.BufferEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := newFakeEncoder(codec.KindAudio)
	f.audios = append(f.audios, e)
	return e, nil
}

func (f *fakeFactory) NewAudioSource(stream.Descriptor) (codec.AudioSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sourceErr != nil {
		return nil, f.sourceErr
	}
	s := &fakeSource{script: append([]int64(nil), f.script...), failAt: f.failAt}
	if len(f.script) > 0 {
		s.next = f.script[len(f.script)-1]
	}
	f.sources = append(f.sources, s)
	return s, nil
}

func (f *fakeFactory) video(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videos[i]
}

func (f *fakeFactory) audio(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audios[i]
}

type write struct {
	kind codec.Kind
	pts  int64
}

// fakeWriter records writes per kind and counts lifecycle calls.
type fakeWriter struct {
	mu          sync.Mutex
	rejectAudio bool
	kinds       []codec.Kind
	writes      []write
	orientation int
	starts      int
	stops       int
	releases    int
}

func (w *fakeWriter) AddTrack(f *codec.Format) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rejectAudio && f.Kind == codec.KindAudio {
		return -1, fmt.Errorf("%w: audio %q", mux.ErrCodecNotMuxable, f.AudioCodec)
	}
	w.kinds = append(w.kinds, f.Kind)
	return len(w.kinds) - 1, nil
}

func (w *fakeWriter) SetOrientationHint(degrees int) error {
	w.mu.Lock()
	w.orientation = degrees
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Start() error {
	w.mu.Lock()
	w.starts++
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) WriteSample(track int, _ []byte, info codec.BufferInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{kind: w.kinds[track], pts: info.PresentationTimeUs})
	return nil
}

func (w *fakeWriter) Stop() error {
	w.mu.Lock()
	w.stops++
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Release() error {
	w.mu.Lock()
	w.releases++
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) written(kind codec.Kind) []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var pts []int64
	for _, wr := range w.writes {
		if wr.kind == kind {
			pts = append(pts, wr.pts)
		}
	}
	return pts
}

func (w *fakeWriter) counts() (starts, stops, releases, writes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts, w.stops, w.releases, len(w.writes)
}

func newTestRecorder(t *testing.T, f *fakeFactory, stopTimeout time.Duration) (*Recorder, *[]*fakeWriter) {
	t.Helper()
	var mu sync.Mutex
	writers := &[]*fakeWriter{}
	r, err := New(Config{
		Descriptor: stream.Default(),
		Factory:    f,
		NewWriter: func(io.WriteCloser) mux.Writer {
			mu.Lock()
			defer mu.Unlock()
			w := &fakeWriter{}
			*writers = append(*writers, w)
			return w
		},
		DequeueTimeout: 2 * time.Millisecond,
		StopTimeout:    stopTimeout,
	})
	require.NoError(t, err)
	return r, writers
}

func feedVideo(t *testing.T, r *Recorder, frames int) {
	t.Helper()
	frame := image.NewRGBA(image.Rect(0, 0, 2, 2))
	s := r.InputSurface()
	for i := 0; i < frames; i++ {
		s.SetPresentationTime(time.Duration(i) * 33 * time.Millisecond)
		require.NoError(t, s.SwapBuffers(frame))
	}
}

func TestRecorderStartStop(t *testing.T) {
	f := &fakeFactory{}
	r, writers := newTestRecorder(t, f, time.Second)

	var states []State
	var statesMu sync.Mutex
	r.Subscribe(func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	require.NoError(t, r.Start(90))
	assert.Equal(t, StateEncoding, r.State())
	assert.ErrorIs(t, r.Start(0), ErrAlreadyRecording)

	w := (*writers)[0]
	require.Eventually(t, func() bool { s, _, _, _ := w.counts(); return s == 1 }, time.Second, time.Millisecond)
	feedVideo(t, r, 5)
	require.Eventually(t, func() bool { return len(w.written(codec.KindVideo)) == 5 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(w.written(codec.KindAudio)) > 0 }, time.Second, time.Millisecond)

	require.NoError(t, r.Stop())
	assert.Equal(t, StateStopped, r.State())

	starts, stops, releases, writes := w.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
	assert.Equal(t, 90, w.orientation)

	assert.Equal(t, int32(1), f.video(0).releases.Load())
	assert.Equal(t, int32(1), f.audio(0).releases.Load())

	// frames after stop go nowhere
	feedVideo(t, r, 3)
	time.Sleep(10 * time.Millisecond)
	_, _, _, after := w.counts()
	assert.Equal(t, writes, after)

	stats := r.Stats()
	assert.Equal(t, "stopped", stats.State)
	assert.Len(t, stats.Tracks, 2)
	assert.Equal(t, 90, stats.Orientation)

	statesMu.Lock()
	assert.Equal(t, []State{StateEncoding, StateDraining, StateStopped}, states)
	statesMu.Unlock()
}

func TestRecorderStopWithoutRecording(t *testing.T) {
	r, _ := newTestRecorder(t, &fakeFactory{}, time.Second)

	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
	assert.Equal(t, StateIdle, r.State())

	require.NoError(t, r.Start(0))
	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
}

func TestRecorderRestartsWithFreshEncoders(t *testing.T) {
	f := &fakeFactory{}
	r, writers := newTestRecorder(t, f, time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Start(0))
		require.NoError(t, r.Stop())
	}
	assert.Len(t, f.videos, 3)
	assert.Len(t, *writers, 3)
	for _, w := range *writers {
		_, _, releases, _ := w.counts()
		assert.Equal(t, 1, releases)
	}
}

func TestRecorderAudioTimestampsOnlyAdvance(t *testing.T) {
	f := &fakeFactory{script: []int64{1000, 2000, 2000, 1500, 3000, 2999, 4000, 4000, 5000}}
	r, writers := newTestRecorder(t, f, time.Second)

	require.NoError(t, r.Start(0))
	w := (*writers)[0]
	require.Eventually(t, func() bool { return len(w.written(codec.KindAudio)) > 20 }, 2*time.Second, time.Millisecond)
	require.NoError(t, r.Stop())

	pts := w.written(codec.KindAudio)
	for i := 1; i < len(pts); i++ {
		assert.Greater(t, pts[i], pts[i-1], "audio sample %d", i)
	}
	assert.Greater(t, r.Stats().DroppedAudio, uint64(0))
}

func TestRecorderStopTimesOutAndForcesRelease(t *testing.T) {
	f := &fakeFactory{noEOS: true}
	r, writers := newTestRecorder(t, f, 50*time.Millisecond)

	require.NoError(t, r.Start(0))

	start := time.Now()
	err := r.Stop()
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, r.State())

	assert.Equal(t, int32(1), f.video(0).releases.Load())
	assert.Equal(t, int32(1), f.audio(0).releases.Load())
	assert.Equal(t, int32(1), f.sources[0].releases.Load())

	_, _, releases, _ := (*writers)[0].counts()
	assert.Equal(t, 1, releases)

	// the recorder is usable again
	f.mu.Lock()
	f.noEOS = false
	f.mu.Unlock()
	require.NoError(t, r.Start(0))
	require.NoError(t, r.Stop())
}

func TestRecorderStartFailureReleasesAcquired(t *testing.T) {
	f := &fakeFactory{sourceErr: codec.ErrEncoderUnavailable}
	r, writers := newTestRecorder(t, f, time.Second)

	err := r.Start(0)
	assert.ErrorIs(t, err, codec.ErrEncoderUnavailable)
	assert.Equal(t, StateIdle, r.State())
	assert.Empty(t, *writers, "no container before every encoder exists")

	assert.Equal(t, int32(1), f.video(0).releases.Load())
	assert.Equal(t, int32(1), f.audio(0).releases.Load())
	assert.ErrorIs(t, r.Stop(), ErrNotRecording)
}

func TestRecorderAudioTimestampFailureIsFatal(t *testing.T) {
	f := &fakeFactory{failAt: 5}
	r, writers := newTestRecorder(t, f, time.Second)

	require.NoError(t, r.Start(0))
	w := (*writers)[0]
	// both encoders reach end of stream without a Stop
	require.Eventually(t, func() bool {
		return f.video(0).releases.Load() == 1 && f.audio(0).releases.Load() == 1
	}, time.Second, time.Millisecond)
	assert.NotEmpty(t, r.Stats().Error)

	err := r.Stop()
	assert.ErrorIs(t, err, ErrAudioTimestamp)
	assert.NotErrorIs(t, err, ErrDrainTimeout)

	_, stops, releases, _ := w.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Descriptor: stream.Default()})
	assert.ErrorIs(t, err, codec.ErrEncoderUnavailable)

	d := stream.Default()
	d.Width = 0
	_, err = New(Config{Descriptor: d, Factory: &fakeFactory{}})
	assert.ErrorIs(t, err, stream.ErrInvalidDescriptor)
}

func TestNewRejectsCodecsMP4CannotHold(t *testing.T) {
	for _, a := range []stream.AudioCodec{stream.AMRNB, stream.AMRWB} {
		d := stream.Default()
		d.Audio = a
		require.NoError(t, d.Validate())

		f := &fakeFactory{}
		_, err := New(Config{Descriptor: d, Factory: f})
		assert.ErrorIs(t, err, mux.ErrCodecNotMuxable, string(a))
		assert.Empty(t, f.videos, "nothing acquired for %s", a)
	}

	for _, a := range []stream.AudioCodec{stream.AAC, stream.HEAAC, stream.AudioDefault, stream.Opus} {
		d := stream.Default()
		d.Audio = a
		_, err := New(Config{Descriptor: d, Factory: &fakeFactory{}})
		assert.NoError(t, err, string(a))
	}
}

func TestRecorderTrackRejectionEndsRecording(t *testing.T) {
	f := &fakeFactory{}
	var w *fakeWriter
	r, err := New(Config{
		Descriptor: stream.Default(),
		Factory:    f,
		NewWriter: func(io.WriteCloser) mux.Writer {
			w = &fakeWriter{rejectAudio: true}
			return w
		},
		DequeueTimeout: 2 * time.Millisecond,
		StopTimeout:    time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, r.Start(0))
	require.Eventually(t, func() bool { return r.Stats().Error != "" }, time.Second, time.Millisecond)

	start := time.Now()
	err = r.Stop()
	assert.ErrorIs(t, err, mux.ErrCodecNotMuxable)
	assert.NotErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	starts, _, releases, writes := w.counts()
	assert.Equal(t, 0, starts)
	assert.Equal(t, 0, writes)
	assert.Equal(t, 1, releases)
	assert.Equal(t, int32(1), f.video(0).releases.Load())
	assert.Equal(t, int32(1), f.audio(0).releases.Load())
}
