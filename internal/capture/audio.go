package capture

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

const audioPullTimeout = 100 * time.Millisecond

// AudioSource captures interleaved S16LE PCM from the default (or a named
// PulseAudio) microphone. It implements codec.AudioSource.
type AudioSource struct {
	description string
	sampleRate  int
	channels    int

	pipeline *gst.Pipeline
	appsink  *app.Sink
	running  atomic.Bool

	// read state, only used by the capture loop
	mu          sync.Mutex
	pending     []byte
	pendingPTS  time.Duration
	ptsKnown    bool
	startOffset time.Duration
	lastPTS     int64
	lastValid   bool
}

var _ codec.AudioSource = (*AudioSource)(nil)

// NewAudioSource prepares a microphone pipeline producing d's sample format.
func NewAudioSource(d stream.Descriptor, device string) *AudioSource {
	src := "autoaudiosrc"
	if device != "" {
		src = fmt.Sprintf("pulsesrc device=%s", device)
	}
	desc := fmt.Sprintf(
		"%s ! audioconvert ! audioresample ! "+
			"audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d ! "+
			"appsink name=sink emit-signals=false max-buffers=32 sync=false",
		src, d.AudioSampleRate, d.AudioChannels,
	)
	return &AudioSource{
		description: desc,
		sampleRate:  d.AudioSampleRate,
		channels:    d.AudioChannels,
	}
}

// Start implements codec.AudioSource.
func (a *AudioSource) Start() error {
	if a.running.Load() {
		return fmt.Errorf("audio pipeline already running")
	}
	InitGStreamer()

	pipeline, err := gst.NewPipelineFromString(a.description)
	if err != nil {
		return fmt.Errorf("%w: audio pipeline: %v", codec.ErrEncoderUnavailable, err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to start audio pipeline: %w", err)
	}

	a.pipeline = pipeline
	a.appsink = app.SinkFromElement(sinkElement)
	a.mu.Lock()
	a.startOffset = Now()
	a.pending = a.pending[:0]
	a.lastValid = false
	a.mu.Unlock()
	a.running.Store(true)

	logger.WithComponent("audio").Info().
		Int("rate", a.sampleRate).
		Int("channels", a.channels).
		Msg("Audio capture started")
	return nil
}

// Read fills p with PCM. The timestamp of the first byte returned is
// available from Timestamp afterwards.
func (a *AudioSource) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for len(a.pending) < len(p) {
		if !a.running.Load() {
			return 0, ErrNotRunning
		}
		sample := a.appsink.TryPullSample(audioPullTimeout)
		if sample == nil {
			if a.appsink.IsEOS() {
				return 0, io.EOF
			}
			continue
		}
		buffer := sample.GetBuffer()
		if buffer == nil {
			continue
		}
		mapInfo := buffer.Map(gst.MapRead)
		if mapInfo == nil {
			continue
		}
		if len(a.pending) == 0 {
			pts := buffer.PresentationTimestamp()
			a.ptsKnown = pts >= 0
			a.pendingPTS = a.startOffset + pts
		}
		a.pending = append(a.pending, mapInfo.Bytes()...)
		buffer.Unmap()
	}

	n := copy(p, a.pending)
	a.lastPTS = a.pendingPTS.Microseconds()
	a.lastValid = a.ptsKnown
	a.pending = a.pending[:copy(a.pending, a.pending[n:])]
	a.pendingPTS += a.bytesDuration(n)
	return n, nil
}

func (a *AudioSource) bytesDuration(n int) time.Duration {
	frames := n / (stream.AudioBytesPerSample * a.channels)
	return time.Duration(frames) * time.Second / time.Duration(a.sampleRate)
}

// Timestamp implements codec.AudioSource.
func (a *AudioSource) Timestamp() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.lastValid {
		return 0, ErrNoTimestamp
	}
	return a.lastPTS, nil
}

// Stop implements codec.AudioSource.
func (a *AudioSource) Stop() error {
	if !a.running.Swap(false) {
		return nil
	}
	if err := a.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop audio pipeline: %w", err)
	}
	logger.WithComponent("audio").Info().Msg("Audio capture stopped")
	return nil
}

// Release implements codec.AudioSource.
func (a *AudioSource) Release() error {
	_ = a.Stop()
	// Read notices the stop within one pull timeout.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipeline != nil {
		a.pipeline.Unref()
		a.pipeline = nil
		a.appsink = nil
	}
	return nil
}
