package recorder

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/mux"
)

// run is one recording: its encoders, its container and its loops.
type run struct {
	cfg Config
	log *zerolog.Logger

	video   codec.SurfaceEncoder
	audio   codec.BufferEncoder
	source  codec.AudioSource
	session *mux.Session

	orientation int
	startedAt   time.Time

	stopCh     chan struct{}
	stopOnce   sync.Once
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	// inputMu orders presented frames before the video end of stream.
	inputMu      sync.Mutex
	inputClosed  bool
	endInputOnce sync.Once

	releaseVideo  sync.Once
	releaseAudio  sync.Once
	releaseSource sync.Once

	errMu sync.Mutex
	errs  []error

	// only touched by the audio drain loop
	lastAudioPTS int64
	audioSeen    bool

	droppedAudio atomic.Uint64
}

func newRun(cfg Config, log *zerolog.Logger) *run {
	return &run{
		cfg:      cfg,
		log:      log,
		stopCh:   make(chan struct{}),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (ru *run) fail(err error) {
	ru.log.Error().Err(err).Msg("Recording error")
	ru.errMu.Lock()
	ru.errs = append(ru.errs, err)
	ru.errMu.Unlock()
}

func (ru *run) err() error {
	ru.errMu.Lock()
	defer ru.errMu.Unlock()
	return errors.Join(ru.errs...)
}

func (ru *run) canceled() bool {
	select {
	case <-ru.cancelCh:
		return true
	default:
		return false
	}
}

func (ru *run) cancel() {
	ru.cancelOnce.Do(func() { close(ru.cancelCh) })
}

// requestStop asks the video encoder for end of stream and tells the
// capture loop to queue an end-of-stream input on its next cycle.
func (ru *run) requestStop() {
	ru.endVideoInput()
	ru.stopOnce.Do(func() { close(ru.stopCh) })
}

func (ru *run) endVideoInput() {
	ru.endInputOnce.Do(func() {
		ru.inputMu.Lock()
		ru.inputClosed = true
		ru.inputMu.Unlock()
		if err := ru.video.SignalEndOfInputStream(); err != nil {
			ru.fail(fmt.Errorf("signal video end of stream: %w", err))
		}
	})
}

func (ru *run) present(frame *image.RGBA, pts time.Duration) error {
	ru.inputMu.Lock()
	defer ru.inputMu.Unlock()
	if ru.inputClosed {
		return nil
	}
	surface := ru.video.InputSurface()
	surface.SetPresentationTime(pts)
	return surface.SwapBuffers(frame)
}

// drain pulls encoded output until end of stream or cancellation.
func (ru *run) drain(kind codec.Kind, enc codec.Encoder) {
	log := ru.log.With().Str("track", kind.String()).Logger()
	index := -1

	for !ru.canceled() {
		out, err := enc.DequeueOutput(ru.cfg.DequeueTimeout)
		if err != nil {
			if !ru.canceled() {
				ru.fail(fmt.Errorf("dequeue %s output: %w", kind, err))
			}
			return
		}

		switch out.Status {
		case codec.StatusTryAgainLater, codec.StatusBuffersChanged:
			continue
		case codec.StatusFormatChanged:
			idx, started, err := ru.session.AddTrack(out.Format)
			if err != nil {
				// Without this track the container never starts.
				ru.fail(fmt.Errorf("register %s track: %w", kind, err))
				ru.cancel()
				return
			}
			index = idx
			log.Debug().Int("index", idx).Bool("container_started", started).Msg("Output format known")
			continue
		}

		eos := out.Info.Flags.Has(codec.FlagEndOfStream)
		ru.write(kind, index, out)
		enc.ReleaseOutput(out)
		if eos {
			ru.releaseEncoder(kind)
			log.Debug().Msg("End of stream")
			return
		}
	}
}

func (ru *run) write(kind codec.Kind, index int, out codec.Output) {
	if out.Info.Flags.Has(codec.FlagCodecConfig) || out.Info.Size <= 0 || index < 0 {
		return
	}
	if kind == codec.KindAudio && !ru.advanceAudio(out.Info.PresentationTimeUs) {
		ru.droppedAudio.Add(1)
		return
	}

	data := out.Data
	if out.Info.Size < len(data) {
		data = data[:out.Info.Size]
	}
	err := ru.session.WriteSample(index, data, out.Info)
	switch {
	case err == nil:
	case errors.Is(err, mux.ErrNotStarted), errors.Is(err, mux.ErrStopped):
		if kind == codec.KindAudio {
			ru.droppedAudio.Add(1)
		}
	default:
		ru.fail(fmt.Errorf("write %s sample: %w", kind, err))
	}
}

// advanceAudio accepts pts only if it is later than every audio timestamp
// seen so far.
func (ru *run) advanceAudio(pts int64) bool {
	if ru.audioSeen && pts <= ru.lastAudioPTS {
		return false
	}
	ru.audioSeen = true
	ru.lastAudioPTS = pts
	return true
}

// capture moves PCM from the audio source into the audio encoder.
func (ru *run) capture() {
	buf := make([]byte, ru.cfg.Descriptor.AudioFrameBytes())
	var pts int64

	for {
		select {
		case <-ru.cancelCh:
			return
		case <-ru.stopCh:
			ru.queueAudioEOS(pts)
			return
		default:
		}

		n, err := ru.source.Read(buf)
		if err != nil {
			ru.abort(fmt.Errorf("read audio: %w", err), pts)
			return
		}
		if n == 0 {
			continue
		}
		ts, err := ru.source.Timestamp()
		if err != nil {
			ru.abort(fmt.Errorf("%w: %v", ErrAudioTimestamp, err), pts)
			return
		}
		pts = ts

		in, err := ru.audio.DequeueInput(ru.cfg.DequeueTimeout)
		if errors.Is(err, codec.ErrNoInputBuffer) {
			ru.log.Debug().Int64("pts_us", ts).Msg("Audio encoder busy, dropping capture buffer")
			continue
		}
		if err != nil {
			ru.abort(fmt.Errorf("dequeue audio input: %w", err), pts)
			return
		}
		size := copy(in.Data, buf[:n])
		if err := ru.audio.QueueInput(in, size, ts, 0); err != nil {
			ru.abort(fmt.Errorf("queue audio input: %w", err), pts)
			return
		}
	}
}

// abort ends the recording from the capture side: the error is kept for
// Stop and both encoders are driven to end of stream.
func (ru *run) abort(err error, pts int64) {
	if ru.canceled() {
		return
	}
	ru.fail(err)
	ru.queueAudioEOS(pts)
	ru.endVideoInput()
}

func (ru *run) queueAudioEOS(pts int64) {
	for !ru.canceled() {
		in, err := ru.audio.DequeueInput(ru.cfg.DequeueTimeout)
		if errors.Is(err, codec.ErrNoInputBuffer) {
			continue
		}
		if err != nil {
			ru.fail(fmt.Errorf("dequeue audio input for end of stream: %w", err))
			return
		}
		if err := ru.audio.QueueInput(in, 0, pts, codec.FlagEndOfStream); err != nil {
			ru.fail(fmt.Errorf("queue audio end of stream: %w", err))
		}
		return
	}
}

func (ru *run) releaseEncoder(kind codec.Kind) {
	if kind == codec.KindVideo {
		ru.releaseVideo.Do(func() { ru.closeEncoder(kind, ru.video) })
		return
	}
	ru.releaseAudio.Do(func() { ru.closeEncoder(kind, ru.audio) })
}

func (ru *run) closeEncoder(kind codec.Kind, enc codec.Encoder) {
	if err := errors.Join(enc.Stop(), enc.Release()); err != nil {
		ru.log.Warn().Err(err).Str("track", kind.String()).Msg("Encoder release failed")
	}
}

// releaseAll frees whatever is still held. Safe on a partially built run.
func (ru *run) releaseAll() {
	if ru.source != nil {
		ru.releaseSource.Do(func() {
			if err := errors.Join(ru.source.Stop(), ru.source.Release()); err != nil {
				ru.log.Warn().Err(err).Msg("Audio source release failed")
			}
		})
	}
	if ru.audio != nil {
		ru.releaseEncoder(codec.KindAudio)
	}
	if ru.video != nil {
		ru.releaseEncoder(codec.KindVideo)
	}
}

func (ru *run) stats() Stats {
	s := Stats{
		Started:      ru.startedAt,
		DroppedAudio: ru.droppedAudio.Load(),
		Orientation:  ru.orientation,
	}
	if !ru.startedAt.IsZero() {
		s.Duration = time.Since(ru.startedAt)
	}
	if ru.session != nil {
		s.Tracks = ru.session.Stats()
	}
	if err := ru.err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// surfaceProxy forwards frames to the active recording's video encoder.
type surfaceProxy struct {
	r   *Recorder
	mu  sync.Mutex
	pts time.Duration
}

func (p *surfaceProxy) SetPresentationTime(pts time.Duration) {
	p.mu.Lock()
	p.pts = pts
	p.mu.Unlock()
}

func (p *surfaceProxy) SwapBuffers(frame *image.RGBA) error {
	p.mu.Lock()
	pts := p.pts
	p.mu.Unlock()

	ru := p.r.current()
	if ru == nil {
		return nil
	}
	return ru.present(frame, pts)
}
