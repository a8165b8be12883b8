// Package recorder drives one video encoder and one audio capture and encode
// chain, and multiplexes their output into a single container.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/mux"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

var (
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")

	// ErrDrainTimeout is returned by Stop when the encoders did not deliver
	// their end-of-stream buffers in time. Everything is released anyway.
	ErrDrainTimeout = errors.New("timed out draining encoders")

	// ErrAudioTimestamp means the audio source could not timestamp its
	// samples; the recording ends.
	ErrAudioTimestamp = errors.New("audio timestamp unavailable")
)

const (
	DefaultDequeueTimeout = 10 * time.Millisecond
	DefaultStopTimeout    = 3 * time.Second

	// forcedJoinTimeout bounds the wait for loops after a forced release.
	forcedJoinTimeout = time.Second
)

// State is the pipeline state.
type State int

const (
	StateIdle State = iota
	StateEncoding
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEncoding:
		return "encoding"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config wires a Recorder to its collaborators.
type Config struct {
	Descriptor stream.Descriptor
	Factory    codec.Factory

	// OpenOutput opens the container sink for one recording. Output goes to
	// mux.NullSink when storage is disabled or OpenOutput is nil.
	OpenOutput func() (io.WriteCloser, error)

	// NewWriter wraps the sink in a container writer. Defaults to MP4.
	NewWriter func(io.WriteCloser) mux.Writer

	DequeueTimeout time.Duration
	StopTimeout    time.Duration

	// Stream tags log lines when several recorders run side by side.
	Stream int
}

// Stats describe the current or last recording.
type Stats struct {
	State        string           `json:"state"`
	Started      time.Time        `json:"started,omitempty"`
	Duration     time.Duration    `json:"duration"`
	Tracks       []mux.TrackStats `json:"tracks"`
	DroppedAudio uint64           `json:"dropped_audio"`
	Orientation  int              `json:"orientation"`
	Error        string           `json:"error,omitempty"`
}

// Recorder is the encode/mux pipeline. A Recorder can record any number of
// times, one recording at a time.
type Recorder struct {
	cfg Config
	log *zerolog.Logger

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	active    *run
	last      Stats
	listeners []func(State)

	surface *surfaceProxy
}

// New validates cfg and returns an idle Recorder.
func New(cfg Config) (*Recorder, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("%w: no encoder factory", codec.ErrEncoderUnavailable)
	}
	if err := cfg.Descriptor.Validate(); err != nil {
		return nil, err
	}
	if cfg.NewWriter == nil {
		if err := mux.CheckMP4Codecs(cfg.Descriptor.Video, cfg.Descriptor.Audio); err != nil {
			return nil, err
		}
		cfg.NewWriter = func(w io.WriteCloser) mux.Writer { return mux.NewMP4Writer(w) }
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	r := &Recorder{
		cfg: cfg,
		log: logger.WithStream("recorder", cfg.Stream),
	}
	r.surface = &surfaceProxy{r: r}
	r.last.State = StateIdle.String()
	return r, nil
}

// Descriptor returns the stream the recorder encodes.
func (r *Recorder) Descriptor() stream.Descriptor {
	return r.cfg.Descriptor
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers fn to be called after every state change.
func (r *Recorder) Subscribe(fn func(State)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.log.Debug().Str("state", s.String()).Msg("Recorder state changed")
	for _, fn := range listeners {
		fn(s)
	}
}

// InputSurface is where rendered video frames go. It stays valid across
// recordings; frames arriving while nothing is recording are discarded.
func (r *Recorder) InputSurface() codec.Surface {
	return r.surface
}

func (r *Recorder) current() *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateEncoding {
		return nil
	}
	return r.active
}

// Start creates fresh encoders and a container, applies the orientation
// hint and launches the drain and capture loops. It returns once the loops
// are running.
func (r *Recorder) Start(orientation int) (err error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state == StateEncoding || r.state == StateDraining {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.mu.Unlock()

	d := r.cfg.Descriptor
	ru := newRun(r.cfg, r.log)

	defer func() {
		if err != nil {
			ru.releaseAll()
			if ru.session != nil {
				_ = ru.session.Finalize()
			}
		}
	}()

	if ru.video, err = r.cfg.Factory.NewVideoEncoder(d); err != nil {
		return fmt.Errorf("create video encoder: %w", err)
	}
	if ru.audio, err = r.cfg.Factory.NewAudioEncoder(d); err != nil {
		return fmt.Errorf("create audio encoder: %w", err)
	}
	if ru.source, err = r.cfg.Factory.NewAudioSource(d); err != nil {
		return fmt.Errorf("create audio source: %w", err)
	}

	out := mux.NullSink()
	if d.StorageEnabled && r.cfg.OpenOutput != nil {
		if out, err = r.cfg.OpenOutput(); err != nil {
			return fmt.Errorf("open output: %w", err)
		}
	}
	ru.session = mux.NewSession(r.cfg.NewWriter(out), mux.ExpectedTracks)
	if err = ru.session.SetOrientationHint(orientation); err != nil {
		return err
	}

	if err = ru.video.Start(); err != nil {
		return fmt.Errorf("start video encoder: %w", err)
	}
	if err = ru.audio.Start(); err != nil {
		return fmt.Errorf("start audio encoder: %w", err)
	}
	if err = ru.source.Start(); err != nil {
		return fmt.Errorf("start audio source: %w", err)
	}

	ru.orientation = orientation
	ru.startedAt = time.Now()
	r.mu.Lock()
	r.active = ru
	r.mu.Unlock()

	ru.launch()
	r.setState(StateEncoding)

	r.log.Info().
		Int("width", d.Width).
		Int("height", d.Height).
		Int("fps", d.FPS).
		Str("video", string(d.Video)).
		Str("audio", string(d.Audio.Resolve())).
		Int("orientation", orientation).
		Bool("storage", d.StorageEnabled).
		Msg("Recording started")
	return nil
}

// Stop ends the recording. It asks both encoders for end of stream and
// waits, bounded by the stop timeout, for the drain loops to see it. On
// timeout the loops are cancelled, the encoders released and
// ErrDrainTimeout returned. The container is finalized exactly once in
// either case. Stop without an active recording returns ErrNotRecording.
func (r *Recorder) Stop() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state != StateEncoding {
		r.mu.Unlock()
		return ErrNotRecording
	}
	ru := r.active
	r.mu.Unlock()
	r.setState(StateDraining)

	ru.requestStop()

	var errs []error
	select {
	case <-ru.done:
	case <-time.After(r.cfg.StopTimeout):
		r.log.Error().Dur("timeout", r.cfg.StopTimeout).Msg("Encoders did not drain, forcing release")
		errs = append(errs, ErrDrainTimeout)
		ru.cancel()
	}

	ru.releaseAll()
	select {
	case <-ru.done:
	case <-time.After(forcedJoinTimeout):
		r.log.Error().Msg("Recording loops still running after release")
	}

	errs = append(errs, ru.session.Finalize(), ru.err())
	stats := ru.stats()

	r.mu.Lock()
	r.active = nil
	r.last = stats
	r.mu.Unlock()
	r.setState(StateStopped)

	err := errors.Join(errs...)
	r.log.Info().
		Dur("duration", stats.Duration).
		Uint64("dropped_audio", stats.DroppedAudio).
		AnErr("error", err).
		Msg("Recording stopped")
	return err
}

// Stats describes the active recording, or the last one when idle.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	ru, state, last := r.active, r.state, r.last
	r.mu.Unlock()

	if ru == nil {
		last.State = state.String()
		return last
	}
	s := ru.stats()
	s.State = state.String()
	return s
}

// launch runs the loops on a conc.WaitGroup so a panicking loop surfaces as
// an error instead of taking the process down.
func (ru *run) launch() {
	var wg conc.WaitGroup
	wg.Go(func() { ru.drain(codec.KindVideo, ru.video) })
	wg.Go(func() { ru.drain(codec.KindAudio, ru.audio) })
	wg.Go(ru.capture)
	go func() {
		if rec := wg.WaitAndRecover(); rec != nil {
			ru.fail(rec.AsError())
		}
		close(ru.done)
	}()
}
