// Package camera ties one camera source to up to two encoded streams.
// Each stream has its own compositor and recorder; frames from the source
// are queued into every stream's compositor, which renders the overlay and
// presents the result to the stream's recorder and previews.
package camera

import (
	"errors"
	"fmt"
	"image"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/mux"
	"github.com/bryanchriswhite/OverlayCam/internal/orientation"
	"github.com/bryanchriswhite/OverlayCam/internal/output"
	"github.com/bryanchriswhite/OverlayCam/internal/overlay"
	"github.com/bryanchriswhite/OverlayCam/internal/recorder"
	"github.com/bryanchriswhite/OverlayCam/internal/snapshot"
	"github.com/bryanchriswhite/OverlayCam/internal/storage"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
	"github.com/bryanchriswhite/OverlayCam/internal/vendor"
)

// MaxStreams is the number of encoded streams one camera can feed.
const MaxStreams = 2

// DefaultOverlayInterval is how often overlay widgets are re-rendered.
const DefaultOverlayInterval = 250 * time.Millisecond

var (
	ErrNotOpen        = errors.New("camera session not open")
	ErrAlreadyOpen    = errors.New("camera session already open")
	ErrNoStreams      = errors.New("at least one stream is required")
	ErrTooManyStreams = errors.New("too many streams")
	ErrNoFrame        = errors.New("no camera frame yet")
	ErrUnknownStream  = errors.New("unknown stream")
	ErrNoStorage      = errors.New("no media storage configured")
)

// Config describes one camera session.
type Config struct {
	Streams []stream.Descriptor

	// SensorOrientation is the sensor mounting angle; FrontFacing mirrors
	// the rotation math for selfie cameras.
	SensorOrientation int
	FrontFacing       bool

	Compositor overlay.Config
	Recorder   RecorderTimeouts

	// Vendor controls applied once the source is running.
	Vendor vendor.Params

	SnapshotQuality int
	OverlayInterval time.Duration

	// NewWriter overrides the container writer; nil uses MP4.
	NewWriter func(io.WriteCloser) mux.Writer
}

// RecorderTimeouts are passed to every recorder.
type RecorderTimeouts struct {
	Dequeue time.Duration
	Stop    time.Duration
}

// Deps are the collaborators of a session.
type Deps struct {
	Source   capture.Source
	Factory  codec.Factory
	Store    *storage.Store
	Overlays *overlay.Manager
}

// EventType names a session event.
type EventType string

const (
	EventRecording EventType = "recording"
	EventSnapshot  EventType = "snapshot"
	EventError     EventType = "error"
)

// Event is published to subscribers.
type Event struct {
	Type        EventType `json:"type"`
	Stream      int       `json:"stream"`
	State       string    `json:"state,omitempty"`
	RecordingID string    `json:"recording_id,omitempty"`
	Path        string    `json:"path,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// chain is one encoded stream.
type chain struct {
	index      int
	desc       stream.Descriptor
	recorder   *recorder.Recorder
	fanout     *output.Fanout
	compositor *overlay.Compositor
	path       string
}

// Session owns the camera source and the per-stream chains.
type Session struct {
	cfg  Config
	deps Deps
	log  *zerolog.Logger

	mu             sync.Mutex
	open           bool
	chains         []*chain
	caps           vendor.Capabilities
	recordingID    string
	deviceRotation int
	listeners      []func(Event)

	stopOverlay chan struct{}
	overlayDone chan struct{}
}

// New validates cfg. Nothing is acquired until Open.
func New(cfg Config, deps Deps) (*Session, error) {
	if len(cfg.Streams) == 0 {
		return nil, ErrNoStreams
	}
	if len(cfg.Streams) > MaxStreams {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyStreams, len(cfg.Streams), MaxStreams)
	}
	for i, d := range cfg.Streams {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("stream %d: %w", i, err)
		}
	}
	if err := cfg.Vendor.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, capture.ErrNoSource
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("%w: no encoder factory", codec.ErrEncoderUnavailable)
	}
	if deps.Overlays == nil {
		deps.Overlays = overlay.NewManager()
	}
	if cfg.OverlayInterval <= 0 {
		cfg.OverlayInterval = DefaultOverlayInterval
	}
	if cfg.SnapshotQuality <= 0 {
		cfg.SnapshotQuality = snapshot.DefaultQuality
	}
	return &Session{
		cfg:  cfg,
		deps: deps,
		log:  logger.WithComponent("camera"),
	}, nil
}

// Subscribe registers fn for session events. fn runs on the goroutine
// that caused the event and must not block.
func (s *Session) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) emit(e Event) {
	e.Time = time.Now()
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(e)
	}
}

// Open builds the stream chains, starts the camera and applies vendor
// controls.
func (s *Session) Open() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrAlreadyOpen
	}

	var chains []*chain
	defer func() {
		if err != nil {
			for _, ch := range chains {
				ch.compositor.Release()
			}
		}
	}()

	for i, d := range s.cfg.Streams {
		ch, err := s.newChain(i, d)
		if err != nil {
			return fmt.Errorf("stream %d: %w", i, err)
		}
		chains = append(chains, ch)
	}

	if err := s.deps.Source.Start(s.frameHandler(chains)); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	s.chains = chains
	s.open = true
	s.caps = s.applyVendor()
	s.startOverlayLoop()

	s.log.Info().
		Str("source", s.deps.Source.Name()).
		Int("streams", len(chains)).
		Msg("Camera session opened")
	return nil
}

func (s *Session) newChain(index int, d stream.Descriptor) (*chain, error) {
	ch := &chain{index: index, desc: d, fanout: output.NewFanout()}

	rec, err := recorder.New(recorder.Config{
		Descriptor:     d,
		Factory:        s.deps.Factory,
		OpenOutput:     func() (io.WriteCloser, error) { return s.openOutput(ch) },
		NewWriter:      s.cfg.NewWriter,
		DequeueTimeout: s.cfg.Recorder.Dequeue,
		StopTimeout:    s.cfg.Recorder.Stop,
		Stream:         index,
	})
	if err != nil {
		return nil, err
	}
	rec.Subscribe(func(st recorder.State) {
		s.emit(Event{Type: EventRecording, Stream: index, State: st.String(), RecordingID: s.RecordingID()})
	})
	ch.recorder = rec
	ch.fanout.Add("encoder", rec.InputSurface(), true)

	cc := s.cfg.Compositor
	cc.Width, cc.Height = d.Width, d.Height
	comp, err := overlay.NewCompositor(cc, overlay.NewSoftwareBackend(), ch.fanout)
	if err != nil {
		return nil, err
	}
	ch.compositor = comp
	return ch, nil
}

// frameHandler queues every camera frame into every chain.
func (s *Session) frameHandler(chains []*chain) capture.FrameHandler {
	return func(frame *image.RGBA, pts time.Duration) {
		for _, ch := range chains {
			if err := ch.compositor.InputSurface().QueueFrame(frame, pts); err != nil && !errors.Is(err, overlay.ErrReleased) {
				s.log.Warn().Err(err).Int("stream", ch.index).Msg("Failed to queue frame")
			}
		}
	}
}

func (s *Session) openOutput(ch *chain) (io.WriteCloser, error) {
	if s.deps.Store == nil {
		return mux.NullSink(), nil
	}
	w, path, err := s.deps.Store.CreateRecording(s.RecordingID(), ch.index)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ch.path = path
	s.mu.Unlock()
	return w, nil
}

func (s *Session) applyVendor() vendor.Capabilities {
	prober, ok := s.deps.Source.(vendor.Prober)
	if !ok {
		return vendor.Capabilities{}
	}
	caps := vendor.Negotiate(prober)
	setter, ok := s.deps.Source.(vendor.Setter)
	if !ok || len(s.cfg.Vendor) == 0 {
		return caps
	}
	applied, err := vendor.Apply(setter, s.cfg.Vendor, caps)
	if err != nil {
		s.log.Warn().Err(err).Msg("Some vendor controls failed")
	}
	s.log.Info().Interface("applied", applied).Msg("Vendor controls applied")
	return caps
}

// SetVendor applies more vendor controls against the negotiated set.
func (s *Session) SetVendor(params vendor.Params) ([]vendor.Key, error) {
	s.mu.Lock()
	open, caps := s.open, s.caps
	s.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}
	setter, ok := s.deps.Source.(vendor.Setter)
	if !ok {
		return nil, nil
	}
	return vendor.Apply(setter, params, caps)
}

// Capabilities returns the vendor controls the camera accepts.
func (s *Session) Capabilities() vendor.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// startOverlayLoop pushes a fresh overlay layer to every compositor when
// the widgets change, and on every tick while a clock is shown.
func (s *Session) startOverlayLoop() {
	s.stopOverlay = make(chan struct{})
	s.overlayDone = make(chan struct{})
	chains := s.chains
	stop, done := s.stopOverlay, s.overlayDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.OverlayInterval)
		defer ticker.Stop()

		var lastVersion uint64
		first := true
		for {
			m := s.deps.Overlays
			if v := m.Version(); first || v != lastVersion || m.Ticking() {
				first = false
				lastVersion = v
				for _, ch := range chains {
					if !ch.desc.OverlayEnabled {
						continue
					}
					ch.compositor.SetImageOverlay(m.RenderLayer(ch.desc.Width, ch.desc.Height))
				}
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// AttachPreview adds a preview output to a stream.
func (s *Session) AttachPreview(streamIndex int, name string, out output.Output) error {
	ch, err := s.chain(streamIndex)
	if err != nil {
		return err
	}
	ch.fanout.Add(name, out, false)
	return nil
}

// DetachPreview removes a preview output.
func (s *Session) DetachPreview(streamIndex int, name string) error {
	ch, err := s.chain(streamIndex)
	if err != nil {
		return err
	}
	ch.fanout.Remove(name)
	return nil
}

func (s *Session) chain(i int) (*chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	if i < 0 || i >= len(s.chains) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, i)
	}
	return s.chains[i], nil
}

// SetDeviceRotation records how the device is rotated. It is read when a
// recording or snapshot starts.
func (s *Session) SetDeviceRotation(degrees int) {
	s.mu.Lock()
	s.deviceRotation = orientation.Normalize(degrees)
	s.mu.Unlock()
}

// Orientation returns the rotation stamped into new media.
func (s *Session) Orientation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return orientation.Derive(s.cfg.SensorOrientation, s.deviceRotation, s.cfg.FrontFacing)
}

// RecordingID returns the id of the current or last recording.
func (s *Session) RecordingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordingID
}

// Recording describes a started recording.
type Recording struct {
	ID          string `json:"id"`
	Orientation int    `json:"orientation"`
	Streams     int    `json:"streams"`
}

// StartRecording starts every stream's recorder with a shared id and
// orientation. If any stream fails the others are stopped again.
func (s *Session) StartRecording() (Recording, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return Recording{}, ErrNotOpen
	}
	chains := s.chains
	s.mu.Unlock()

	for _, ch := range chains {
		if ch.recorder.State() == recorder.StateEncoding || ch.recorder.State() == recorder.StateDraining {
			return Recording{}, recorder.ErrAlreadyRecording
		}
	}
	if s.deps.Store != nil && s.anyStorage(chains) {
		if err := s.deps.Store.Check(); err != nil {
			s.emit(Event{Type: EventError, Error: err.Error()})
			return Recording{}, err
		}
	}

	rotation := s.Orientation()
	id := uuid.NewString()
	s.mu.Lock()
	s.recordingID = id
	s.mu.Unlock()

	var started []*chain
	for _, ch := range chains {
		if err := ch.recorder.Start(rotation); err != nil {
			for _, st := range started {
				_ = st.recorder.Stop()
			}
			s.emit(Event{Type: EventError, Stream: ch.index, RecordingID: id, Error: err.Error()})
			return Recording{}, fmt.Errorf("stream %d: %w", ch.index, err)
		}
		started = append(started, ch)
	}

	s.log.Info().
		Str("recording_id", id).
		Int("orientation", rotation).
		Int("streams", len(chains)).
		Msg("Recording started")
	return Recording{ID: id, Orientation: rotation, Streams: len(chains)}, nil
}

func (s *Session) anyStorage(chains []*chain) bool {
	for _, ch := range chains {
		if ch.desc.StorageEnabled {
			return true
		}
	}
	return false
}

// StopRecording stops every stream in parallel and reports all errors.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	chains := s.chains
	s.mu.Unlock()

	p := pool.New().WithErrors()
	active := 0
	for _, ch := range chains {
		if ch.recorder.State() != recorder.StateEncoding {
			continue
		}
		active++
		p.Go(func() error {
			if err := ch.recorder.Stop(); err != nil {
				return fmt.Errorf("stream %d: %w", ch.index, err)
			}
			return nil
		})
	}
	if active == 0 {
		return recorder.ErrNotRecording
	}
	err := p.Wait()
	s.log.Info().Str("recording_id", s.RecordingID()).Err(err).Msg("Recording stopped")
	return err
}

// Snapshot writes the latest camera frame as a JPEG and returns its path.
func (s *Session) Snapshot() (string, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return "", ErrNotOpen
	}
	if s.deps.Store == nil {
		return "", ErrNoStorage
	}

	frame := s.deps.Source.LatestFrame()
	if frame == nil {
		return "", ErrNoFrame
	}
	w, path, err := s.deps.Store.CreateSnapshot(uuid.NewString())
	if err != nil {
		s.emit(Event{Type: EventError, Error: err.Error()})
		return "", err
	}
	encErr := snapshot.Encode(w, frame, s.Orientation(), s.cfg.SnapshotQuality)
	if err := errors.Join(encErr, w.Close()); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	s.emit(Event{Type: EventSnapshot, Path: path})
	s.log.Info().Str("path", path).Msg("Snapshot saved")
	return path, nil
}

// StreamStatus reports one stream.
type StreamStatus struct {
	Index      int               `json:"index"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	FPS        int               `json:"fps"`
	Video      stream.VideoCodec `json:"video"`
	Audio      stream.AudioCodec `json:"audio"`
	Path       string            `json:"path,omitempty"`
	Recorder   recorder.Stats    `json:"recorder"`
	Compositor overlay.Stats     `json:"compositor"`
}

// Status is a point-in-time view of the session.
type Status struct {
	Open         bool           `json:"open"`
	Source       string         `json:"source"`
	RecordingID  string         `json:"recording_id,omitempty"`
	Orientation  int            `json:"orientation"`
	Capabilities []vendor.Key   `json:"capabilities"`
	Streams      []StreamStatus `json:"streams"`
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Open:         s.open,
		Source:       s.deps.Source.Name(),
		RecordingID:  s.recordingID,
		Capabilities: s.caps.Keys(),
	}
	chains := s.chains
	paths := make([]string, len(chains))
	for i, ch := range chains {
		paths[i] = ch.path
	}
	s.mu.Unlock()

	st.Orientation = s.Orientation()
	for i, ch := range chains {
		st.Streams = append(st.Streams, StreamStatus{
			Index:      ch.index,
			Width:      ch.desc.Width,
			Height:     ch.desc.Height,
			FPS:        ch.desc.FPS,
			Video:      ch.desc.Video,
			Audio:      ch.desc.Audio,
			Path:       paths[i],
			Recorder:   ch.recorder.Stats(),
			Compositor: ch.compositor.Stats(),
		})
	}
	return st
}

// Close stops any recording, then the camera, then the compositors.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	chains := s.chains
	s.mu.Unlock()

	var errs []error
	if err := s.StopRecording(); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		errs = append(errs, err)
	}
	if err := s.deps.Source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop camera: %w", err))
	}

	close(s.stopOverlay)
	<-s.overlayDone

	for _, ch := range chains {
		if err := ch.compositor.Release(); err != nil {
			errs = append(errs, fmt.Errorf("stream %d compositor: %w", ch.index, err))
		}
	}

	s.mu.Lock()
	s.open = false
	s.chains = nil
	s.mu.Unlock()

	s.log.Info().Msg("Camera session closed")
	return errors.Join(errs...)
}
