// Package mux multiplexes encoded video and audio into one container.
//
// A Session wraps a container Writer and enforces the start protocol:
// tracks register concurrently from the drain loops, the writer starts
// exactly once when the expected number of tracks is known, samples are
// refused before that and after the session stops.
package mux

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

var (
	ErrNotStarted          = errors.New("mux session not started")
	ErrStopped             = errors.New("mux session stopped")
	ErrTrackAfterStart     = errors.New("track registered after container start")
	ErrCodecNotMuxable     = errors.New("codec cannot be stored in container")
	ErrInvalidOrientation  = errors.New("orientation must be 0, 90, 180 or 270")
	ErrUnknownTrack        = errors.New("unknown track index")
	ErrWriterAlreadyActive = errors.New("container writer already started")
)

// ExpectedTracks is one video track plus one audio track.
const ExpectedTracks = 2

// Writer is a container writer. Implementations need not be safe for
// concurrent use; Session serializes every call.
type Writer interface {
	AddTrack(f *codec.Format) (int, error)
	SetOrientationHint(degrees int) error
	Start() error
	WriteSample(track int, data []byte, info codec.BufferInfo) error
	// Stop writes the trailer. Only valid after Start.
	Stop() error
	// Release frees the writer and its sink. Valid in any state.
	Release() error
}

// TrackStats counts what was written to one track.
type TrackStats struct {
	Index   int        `json:"index"`
	Kind    codec.Kind `json:"kind"`
	MIME    string     `json:"mime"`
	Samples int        `json:"samples"`
	Bytes   int64      `json:"bytes"`
}

// Session is one container file across its lifetime.
type Session struct {
	mu        sync.Mutex
	w         Writer
	expected  int
	tracks    []TrackStats
	formats   int
	started   bool
	stopped   bool
	finalized bool
	finalErr  error
}

// NewSession wraps w. expected is the number of tracks that must register
// before the container starts.
func NewSession(w Writer, expected int) *Session {
	if expected <= 0 {
		expected = ExpectedTracks
	}
	return &Session{w: w, expected: expected}
}

// SetOrientationHint forwards the display rotation to the writer. It must
// be called before the container starts.
func (s *Session) SetOrientationHint(degrees int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrWriterAlreadyActive
	}
	return s.w.SetOrientationHint(degrees)
}

// AddTrack registers a track for f. The call that brings the count to the
// expected number starts the container; started reports whether this call
// did so.
func (s *Session) AddTrack(f *codec.Format) (index int, started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return -1, false, ErrStopped
	}
	if s.started {
		return -1, false, ErrTrackAfterStart
	}

	index, err = s.w.AddTrack(f)
	if err != nil {
		return -1, false, fmt.Errorf("add %s track: %w", f.Kind, err)
	}
	s.formats++
	s.tracks = append(s.tracks, TrackStats{Index: index, Kind: f.Kind, MIME: f.MIME})

	log := logger.WithComponent("mux")
	log.Info().
		Int("track", index).
		Str("kind", f.Kind.String()).
		Str("mime", f.MIME).
		Int("registered", s.formats).
		Msg("Track registered")

	if s.formats < s.expected {
		return index, false, nil
	}
	if err := s.w.Start(); err != nil {
		// A container that failed to start takes no more tracks or samples.
		s.stopped = true
		return index, false, fmt.Errorf("start container: %w", err)
	}
	s.started = true
	log.Info().Int("tracks", s.formats).Msg("Container started")
	return index, true, nil
}

// Started reports whether the container accepts samples.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// WriteSample writes one encoded sample to track index.
func (s *Session) WriteSample(index int, data []byte, info codec.BufferInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if !s.started {
		return ErrNotStarted
	}
	ts := s.trackLocked(index)
	if ts == nil {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, index)
	}
	if err := s.w.WriteSample(index, data, info); err != nil {
		return err
	}
	ts.Samples++
	ts.Bytes += int64(len(data))
	return nil
}

func (s *Session) trackLocked(index int) *TrackStats {
	for i := range s.tracks {
		if s.tracks[i].Index == index {
			return &s.tracks[i]
		}
	}
	return nil
}

// Finalize stops the container if it started and releases the writer.
// Only the first call does anything; later calls return the first result.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return s.finalErr
	}
	s.finalized = true
	s.stopped = true

	var stopErr error
	if s.started {
		stopErr = s.w.Stop()
	}
	s.finalErr = errors.Join(stopErr, s.w.Release())

	logger.WithComponent("mux").Info().
		Bool("started", s.started).
		Int("tracks", len(s.tracks)).
		AnErr("error", s.finalErr).
		Msg("Container finalized")
	return s.finalErr
}

// Stats returns a copy of the per-track counters.
func (s *Session) Stats() []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackStats, len(s.tracks))
	copy(out, s.tracks)
	return out
}
