package mux

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

const (
	videoTimeScale = 90000
	opusTimeScale  = 48000

	// audio-only fragments are cut after this many seconds of samples
	fragmentSeconds = 1
)

type pendingSample struct {
	dts      uint64
	duration uint32
	key      bool
	payload  []byte
}

type mp4Track struct {
	id        int
	kind      codec.Kind
	timeScale uint32
	codec     mp4.Codec

	// samples with a known duration, waiting for the next fragment
	pending []*pendingSample
	// last sample; its duration is known once the next one arrives
	tail *pendingSample

	lastDuration    uint32
	defaultDuration uint32
}

func (t *mp4Track) pendingDuration() uint64 {
	var d uint64
	for _, s := range t.pending {
		d += uint64(s.duration)
	}
	return d
}

// MP4Writer writes a fragmented MPEG-4 file: an init segment on Start, a
// fragment per video GOP (or per second of audio) while recording, and a
// final fragment on Stop.
type MP4Writer struct {
	out    io.WriteCloser
	tracks []*mp4Track

	orientation int
	originUs    int64
	hasOrigin   bool

	started  bool
	stopped  bool
	released bool

	seq     uint32
	written int64
}

// NewMP4Writer writes to out and closes it on Release.
func NewMP4Writer(out io.WriteCloser) *MP4Writer {
	return &MP4Writer{out: out, seq: 1}
}

// BytesWritten returns the container size so far.
func (w *MP4Writer) BytesWritten() int64 {
	return w.written
}

// CheckMP4Codecs reports whether an MP4 container can hold v and a.
func CheckMP4Codecs(v stream.VideoCodec, a stream.AudioCodec) error {
	if v != stream.H264 && v != stream.H265 {
		return fmt.Errorf("%w: video %q", ErrCodecNotMuxable, v)
	}
	if !a.IsAAC() && a.Resolve() != stream.Opus {
		return fmt.Errorf("%w: audio %q", ErrCodecNotMuxable, a)
	}
	return nil
}

// AddTrack implements Writer.
func (w *MP4Writer) AddTrack(f *codec.Format) (int, error) {
	if w.started {
		return -1, ErrWriterAlreadyActive
	}

	t := &mp4Track{id: len(w.tracks) + 1, kind: f.Kind}
	switch f.Kind {
	case codec.KindVideo:
		t.timeScale = videoTimeScale
		t.defaultDuration = videoTimeScale / 30
		switch f.VideoCodec {
		case stream.H264:
			t.codec = &mp4.CodecH264{SPS: f.SPS, PPS: f.PPS}
		case stream.H265:
			t.codec = &mp4.CodecH265{VPS: f.VPS, SPS: f.SPS, PPS: f.PPS}
		default:
			return -1, fmt.Errorf("%w: video %q", ErrCodecNotMuxable, f.VideoCodec)
		}

	case codec.KindAudio:
		switch {
		case f.AudioCodec.IsAAC():
			var cfg mpeg4audio.AudioSpecificConfig
			if err := cfg.Unmarshal(f.AudioConfig); err != nil {
				return -1, fmt.Errorf("audio specific config: %w", err)
			}
			t.codec = &mp4.CodecMPEG4Audio{Config: cfg}
			t.timeScale = uint32(cfg.SampleRate)
			t.defaultDuration = stream.AudioSamplesPerFrame
		case f.AudioCodec == stream.Opus:
			t.codec = &mp4.CodecOpus{ChannelCount: f.ChannelCount}
			t.timeScale = opusTimeScale
			t.defaultDuration = opusTimeScale / 50
		default:
			return -1, fmt.Errorf("%w: audio %q", ErrCodecNotMuxable, f.AudioCodec)
		}
	}

	w.tracks = append(w.tracks, t)
	return len(w.tracks) - 1, nil
}

// SetOrientationHint implements Writer.
func (w *MP4Writer) SetOrientationHint(degrees int) error {
	if w.started {
		return ErrWriterAlreadyActive
	}
	if _, ok := displayMatrices[degrees]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidOrientation, degrees)
	}
	w.orientation = degrees
	return nil
}

// Start writes the init segment.
func (w *MP4Writer) Start() error {
	if w.started {
		return ErrWriterAlreadyActive
	}

	init := &fmp4.Init{}
	videoID := 0
	for _, t := range w.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
		if t.kind == codec.KindVideo && videoID == 0 {
			videoID = t.id
		}
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal init segment: %w", err)
	}
	data := buf.Bytes()

	if w.orientation != 0 && videoID != 0 {
		rotated, err := setDisplayMatrix(data, videoID, w.orientation)
		if err != nil {
			return fmt.Errorf("apply orientation: %w", err)
		}
		data = rotated
	}

	if err := w.write(data); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	w.started = true
	return nil
}

// WriteSample implements Writer. Video samples may be Annex-B or already
// length-prefixed.
func (w *MP4Writer) WriteSample(track int, data []byte, info codec.BufferInfo) error {
	if !w.started {
		return ErrNotStarted
	}
	if w.stopped {
		return ErrStopped
	}
	if track < 0 || track >= len(w.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	t := w.tracks[track]

	payload := data
	if t.kind == codec.KindVideo && hasStartCode(data) {
		var err error
		if payload, err = codec.ToLengthPrefixed(data); err != nil {
			return err
		}
	} else {
		payload = append([]byte(nil), data...)
	}

	if !w.hasOrigin {
		w.originUs = info.PresentationTimeUs
		w.hasOrigin = true
	}
	rel := info.PresentationTimeUs - w.originUs
	if rel < 0 {
		rel = 0
	}
	dts := uint64(rel) * uint64(t.timeScale) / 1_000_000

	s := &pendingSample{
		dts:     dts,
		key:     t.kind == codec.KindAudio || info.Flags.Has(codec.FlagKeyFrame),
		payload: payload,
	}

	if t.tail != nil {
		if s.dts <= t.tail.dts {
			s.dts = t.tail.dts + 1
		}
		t.tail.duration = uint32(s.dts - t.tail.dts)
		t.lastDuration = t.tail.duration
		t.pending = append(t.pending, t.tail)
	}
	t.tail = s

	if w.shouldFlush(t, s) {
		return w.flush()
	}
	return nil
}

func (w *MP4Writer) shouldFlush(t *mp4Track, s *pendingSample) bool {
	if t.kind == codec.KindVideo {
		return s.key && len(t.pending) > 0
	}
	if w.hasVideo() {
		return false
	}
	return t.pendingDuration() >= uint64(t.timeScale)*fragmentSeconds
}

func (w *MP4Writer) hasVideo() bool {
	for _, t := range w.tracks {
		if t.kind == codec.KindVideo {
			return true
		}
	}
	return false
}

func (w *MP4Writer) flush() error {
	part := &fmp4.Part{SequenceNumber: w.seq}
	for _, t := range w.tracks {
		if len(t.pending) == 0 {
			continue
		}
		pt := &fmp4.PartTrack{ID: t.id, BaseTime: t.pending[0].dts}
		for _, s := range t.pending {
			pt.Samples = append(pt.Samples, &fmp4.Sample{
				Duration:        s.duration,
				IsNonSyncSample: !s.key,
				Payload:         s.payload,
			})
		}
		part.Tracks = append(part.Tracks, pt)
		t.pending = nil
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	if err := w.write(buf.Bytes()); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	w.seq++
	return nil
}

// Stop flushes every held sample as the final fragment.
func (w *MP4Writer) Stop() error {
	if !w.started {
		return ErrNotStarted
	}
	if w.stopped {
		return nil
	}
	for _, t := range w.tracks {
		if t.tail == nil {
			continue
		}
		d := t.lastDuration
		if d == 0 {
			d = t.defaultDuration
		}
		t.tail.duration = d
		t.pending = append(t.pending, t.tail)
		t.tail = nil
	}
	err := w.flush()
	w.stopped = true

	logger.WithComponent("mux").Debug().
		Int64("bytes", w.written).
		Uint32("fragments", w.seq-1).
		Msg("MP4 trailer written")
	return err
}

// Release closes the sink.
func (w *MP4Writer) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	w.tracks = nil
	return w.out.Close()
}

func (w *MP4Writer) write(b []byte) error {
	n, err := w.out.Write(b)
	w.written += int64(n)
	return err
}

func hasStartCode(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0, 0, 0, 1}) || bytes.HasPrefix(b, []byte{0, 0, 1})
}
