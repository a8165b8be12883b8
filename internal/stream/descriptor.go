// Package stream describes one encoded output stream: resolution, frame
// rate, codec identity and the rate-control/quantization parameters handed
// to the encoders.
package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedCodec is returned for codec names outside the supported sets.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrInvalidDescriptor is returned when a descriptor fails validation.
	ErrInvalidDescriptor = errors.New("invalid stream descriptor")
)

// Defaults carried over from the camera recorder this was modelled on.
const (
	DefaultVideoBitrate    = 10_000_000
	DefaultAudioBitrate    = 128_000
	DefaultAudioSampleRate = 44100
	DefaultAudioChannels   = 1
	AudioBytesPerSample    = 2
	AudioSamplesPerFrame   = 1024
)

// Descriptor is a value object: pipelines take it by value and never mutate
// the caller's copy.
type Descriptor struct {
	Width    int
	Height   int
	FPS      int
	Bitrate  int
	Video    VideoCodec
	Audio    AudioCodec
	RateMode RateControlMode
	IQP      QPRange
	PQP      QPRange
	BQP      QPRange

	// IFrameInterval is the key frame interval in seconds. Zero makes every
	// frame a key frame.
	IFrameInterval int

	AudioBitrate    int
	AudioSampleRate int
	AudioChannels   int

	StorageEnabled bool
	OverlayEnabled bool
}

// Default returns a 1080p30 H.264/AAC descriptor with storage enabled.
func Default() Descriptor {
	return Descriptor{
		Width:           1920,
		Height:          1080,
		FPS:             30,
		Bitrate:         DefaultVideoBitrate,
		Video:           H264,
		Audio:           AudioDefault,
		RateMode:        RateVBRCFR,
		IFrameInterval:  1,
		AudioBitrate:    DefaultAudioBitrate,
		AudioSampleRate: DefaultAudioSampleRate,
		AudioChannels:   DefaultAudioChannels,
		StorageEnabled:  true,
	}
}

// PFrames is the number of P frames between two I frames, fps*interval-1.
// A zero interval (all-intra) yields 0.
func (d Descriptor) PFrames() int {
	n := d.FPS*d.IFrameInterval - 1
	if n < 0 {
		return 0
	}
	return n
}

// BFrames is always zero: B frames would make DTS differ from PTS, which
// the container writer does not model.
func (d Descriptor) BFrames() int {
	return 0
}

// KeyFrameDistance is the GOP length in frames.
func (d Descriptor) KeyFrameDistance() int {
	return d.PFrames() + 1
}

// AudioFrameBytes is the PCM input size of one encoder frame.
func (d Descriptor) AudioFrameBytes() int {
	ch := d.AudioChannels
	if ch <= 0 {
		ch = DefaultAudioChannels
	}
	return AudioSamplesPerFrame * AudioBytesPerSample * ch
}

// Validate checks the descriptor before any hardware is acquired.
func (d Descriptor) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidDescriptor, d.Width, d.Height)
	}
	if d.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", ErrInvalidDescriptor, d.FPS)
	}
	if d.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate %d", ErrInvalidDescriptor, d.Bitrate)
	}
	if d.IFrameInterval < 0 {
		return fmt.Errorf("%w: i-frame interval %d", ErrInvalidDescriptor, d.IFrameInterval)
	}
	if !d.Video.Valid() {
		return fmt.Errorf("%w: video %q", ErrUnsupportedCodec, d.Video)
	}
	if !d.Audio.Valid() {
		return fmt.Errorf("%w: audio %q", ErrUnsupportedCodec, d.Audio)
	}
	if !d.RateMode.Valid() {
		return fmt.Errorf("%w: rate control mode %d", ErrInvalidDescriptor, d.RateMode)
	}
	for name, r := range map[string]QPRange{"I": d.IQP, "P": d.PQP, "B": d.BQP} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %s-frame qp: %v", ErrInvalidDescriptor, name, err)
		}
	}
	if d.AudioSampleRate <= 0 || d.AudioChannels <= 0 || d.AudioBitrate <= 0 {
		return fmt.Errorf("%w: audio %d Hz, %d ch, %d bps", ErrInvalidDescriptor,
			d.AudioSampleRate, d.AudioChannels, d.AudioBitrate)
	}
	return nil
}

// ParseResolution parses "WxH" strings such as "1920x1080".
func ParseResolution(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	width, err = strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	height, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	return width, height, nil
}
