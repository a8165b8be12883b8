package encoder

import (
	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

// Factory creates GStreamer encoders and a microphone source for each
// recording attempt.
type Factory struct {
	// AudioDevice is a PulseAudio source name; empty selects the default.
	AudioDevice string
}

var _ codec.Factory = (*Factory)(nil)

// NewVideoEncoder implements codec.Factory.
func (f *Factory) NewVideoEncoder(d stream.Descriptor) (codec.SurfaceEncoder, error) {
	capture.InitGStreamer()
	return NewVideoEncoder(d)
}

// NewAudioEncoder implements codec.Factory.
func (f *Factory) NewAudioEncoder(d stream.Descriptor) (codec.BufferEncoder, error) {
	capture.InitGStreamer()
	return NewAudioEncoder(d)
}

// NewAudioSource implements codec.Factory.
func (f *Factory) NewAudioSource(d stream.Descriptor) (codec.AudioSource, error) {
	return capture.NewAudioSource(d, f.AudioDevice), nil
}

// Availability reports which element, if any, would encode a codec.
type Availability struct {
	Kind      codec.Kind `json:"kind"`
	Codec     string     `json:"codec"`
	MIME      string     `json:"mime"`
	Element   string     `json:"element,omitempty"`
	Available bool       `json:"available"`
}

// Available lists every supported codec with the element that would be
// used for it on this machine.
func Available() []Availability {
	capture.InitGStreamer()

	var out []Availability
	for _, c := range stream.VideoCodecs {
		a := Availability{Kind: codec.KindVideo, Codec: string(c), MIME: c.MIME()}
		if e, err := pickVideo(c); err == nil {
			a.Element, a.Available = e.name, true
		}
		out = append(out, a)
	}
	for _, c := range stream.AudioCodecs {
		a := Availability{Kind: codec.KindAudio, Codec: string(c), MIME: c.MIME()}
		if e, err := pickAudio(c); err == nil {
			a.Element, a.Available = e.name, true
		}
		out = append(out, a)
	}
	return out
}
