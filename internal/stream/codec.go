package stream

import (
	"fmt"
	"strings"
)

// VideoCodec names a video encoder as written in configuration.
type VideoCodec string

const (
	H264 VideoCodec = "H264"
	H265 VideoCodec = "H265"
)

// VideoCodecs lists the supported video codecs in display order.
var VideoCodecs = []VideoCodec{H264, H265}

// Valid reports whether c is one of VideoCodecs.
func (c VideoCodec) Valid() bool {
	return c == H264 || c == H265
}

// MIME returns the elementary stream mime type.
func (c VideoCodec) MIME() string {
	switch c {
	case H264:
		return "video/avc"
	case H265:
		return "video/hevc"
	}
	return ""
}

// AudioCodec names an audio encoder as written in configuration.
type AudioCodec string

const (
	AAC          AudioCodec = "AAC"
	AACELD       AudioCodec = "AAC_ELD"
	AMRNB        AudioCodec = "AMR_NB"
	AMRWB        AudioCodec = "AMR_WB"
	AudioDefault AudioCodec = "DEFAULT"
	HEAAC        AudioCodec = "HE_AAC"
	Opus         AudioCodec = "OPUS"
)

// AudioCodecs lists the supported audio codecs in display order.
var AudioCodecs = []AudioCodec{AAC, AACELD, AMRNB, AMRWB, AudioDefault, HEAAC, Opus}

// Valid reports whether c is one of AudioCodecs.
func (c AudioCodec) Valid() bool {
	for _, a := range AudioCodecs {
		if a == c {
			return true
		}
	}
	return false
}

// Resolve maps DEFAULT to the concrete codec used for it.
func (c AudioCodec) Resolve() AudioCodec {
	if c == AudioDefault {
		return AAC
	}
	return c
}

// IsAAC reports whether the codec is in the MPEG-4 AAC family.
func (c AudioCodec) IsAAC() bool {
	switch c.Resolve() {
	case AAC, AACELD, HEAAC:
		return true
	}
	return false
}

// MIME returns the elementary stream mime type.
func (c AudioCodec) MIME() string {
	switch c.Resolve() {
	case AAC, AACELD, HEAAC:
		return "audio/mp4a-latm"
	case AMRNB:
		return "audio/3gpp"
	case AMRWB:
		return "audio/amr-wb"
	case Opus:
		return "audio/opus"
	}
	return ""
}

// ParseVideoCodec accepts case-insensitive names.
func ParseVideoCodec(s string) (VideoCodec, error) {
	c := VideoCodec(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: video format %q", ErrUnsupportedCodec, s)
	}
	return c, nil
}

// ParseAudioCodec accepts case-insensitive names. An empty string selects
// DEFAULT.
func ParseAudioCodec(s string) (AudioCodec, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return AudioDefault, nil
	}
	c := AudioCodec(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: audio format %q", ErrUnsupportedCodec, s)
	}
	return c, nil
}
