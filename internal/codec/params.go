package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

// SplitAnnexB splits an Annex-B access unit into NAL units.
func SplitAnnexB(au []byte) ([][]byte, error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(au); err != nil {
		return nil, fmt.Errorf("unmarshal annex-b: %w", err)
	}
	return nalus, nil
}

// ToLengthPrefixed converts an Annex-B access unit to the 4-byte length
// prefixed layout stored in MP4 samples.
func ToLengthPrefixed(au []byte) ([]byte, error) {
	nalus, err := SplitAnnexB(au)
	if err != nil {
		return nil, err
	}
	out, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal avcc: %w", err)
	}
	return out, nil
}

// ParameterSets holds the parameter sets found in an access unit.
type ParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
	Key bool
}

// Complete reports whether every set the codec needs was found.
func (p ParameterSets) Complete(c stream.VideoCodec) bool {
	if p.SPS == nil || p.PPS == nil {
		return false
	}
	return c != stream.H265 || p.VPS != nil
}

// ScanAccessUnit extracts parameter sets and the random access flag from
// an Annex-B access unit.
func ScanAccessUnit(c stream.VideoCodec, au []byte) (ParameterSets, error) {
	nalus, err := SplitAnnexB(au)
	if err != nil {
		return ParameterSets{}, err
	}
	var ps ParameterSets
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if c == stream.H265 {
			switch h265.NALUType((n[0] >> 1) & 0b111111) {
			case h265.NALUType_VPS_NUT:
				ps.VPS = n
			case h265.NALUType_SPS_NUT:
				ps.SPS = n
			case h265.NALUType_PPS_NUT:
				ps.PPS = n
			case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
				ps.Key = true
			}
			continue
		}
		switch h264.NALUType(n[0] & 0x1f) {
		case h264.NALUTypeSPS:
			ps.SPS = n
		case h264.NALUTypePPS:
			ps.PPS = n
		case h264.NALUTypeIDR:
			ps.Key = true
		}
	}
	return ps, nil
}

// VideoFormat builds the announced format from a descriptor and parameter
// sets.
func VideoFormat(d stream.Descriptor, ps ParameterSets) *Format {
	return &Format{
		Kind:       KindVideo,
		MIME:       d.Video.MIME(),
		Width:      d.Width,
		Height:     d.Height,
		VideoCodec: d.Video,
		VPS:        ps.VPS,
		SPS:        ps.SPS,
		PPS:        ps.PPS,
	}
}

// ADTSFrame is one parsed ADTS frame.
type ADTSFrame struct {
	Config mpeg4audio.AudioSpecificConfig
	AU     []byte
}

// ParseADTS splits an ADTS byte stream into raw AAC frames and their
// configuration.
func ParseADTS(buf []byte) ([]ADTSFrame, error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("unmarshal adts: %w", err)
	}
	frames := make([]ADTSFrame, 0, len(pkts))
	for _, p := range pkts {
		frames = append(frames, ADTSFrame{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         p.Type,
				SampleRate:   p.SampleRate,
				ChannelCount: p.ChannelCount,
			},
			AU: p.AU,
		})
	}
	return frames, nil
}

// AudioFormat builds the announced format for an audio stream. For AAC,
// cfg must be non-nil and is encoded into AudioConfig.
func AudioFormat(d stream.Descriptor, cfg *mpeg4audio.AudioSpecificConfig) (*Format, error) {
	f := &Format{
		Kind:         KindAudio,
		MIME:         d.Audio.MIME(),
		AudioCodec:   d.Audio.Resolve(),
		SampleRate:   d.AudioSampleRate,
		ChannelCount: d.AudioChannels,
	}
	if cfg != nil {
		enc, err := cfg.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal audio specific config: %w", err)
		}
		f.AudioConfig = enc
		f.SampleRate = cfg.SampleRate
		f.ChannelCount = cfg.ChannelCount
	}
	return f, nil
}
