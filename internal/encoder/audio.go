package encoder

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

// inputBuffers is the number of PCM buffers lent out at once.
const inputBuffers = 4

// AudioEncoder encodes PCM queued through lent input buffers.
type AudioEncoder struct {
	pipelineCodec

	element string
	pool    chan codec.InputBuffer
	ended   atomic.Bool
}

var _ codec.BufferEncoder = (*AudioEncoder)(nil)

// NewAudioEncoder picks an installed encoder element for d.Audio.
func NewAudioEncoder(d stream.Descriptor) (*AudioEncoder, error) {
	e, err := pickAudio(d.Audio)
	if err != nil {
		return nil, err
	}
	log := codecLogger(string(d.Audio.Resolve()))
	if d.Audio.Resolve() != stream.AAC && d.Audio.IsAAC() && e.name != "fdkaacenc" {
		log.Warn().Str("element", e.name).Msg("Encoder only produces AAC-LC")
	}

	conv := &audioConverter{d: d, log: log}
	enc := &AudioEncoder{
		pipelineCodec: pipelineCodec{
			log:         log,
			description: audioPipeline(e, d),
			convert:     conv.convert,
		},
		element: e.name,
		pool:    make(chan codec.InputBuffer, inputBuffers),
	}
	for i := 0; i < inputBuffers; i++ {
		enc.pool <- codec.InputBuffer{Index: i, Data: make([]byte, d.AudioFrameBytes())}
	}
	return enc, nil
}

// Element returns the GStreamer element doing the encoding.
func (a *AudioEncoder) Element() string {
	return a.element
}

// Start implements codec.Encoder.
func (a *AudioEncoder) Start() error {
	return a.start()
}

// DequeueInput implements codec.BufferEncoder.
func (a *AudioEncoder) DequeueInput(timeout time.Duration) (codec.InputBuffer, error) {
	a.mu.RLock()
	released := a.released
	a.mu.RUnlock()
	if released {
		return codec.InputBuffer{Index: -1}, codec.ErrReleased
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case buf := <-a.pool:
		return buf, nil
	case <-timer.C:
		return codec.InputBuffer{Index: -1}, codec.ErrNoInputBuffer
	}
}

// QueueInput implements codec.BufferEncoder. The buffer returns to the pool
// whatever the outcome.
func (a *AudioEncoder) QueueInput(buf codec.InputBuffer, size int, ptsUs int64, flags codec.BufferFlags) error {
	defer a.giveBack(buf)

	if a.ended.Load() {
		return ErrInputEnded
	}
	if size > len(buf.Data) {
		return fmt.Errorf("queued %d bytes into a %d byte buffer", size, len(buf.Data))
	}
	if size > 0 {
		data := append([]byte(nil), buf.Data[:size]...)
		if err := a.push(data, time.Duration(ptsUs)*time.Microsecond); err != nil {
			return err
		}
	}
	if flags.Has(codec.FlagEndOfStream) {
		a.ended.Store(true)
		return a.endInput()
	}
	return nil
}

func (a *AudioEncoder) giveBack(buf codec.InputBuffer) {
	if buf.Data == nil {
		return
	}
	select {
	case a.pool <- buf:
	default:
	}
}

// audioConverter announces the audio format with the first frame and
// unwraps ADTS into raw AAC access units.
type audioConverter struct {
	d          stream.Descriptor
	log        *zerolog.Logger
	formatSent bool
}

func (c *audioConverter) convert(data []byte, pts time.Duration) ([]codec.Output, error) {
	var outs []codec.Output

	if !c.d.Audio.IsAAC() {
		if !c.formatSent {
			f, err := codec.AudioFormat(c.d, nil)
			if err != nil {
				return nil, err
			}
			outs = append(outs, codec.Output{Status: codec.StatusFormatChanged, Format: f})
			c.formatSent = true
		}
		return append(outs, audioOutput(data, pts)), nil
	}

	frames, err := codec.ParseADTS(data)
	if err != nil {
		return nil, err
	}
	for i, fr := range frames {
		if !c.formatSent {
			cfg := fr.Config
			f, err := codec.AudioFormat(c.d, &cfg)
			if err != nil {
				return nil, err
			}
			outs = append(outs, codec.Output{Status: codec.StatusFormatChanged, Format: f})
			c.formatSent = true
			c.log.Info().
				Int("sample_rate", cfg.SampleRate).
				Int("channels", cfg.ChannelCount).
				Msg("Audio format known")
		}
		framePTS := pts
		if sr := fr.Config.SampleRate; sr > 0 {
			framePTS += time.Duration(i*stream.AudioSamplesPerFrame) * time.Second / time.Duration(sr)
		}
		outs = append(outs, audioOutput(fr.AU, framePTS))
	}
	return outs, nil
}

func audioOutput(au []byte, pts time.Duration) codec.Output {
	return codec.Output{
		Status: codec.StatusOK,
		Data:   au,
		Info: codec.BufferInfo{
			Size:               len(au),
			PresentationTimeUs: usFromDuration(pts),
			Flags:              codec.FlagKeyFrame,
		},
	}
}
