package encoder

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

// ErrInputEnded is returned for frames presented after end of input.
var ErrInputEnded = errors.New("encoder input ended")

// VideoEncoder is an H.264/H.265 encoder fed through an input surface.
type VideoEncoder struct {
	pipelineCodec

	element string
	surface *inputSurface
	ended   atomic.Bool
}

var _ codec.SurfaceEncoder = (*VideoEncoder)(nil)

// NewVideoEncoder picks an installed encoder element for d.Video.
func NewVideoEncoder(d stream.Descriptor) (*VideoEncoder, error) {
	e, err := pickVideo(d.Video)
	if err != nil {
		return nil, err
	}
	log := codecLogger(string(d.Video))
	conv := &videoConverter{d: d, log: log}
	enc := &VideoEncoder{
		pipelineCodec: pipelineCodec{
			log:         log,
			description: videoPipeline(e, d),
			convert:     conv.convert,
		},
		element: e.name,
	}
	enc.surface = &inputSurface{enc: enc, width: d.Width, height: d.Height}
	return enc, nil
}

// Element returns the GStreamer element doing the encoding.
func (v *VideoEncoder) Element() string {
	return v.element
}

// Start implements codec.Encoder.
func (v *VideoEncoder) Start() error {
	return v.start()
}

// InputSurface implements codec.SurfaceEncoder.
func (v *VideoEncoder) InputSurface() codec.Surface {
	return v.surface
}

// SignalEndOfInputStream implements codec.SurfaceEncoder.
func (v *VideoEncoder) SignalEndOfInputStream() error {
	if v.ended.Swap(true) {
		return nil
	}
	return v.endInput()
}

// videoConverter announces the format once the first access unit with
// complete parameter sets appears, then passes access units through.
type videoConverter struct {
	d          stream.Descriptor
	log        *zerolog.Logger
	formatSent bool
	dropped    int
}

func (c *videoConverter) convert(au []byte, pts time.Duration) ([]codec.Output, error) {
	ps, err := codec.ScanAccessUnit(c.d.Video, au)
	if err != nil {
		return nil, fmt.Errorf("scan access unit: %w", err)
	}

	data := codec.Output{
		Status: codec.StatusOK,
		Data:   au,
		Info: codec.BufferInfo{
			Size:               len(au),
			PresentationTimeUs: usFromDuration(pts),
		},
	}
	if ps.Key {
		data.Info.Flags |= codec.FlagKeyFrame
	}

	if c.formatSent {
		return []codec.Output{data}, nil
	}
	if !ps.Complete(c.d.Video) {
		// Nothing decodable precedes the first parameter sets.
		c.dropped++
		c.log.Debug().Int("dropped", c.dropped).Msg("Dropping access unit before parameter sets")
		return nil, nil
	}
	c.formatSent = true
	c.log.Info().
		Int("width", c.d.Width).
		Int("height", c.d.Height).
		Msg("Video format known")
	return []codec.Output{
		{Status: codec.StatusFormatChanged, Format: codec.VideoFormat(c.d, ps)},
		data,
	}, nil
}

// inputSurface turns presented frames into appsrc buffers.
type inputSurface struct {
	enc    *VideoEncoder
	width  int
	height int

	mu  sync.Mutex
	pts time.Duration
}

func (s *inputSurface) SetPresentationTime(pts time.Duration) {
	s.mu.Lock()
	s.pts = pts
	s.mu.Unlock()
}

func (s *inputSurface) SwapBuffers(frame *image.RGBA) error {
	if s.enc.ended.Load() {
		return ErrInputEnded
	}
	data, err := packRGBA(frame, s.width, s.height)
	if err != nil {
		return err
	}
	s.mu.Lock()
	pts := s.pts
	s.mu.Unlock()
	return s.enc.push(data, pts)
}

// packRGBA copies frame into a tightly packed buffer of the encoder size.
func packRGBA(frame *image.RGBA, width, height int) ([]byte, error) {
	b := frame.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("frame %dx%d does not match encoder %dx%d", b.Dx(), b.Dy(), width, height)
	}
	row := width * 4
	data := make([]byte, row*height)
	for y := 0; y < height; y++ {
		off := frame.PixOffset(b.Min.X, b.Min.Y+y)
		copy(data[y*row:(y+1)*row], frame.Pix[off:off+row])
	}
	return data, nil
}
