// Package encoder implements the codec encoder contracts on GStreamer.
// Each encoder is a small pipeline, appsrc ! convert ! encoder ! parse !
// appsink, driven with the dequeue/queue protocol the recorder expects.
package encoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// converter turns one encoded appsink buffer into pipeline outputs.
type converter func(data []byte, pts time.Duration) ([]codec.Output, error)

// pipelineCodec is the part shared by the video and audio encoders.
//
// mu guards the pipeline handles: pulls and pushes hold the read lock,
// Stop and Release take the write lock so a forced release from another
// goroutine never frees the pipeline under a pull.
type pipelineCodec struct {
	log         *zerolog.Logger
	description string
	convert     converter

	mu       sync.RWMutex
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	started  bool
	released bool

	// drain state, only touched by the DequeueOutput caller
	pending []codec.Output
	eosSent bool
}

func (p *pipelineCodec) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return codec.ErrReleased
	}
	if p.started {
		return fmt.Errorf("encoder already started")
	}
	capture.InitGStreamer()

	p.log.Debug().Str("pipeline", p.description).Msg("Creating encoder pipeline")
	pipeline, err := gst.NewPipelineFromString(p.description)
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrEncoderUnavailable, err)
	}
	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsrc: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to start encoder pipeline: %w", err)
	}

	p.pipeline = pipeline
	p.src = app.SrcFromElement(srcElement)
	p.sink = app.SinkFromElement(sinkElement)
	p.started = true
	p.log.Info().Msg("Encoder started")
	return nil
}

// push hands one raw buffer to appsrc.
func (p *pipelineCodec) push(data []byte, pts time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.released {
		return codec.ErrReleased
	}
	if p.src == nil {
		return fmt.Errorf("encoder not started")
	}
	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(pts)
	if ret := p.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: %v", ret)
	}
	return nil
}

// endInput signals end of stream on appsrc. The EOS travels through the
// encoder and reaches appsink after every frame before it.
func (p *pipelineCodec) endInput() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.released {
		return codec.ErrReleased
	}
	if p.src == nil {
		return fmt.Errorf("encoder not started")
	}
	if ret := p.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("end stream: %v", ret)
	}
	return nil
}

// DequeueOutput implements codec.Encoder.
func (p *pipelineCodec) DequeueOutput(timeout time.Duration) (codec.Output, error) {
	if len(p.pending) > 0 {
		out := p.pending[0]
		p.pending = p.pending[1:]
		return out, nil
	}
	if p.eosSent {
		return codec.Output{Status: codec.StatusTryAgainLater}, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.released {
		return codec.Output{}, codec.ErrReleased
	}
	if p.sink == nil {
		return codec.Output{}, fmt.Errorf("encoder not started")
	}

	sample := p.sink.TryPullSample(timeout)
	if sample == nil {
		if p.sink.IsEOS() {
			p.eosSent = true
			return codec.Output{
				Status: codec.StatusOK,
				Info:   codec.BufferInfo{Flags: codec.FlagEndOfStream},
			}, nil
		}
		return codec.Output{Status: codec.StatusTryAgainLater}, nil
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return codec.Output{Status: codec.StatusTryAgainLater}, nil
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return codec.Output{Status: codec.StatusTryAgainLater}, nil
	}
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()

	outs, err := p.convert(data, buffer.PresentationTimestamp())
	if err != nil {
		return codec.Output{}, err
	}
	if len(outs) == 0 {
		return codec.Output{Status: codec.StatusTryAgainLater}, nil
	}
	p.pending = append(p.pending, outs[1:]...)
	return outs[0], nil
}

// ReleaseOutput implements codec.Encoder. Output data is a private copy,
// so there is nothing to hand back.
func (p *pipelineCodec) ReleaseOutput(codec.Output) {}

// Stop implements codec.Encoder.
func (p *pipelineCodec) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.pipeline == nil {
		return nil
	}
	p.started = false
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop encoder pipeline: %w", err)
	}
	p.log.Info().Msg("Encoder stopped")
	return nil
}

// Release implements codec.Encoder.
func (p *pipelineCodec) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	if p.pipeline != nil {
		if p.started {
			_ = p.pipeline.SetState(gst.StateNull)
			p.started = false
		}
		p.pipeline.Unref()
		p.pipeline = nil
		p.src = nil
		p.sink = nil
	}
	return nil
}

func codecLogger(name string) *zerolog.Logger {
	l := logger.WithComponent("encoder").With().Str("codec", name).Logger()
	return &l
}

func usFromDuration(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Microseconds()
}
