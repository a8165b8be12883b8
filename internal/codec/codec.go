// Package codec defines the contracts between the recording pipeline and
// the encoders that feed it. Encoders follow a dequeue/queue buffer
// protocol: the pipeline pulls compressed output with a short timeout and
// learns the stream format from a format-changed result before the first
// data buffer.
package codec

import (
	"errors"
	"image"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

var (
	// ErrEncoderUnavailable is returned when an encoder or audio source cannot
	// be created. It is fatal for the recording attempt.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrReleased is returned by operations on a released encoder.
	ErrReleased = errors.New("encoder released")

	// ErrNoInputBuffer is returned by DequeueInput when no buffer freed up
	// before the timeout.
	ErrNoInputBuffer = errors.New("no input buffer available")
)

// Status is the kind of result DequeueOutput produced.
type Status int

const (
	StatusOK Status = iota
	StatusTryAgainLater
	StatusFormatChanged
	StatusBuffersChanged
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTryAgainLater:
		return "try-again-later"
	case StatusFormatChanged:
		return "format-changed"
	case StatusBuffersChanged:
		return "buffers-changed"
	}
	return "unknown"
}

// BufferFlags annotate an encoded buffer.
type BufferFlags uint32

const (
	FlagKeyFrame BufferFlags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Has reports whether all bits of f are set.
func (b BufferFlags) Has(f BufferFlags) bool {
	return b&f == f
}

// BufferInfo describes the valid region of an output buffer.
type BufferInfo struct {
	Size int
	// PresentationTimeUs is the presentation timestamp in microseconds.
	PresentationTimeUs int64
	Flags              BufferFlags
}

// Output is one DequeueOutput result. Data is only valid for StatusOK and
// until the buffer is handed back with ReleaseOutput.
type Output struct {
	Status Status
	Data   []byte
	Info   BufferInfo
	Format *Format
}

// Kind is the elementary stream type.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Format is the output format an encoder announces once its codec
// configuration is known.
type Format struct {
	Kind Kind
	MIME string

	Width  int
	Height int

	SampleRate   int
	ChannelCount int

	VideoCodec stream.VideoCodec
	AudioCodec stream.AudioCodec

	// H.264/H.265 parameter sets, without start codes.
	VPS []byte
	SPS []byte
	PPS []byte

	// AudioConfig is the encoded MPEG-4 AudioSpecificConfig for AAC.
	AudioConfig []byte
}

// Encoder is the output side shared by video and audio encoders.
type Encoder interface {
	Start() error
	// DequeueOutput waits up to timeout for the next output. A timeout is
	// reported as StatusTryAgainLater, not as an error.
	DequeueOutput(timeout time.Duration) (Output, error)
	ReleaseOutput(out Output)
	Stop() error
	Release() error
}

// Surface receives rendered frames. The presentation time travels with the
// frame so the source timing survives compositing. The frame passed to
// SwapBuffers is only valid for the duration of the call.
type Surface interface {
	SetPresentationTime(pts time.Duration)
	SwapBuffers(frame *image.RGBA) error
}

// SurfaceEncoder is a video encoder fed through a surface.
type SurfaceEncoder interface {
	Encoder
	InputSurface() Surface
	SignalEndOfInputStream() error
}

// InputBuffer is a writable PCM buffer lent by a BufferEncoder.
type InputBuffer struct {
	Index int
	Data  []byte
}

// BufferEncoder is an encoder fed with raw input buffers.
type BufferEncoder interface {
	Encoder
	DequeueInput(timeout time.Duration) (InputBuffer, error)
	QueueInput(buf InputBuffer, size int, ptsUs int64, flags BufferFlags) error
}

// AudioSource produces PCM samples.
type AudioSource interface {
	Start() error
	Read(p []byte) (int, error)
	// Timestamp returns the capture time, in microseconds, of the samples
	// returned by the last Read.
	Timestamp() (int64, error)
	Stop() error
	Release() error
}

// Factory creates fresh encoder instances for one recording attempt.
type Factory interface {
	NewVideoEncoder(d stream.Descriptor) (SurfaceEncoder, error)
	NewAudioEncoder(d stream.Descriptor) (BufferEncoder, error)
	NewAudioSource(d stream.Descriptor) (AudioSource, error)
}
