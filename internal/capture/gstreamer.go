package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

const frameSink = "appsink name=sink emit-signals=false max-buffers=2 drop=true sync=false"

// GStreamerSource is a camera read through a GStreamer pipeline that ends in
// an RGBA appsink. The source element is named "camera" so vendor controls
// can be probed and set on it.
type GStreamerSource struct {
	backend     string
	description string
	cleanup     func() error

	pipeline *gst.Pipeline
	appsink  *app.Sink
	camera   *gst.Element

	mu          sync.RWMutex
	latestFrame *image.RGBA
	frameWidth  int
	frameHeight int
	frames      uint64
	running     bool
	handler     FrameHandler
	startOffset time.Duration
	stopChan    chan struct{}
	done        chan struct{}
}

// NewGStreamerSource prepares a camera pipeline for the qmmf, v4l2 or test
// backend. Nothing runs until Start.
func NewGStreamerSource(cfg Config) (*GStreamerSource, error) {
	desc, err := pipelineDescription(cfg)
	if err != nil {
		return nil, err
	}
	return &GStreamerSource{backend: cfg.Backend, description: desc}, nil
}

func rgbaCaps(cfg Config) string {
	return fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1", cfg.Width, cfg.Height, cfg.FPS)
}

// pipelineDescription builds the gst-launch description for a backend.
func pipelineDescription(cfg Config) (string, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return "", fmt.Errorf("invalid camera format %dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)
	}
	switch cfg.Backend {
	case "qmmf":
		return fmt.Sprintf(
			"qtiqmmfsrc name=camera camera=%d ! "+
				"video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1 ! "+
				"videoconvert ! video/x-raw,format=RGBA ! %s",
			cfg.CameraID, cfg.Width, cfg.Height, cfg.FPS, frameSink,
		), nil
	case "v4l2":
		device := cfg.Device
		if device == "" {
			device = "/dev/video0"
		}
		return fmt.Sprintf(
			"v4l2src name=camera device=%s do-timestamp=true ! "+
				"videoconvert ! videoscale ! videorate ! %s ! %s",
			device, rgbaCaps(cfg), frameSink,
		), nil
	case "test":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = "smpte"
		}
		return fmt.Sprintf(
			"videotestsrc name=camera is-live=true pattern=%s ! %s ! %s",
			pattern, rgbaCaps(cfg), frameSink,
		), nil
	}
	return "", fmt.Errorf("unknown gstreamer camera backend %q", cfg.Backend)
}

// Start builds and plays the pipeline and begins delivering frames to h.
func (s *GStreamerSource) Start(h FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("pipeline already running")
	}

	log := logger.WithComponent("camera")
	InitGStreamer()

	log.Debug().Str("pipeline", s.description).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(s.description)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}
	camera, err := pipeline.GetElementByName("camera")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get camera element: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.appsink = app.SinkFromElement(sinkElement)
	s.camera = camera
	s.handler = h
	s.startOffset = Now()
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	// Poll instead of using new-sample signals to keep cgo callbacks out of
	// the hot path.
	go s.pollSamples(s.appsink, s.stopChan, s.done)

	log.Info().Str("backend", s.backend).Msg("Camera pipeline started")
	return nil
}

// Stop stops the pipeline and waits for the polling goroutine.
func (s *GStreamerSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline != nil {
		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			logger.WithComponent("camera").Warn().Err(err).Msg("Failed to stop pipeline")
		}
		s.pipeline.Unref()
		s.pipeline = nil
		s.appsink = nil
		s.camera = nil
	}

	var err error
	if s.cleanup != nil {
		err = s.cleanup()
		s.cleanup = nil
	}
	logger.WithComponent("camera").Info().Uint64("frames", s.frames).Msg("Camera pipeline stopped")
	return err
}

func (s *GStreamerSource) pollSamples(sink *app.Sink, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		sample := sink.TryPullSample(50 * time.Millisecond)
		if sample == nil {
			continue
		}
		// go-gst owns the sample reference; do not Unref it here.
		s.processSample(sample)
	}
}

// processSample converts one appsink sample into a frame and hands it on.
func (s *GStreamerSource) processSample(sample *gst.Sample) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return
	}
	caps := sample.GetCaps()
	if caps == nil {
		return
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return
	}
	h, ok := height.(int)
	if !ok {
		return
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	data := mapInfo.Bytes()
	if len(data) >= len(img.Pix) {
		copy(img.Pix, data[:len(img.Pix)])
	}
	buffer.Unmap()

	s.mu.Lock()
	pts := buffer.PresentationTimestamp()
	if pts < 0 {
		pts = Now()
	} else {
		pts += s.startOffset
	}
	s.latestFrame = img
	s.frameWidth = w
	s.frameHeight = h
	s.frames++
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(img, pts)
	}
}

// LatestFrame implements Source.
func (s *GStreamerSource) LatestFrame() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyFrame(s.latestFrame)
}

// FrameSize returns the dimensions of the last frame.
func (s *GStreamerSource) FrameSize() (width, height int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameWidth, s.frameHeight
}

// IsRunning returns whether the pipeline is running
func (s *GStreamerSource) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Name implements Source.
func (s *GStreamerSource) Name() string {
	return "gstreamer/" + s.backend
}

// HasProperty reports whether the camera element exposes a property.
func (s *GStreamerSource) HasProperty(name string) bool {
	s.mu.RLock()
	camera := s.camera
	s.mu.RUnlock()
	if camera == nil {
		return false
	}
	_, err := camera.GetProperty(name)
	return err == nil
}

// SetProperty sets a property on the camera element.
func (s *GStreamerSource) SetProperty(name string, value interface{}) error {
	s.mu.RLock()
	camera := s.camera
	s.mu.RUnlock()
	if camera == nil {
		return ErrNotRunning
	}
	return camera.SetProperty(name, value)
}
