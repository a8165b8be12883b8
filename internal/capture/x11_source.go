package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	xdraw "golang.org/x/image/draw"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// X11Source grabs a region of the X11 root window at a fixed rate and
// treats it as a camera. It is handy on desktops without a camera.
type X11Source struct {
	cfg    Config
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo

	mu          sync.Mutex
	latestFrame *image.RGBA
	running     bool
	stopChan    chan struct{}
	done        chan struct{}
}

// NewX11Source connects to the X server named by cfg.Device, or $DISPLAY.
func NewX11Source(cfg Config) (*X11Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid camera format %dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)
	}
	conn, err := xgb.NewConnDisplay(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)
	if d := screen.RootDepth; d != 24 && d != 32 {
		conn.Close()
		return nil, fmt.Errorf("unsupported root depth %d", d)
	}

	return &X11Source{
		cfg:    cfg,
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}, nil
}

// Start implements Source.
func (s *X11Source) Start(h FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("x11 source already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(h, s.stopChan, s.done)

	logger.WithComponent("camera").Info().
		Str("backend", "x11").
		Uint16("screen_width", s.screen.WidthInPixels).
		Uint16("screen_height", s.screen.HeightInPixels).
		Msg("X11 source started")
	return nil
}

func (s *X11Source) loop(h FrameHandler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	log := logger.WithComponent("camera")
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		pts := Now()
		frame, err := s.grab()
		if err != nil {
			log.Warn().Err(err).Msg("Screen grab failed")
			continue
		}
		s.mu.Lock()
		s.latestFrame = frame
		s.mu.Unlock()
		if h != nil {
			h(frame, pts)
		}
	}
}

// grab captures the root window and scales it to the configured size.
func (s *X11Source) grab() (*image.RGBA, error) {
	width, height := int(s.screen.WidthInPixels), int(s.screen.HeightInPixels)
	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.root),
		0, 0,
		uint16(width), uint16(height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	full := convertBGRX(reply.Data, width, height)
	if width == s.cfg.Width && height == s.cfg.Height {
		return full, nil
	}
	frame := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	xdraw.ApproxBiLinear.Scale(frame, frame.Bounds(), full, full.Bounds(), xdraw.Src, nil)
	return frame, nil
}

// convertBGRX converts 24/32-bit ZPixmap data to opaque RGBA.
func convertBGRX(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := min(len(data), len(img.Pix))
	for i := 0; i+3 < n; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 0xff
	}
	return img
}

// Stop implements Source and closes the X connection.
func (s *X11Source) Stop() error {
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
	s.conn.Close()
	logger.WithComponent("camera").Info().Str("backend", "x11").Msg("X11 source stopped")
	return nil
}

// Name implements Source.
func (s *X11Source) Name() string {
	return "x11"
}

// LatestFrame implements Source.
func (s *X11Source) LatestFrame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFrame(s.latestFrame)
}
