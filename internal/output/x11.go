package output

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

// maxPutImageBytes keeps each PutImage request under the core protocol
// request size limit.
const maxPutImageBytes = 256<<10 - 64

// X11Preview shows the composited frames in an X11 window.
type X11Preview struct {
	config Config
	title  string

	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext

	bitsPerPixel uint8
	scanlinePad  uint8

	mu       sync.Mutex
	running  bool
	canvas   *image.RGBA
	lastShow time.Time
	frames   uint64
}

var _ Output = (*X11Preview)(nil)

// NewX11Preview connects to the X server. Nothing is shown until Start.
func NewX11Preview(config Config, title string) (*X11Preview, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid preview size %dx%d", config.Width, config.Height)
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	p := &X11Preview{
		config: config,
		title:  title,
		conn:   conn,
		screen: screen,
		canvas: image.NewRGBA(image.Rect(0, 0, config.Width, config.Height)),
	}
	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			p.bitsPerPixel = format.BitsPerPixel
			p.scanlinePad = format.ScanlinePad
			break
		}
	}
	if p.bitsPerPixel != 24 && p.bitsPerPixel != 32 {
		conn.Close()
		return nil, fmt.Errorf("unsupported pixmap format: depth %d, %d bpp", screen.RootDepth, p.bitsPerPixel)
	}
	return p, nil
}

// Start creates and maps the preview window.
func (p *X11Preview) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("preview already running")
	}

	windowID, err := xproto.NewWindowId(p.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	p.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		p.conn,
		p.screen.RootDepth,
		p.window,
		p.screen.Root,
		0, 0,
		uint16(p.config.Width), uint16(p.config.Height),
		0,
		xproto.WindowClassInputOutput,
		p.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	log := logger.WithComponent("preview")
	if err := p.setWindowTitle(p.title); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := p.setWindowClass("overlaycam", "OverlayCam"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(p.conn, p.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(p.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(p.conn, gc, xproto.Drawable(p.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	p.gc = gc
	p.conn.Sync()

	p.running = true
	log.Info().
		Int("width", p.config.Width).
		Int("height", p.config.Height).
		Uint32("window_id", uint32(p.window)).
		Msg("Preview window created")
	return nil
}

// Stop destroys the window and closes the connection.
func (p *X11Preview) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	if p.gc != 0 {
		xproto.FreeGC(p.conn, p.gc)
	}
	if p.window != 0 {
		xproto.DestroyWindow(p.conn, p.window)
		p.conn.Sync()
	}
	p.conn.Close()
	logger.WithComponent("preview").Info().Uint64("frames", p.frames).Msg("Preview window closed")
	return nil
}

// Name implements Output.
func (p *X11Preview) Name() string {
	return "X11 Preview Window"
}

// IsRunning implements Output.
func (p *X11Preview) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetPresentationTime implements codec.Surface. The preview shows frames
// as they arrive.
func (p *X11Preview) SetPresentationTime(time.Duration) {}

// SwapBuffers letterboxes frame into the window.
func (p *X11Preview) SwapBuffers(frame *image.RGBA) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("preview not running")
	}
	if time.Since(p.lastShow) < p.config.interval() {
		return nil
	}
	p.lastShow = time.Now()

	letterbox(p.canvas, frame)
	data, stride := toZPixmap(p.canvas, p.bitsPerPixel, p.scanlinePad, p.screen.RootDepth)

	// send in bands of whole rows
	rows := max(maxPutImageBytes/stride, 1)
	h := p.config.Height
	for y := 0; y < h; y += rows {
		n := min(rows, h-y)
		err := xproto.PutImageChecked(
			p.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(p.window),
			p.gc,
			uint16(p.config.Width), uint16(n),
			0, int16(y),
			0,
			p.screen.RootDepth,
			data[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	p.frames++
	return nil
}

// letterboxRect fits a src-sized image into dst keeping its aspect ratio.
func letterboxRect(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 {
		return image.Rectangle{}
	}
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// letterbox draws src scaled into canvas over a black background.
func letterbox(canvas, src *image.RGBA) {
	for i := range canvas.Pix {
		canvas.Pix[i] = 0
	}
	r := letterboxRect(src.Bounds(), canvas.Bounds())
	xdraw.ApproxBiLinear.Scale(canvas, r, src, src.Bounds(), xdraw.Src, nil)
}

// toZPixmap converts RGBA to the server's ZPixmap layout (BGRx) with
// scanline padding and returns the row stride.
func toZPixmap(img *image.RGBA, bitsPerPixel, scanlinePad, depth uint8) ([]byte, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	bpp := int(bitsPerPixel) / 8
	pad := max(int(scanlinePad)/8, 1)
	stride := (w*bpp + pad - 1) / pad * pad

	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		dst := data[y*stride:]
		for x := 0; x < w; x++ {
			s, d := x*4, x*bpp
			dst[d] = src[s+2]
			dst[d+1] = src[s+1]
			dst[d+2] = src[s]
			if bpp == 4 && depth == 32 {
				dst[d+3] = src[s+3]
			}
		}
	}
	return data, stride
}

func (p *X11Preview) setWindowTitle(title string) error {
	titleAtom, err := p.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := p.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		p.conn,
		xproto.PropModeReplace,
		p.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (p *X11Preview) setWindowClass(instance, class string) error {
	classAtom, err := p.getAtom("WM_CLASS")
	if err != nil {
		return err
	}
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		p.conn,
		xproto.PropModeReplace,
		p.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (p *X11Preview) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(p.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
