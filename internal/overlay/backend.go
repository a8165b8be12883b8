package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// ErrInvalidResolution is returned for non-positive surface dimensions.
var ErrInvalidResolution = errors.New("invalid surface resolution")

// clearColor fills the framebuffer before the first primary frame arrives.
var clearColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// Backend owns the rendering context and its textures. Every method is
// called from the render goroutine only; implementations need no locking.
type Backend interface {
	// Init creates the context, the primary (producer) texture, the overlay
	// texture and the framebuffer. Errors are fatal.
	Init(width, height int) error
	// UpdateTexImage latches a producer frame into the primary texture.
	UpdateTexImage(frame *image.RGBA)
	// UploadOverlay replaces the overlay texture. nil clears it.
	UploadOverlay(img *image.RGBA) error
	// Draw runs the composite pass and returns the framebuffer.
	Draw() (*image.RGBA, error)
	Release()
}

// SoftwareBackend rasterizes the additive composite pass on the CPU.
type SoftwareBackend struct {
	width   int
	height  int
	primary *image.RGBA
	overlay *image.RGBA
	fb      *image.RGBA
	uploads int
}

// NewSoftwareBackend returns an uninitialized CPU backend.
func NewSoftwareBackend() *SoftwareBackend {
	return &SoftwareBackend{}
}

// Init implements Backend.
func (b *SoftwareBackend) Init(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, width, height)
	}
	b.width, b.height = width, height
	rect := image.Rect(0, 0, width, height)
	b.primary = nil
	b.overlay = image.NewRGBA(rect)
	b.fb = image.NewRGBA(rect)
	return nil
}

// UpdateTexImage implements Backend. Frames of a different size are
// sampled bilinearly into the texture size.
func (b *SoftwareBackend) UpdateTexImage(frame *image.RGBA) {
	if frame == nil {
		return
	}
	if frame.Bounds().Dx() == b.width && frame.Bounds().Dy() == b.height {
		b.primary = frame
		return
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.width, b.height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, frame.Bounds(), xdraw.Src, nil)
	b.primary = dst
}

// UploadOverlay implements Backend.
func (b *SoftwareBackend) UploadOverlay(img *image.RGBA) error {
	b.uploads++
	clear(b.overlay.Pix)
	if img == nil {
		return nil
	}
	if img.Bounds().Dx() == b.width && img.Bounds().Dy() == b.height {
		xdraw.Copy(b.overlay, image.Point{}, img, img.Bounds(), xdraw.Src, nil)
		return nil
	}
	xdraw.NearestNeighbor.Scale(b.overlay, b.overlay.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return nil
}

// Uploads counts overlay texture uploads.
func (b *SoftwareBackend) Uploads() int {
	return b.uploads
}

// Draw implements Backend. The framebuffer is reused between calls; callers
// that keep a frame must copy it.
func (b *SoftwareBackend) Draw() (*image.RGBA, error) {
	if b.fb == nil {
		return nil, errors.New("backend not initialized")
	}
	if b.primary == nil {
		xdraw.Draw(b.fb, b.fb.Bounds(), image.NewUniform(clearColor), image.Point{}, xdraw.Src)
		return b.fb, nil
	}
	Composite(b.fb, b.primary, b.overlay)
	return b.fb, nil
}

// Release implements Backend.
func (b *SoftwareBackend) Release() {
	b.primary, b.overlay, b.fb = nil, nil, nil
}

// Composite writes primary+overlay into dst, channel by channel, saturating
// at 255. All three images must share the same bounds; a nil overlay copies
// primary through.
func Composite(dst, primary, overlay *image.RGBA) {
	if overlay == nil {
		copy(dst.Pix, primary.Pix)
		return
	}
	n := min(len(dst.Pix), len(primary.Pix), len(overlay.Pix))
	for i := 0; i < n; i++ {
		v := uint16(primary.Pix[i]) + uint16(overlay.Pix[i])
		if v > 0xff {
			v = 0xff
		}
		dst.Pix[i] = uint8(v)
	}
}
