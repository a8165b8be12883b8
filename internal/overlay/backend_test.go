package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestCompositeIsAdditive(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 1, 1))
	Composite(dst, solid(1, 1, color.RGBA{100, 20, 0, 255}), solid(1, 1, color.RGBA{50, 0, 7, 0}))

	assert.Equal(t, color.RGBA{150, 20, 7, 255}, dst.RGBAAt(0, 0))
}

func TestCompositeSaturates(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 2, 1))
	Composite(dst, solid(2, 1, color.RGBA{200, 255, 10, 255}), solid(2, 1, color.RGBA{100, 1, 10, 255}))

	assert.Equal(t, color.RGBA{255, 255, 20, 255}, dst.RGBAAt(1, 0))
}

func TestCompositeWithoutOverlayCopiesPrimary(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 1, 1))
	Composite(dst, solid(1, 1, color.RGBA{1, 2, 3, 4}), nil)

	assert.Equal(t, color.RGBA{1, 2, 3, 4}, dst.RGBAAt(0, 0))
}

func TestSoftwareBackend(t *testing.T) {
	b := NewSoftwareBackend()
	assert.ErrorIs(t, b.Init(0, 10), ErrInvalidResolution)

	require.NoError(t, b.Init(4, 2))

	fb, err := b.Draw()
	require.NoError(t, err)
	assert.Equal(t, clearColor, fb.RGBAAt(0, 0), "no frame yet")

	b.UpdateTexImage(solid(4, 2, color.RGBA{10, 10, 10, 255}))
	require.NoError(t, b.UploadOverlay(solid(4, 2, color.RGBA{5, 0, 0, 0})))
	fb, err = b.Draw()
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{15, 10, 10, 255}, fb.RGBAAt(3, 1))

	// a smaller frame is scaled up to the surface
	b.UpdateTexImage(solid(2, 1, color.RGBA{40, 40, 40, 255}))
	require.NoError(t, b.UploadOverlay(nil))
	fb, err = b.Draw()
	require.NoError(t, err)
	assert.InDelta(t, 40, int(fb.RGBAAt(3, 1).R), 1)
	assert.Equal(t, 2, b.Uploads())

	b.Release()
	_, err = b.Draw()
	assert.Error(t, err)
}
