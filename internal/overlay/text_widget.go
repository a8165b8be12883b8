package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var textFace = basicfont.Face7x13

// TextWidget burns a text label into the overlay layer
type TextWidget struct {
	*BaseWidget
	text      string
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

// NewTextWidget creates a new text widget
func NewTextWidget(id string, config map[string]interface{}) (*TextWidget, error) {
	w := &TextWidget{
		BaseWidget: NewBaseWidget(id, 0, 0, 1.0),
		text:       "Text Widget",
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    5,
	}

	if err := w.UpdateConfig(config); err != nil {
		return nil, err
	}

	return w, nil
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// Render draws the label, with its optional background box, onto the layer
func (w *TextWidget) Render(layer *image.RGBA) error {
	w.mu.RLock()
	text, fg, bg, pad := w.text, w.textColor, w.bgColor, w.padding
	w.mu.RUnlock()

	if !w.IsEnabled() || text == "" {
		return nil
	}
	x, y := w.Position()
	opacity := w.Opacity()

	if bg != nil {
		width, height := measureText(text)
		DrawRectangle(layer, x, y, width+pad*2, height+pad*2, *bg, opacity)
	}
	drawText(layer, text, x+pad, y+pad, fg, opacity)
	return nil
}

// GetConfig returns the widget configuration
func (w *TextWidget) GetConfig() map[string]interface{} {
	config := w.baseConfig(w.Type())

	w.mu.RLock()
	defer w.mu.RUnlock()
	config["text"] = w.text
	config["padding"] = w.padding
	config["color"] = colorConfig(w.textColor)
	if w.bgColor != nil {
		config["background"] = colorConfig(*w.bgColor)
	}
	return config
}

// UpdateConfig updates the widget configuration
func (w *TextWidget) UpdateConfig(config map[string]interface{}) error {
	w.applyBaseConfig(config)

	w.mu.Lock()
	defer w.mu.Unlock()

	if text, ok := config["text"].(string); ok {
		w.text = text
	}
	if padding, ok := config["padding"]; ok {
		w.padding = getInt(padding)
	}
	if c, ok := parseColor(config["color"]); ok {
		w.textColor = c
	}
	if c, ok := parseColor(config["background"]); ok {
		w.bgColor = &c
	}
	return nil
}

// SetText updates the text content
func (w *TextWidget) SetText(text string) {
	w.mu.Lock()
	w.text = text
	w.mu.Unlock()
}

// Text returns the current text
func (w *TextWidget) Text() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.text
}

// Validate ensures the widget configuration is valid
func (w *TextWidget) Validate() error {
	if w.Text() == "" {
		return fmt.Errorf("text widget requires non-empty text")
	}
	return nil
}

// measureText returns the pixel size of text in the overlay face.
func measureText(text string) (int, int) {
	d := &font.Drawer{Face: textFace}
	return d.MeasureString(text).Ceil(), textFace.Metrics().Height.Ceil()
}

// drawText renders text with its top-left corner at (x, y).
func drawText(dst *image.RGBA, text string, x, y int, c color.RGBA, opacity float64) {
	width, height := measureText(text)
	if width <= 0 {
		return
	}
	glyphs := image.NewRGBA(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(c),
		Face: textFace,
		Dot:  fixed.Point26_6{X: 0, Y: textFace.Metrics().Ascent},
	}
	d.DrawString(text)
	BlendImage(dst, glyphs, x, y, opacity)
}

// TextLayer returns a transparent width x height layer with text drawn at
// (x, y). It is the image form of a text overlay.
func TextLayer(width, height int, text string, x, y int, c color.RGBA, alpha float64) *image.RGBA {
	layer := image.NewRGBA(image.Rect(0, 0, width, height))
	drawText(layer, text, x, y, c, alpha)
	return layer
}
