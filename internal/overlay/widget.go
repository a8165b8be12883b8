package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
)

// Widget is one element of the overlay layer.
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto the overlay layer
	Render(layer *image.RGBA) error

	// GetConfig returns the widget's configuration as a map
	GetConfig() map[string]interface{}

	// UpdateConfig updates the widget's configuration
	UpdateConfig(config map[string]interface{}) error

	IsEnabled() bool
	SetEnabled(enabled bool)
}

// Ticking widgets change with time and make the manager re-render the layer
// periodically.
type Ticking interface {
	Ticking() bool
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	mu      sync.RWMutex
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

func (w *BaseWidget) IsEnabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

func (w *BaseWidget) SetEnabled(enabled bool) {
	w.mu.Lock()
	w.enabled = enabled
	w.mu.Unlock()
}

// Position returns the top-left corner of the widget.
func (w *BaseWidget) Position() (int, int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.x, w.y
}

func (w *BaseWidget) SetPosition(x, y int) {
	w.mu.Lock()
	w.x, w.y = x, y
	w.mu.Unlock()
}

func (w *BaseWidget) Opacity() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.opacity
}

// SetOpacity clamps to 0.0..1.0.
func (w *BaseWidget) SetOpacity(opacity float64) {
	w.mu.Lock()
	w.opacity = clamp01(opacity)
	w.mu.Unlock()
}

// applyBaseConfig reads the keys shared by every widget.
func (w *BaseWidget) applyBaseConfig(config map[string]interface{}) {
	w.mu.Lock()
	if v, ok := config["x"]; ok {
		w.x = getInt(v)
	}
	if v, ok := config["y"]; ok {
		w.y = getInt(v)
	}
	if v, ok := config["opacity"]; ok {
		w.opacity = clamp01(getFloat(v))
	}
	if v, ok := config["enabled"].(bool); ok {
		w.enabled = v
	}
	w.mu.Unlock()
}

func (w *BaseWidget) baseConfig(kind string) map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]interface{}{
		"id":      w.id,
		"type":    kind,
		"enabled": w.enabled,
		"x":       w.x,
		"y":       w.y,
		"opacity": w.opacity,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BlendImage draws src over dst at (x, y), scaled by opacity. The overlay
// layer starts fully transparent, so widgets end up as premultiplied
// colour on a zero background, which is what the additive pass expects.
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	sb := src.Bounds()
	blend(dst, image.Rect(x, y, x+sb.Dx(), y+sb.Dy()), src, sb.Min, opacity)
}

// DrawRectangle draws a filled rectangle with the specified color and opacity
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.Color, opacity float64) {
	blend(dst, image.Rect(x, y, x+width, y+height), image.NewUniform(c), image.Point{}, opacity)
}

func blend(dst *image.RGBA, r image.Rectangle, src image.Image, sp image.Point, opacity float64) {
	if opacity <= 0 {
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(clamp01(opacity) * 0xff)})
	draw.DrawMask(dst, r, src, sp, mask, image.Point{}, draw.Over)
}

// getInt extracts an integer from values decoded from YAML or JSON.
func getInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

func getFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return 0
	}
}

// parseColor reads an {r, g, b, a} map.
func parseColor(v interface{}) (color.RGBA, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return color.RGBA{}, false
	}
	a := 255
	if av, ok := m["a"]; ok {
		a = getInt(av)
	}
	return color.RGBA{
		R: uint8(getInt(m["r"])),
		G: uint8(getInt(m["g"])),
		B: uint8(getInt(m["b"])),
		A: uint8(a),
	}, true
}

func colorConfig(c color.RGBA) map[string]interface{} {
	return map[string]interface{}{"r": int(c.R), "g": int(c.G), "b": int(c.B), "a": int(c.A)}
}
