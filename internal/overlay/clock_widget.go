package overlay

import (
	"image"
	"image/color"
	"time"
)

const defaultClockLayout = "2006-01-02 15:04:05"

// ClockWidget burns the wall-clock time into the overlay layer, the usual
// dashcam-style timestamp.
type ClockWidget struct {
	*BaseWidget
	layout    string
	textColor color.RGBA
	utc       bool
	now       func() time.Time
}

// NewClockWidget creates a clock widget. Config keys: layout (Go time
// layout), utc, color, x, y, opacity, enabled.
func NewClockWidget(id string, config map[string]interface{}) (*ClockWidget, error) {
	w := &ClockWidget{
		BaseWidget: NewBaseWidget(id, 10, 10, 1.0),
		layout:     defaultClockLayout,
		textColor:  color.RGBA{255, 255, 255, 255},
		now:        time.Now,
	}
	if err := w.UpdateConfig(config); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *ClockWidget) Type() string {
	return "clock"
}

// Ticking implements Ticking.
func (w *ClockWidget) Ticking() bool {
	return true
}

func (w *ClockWidget) Render(layer *image.RGBA) error {
	if !w.IsEnabled() {
		return nil
	}
	w.mu.RLock()
	layout, fg, utc := w.layout, w.textColor, w.utc
	w.mu.RUnlock()

	t := w.now()
	if utc {
		t = t.UTC()
	}
	x, y := w.Position()
	drawText(layer, t.Format(layout), x, y, fg, w.Opacity())
	return nil
}

func (w *ClockWidget) GetConfig() map[string]interface{} {
	config := w.baseConfig(w.Type())
	w.mu.RLock()
	defer w.mu.RUnlock()
	config["layout"] = w.layout
	config["utc"] = w.utc
	config["color"] = colorConfig(w.textColor)
	return config
}

func (w *ClockWidget) UpdateConfig(config map[string]interface{}) error {
	w.applyBaseConfig(config)
	w.mu.Lock()
	defer w.mu.Unlock()
	if layout, ok := config["layout"].(string); ok && layout != "" {
		w.layout = layout
	}
	if utc, ok := config["utc"].(bool); ok {
		w.utc = utc
	}
	if c, ok := parseColor(config["color"]); ok {
		w.textColor = c
	}
	return nil
}
