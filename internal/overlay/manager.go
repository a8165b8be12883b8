package overlay

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Manager holds the overlay widgets and renders them into one layer for
// the compositor.
type Manager struct {
	mu      sync.RWMutex
	widgets map[string]Widget
	order   []string
	enabled bool
	version uint64
}

// NewManager creates a new overlay manager
func NewManager() *Manager {
	return &Manager{
		widgets: make(map[string]Widget),
		enabled: true,
	}
}

// AddWidget adds a widget on top of the existing ones
func (m *Manager) AddWidget(widget Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.widgets[widget.ID()]; exists {
		return fmt.Errorf("widget with ID %s already exists", widget.ID())
	}

	m.widgets[widget.ID()] = widget
	m.order = append(m.order, widget.ID())
	m.version++
	logger.WithComponent("overlay").Info().
		Str("widget", widget.ID()).
		Str("type", widget.Type()).
		Msg("Widget added")
	return nil
}

// RemoveWidget removes a widget from the overlay
func (m *Manager) RemoveWidget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.widgets[id]; !exists {
		return fmt.Errorf("widget with ID %s not found", id)
	}
	delete(m.widgets, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.version++
	logger.WithComponent("overlay").Info().Str("widget", id).Msg("Widget removed")
	return nil
}

// GetWidget retrieves a widget by ID
func (m *Manager) GetWidget(id string) (Widget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	widget, exists := m.widgets[id]
	return widget, exists
}

// GetAllWidgets returns all widgets in draw order
func (m *Manager) GetAllWidgets() []Widget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orderedLocked()
}

func (m *Manager) orderedLocked() []Widget {
	widgets := make([]Widget, 0, len(m.order))
	for _, id := range m.order {
		widgets = append(widgets, m.widgets[id])
	}
	return widgets
}

// UpdateWidget updates a widget's configuration
func (m *Manager) UpdateWidget(id string, config map[string]interface{}) error {
	widget, exists := m.GetWidget(id)
	if !exists {
		return fmt.Errorf("widget with ID %s not found", id)
	}
	if err := widget.UpdateConfig(config); err != nil {
		return fmt.Errorf("failed to update widget config: %w", err)
	}

	m.mu.Lock()
	m.version++
	m.mu.Unlock()
	logger.WithComponent("overlay").Debug().Str("widget", id).Msg("Widget updated")
	return nil
}

// SetEnabled enables or disables the entire overlay
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled != enabled {
		m.enabled = enabled
		m.version++
	}
	logger.WithComponent("overlay").Info().Bool("enabled", enabled).Msg("Overlay toggled")
}

// IsEnabled returns whether the overlay is enabled
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Version changes whenever the rendered layer could differ, apart from
// ticking widgets.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Ticking reports whether any enabled widget changes with time.
func (m *Manager) Ticking() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return false
	}
	for _, w := range m.widgets {
		if t, ok := w.(Ticking); ok && w.IsEnabled() && t.Ticking() {
			return true
		}
	}
	return false
}

// Render draws every enabled widget onto img in insertion order
func (m *Manager) Render(img *image.RGBA) error {
	if !m.IsEnabled() {
		return nil
	}
	for _, widget := range m.GetAllWidgets() {
		if !widget.IsEnabled() {
			continue
		}
		if err := widget.Render(img); err != nil {
			logger.WithComponent("overlay").Warn().
				Err(err).
				Str("widget", widget.ID()).
				Msg("Failed to render widget")
		}
	}
	return nil
}

// RenderLayer returns a fresh transparent layer with every widget drawn on
// it, or nil when the overlay is disabled.
func (m *Manager) RenderLayer(width, height int) *image.RGBA {
	if !m.IsEnabled() {
		return nil
	}
	layer := image.NewRGBA(image.Rect(0, 0, width, height))
	_ = m.Render(layer)
	return layer
}

// CreateWidget creates a new widget instance from configuration
func (m *Manager) CreateWidget(widgetType string, id string, config map[string]interface{}) (Widget, error) {
	var widget Widget
	var err error

	switch widgetType {
	case "text":
		widget, err = NewTextWidget(id, config)
	case "clock":
		widget, err = NewClockWidget(id, config)
	default:
		return nil, fmt.Errorf("unknown widget type: %s", widgetType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s widget: %w", widgetType, err)
	}
	return widget, nil
}

// LoadFromConfig replaces the widget set with the given configurations.
// Invalid entries are logged and skipped.
func (m *Manager) LoadFromConfig(configs []map[string]interface{}) {
	m.Clear()
	log := logger.WithComponent("overlay")
	for _, config := range configs {
		widgetType, ok := config["type"].(string)
		if !ok {
			log.Warn().Msg("Skipping widget with missing type")
			continue
		}
		id, ok := config["id"].(string)
		if !ok {
			log.Warn().Str("type", widgetType).Msg("Skipping widget with missing ID")
			continue
		}

		widget, err := m.CreateWidget(widgetType, id, config)
		if err != nil {
			log.Warn().Err(err).Str("widget", id).Msg("Failed to create widget")
			continue
		}
		if err := m.AddWidget(widget); err != nil {
			log.Warn().Err(err).Str("widget", id).Msg("Failed to add widget")
		}
	}
}

// ExportConfig exports all widget configurations
func (m *Manager) ExportConfig() []map[string]interface{} {
	widgets := m.GetAllWidgets()
	configs := make([]map[string]interface{}, 0, len(widgets))
	for _, widget := range widgets {
		configs = append(configs, widget.GetConfig())
	}
	return configs
}

// Clear removes all widgets
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.widgets = make(map[string]Widget)
	m.order = nil
	m.version++
}

// GetAvailableWidgetTypes returns a list of available widget types
func (m *Manager) GetAvailableWidgetTypes() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"type":        "text",
			"name":        "Text Label",
			"description": "Burn custom text into the recording",
			"config_schema": map[string]interface{}{
				"text":       "string (required)",
				"x":          "int (position)",
				"y":          "int (position)",
				"opacity":    "float (0.0-1.0)",
				"enabled":    "bool",
				"color":      "object {r, g, b, a}",
				"background": "object {r, g, b, a} (optional)",
				"padding":    "int",
			},
		},
		{
			"type":        "clock",
			"name":        "Timestamp",
			"description": "Burn the current date and time into the recording",
			"config_schema": map[string]interface{}{
				"layout":  "string (Go time layout, default 2006-01-02 15:04:05)",
				"utc":     "bool",
				"x":       "int (position)",
				"y":       "int (position)",
				"opacity": "float (0.0-1.0)",
				"enabled": "bool",
				"color":   "object {r, g, b, a}",
			},
		},
	}
}
