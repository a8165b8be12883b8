package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/mux"
)

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex

	watcher *viper.Viper
}

// DefaultPath returns ~/.config/overlaycam/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "overlaycam", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{configPath: path}
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("streams", len(m.config.Streams)).
		Int("widgets", len(m.config.Overlay.Widgets)).
		Msg("Config loaded")
	return m, nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}
	cfg, err := parse(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// parse decodes YAML on top of the defaults so new sections get sane
// values in old files.
func parse(data []byte) (*Config, error) {
	cfg := Defaults()
	cfg.Streams = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = []StreamConfig{defaultStream()}
	}
	if cfg.Overlay.Widgets == nil {
		cfg.Overlay.Widgets = []map[string]interface{}{}
	}
	if cfg.Vendor.Controls == nil {
		cfg.Vendor.Controls = map[string]interface{}{}
	}
	return cfg, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.Streams = append([]StreamConfig(nil), m.config.Streams...)
	cfg.Overlay.Widgets = append([]map[string]interface{}(nil), m.config.Overlay.Widgets...)
	cfg.Vendor.Controls = make(map[string]interface{}, len(m.config.Vendor.Controls))
	for k, v := range m.config.Vendor.Controls {
		cfg.Vendor.Controls[k] = v
	}
	return &cfg
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	logger.WithComponent("config").Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// Update validates and replaces the whole configuration.
func (m *Manager) Update(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Validate checks everything that is converted at startup.
func Validate(cfg *Config) error {
	if _, err := cfg.CaptureConfig(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	ds, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	for i, d := range ds {
		if err := mux.CheckMP4Codecs(d.Video, d.Audio); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
	}
	if _, err := cfg.VendorParams(); err != nil {
		return err
	}
	switch cfg.Rotation.Source {
	case "", "auto", "sensor", "x11", "off":
	default:
		return fmt.Errorf("rotation: unknown source %q", cfg.Rotation.Source)
	}
	return nil
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// SetOverlay stores the overlay widget set.
func (m *Manager) SetOverlay(enabled bool, widgets []map[string]interface{}) error {
	m.mu.Lock()
	m.config.Overlay.Enabled = enabled
	m.config.Overlay.Widgets = widgets
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// GetViper returns a viper view of the current configuration for dotted
// key lookups.
func (m *Manager) GetViper() (*viper.Viper, error) {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to load config into viper: %w", err)
	}
	return v, nil
}

// Set assigns a dotted key such as "camera.fps". value is parsed as a YAML
// scalar, so numbers and booleans keep their type. The result is validated
// before it is saved.
func (m *Manager) Set(key, value string) error {
	v, err := m.GetViper()
	if err != nil {
		return err
	}
	key = strings.ToLower(key)
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	var parsed interface{}
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}
	v.Set(key, parsed)

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return err
	}
	cfg, err := parse(data)
	if err != nil {
		return err
	}
	return m.Update(cfg)
}

// Watch reloads the file when it changes on disk and calls fn with the
// new configuration. Invalid edits are logged and ignored.
func (m *Manager) Watch(fn func(*Config)) {
	log := logger.WithComponent("config")
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.load(); err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring unreadable config change")
			return
		}
		log.Info().Str("path", e.Name).Msg("Config reloaded")
		fn(m.Get())
	})
	v.WatchConfig()

	m.mu.Lock()
	m.watcher = v
	m.mu.Unlock()
}

// ExpandHome replaces a leading ~ with the home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
