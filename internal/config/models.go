package config

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/overlay"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
	"github.com/bryanchriswhite/OverlayCam/internal/vendor"
)

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`

	Camera     CameraConfig     `json:"camera" yaml:"camera"`
	Streams    []StreamConfig   `json:"streams" yaml:"streams"`
	Compositor CompositorConfig `json:"compositor" yaml:"compositor"`
	Recorder   RecorderConfig   `json:"recorder" yaml:"recorder"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Vendor     VendorConfig     `json:"vendor" yaml:"vendor"`
	Snapshot   SnapshotConfig   `json:"snapshot" yaml:"snapshot"`
	Preview    PreviewConfig    `json:"preview" yaml:"preview"`
	Overlay    OverlayConfig    `json:"overlay" yaml:"overlay"`
	Rotation   RotationConfig   `json:"rotation" yaml:"rotation"`
}

// CameraConfig selects the camera backend and its capture format.
type CameraConfig struct {
	Backend           string `json:"backend" yaml:"backend"`
	Device            string `json:"device,omitempty" yaml:"device,omitempty"`
	CameraID          int    `json:"camera_id" yaml:"camera_id"`
	Resolution        string `json:"resolution" yaml:"resolution"`
	FPS               int    `json:"fps" yaml:"fps"`
	Pattern           string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	SensorOrientation int    `json:"sensor_orientation" yaml:"sensor_orientation"`
	FrontFacing       bool   `json:"front_facing" yaml:"front_facing"`
	AudioDevice       string `json:"audio_device,omitempty" yaml:"audio_device,omitempty"`
}

// QPConfig is a quantizer range. All zero keeps encoder defaults.
type QPConfig struct {
	Min  int `json:"min" yaml:"min"`
	Max  int `json:"max" yaml:"max"`
	Init int `json:"init" yaml:"init"`
}

// StreamConfig is one encoded stream.
type StreamConfig struct {
	Resolution      string   `json:"resolution" yaml:"resolution"`
	FPS             int      `json:"fps" yaml:"fps"`
	Bitrate         int      `json:"bitrate" yaml:"bitrate"`
	VideoCodec      string   `json:"video_codec" yaml:"video_codec"`
	AudioCodec      string   `json:"audio_codec" yaml:"audio_codec"`
	RateControl     string   `json:"rate_control" yaml:"rate_control"`
	IFrameInterval  int      `json:"iframe_interval" yaml:"iframe_interval"`
	IQP             QPConfig `json:"i_qp" yaml:"i_qp"`
	PQP             QPConfig `json:"p_qp" yaml:"p_qp"`
	BQP             QPConfig `json:"b_qp" yaml:"b_qp"`
	AudioBitrate    int      `json:"audio_bitrate" yaml:"audio_bitrate"`
	AudioSampleRate int      `json:"audio_sample_rate" yaml:"audio_sample_rate"`
	AudioChannels   int      `json:"audio_channels" yaml:"audio_channels"`
	Storage         bool     `json:"storage" yaml:"storage"`
	Overlay         bool     `json:"overlay" yaml:"overlay"`
}

// CompositorConfig tunes the overlay render loops.
type CompositorConfig struct {
	SyncCapacity   int    `json:"sync_capacity" yaml:"sync_capacity"`
	FrameTimeoutMs int    `json:"frame_timeout_ms" yaml:"frame_timeout_ms"`
	MissPolicy     string `json:"miss_policy" yaml:"miss_policy"`
	EscalateAfter  int    `json:"escalate_after" yaml:"escalate_after"`
}

// RecorderConfig bounds the drain loops.
type RecorderConfig struct {
	DequeueTimeoutMs int `json:"dequeue_timeout_ms" yaml:"dequeue_timeout_ms"`
	StopTimeoutMs    int `json:"stop_timeout_ms" yaml:"stop_timeout_ms"`
}

// StorageConfig locates the media directory.
type StorageConfig struct {
	Dir       string `json:"dir" yaml:"dir"`
	MinFreeMB int    `json:"min_free_mb" yaml:"min_free_mb"`
}

// VendorConfig holds pass-through camera controls. Controls override
// values from the tuning table.
type VendorConfig struct {
	TuningFile string                 `json:"tuning_file,omitempty" yaml:"tuning_file,omitempty"`
	Controls   map[string]interface{} `json:"controls" yaml:"controls"`
}

// SnapshotConfig sets the JPEG quality.
type SnapshotConfig struct {
	Quality int `json:"quality" yaml:"quality"`
}

// PreviewConfig sizes the MJPEG and X11 previews.
type PreviewConfig struct {
	Stream int  `json:"stream" yaml:"stream"`
	Width  int  `json:"width" yaml:"width"`
	Height int  `json:"height" yaml:"height"`
	FPS    int  `json:"fps" yaml:"fps"`
	X11    bool `json:"x11" yaml:"x11"`
}

// RotationConfig picks where device rotation comes from: auto, sensor,
// x11 or off. Off leaves rotation to the API.
type RotationConfig struct {
	Source string `json:"source" yaml:"source"`
}

// OverlayConfig represents overlay configuration
type OverlayConfig struct {
	Enabled bool                     `json:"enabled" yaml:"enabled"`
	Widgets []map[string]interface{} `json:"widgets" yaml:"widgets"`
}

// Defaults returns the configuration written on first start.
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Camera: CameraConfig{
			Backend:    "auto",
			Resolution: "1920x1080",
			FPS:        30,
		},
		Streams: []StreamConfig{defaultStream()},
		Compositor: CompositorConfig{
			SyncCapacity:   overlay.DefaultSyncCapacity,
			FrameTimeoutMs: int(overlay.DefaultFrameTimeout / time.Millisecond),
			MissPolicy:     string(overlay.MissLog),
			EscalateAfter:  5,
		},
		Recorder: RecorderConfig{
			DequeueTimeoutMs: 10,
			StopTimeoutMs:    3000,
		},
		Storage: StorageConfig{
			Dir:       "~/Videos/OverlayCam",
			MinFreeMB: 100,
		},
		Vendor:   VendorConfig{Controls: map[string]interface{}{}},
		Snapshot: SnapshotConfig{Quality: 90},
		Preview: PreviewConfig{
			Width:  1280,
			Height: 720,
			FPS:    10,
		},
		Overlay: OverlayConfig{
			Enabled: true,
			Widgets: []map[string]interface{}{},
		},
		Rotation: RotationConfig{Source: "auto"},
	}
}

func defaultStream() StreamConfig {
	d := stream.Default()
	return StreamConfig{
		Resolution:      fmt.Sprintf("%dx%d", d.Width, d.Height),
		FPS:             d.FPS,
		Bitrate:         d.Bitrate,
		VideoCodec:      string(d.Video),
		AudioCodec:      string(d.Audio),
		RateControl:     d.RateMode.String(),
		IFrameInterval:  d.IFrameInterval,
		AudioBitrate:    d.AudioBitrate,
		AudioSampleRate: d.AudioSampleRate,
		AudioChannels:   d.AudioChannels,
		Storage:         true,
		Overlay:         true,
	}
}

func (q QPConfig) toRange() stream.QPRange {
	return stream.QPRange{Min: q.Min, Max: q.Max, Init: q.Init}
}

// Descriptor converts a stream entry. Zero values take the stream
// defaults.
func (s StreamConfig) Descriptor() (stream.Descriptor, error) {
	d := stream.Default()
	var err error
	if s.Resolution != "" {
		if d.Width, d.Height, err = stream.ParseResolution(s.Resolution); err != nil {
			return d, err
		}
	}
	if s.FPS > 0 {
		d.FPS = s.FPS
	}
	if s.Bitrate > 0 {
		d.Bitrate = s.Bitrate
	}
	if s.VideoCodec != "" {
		if d.Video, err = stream.ParseVideoCodec(s.VideoCodec); err != nil {
			return d, err
		}
	}
	if d.Audio, err = stream.ParseAudioCodec(s.AudioCodec); err != nil {
		return d, err
	}
	if s.RateControl != "" {
		if d.RateMode, err = stream.ParseRateControlMode(s.RateControl); err != nil {
			return d, err
		}
	}
	d.IFrameInterval = s.IFrameInterval
	d.IQP, d.PQP, d.BQP = s.IQP.toRange(), s.PQP.toRange(), s.BQP.toRange()
	if s.AudioBitrate > 0 {
		d.AudioBitrate = s.AudioBitrate
	}
	if s.AudioSampleRate > 0 {
		d.AudioSampleRate = s.AudioSampleRate
	}
	if s.AudioChannels > 0 {
		d.AudioChannels = s.AudioChannels
	}
	d.StorageEnabled = s.Storage
	d.OverlayEnabled = s.Overlay
	return d, d.Validate()
}

// Descriptors converts every stream entry.
func (c *Config) Descriptors() ([]stream.Descriptor, error) {
	out := make([]stream.Descriptor, 0, len(c.Streams))
	for i, s := range c.Streams {
		d, err := s.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("streams[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// CaptureConfig converts the camera section.
func (c *Config) CaptureConfig() (capture.Config, error) {
	w, h, err := stream.ParseResolution(c.Camera.Resolution)
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		Backend:  c.Camera.Backend,
		Device:   c.Camera.Device,
		CameraID: c.Camera.CameraID,
		Width:    w,
		Height:   h,
		FPS:      c.Camera.FPS,
		Pattern:  c.Camera.Pattern,
	}, nil
}

// CompositorSettings converts the compositor section. Width and height are
// set per stream.
func (c *Config) CompositorSettings() overlay.Config {
	return overlay.Config{
		SyncCapacity: c.Compositor.SyncCapacity,
		FrameTimeout: time.Duration(c.Compositor.FrameTimeoutMs) * time.Millisecond,
		MissPolicy: overlay.MissPolicy{
			Action:        overlay.ParseMissAction(c.Compositor.MissPolicy),
			EscalateAfter: c.Compositor.EscalateAfter,
		},
	}
}

// VendorParams converts configured controls. YAML and JSON hand numbers
// back as int or float64; int controls accept both.
func (c *Config) VendorParams() (vendor.Params, error) {
	params := vendor.Params{}
	for k, v := range c.Vendor.Controls {
		key := vendor.Key(k)
		ctl, ok := vendor.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("%w: %q", vendor.ErrUnknownKey, k)
		}
		switch ctl.Kind {
		case vendor.KindBool:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("vendor control %s wants bool, got %T", k, v)
			}
			params[key] = b
		case vendor.KindInt:
			switch n := v.(type) {
			case int:
				params[key] = n
			case int64:
				params[key] = int(n)
			case float64:
				params[key] = int(n)
			default:
				return nil, fmt.Errorf("vendor control %s wants int, got %T", k, v)
			}
		}
	}
	return params, nil
}
