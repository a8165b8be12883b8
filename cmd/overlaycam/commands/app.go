package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/OverlayCam/internal/camera"
	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/encoder"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/overlay"
	"github.com/bryanchriswhite/OverlayCam/internal/storage"
	"github.com/bryanchriswhite/OverlayCam/internal/vendor"
)

// app is everything a command needs to drive the camera.
type app struct {
	configMgr *config.Manager
	cfg       *config.Config
	store     *storage.Store
	overlays  *overlay.Manager
	session   *camera.Session
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}

	logger.Init(configMgr.GetLogLevel(), viper.GetBool("pretty"))
	return configMgr, nil
}

// vendorParams merges the tuning table with explicit controls.
func vendorParams(cfg *config.Config) (vendor.Params, error) {
	params := vendor.Params{}
	if cfg.Vendor.TuningFile != "" {
		tuned, err := vendor.LoadTuning(afero.NewOsFs(), config.ExpandHome(cfg.Vendor.TuningFile))
		if err != nil {
			return nil, err
		}
		for k, v := range tuned {
			params[k] = v
		}
	}
	explicit, err := cfg.VendorParams()
	if err != nil {
		return nil, err
	}
	for k, v := range explicit {
		params[k] = v
	}
	return params, nil
}

// newApp opens the camera source and builds an unopened session.
func newApp(notifier storage.Notifier) (*app, error) {
	configMgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg := configMgr.Get()
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	captureCfg, _ := cfg.CaptureConfig()
	descriptors, _ := cfg.Descriptors()
	params, err := vendorParams(cfg)
	if err != nil {
		return nil, err
	}

	source, err := capture.Open(captureCfg)
	if err != nil {
		return nil, err
	}

	store := storage.New(storage.Config{
		Dir:     config.ExpandHome(cfg.Storage.Dir),
		MinFree: uint64(cfg.Storage.MinFreeMB) << 20,
	}, afero.NewOsFs(), notifier)

	overlays := overlay.NewManager()
	overlays.LoadFromConfig(cfg.Overlay.Widgets)
	overlays.SetEnabled(cfg.Overlay.Enabled)

	session, err := camera.New(camera.Config{
		Streams:           descriptors,
		SensorOrientation: cfg.Camera.SensorOrientation,
		FrontFacing:       cfg.Camera.FrontFacing,
		Compositor:        cfg.CompositorSettings(),
		Recorder: camera.RecorderTimeouts{
			Dequeue: time.Duration(cfg.Recorder.DequeueTimeoutMs) * time.Millisecond,
			Stop:    time.Duration(cfg.Recorder.StopTimeoutMs) * time.Millisecond,
		},
		Vendor:          params,
		SnapshotQuality: cfg.Snapshot.Quality,
	}, camera.Deps{
		Source:   source,
		Factory:  &encoder.Factory{AudioDevice: cfg.Camera.AudioDevice},
		Store:    store,
		Overlays: overlays,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		configMgr: configMgr,
		cfg:       cfg,
		store:     store,
		overlays:  overlays,
		session:   session,
	}, nil
}

// logNotifier reports storage problems on the console.
var logNotifier = storage.NotifierFunc(func(dir string, free, required uint64) {
	fmt.Fprintf(os.Stderr, "Not enough space in %s: %d MB free, %d MB required\n", dir, free>>20, required>>20)
})

// interrupted is closed on SIGINT or SIGTERM.
func interrupted() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan
}
