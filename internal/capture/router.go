package capture

import (
	"errors"
	"fmt"
	"os"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// autoOrder is the backend preference when Backend is "auto". The vendor
// stack comes first, then portal-mediated cameras, then raw devices.
var autoOrder = []string{"qmmf", "pipewire", "v4l2", "x11", "test"}

// opener builds an unstarted source for one backend. Tests replace it.
var opener = openBackend

func openBackend(cfg Config) (Source, error) {
	switch cfg.Backend {
	case "qmmf", "v4l2", "test":
		return NewGStreamerSource(cfg)
	case "pipewire":
		return NewPipeWireSource(cfg)
	case "x11":
		return NewX11Source(cfg)
	}
	return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
}

// Open returns a camera source for cfg. With the auto backend each
// available backend is tried in turn and the first one that opens wins.
func Open(cfg Config) (Source, error) {
	log := logger.WithComponent("capture-router")

	if cfg.Backend != "" && cfg.Backend != "auto" {
		src, err := opener(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNoSource, cfg.Backend, err)
		}
		log.Info().Str("backend", src.Name()).Msg("Camera backend selected")
		return src, nil
	}

	var errs []error
	for _, backend := range autoOrder {
		if !backendPlausible(backend) {
			log.Debug().Str("backend", backend).Msg("Skipping unavailable camera backend")
			continue
		}
		c := cfg
		c.Backend = backend
		src, err := opener(c)
		if err != nil {
			log.Warn().Err(err).Str("backend", backend).Msg("Camera backend not available")
			errs = append(errs, fmt.Errorf("%s: %w", backend, err))
			continue
		}
		log.Info().Str("backend", src.Name()).Msg("Camera backend selected")
		return src, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoSource, errors.Join(errs...))
}

// backendPlausible rules out backends whose prerequisites are clearly
// missing, so auto selection does not pop a portal dialog on a headless box.
func backendPlausible(backend string) bool {
	switch backend {
	case "qmmf":
		_, err := os.Stat("/dev/qseecom")
		return err == nil
	case "pipewire":
		return os.Getenv("DBUS_SESSION_BUS_ADDRESS") != "" && os.Getenv("XDG_RUNTIME_DIR") != ""
	case "v4l2":
		_, err := os.Stat("/dev/video0")
		return err == nil
	case "x11":
		return os.Getenv("DISPLAY") != ""
	}
	return true
}
