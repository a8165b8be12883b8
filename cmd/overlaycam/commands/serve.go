package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/OverlayCam/internal/api"
	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/encoder"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/output"
	"github.com/bryanchriswhite/OverlayCam/internal/rotation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the camera and the HTTP control server",
	Long: `Open the camera, start the overlay compositors and serve the REST API,
websocket events and the MJPEG preview.`,
	Example: `  # Start server on default port (8080)
  overlaycam serve

  # Start server on custom port
  overlaycam serve --port 9090

  # Show an X11 preview window as well
  overlaycam serve --x11

  # Start with debug logging
  overlaycam serve --log-level debug`,
	RunE: runServe,
}

var serveX11 bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveX11, "x11", false, "open an X11 preview window (overrides preview.x11)")
}

func runServe(cmd *cobra.Command, args []string) error {
	hub := api.NewHub()
	a, err := newApp(hub)
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	cfg := a.cfg

	a.session.Subscribe(hub.PublishCamera)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer a.session.Close()

	previewCfg := output.Config{Width: cfg.Preview.Width, Height: cfg.Preview.Height, FPS: cfg.Preview.FPS}
	mjpeg := output.NewMJPEGOutput(previewCfg)
	if err := mjpeg.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG preview: %w", err)
	}
	defer mjpeg.Stop()
	if err := a.session.AttachPreview(cfg.Preview.Stream, mjpeg.Name(), mjpeg); err != nil {
		return err
	}

	if serveX11 || cfg.Preview.X11 {
		win, err := output.NewX11Preview(previewCfg, "OverlayCam")
		if err != nil {
			log.Warn().Err(err).Msg("X11 preview unavailable")
		} else if err := win.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to open X11 preview")
		} else {
			defer win.Stop()
			if err := a.session.AttachPreview(cfg.Preview.Stream, win.Name(), win); err != nil {
				return err
			}
		}
	}

	if src := cfg.Rotation.Source; src != "off" {
		if backend, err := rotation.Open(src); err != nil {
			log.Warn().Err(err).Msg("Device rotation tracking unavailable")
		} else {
			watcher := rotation.NewWatcher(backend)
			if err := watcher.Start(a.session.SetDeviceRotation); err != nil {
				log.Warn().Err(err).Msg("Failed to watch device rotation")
			}
			defer watcher.Stop()
		}
	}

	// Widget edits in the config file apply without a restart.
	a.configMgr.Watch(func(c *config.Config) {
		a.overlays.LoadFromConfig(c.Overlay.Widgets)
		a.overlays.SetEnabled(c.Overlay.Enabled)
	})

	server := api.NewServer(api.Options{
		Camera:   a.session,
		Config:   a.configMgr,
		Overlays: a.overlays,
		Store:    a.store,
		Preview:  mjpeg,
		Hub:      hub,
		Codecs:   func() interface{} { return encoder.Available() },
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Int("port", cfg.ServerPort).
		Str("media", a.store.Dir()).
		Msgf("OverlayCam is running: http://localhost:%d", cfg.ServerPort)

	select {
	case <-interrupted():
		log.Info().Msg("Shutting down gracefully...")
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}
