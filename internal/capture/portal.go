package capture

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Portal D-Bus constants
const (
	portalService = "org.freedesktop.portal.Desktop"
	portalPath    = "/org/freedesktop/portal/desktop"
	cameraIface   = "org.freedesktop.portal.Camera"
	requestIface  = "org.freedesktop.portal.Request"

	accessTimeout = 60 * time.Second
)

var requestSeq atomic.Uint32

// CameraPortal asks xdg-desktop-portal for camera access and hands out a
// PipeWire remote that only exposes the granted cameras.
type CameraPortal struct {
	conn *dbus.Conn
}

// NewCameraPortal connects to the session bus.
func NewCameraPortal() (*CameraPortal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &CameraPortal{conn: conn}, nil
}

// Close closes the bus connection.
func (p *CameraPortal) Close() error {
	return p.conn.Close()
}

// IsCameraPresent reads the portal's IsCameraPresent property.
func (p *CameraPortal) IsCameraPresent() (bool, error) {
	v, err := p.conn.Object(portalService, portalPath).GetProperty(cameraIface + ".IsCameraPresent")
	if err != nil {
		return false, fmt.Errorf("failed to query camera presence: %w", err)
	}
	present, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected IsCameraPresent type %T", v.Value())
	}
	return present, nil
}

// AccessCamera requests access; the portal may show a permission dialog.
func (p *CameraPortal) AccessCamera() error {
	log := logger.WithComponent("portal")
	obj := p.conn.Object(portalService, portalPath)

	token := fmt.Sprintf("overlaycam%d_%d", os.Getpid(), requestSeq.Add(1))
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	// Subscribe before the call so the response cannot be missed.
	responseChan := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(responseChan)
	defer p.conn.RemoveSignal(responseChan)

	var requestPath dbus.ObjectPath
	if err := obj.Call(cameraIface+".AccessCamera", 0, options).Store(&requestPath); err != nil {
		return fmt.Errorf("AccessCamera call failed: %w", err)
	}
	log.Info().Str("request_path", string(requestPath)).Msg("Waiting for camera access (portal dialog may appear)")

	timeout := time.After(accessTimeout)
	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for camera access")
		case sig := <-responseChan:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 1 {
				return fmt.Errorf("invalid response")
			}
			response, _ := sig.Body[0].(uint32)
			if response != 0 {
				return fmt.Errorf("camera access denied (code %d)", response)
			}
			return nil
		}
	}
}

// OpenPipeWireRemote returns a file descriptor for the PipeWire remote.
func (p *CameraPortal) OpenPipeWireRemote() (int, error) {
	var fd dbus.UnixFD
	obj := p.conn.Object(portalService, portalPath)
	if err := obj.Call(cameraIface+".OpenPipeWireRemote", 0, map[string]dbus.Variant{}).Store(&fd); err != nil {
		return -1, fmt.Errorf("OpenPipeWireRemote call failed: %w", err)
	}
	return int(fd), nil
}

// NewPipeWireSource goes through the camera portal and returns a source
// reading the granted camera from the PipeWire remote.
func NewPipeWireSource(cfg Config) (*GStreamerSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid camera format %dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)
	}
	portal, err := NewCameraPortal()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*GStreamerSource, error) {
		portal.Close()
		return nil, err
	}

	present, err := portal.IsCameraPresent()
	if err != nil {
		return fail(err)
	}
	if !present {
		return fail(fmt.Errorf("%w: portal reports no camera", ErrNoSource))
	}
	if err := portal.AccessCamera(); err != nil {
		return fail(err)
	}
	fd, err := portal.OpenPipeWireRemote()
	if err != nil {
		return fail(err)
	}

	desc := fmt.Sprintf(
		"pipewiresrc name=camera fd=%d do-timestamp=true ! "+
			"videoconvert ! videoscale ! videorate ! %s ! %s",
		fd, rgbaCaps(cfg), frameSink,
	)
	return &GStreamerSource{
		backend:     "pipewire",
		description: desc,
		cleanup: func() error {
			f := os.NewFile(uintptr(fd), "pipewire-remote")
			return errors.Join(f.Close(), portal.Close())
		},
	}, nil
}
