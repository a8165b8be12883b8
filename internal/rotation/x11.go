package rotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// X11Backend follows the RandR rotation of the default screen, for
// tablets whose desktop rotates the display.
type X11Backend struct {
	conn     *xgb.Conn
	root     xproto.Window
	mu       sync.Mutex
	stopChan chan struct{}
	watching bool
}

// NewX11Backend creates a new X11 backend
func NewX11Backend(display string) (*X11Backend, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	if err := randr.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: RandR extension missing: %v", ErrUnavailable, err)
	}
	root := xproto.Setup(conn).DefaultScreen(conn).Root
	return &X11Backend{conn: conn, root: root}, nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// RandRDegrees converts a RandR rotation bitmask. Reflection bits are
// ignored.
func RandRDegrees(rotation uint16) int {
	switch {
	case rotation&randr.RotationRotate90 != 0:
		return 90
	case rotation&randr.RotationRotate180 != 0:
		return 180
	case rotation&randr.RotationRotate270 != 0:
		return 270
	}
	return 0
}

// Current implements Backend.
func (b *X11Backend) Current() (int, error) {
	reply, err := randr.GetScreenInfo(b.conn, b.root).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to query screen rotation: %w", err)
	}
	return RandRDegrees(reply.Rotation), nil
}

// Watch implements Backend using RandR screen change events.
func (b *X11Backend) Watch(fn func(int)) error {
	b.mu.Lock()
	if b.watching {
		b.mu.Unlock()
		return fmt.Errorf("already watching")
	}
	b.watching = true
	b.stopChan = make(chan struct{})
	stop := b.stopChan
	b.mu.Unlock()

	if err := randr.SelectInputChecked(b.conn, b.root, randr.NotifyMaskScreenChange).Check(); err != nil {
		return fmt.Errorf("failed to select RandR events: %w", err)
	}

	go func() {
		log := logger.WithComponent("rotation")
		last, _ := b.Current()
		for {
			select {
			case <-stop:
				return
			default:
			}

			// Poll so the stop channel is checked between events
			ev, err := b.conn.PollForEvent()
			if err != nil {
				log.Debug().Err(err).Msg("X11 event poll error")
				continue
			}
			if ev == nil {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if _, ok := ev.(randr.ScreenChangeNotifyEvent); !ok {
				continue
			}
			d, cerr := b.Current()
			if cerr != nil {
				log.Debug().Err(cerr).Msg("Failed to read rotation")
				continue
			}
			if d != last {
				last = d
				fn(d)
			}
		}
	}()
	return nil
}

// StopWatching stops the event loop
func (b *X11Backend) StopWatching() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watching {
		close(b.stopChan)
		b.watching = false
	}
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.StopWatching()
	b.conn.Close()
	return nil
}
