package rotation

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// iio-sensor-proxy D-Bus constants
const (
	sensorService   = "net.hadess.SensorProxy"
	sensorPath      = "/net/hadess/SensorProxy"
	sensorInterface = "net.hadess.SensorProxy"
	propsInterface  = "org.freedesktop.DBus.Properties"
	orientationProp = "AccelerometerOrientation"
)

// accelerometerDegrees maps iio-sensor-proxy orientations to rotations.
// "undefined" (device flat) has no entry and keeps the last rotation.
var accelerometerDegrees = map[string]int{
	"normal":    0,
	"left-up":   90,
	"bottom-up": 180,
	"right-up":  270,
}

// ParseAccelerometer converts an AccelerometerOrientation value.
func ParseAccelerometer(s string) (int, bool) {
	d, ok := accelerometerDegrees[s]
	return d, ok
}

// SensorBackend reads the accelerometer through iio-sensor-proxy on the
// system bus.
type SensorBackend struct {
	conn     *dbus.Conn
	obj      dbus.BusObject
	mu       sync.Mutex
	stopChan chan struct{}
	watching bool
	last     int
}

// NewSensorBackend connects to the system bus and claims the
// accelerometer.
func NewSensorBackend() (*SensorBackend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	obj := conn.Object(sensorService, sensorPath)

	v, err := obj.GetProperty(sensorInterface + ".HasAccelerometer")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: iio-sensor-proxy not reachable: %v", ErrUnavailable, err)
	}
	if has, _ := v.Value().(bool); !has {
		conn.Close()
		return nil, fmt.Errorf("%w: no accelerometer", ErrUnavailable)
	}
	if err := obj.Call(sensorInterface+".ClaimAccelerometer", 0).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to claim accelerometer: %w", err)
	}

	logger.WithComponent("rotation").Info().Msg("Using iio-sensor-proxy accelerometer")
	return &SensorBackend{conn: conn, obj: obj}, nil
}

// Name returns the backend name
func (b *SensorBackend) Name() string {
	return "sensor"
}

// Current implements Backend.
func (b *SensorBackend) Current() (int, error) {
	v, err := b.obj.GetProperty(sensorInterface + "." + orientationProp)
	if err != nil {
		return 0, fmt.Errorf("failed to read accelerometer orientation: %w", err)
	}
	s, _ := v.Value().(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := ParseAccelerometer(s); ok {
		b.last = d
	}
	return b.last, nil
}

// Watch implements Backend using PropertiesChanged signals.
func (b *SensorBackend) Watch(fn func(int)) error {
	b.mu.Lock()
	if b.watching {
		b.mu.Unlock()
		return fmt.Errorf("already watching")
	}
	b.watching = true
	b.stopChan = make(chan struct{})
	stop := b.stopChan
	b.mu.Unlock()

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(sensorPath),
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to watch accelerometer: %w", err)
	}

	signals := make(chan *dbus.Signal, 10)
	b.conn.Signal(signals)
	go func() {
		defer b.conn.RemoveSignal(signals)
		for {
			select {
			case <-stop:
				return
			case sig := <-signals:
				if sig == nil || sig.Name != propsInterface+".PropertiesChanged" || len(sig.Body) < 2 {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				v, ok := changed[orientationProp]
				if !ok {
					continue
				}
				s, _ := v.Value().(string)
				d, ok := ParseAccelerometer(s)
				if !ok {
					continue
				}
				b.mu.Lock()
				b.last = d
				b.mu.Unlock()
				fn(d)
			}
		}
	}()
	return nil
}

// StopWatching stops the signal loop
func (b *SensorBackend) StopWatching() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watching {
		close(b.stopChan)
		b.watching = false
	}
}

// Close releases the accelerometer and closes the bus connection.
func (b *SensorBackend) Close() error {
	b.StopWatching()
	b.obj.Call(sensorInterface+".ReleaseAccelerometer", 0)
	return b.conn.Close()
}
