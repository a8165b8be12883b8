// Package rotation tracks how the device is rotated, in degrees, so new
// recordings and snapshots are stamped with the right orientation.
package rotation

import "errors"

// ErrUnavailable is returned when no rotation backend can be used.
var ErrUnavailable = errors.New("no rotation source available")

// Backend reports device rotation (accelerometer, display server, etc.)
type Backend interface {
	// Current returns the rotation in degrees: 0, 90, 180 or 270.
	Current() (int, error)

	// Watch calls fn whenever the rotation changes. It returns once the
	// watch is set up.
	Watch(fn func(degrees int)) error

	// StopWatching stops the watch loop
	StopWatching()

	Close() error

	// Name returns the backend name (e.g., "sensor", "x11")
	Name() string
}
