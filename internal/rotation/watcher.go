package rotation

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/orientation"
)

// Open returns the named backend. "auto" tries the accelerometer first
// and then the X11 screen rotation.
func Open(name string) (Backend, error) {
	switch name {
	case "sensor":
		return NewSensorBackend()
	case "x11":
		return NewX11Backend(os.Getenv("DISPLAY"))
	case "", "auto":
		var errs []error
		sensor, err := NewSensorBackend()
		if err == nil {
			return sensor, nil
		}
		errs = append(errs, err)
		if os.Getenv("DISPLAY") != "" {
			x, err := NewX11Backend(os.Getenv("DISPLAY"))
			if err == nil {
				return x, nil
			}
			errs = append(errs, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(errs...))
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrUnavailable, name)
}

// Watcher keeps the latest rotation from a backend and forwards changes
// to listeners.
type Watcher struct {
	backend   Backend
	mu        sync.RWMutex
	current   int
	listeners []chan int
}

// NewWatcher wraps b.
func NewWatcher(b Backend) *Watcher {
	return &Watcher{backend: b}
}

// Start reads the initial rotation, calls fn with it and then with every
// change.
func (w *Watcher) Start(fn func(degrees int)) error {
	log := logger.WithComponent("rotation")
	if d, err := w.backend.Current(); err == nil {
		w.set(d)
		fn(w.Current())
	} else {
		log.Warn().Err(err).Msg("Failed to get initial rotation")
	}

	err := w.backend.Watch(func(d int) {
		w.set(d)
		log.Info().Int("degrees", d).Str("backend", w.backend.Name()).Msg("Device rotated")
		fn(w.Current())
		w.notifyListeners(w.Current())
	})
	if err != nil {
		return fmt.Errorf("failed to watch rotation: %w", err)
	}
	return nil
}

func (w *Watcher) set(d int) {
	w.mu.Lock()
	w.current = orientation.Normalize(d)
	w.mu.Unlock()
}

// Current returns the last known rotation.
func (w *Watcher) Current() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop stops watching and closes the backend.
func (w *Watcher) Stop() error {
	return w.backend.Close()
}

// Subscribe adds a listener for rotation changes
func (w *Watcher) Subscribe() chan int {
	ch := make(chan int, 10)
	w.mu.Lock()
	w.listeners = append(w.listeners, ch)
	w.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (w *Watcher) Unsubscribe(ch chan int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, listener := range w.listeners {
		if listener == ch {
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// notifyListeners notifies all listeners of rotation changes
func (w *Watcher) notifyListeners(d int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, listener := range w.listeners {
		select {
		case listener <- d:
		default:
			// Skip if channel is full
		}
	}
}
