package overlay

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrReleased is returned by every FrameSync call after Release.
	ErrReleased = errors.New("frame sync released")

	// ErrFrameTimeout is a soft miss: no frame arrived within the wait.
	ErrFrameTimeout = errors.New("timed out waiting for frame")
)

const (
	// DefaultSyncCapacity bounds frames produced but not yet consumed.
	DefaultSyncCapacity = 10

	// signalWaitStep is how long a producer parks at capacity before it
	// re-checks; it keeps the producer callback responsive to Release.
	signalWaitStep = 5 * time.Millisecond
)

// FrameSync hands "a frame is ready" signals from a producer callback to
// the render loop. The count never exceeds the capacity: a producer at
// capacity waits in short bounded slices until the consumer frees a slot or
// the sync is released.
type FrameSync struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int
	capacity int
	released bool

	// producer wait slices that expired while at capacity
	stalls uint64
}

// NewFrameSync returns a FrameSync holding at most capacity frames.
func NewFrameSync(capacity int) *FrameSync {
	if capacity <= 0 {
		capacity = DefaultSyncCapacity
	}
	f := &FrameSync{capacity: capacity}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Signal records one produced frame and returns the new count. It never
// drops the frame: at capacity it keeps waiting until a slot frees up or
// Release is called, in which case it returns ErrReleased.
func (f *FrameSync) Signal() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.count >= f.capacity && !f.released {
		if !f.waitLocked(signalWaitStep) {
			f.stalls++
		}
	}
	if f.released {
		return 0, ErrReleased
	}
	f.count++
	f.cond.Broadcast()
	return f.count, nil
}

// WaitAndTake waits up to timeout for a frame, takes it and returns how
// many are still outstanding. A zero timeout only takes an already
// available frame.
func (f *FrameSync) WaitAndTake(timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for f.count == 0 && !f.released {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrFrameTimeout
		}
		f.waitLocked(remaining)
	}
	if f.released {
		return 0, ErrReleased
	}
	f.count--
	f.cond.Broadcast()
	return f.count, nil
}

// Release wakes every waiter; all later calls return ErrReleased.
func (f *FrameSync) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	f.cond.Broadcast()
}

// Released reports whether Release was called.
func (f *FrameSync) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Count returns the number of outstanding frames.
func (f *FrameSync) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Capacity returns the bound given to NewFrameSync.
func (f *FrameSync) Capacity() int {
	return f.capacity
}

// Stalls returns how many producer wait slices expired at capacity.
func (f *FrameSync) Stalls() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalls
}

// waitLocked parks on the condition for at most d. It reports false if the
// timer fired first. f.mu must be held.
func (f *FrameSync) waitLocked(d time.Duration) bool {
	fired := false
	t := time.AfterFunc(d, func() {
		f.mu.Lock()
		fired = true
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	f.cond.Wait()
	t.Stop()
	return !fired
}
