package overlay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSyncStaysBoundedUnderFastProducer(t *testing.T) {
	fs := NewFrameSync(DefaultSyncCapacity)
	const frames = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			n, err := fs.Signal()
			if !assert.NoError(t, err) {
				return
			}
			assert.LessOrEqual(t, n, DefaultSyncCapacity)
		}
	}()

	taken := 0
	for taken < frames {
		assert.LessOrEqual(t, fs.Count(), DefaultSyncCapacity)
		_, err := fs.WaitAndTake(time.Second)
		require.NoError(t, err)
		taken++
		if taken%20 == 0 {
			// let the producer pile up against the bound
			time.Sleep(2 * time.Millisecond)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, fs.Count())
}

func TestFrameSyncCapacityDefaults(t *testing.T) {
	assert.Equal(t, DefaultSyncCapacity, NewFrameSync(0).Capacity())
	assert.Equal(t, 3, NewFrameSync(3).Capacity())
}

func TestFrameSyncWaitTimesOut(t *testing.T) {
	fs := NewFrameSync(2)

	start := time.Now()
	_, err := fs.WaitAndTake(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrFrameTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = fs.WaitAndTake(0)
	assert.ErrorIs(t, err, ErrFrameTimeout)
}

func TestFrameSyncTakeReportsRemaining(t *testing.T) {
	fs := NewFrameSync(5)
	for i := 1; i <= 3; i++ {
		n, err := fs.Signal()
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := fs.WaitAndTake(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFrameSyncReleaseUnblocksProducer(t *testing.T) {
	fs := NewFrameSync(1)
	_, err := fs.Signal()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := fs.Signal()
		errc <- err
	}()

	// parked at capacity
	time.Sleep(30 * time.Millisecond)
	assert.Greater(t, fs.Stalls(), uint64(0))

	fs.Release()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrReleased)
	case <-time.After(time.Second):
		t.Fatal("Signal still blocked after Release")
	}
}

func TestFrameSyncReleaseUnblocksConsumer(t *testing.T) {
	fs := NewFrameSync(4)

	errc := make(chan error, 1)
	go func() {
		_, err := fs.WaitAndTake(time.Minute)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	fs.Release()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrReleased)
	case <-time.After(time.Second):
		t.Fatal("WaitAndTake still blocked after Release")
	}
}

func TestFrameSyncCallsAfterReleaseReturnImmediately(t *testing.T) {
	fs := NewFrameSync(1)
	fs.Release()
	fs.Release()
	assert.True(t, fs.Released())

	start := time.Now()
	_, err := fs.Signal()
	assert.ErrorIs(t, err, ErrReleased)
	_, err = fs.WaitAndTake(time.Minute)
	assert.ErrorIs(t, err, ErrReleased)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
