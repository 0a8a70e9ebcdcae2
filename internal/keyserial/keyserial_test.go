package keyserial

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_SameKeyNeverOverlaps(t *testing.T) {
	ex := NewExecutor()

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ex.Do("identity:123", func() error {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "operations on the same key overlapped")
}

func TestExecutor_DifferentKeysRunConcurrently(t *testing.T) {
	ex := NewExecutor()

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = ex.Do("a", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = ex.Do("b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("operation on a different key was blocked")
	}
	close(release)
}

func TestExecutor_EntriesAreReleased(t *testing.T) {
	ex := NewExecutor()

	require.NoError(t, ex.Do("k", func() error { return nil }))

	ex.mu.Lock()
	defer ex.mu.Unlock()
	assert.Empty(t, ex.keys)
}
