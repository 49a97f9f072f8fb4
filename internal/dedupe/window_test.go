// ABOUTME: Tests for the dedup window.
// ABOUTME: Validates duplicate suppression, TTL expiry, capacity eviction, and concurrency.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow_FirstObservationIsNotDuplicate(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	defer w.Close()

	assert.False(t, w.Observe("m1|!abc"))
	assert.True(t, w.Observe("m1|!abc"), "second observation within window is a duplicate")
}

func TestWindow_SameIDDifferentSender(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	defer w.Close()

	assert.False(t, w.Observe("m1|!abc"))
	assert.False(t, w.Observe("m1|!def"), "ids are not coordinated across nodes")
}

func TestWindow_ExpiryAllowsReprocessing(t *testing.T) {
	w := NewWindow(15*time.Millisecond, 10)
	defer w.Close()

	assert.False(t, w.Observe("m1|!abc"))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, w.Observe("m1|!abc"), "expired key is no longer a duplicate")
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	w := NewWindow(time.Minute, 3)
	defer w.Close()

	w.Observe("k1")
	w.Observe("k2")
	w.Observe("k3")
	w.Observe("k4") // evicts k1

	assert.False(t, w.contains("k1"))
	assert.True(t, w.contains("k2"))
	assert.True(t, w.contains("k4"))
	assert.Equal(t, 3, w.size())
}

func TestWindow_ObserveRefreshesPosition(t *testing.T) {
	w := NewWindow(time.Minute, 2)
	defer w.Close()

	w.Observe("k1")
	w.Observe("k2")
	w.Observe("k1") // duplicate, but moves k1 to the back
	w.Observe("k3") // evicts k2, not k1

	assert.True(t, w.contains("k1"))
	assert.False(t, w.contains("k2"))
}

func TestWindow_Defaults(t *testing.T) {
	w := NewWindow(0, 0)
	defer w.Close()

	w.Observe("k")
	assert.Equal(t, 1, w.size())
}

func TestWindow_ConcurrentObserve(t *testing.T) {
	w := NewWindow(time.Minute, 1000)
	defer w.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.Observe(fmt.Sprintf("g%d-m%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 800, w.size())
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	w.Close()
	w.Close()
}
