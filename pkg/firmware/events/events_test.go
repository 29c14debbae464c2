package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetThenWait(t *testing.T) {
	g := NewGroup()
	g.Set(0x5)

	got, err := g.Wait(0x1, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x1), got)

	// The unconsumed bit is still there for another waiter.
	got, err = g.Wait(0x4, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x4), got)
}

func TestWaitTimeout(t *testing.T) {
	g := NewGroup()
	start := time.Now()
	got, err := g.Wait(0xff, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint32(0), got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitWakesOnSet(t *testing.T) {
	g := NewGroup()
	done := make(chan uint32, 1)
	go func() {
		got, err := g.Wait(0x8, time.Second)
		assert.NoError(t, err)
		done <- got
	}()

	time.Sleep(5 * time.Millisecond)
	g.Set(0x8)

	select {
	case got := <-done:
		assert.Equal(t, uint32(0x8), got)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitClearsOnlyConsumedBits(t *testing.T) {
	g := NewGroup()
	g.Set(0x3)
	got, err := g.Wait(0x7, 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x3), got)
	// Nothing left.
	assert.Equal(t, uint32(0), g.Poll(0xffffffff, false))
}

func TestPoll(t *testing.T) {
	g := NewGroup()
	g.Set(0x30)
	assert.Equal(t, uint32(0x10), g.Poll(0x10, false))
	assert.Equal(t, uint32(0x10), g.Poll(0x10, true))
	assert.Equal(t, uint32(0), g.Poll(0x10, false))
	assert.Equal(t, uint32(0x20), g.Poll(0xff, false))
}

func TestTwoWaitersIndependentMasks(t *testing.T) {
	g := NewGroup()
	var wg sync.WaitGroup
	results := make(chan uint32, 2)

	for _, mask := range []uint32{0x1, 0x2} {
		wg.Add(1)
		go func(mask uint32) {
			defer wg.Done()
			got, err := g.Wait(mask, time.Second)
			assert.NoError(t, err)
			results <- got
		}(mask)
	}

	time.Sleep(5 * time.Millisecond)
	g.Set(0x3)
	wg.Wait()
	close(results)

	total := uint32(0)
	for r := range results {
		total |= r
	}
	assert.Equal(t, uint32(0x3), total)
}

func TestManyProducersOneConsumer(t *testing.T) {
	g := NewGroup()
	const producers = 8
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(bit uint32) {
			defer wg.Done()
			g.Set(1 << bit)
		}(uint32(i))
	}
	wg.Wait()

	seen := uint32(0)
	for seen != 0xff {
		got, err := g.Wait(0xff, 100*time.Millisecond)
		assert.NoError(t, err)
		assert.Zero(t, seen&got, "a pulse must be delivered exactly once")
		seen |= got
	}
}
