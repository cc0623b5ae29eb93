package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceIsMonotonic(t *testing.T) {
	n := New(5)
	assert.Equal(t, int64(5), n.Position())

	n.Advance(3)
	assert.Equal(t, int64(5), n.Position())

	n.Advance(8)
	assert.Equal(t, int64(8), n.Position())
}

func TestWaitReturnsImmediatelyWhenBehind(t *testing.T) {
	n := New(10)
	pos, err := n.Wait(context.Background(), 4, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
}

func TestWaitWakesOnAdvance(t *testing.T) {
	n := New(1)

	var wg sync.WaitGroup
	results := make([]int64, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pos, err := n.Wait(context.Background(), 1, 5*time.Second)
			assert.NoError(t, err)
			results[i] = pos
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	n.Advance(2)
	wg.Wait()

	for _, pos := range results {
		assert.Equal(t, int64(2), pos)
	}
}

func TestWaitTimesOut(t *testing.T) {
	n := New(1)
	start := time.Now()
	pos, err := n.Wait(context.Background(), 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitZeroTimeoutDoesNotBlock(t *testing.T) {
	n := New(1)
	pos, err := n.Wait(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
}

func TestWaitHonoursContext(t *testing.T) {
	n := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := n.Wait(ctx, 1, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseReleasesWaiters(t *testing.T) {
	n := New(1)
	done := make(chan int64)
	go func() {
		pos, _ := n.Wait(context.Background(), 1, time.Hour)
		done <- pos
	}()

	time.Sleep(20 * time.Millisecond)
	n.Close()

	select {
	case pos := <-done:
		assert.Equal(t, int64(1), pos)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	// Closing twice is harmless and advancing after close is ignored
	n.Close()
	n.Advance(9)
	assert.Equal(t, int64(1), n.Position())
}
