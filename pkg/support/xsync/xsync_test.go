package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	l.Trigger()
	l.Trigger() // No-op.
	wg.Wait()
	require.True(t, l.Test())
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	require.False(t, l.Test())
	go l.Trigger(7)
	assert.Equal(t, 7, l.Wait())
	l.Trigger(11)
	assert.Equal(t, 7, l.Wait(), "only the first Trigger value is kept")

	triggered := NewTriggeredLatchWithValue[error](nil)
	require.True(t, triggered.Test())
	require.NoError(t, triggered.Wait())
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero count returns immediately.

	wg.Add(2)
	require.Equal(t, 2, wg.Count())
	done := NewLatch()
	go func() {
		wg.Wait()
		done.Trigger()
	}()
	wg.Done()
	time.Sleep(10 * time.Millisecond)
	require.False(t, done.Test())

	// Adding while someone is waiting.
	wg.Add(1)
	wg.Done()
	wg.Done()
	done.Wait()
	require.Equal(t, 0, wg.Count())
	require.Panics(t, func() { wg.Done() })
}
