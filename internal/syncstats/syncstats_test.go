package syncstats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutex_LockUnlockCounts(t *testing.T) {
	class := NewClass("lru")
	m := NewMutex(class)

	m.Lock()
	m.Unlock()
	m.Lock()
	m.Unlock()

	snap := class.Snapshot()
	require.Equal(t, uint64(1), snap.Creates)
	require.Equal(t, uint64(2), snap.Locks)
	require.Equal(t, uint64(2), snap.Unlocks)
}

func TestMutex_UnlockNotHeldPanics(t *testing.T) {
	m := NewMutex(NewClass("timer"))
	require.Panics(t, func() { m.Unlock() })
}

func TestMutex_TryLockContention(t *testing.T) {
	class := NewClass("vsl")
	m := NewMutex(class)

	m.Lock()
	ok := m.TryLock()
	require.False(t, ok)
	m.Unlock()

	ok = m.TryLock()
	require.True(t, ok)
	m.Unlock()

	snap := class.Snapshot()
	require.Equal(t, uint64(1), snap.Contentions)
}

func TestCond_SignalWakesOneWaiter(t *testing.T) {
	class := NewClass("tcppool")
	m := NewMutex(class)
	cond := NewCond(m, class)

	ready := make(chan struct{})
	woke := make(chan struct{}, 1)
	waiting := false

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Lock()
		waiting = true
		close(ready)
		cond.Wait()
		m.Unlock()
		woke <- struct{}{}
	}()

	<-ready
	for {
		m.Lock()
		w := waiting
		m.Unlock()
		if w {
			break
		}
	}

	m.Lock()
	cond.Signal()
	m.Unlock()

	wg.Wait()
	<-woke

	snap := class.Snapshot()
	require.Equal(t, uint64(1), snap.Waits)
}
