package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalRWMutexDisabledNeverBlocks(t *testing.T) {
	m := OptionalRWMutex{UseMutex: false}
	m.Lock()
	m.Lock()
	m.RLock()
	m.RUnlock()
	m.Unlock()
	m.Unlock()
}

func TestOptionalRWMutexEnabledExcludes(t *testing.T) {
	m := OptionalRWMutex{UseMutex: true}
	m.Lock()
	require.False(t, m.Mutex.TryRLock())
	m.Unlock()
	require.True(t, m.Mutex.TryRLock())
	m.Mutex.RUnlock()
}

func TestOptionalMutexCounts(t *testing.T) {
	m := OptionalMutex{UseMutex: true}
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}
