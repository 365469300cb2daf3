package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalRWMutexDisabledIsReentrant(t *testing.T) {
	var m OptionalRWMutex
	require.False(t, m.Enabled())

	// Would deadlock if the mutex were live
	m.Lock()
	m.Lock()
	m.Unlock()
	m.Unlock()
}

func TestOptionalRWMutexEnabled(t *testing.T) {
	var m OptionalRWMutex
	m.Enable()
	require.True(t, m.Enabled())

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

	m.RLock()
	defer m.RUnlock()
	require.Equal(t, 8000, counter)
}
