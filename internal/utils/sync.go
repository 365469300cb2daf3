package utils

import (
	"sync"
)

// OptionalRWMutex guards state that may or may not be shared between goroutines. Owners that
// are externally synchronized leave it disabled and every method becomes a no-op. It must be
// enabled before first use and never toggled afterward.
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	enabled bool
}

func (m *OptionalRWMutex) Enable() {
	m.enabled = true
}

func (m *OptionalRWMutex) Enabled() bool {
	return m.enabled
}

func (m *OptionalRWMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.enabled {
		m.mutex.RUnlock()
	}
}
