// Package registry holds the operator's current monitor selection.
//
// Each console session (one browser tab) owns a small key/value store whose
// well-known key ActiveEndpointKey names the monitor backend the session is
// looking at. UI-facing handlers write it; pollers only read it through the
// Reader interface.
package registry

import "sync"

// ActiveEndpointKey is the key under which the selected monitor URL is stored.
const ActiveEndpointKey = "activeMonitorEndpoint"

// Reader is the read capability consumed by pollers.
type Reader interface {
	// Get returns the most recently written value for key and true, or ""
	// and false when the key has never been written (or was deleted).
	Get(key string) (string, bool)
}

// Memory is an in-memory, concurrency-safe key/value store. The zero value is
// ready to use.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Get implements Reader.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}
