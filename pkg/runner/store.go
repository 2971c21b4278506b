package runner

import (
	"sort"
	"sync"
)

// Store maps device ids to live sessions.
type Store interface {
	Get(deviceID string) (*Session, bool)
	Put(s *Session)
	// Delete removes s only if it is still the session stored for its device.
	Delete(s *Session)
	List() []*Session
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

func (m *MemoryStore) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Device.ID] = s
}

func (m *MemoryStore) Delete(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.Device.ID] == s {
		delete(m.sessions, s.Device.ID)
	}
}

// List returns sessions ordered by device id.
func (m *MemoryStore) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}
