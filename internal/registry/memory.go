package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Memory is the single-instance Store.
type Memory struct {
	mu       sync.Mutex
	instance string
	sessions map[string]Info
	total    int64
	closing  bool
	ready    bool
}

var _ Store = (*Memory)(nil)

func NewMemory(instance string) *Memory {
	return &Memory{instance: instance, sessions: make(map[string]Info)}
}

func (m *Memory) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *Memory) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) Closing() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *Memory) Ready() bool             { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *Memory) Add(info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[info.ID]; ok {
		return fmt.Errorf("session already registered: %s", info.ID)
	}
	if info.Instance == "" {
		info.Instance = m.instance
	}
	m.sessions[info.ID] = info
	m.total++
	return nil
}

func (m *Memory) SetState(id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	info.State = state
	m.sessions[id] = info
	return nil
}

func (m *Memory) get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[id]
	return info, ok
}

func (m *Memory) Remove(id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, info)
	}
	m.mu.Unlock()
	sortByCreated(out)
	return out
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Instance: m.instance, Active: len(m.sessions), Total: m.total, Cluster: len(m.sessions)}
	countStates(&st, m.sessions)
	return st
}

func (m *Memory) Close() error { return nil }

func countStates(st *Stats, sessions map[string]Info) {
	for _, info := range sessions {
		switch info.State {
		case "connecting":
			st.Connecting++
		case "bridged":
			st.Bridged++
		}
	}
}

func sortByCreated(list []Info) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Created.Equal(list[j].Created) {
			return list[i].ID < list[j].ID
		}
		return list[i].Created.Before(list[j].Created)
	})
}
