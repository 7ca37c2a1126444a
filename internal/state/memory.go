package state

import (
	"context"
	"sort"
	"sync"
)

// Memory is the in-process store for single-worker deployments.
// A mutex-guarded set and map; no cross-process visibility.
type Memory struct {
	mu        sync.Mutex
	ports     map[int]struct{}
	instances map[string]InstanceRecord
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		ports:     make(map[int]struct{}),
		instances: make(map[string]InstanceRecord),
	}
}

func (m *Memory) TryReservePort(_ context.Context, port int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.ports[port]; taken {
		return false, nil
	}
	m.ports[port] = struct{}{}
	return true, nil
}

func (m *Memory) ReleasePort(_ context.Context, port int) error {
	m.mu.Lock()
	delete(m.ports, port)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReservedPorts(_ context.Context) ([]int, error) {
	m.mu.Lock()
	out := make([]int, 0, len(m.ports))
	for p := range m.ports {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Ints(out)
	return out, nil
}

func (m *Memory) PutInstance(_ context.Context, rec InstanceRecord) error {
	m.mu.Lock()
	m.instances[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*InstanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListInstances(_ context.Context) ([]InstanceRecord, error) {
	m.mu.Lock()
	out := make([]InstanceRecord, 0, len(m.instances))
	for _, rec := range m.instances {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }
