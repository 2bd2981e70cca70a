package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryClient keeps published messages in memory. Fail* fields inject errors.
type MemoryClient struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	connects int

	FailConnect error
	FailAssert  error
	FailPublish error
}

// NewMemoryClient creates an empty in-memory broker.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{queues: make(map[string][][]byte)}
}

func (m *MemoryClient) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return m.FailConnect
}

func (m *MemoryClient) AssertQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAssert != nil {
		return m.FailAssert
	}
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = nil
	}
	return nil
}

func (m *MemoryClient) Publish(_ context.Context, name string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPublish != nil {
		return m.FailPublish
	}
	if _, ok := m.queues[name]; !ok {
		return fmt.Errorf("queue %q does not exist", name)
	}
	m.queues[name] = append(m.queues[name], append([]byte(nil), body...))
	return nil
}

func (m *MemoryClient) Close() error { return nil }

// Messages returns the bodies published to name.
func (m *MemoryClient) Messages(name string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.queues[name]...)
}

// Connects returns how many times Connect was called.
func (m *MemoryClient) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}
