package subscription

import (
	"context"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Entry
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{partitions: make(map[string]map[string]Entry)}
}

func (m *MemoryIndex) Upsert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := e.PartitionKey()
	rows, ok := m.partitions[pk]
	if !ok {
		rows = make(map[string]Entry)
		m.partitions[pk] = rows
	}
	rows[e.RowKey()] = e
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, tenantID, topic, subscriberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := PartitionKey(tenantID, topic)
	rows, ok := m.partitions[pk]
	if !ok {
		return nil
	}
	delete(rows, RowKey(subscriberID))
	if len(rows) == 0 {
		delete(m.partitions, pk)
	}
	return nil
}

// List returns entries ordered by row key.
func (m *MemoryIndex) List(_ context.Context, tenantID, topic string) ([]Entry, error) {
	m.mu.RLock()
	rows := m.partitions[PartitionKey(tenantID, topic)]
	out := make([]Entry, 0, len(rows))
	for _, e := range rows {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RowKey() < out[j].RowKey() })
	return out, nil
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }
