package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemorySize = 128

// Memory is a bounded in-process store.
type Memory struct {
	items *lru.Cache[string, string]
}

// NewMemory creates a store holding at most size keys. A non-positive size
// uses the default.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = defaultMemorySize
	}
	// lru.New only fails for non-positive sizes.
	items, _ := lru.New[string, string](size)
	return &Memory{items: items}
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	v, ok := m.items.Get(key)
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.items.Add(key, value)
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.items.Remove(key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	return m.items.Len()
}
