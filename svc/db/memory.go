package db

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store for tests and embedded use.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = cp
	if meta != nil {
		mc := make(map[string]string, len(meta))
		for k, v := range meta {
			mc[k] = v
		}
		m.meta[key] = mc
	} else {
		delete(m.meta, key)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.meta, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Metadata returns a copy of the custom metadata stored with key, nil
// when none was supplied.
func (m *Memory) Metadata(key string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[key]
	if !ok {
		return nil
	}
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

func (m *Memory) Close() error { return nil }
