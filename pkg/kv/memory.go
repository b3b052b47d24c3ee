package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory ordered key-value store. Grounded on the
// teacher's sync.RWMutex + map idiom (pkg/worker.containers), generalized
// here to keep keys in sorted order so prefix scans and ranges are cheap.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sorted []string // kept sorted; binary-searched on insert/delete
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) indexOf(key string) (int, bool) {
	i := sort.SearchStrings(m.sorted, key)
	return i, i < len(m.sorted) && m.sorted[i] == key
}

func (m *Memory) insertSorted(key string) {
	i, found := m.indexOf(key)
	if found {
		return
	}
	m.sorted = append(m.sorted, "")
	copy(m.sorted[i+1:], m.sorted[i:])
	m.sorted[i] = key
}

func (m *Memory) removeSorted(key string) {
	i, found := m.indexOf(key)
	if !found {
		return
	}
	m.sorted = append(m.sorted[:i], m.sorted[i+1:]...)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	if _, exists := m.data[key]; !exists {
		m.insertSorted(key)
	}
	m.data[key] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.data[key]
	if existed {
		delete(m.data, key)
		m.removeSorted(key)
	}
	return existed, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) ScanPrefix(_ context.Context, prefix string) ([]KVPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KVPair
	start := sort.SearchStrings(m.sorted, prefix)
	for _, k := range m.sorted[start:] {
		if !hasPrefix(k, prefix) {
			break
		}
		out = append(out, KVPair{Key: k, Value: cloneBytes(m.data[k])})
	}
	return out, nil
}

func (m *Memory) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	pairs, err := m.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	return keys, nil
}

func (m *Memory) Range(_ context.Context, startIncl, endExcl string, opts RangeOptions) ([]KVPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo := 0
	if startIncl != "" {
		lo = sort.SearchStrings(m.sorted, startIncl)
	}
	var out []KVPair
	for _, k := range m.sorted[lo:] {
		if endExcl != "" && k >= endExcl {
			break
		}
		out = append(out, KVPair{Key: k, Value: cloneBytes(m.data[k])})
	}
	if opts.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) BatchPut(ctx context.Context, pairs []KVPair) error {
	for _, p := range pairs {
		if err := m.Put(ctx, p.Key, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) BatchDelete(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}

func (m *Memory) Close() error { return nil }

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
