// Package kv is the byte-keyed, byte-valued ordered storage abstraction
// every other package in this module builds on. Two backends satisfy
// Store: Memory (an in-process ordered map) and BoltStore (an embedded
// ordered KV backed by go.etcd.io/bbolt).
package kv

import "context"

// KVPair is one (key, value) result from a scan or range read.
type KVPair struct {
	Key   string
	Value []byte
}

// RangeOptions tunes a Range read.
type RangeOptions struct {
	Limit   int
	Reverse bool
}

// Store is the ordered, byte-keyed key-value abstraction. Implementations
// must be safe for concurrent use and must serve reads in total order
// with respect to a completed write on the same key.
type Store interface {
	// Get returns (nil, false, nil) when the key is absent. A storage or
	// I/O failure is returned as a non-nil error, never as a bare miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	// ScanPrefix returns all pairs whose key has the given prefix, in
	// lexicographic key order.
	ScanPrefix(ctx context.Context, prefix string) ([]KVPair, error)
	// KeysWithPrefix is ScanPrefix without the values.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Range returns pairs with startIncl <= key < endExcl in lexicographic
	// order (or the reverse, when opts.Reverse is set), capped at
	// opts.Limit pairs when positive.
	Range(ctx context.Context, startIncl, endExcl string, opts RangeOptions) ([]KVPair, error)

	// BatchPut and BatchDelete apply each operation independently;
	// atomicity is per-operation, not across the batch.
	BatchPut(ctx context.Context, pairs []KVPair) error
	BatchDelete(ctx context.Context, keys []string) error

	// Count is best-effort and may be O(n) on the bolt backend.
	Count(ctx context.Context) (int, error)

	Close() error
}
