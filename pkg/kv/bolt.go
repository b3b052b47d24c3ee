package kv

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// dataBucket holds every key in the store. The keyspace prefixes in
// pkg/keyspace (node:, task:, events:, ...) give the namespacing a
// bucket-per-entity layout would otherwise provide, matching §4.2's
// "prefix collisions are forbidden" rule instead of bbolt's own buckets.
var dataBucket = []byte("kv")

// BoltStore is the embedded ordered KV backend, grounded on
// pkg/storage/boltdb.go's bucket-per-namespace, json.Marshal/cursor-scan
// pattern, generalized to the byte-keyed Store surface.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) an embedded store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "sms.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open bbolt at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(dataBucket)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return out, found, nil
}

func (s *BoltStore) Put(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		if b.Get([]byte(key)) != nil {
			existed = true
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return existed, nil
}

func (s *BoltStore) Exists(_ context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(dataBucket).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("kv: exists %s: %w", key, err)
	}
	return exists, nil
}

func (s *BoltStore) ScanPrefix(_ context.Context, prefix string) ([]KVPair, error) {
	var out []KVPair
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out = append(out, KVPair{Key: string(k), Value: cloneBytes(v)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: scan_prefix %s: %w", prefix, err)
	}
	return out, nil
}

func (s *BoltStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	pairs, err := s.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	return keys, nil
}

func (s *BoltStore) Range(_ context.Context, startIncl, endExcl string, opts RangeOptions) ([]KVPair, error) {
	var out []KVPair
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dataBucket).Cursor()
		var k, v []byte
		if startIncl != "" {
			k, v = c.Seek([]byte(startIncl))
		} else {
			k, v = c.First()
		}
		end := []byte(endExcl)
		for ; k != nil; k, v = c.Next() {
			if endExcl != "" && bytes.Compare(k, end) >= 0 {
				break
			}
			out = append(out, KVPair{Key: string(k), Value: cloneBytes(v)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: range: %w", err)
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

func (s *BoltStore) BatchPut(_ context.Context, pairs []KVPair) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for _, p := range pairs {
			if err := b.Put([]byte(p.Key), p.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv: batch_put: %w", err)
	}
	return nil
}

func (s *BoltStore) BatchDelete(_ context.Context, keys []string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv: batch_delete: %w", err)
	}
	return nil
}

func (s *BoltStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(dataBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("kv: count: %w", err)
	}
	return n, nil
}
