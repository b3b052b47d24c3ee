package kv_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/kv"
)

// backends returns one fresh instance of each Store implementation the
// conformance suite below exercises.
func backends(t *testing.T) map[string]kv.Store {
	t.Helper()
	mem := kv.NewMemory()
	bolt, err := kv.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bolt.Close())
	})
	return map[string]kv.Store{
		"memory": mem,
		"bolt":   bolt,
	}
}

func TestStore_GetPutDeleteExists(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, s.Put(ctx, "k1", []byte("v1")))
			v, ok, err := s.Get(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("v1"), v)

			exists, err := s.Exists(ctx, "k1")
			require.NoError(t, err)
			require.True(t, exists)

			deleted, err := s.Delete(ctx, "k1")
			require.NoError(t, err)
			require.True(t, deleted)

			deletedAgain, err := s.Delete(ctx, "k1")
			require.NoError(t, err)
			require.False(t, deletedAgain)

			_, ok, err = s.Get(ctx, "k1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_ScanPrefixOrdering(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"task:b", "task:a", "task:c", "node:x"} {
				require.NoError(t, s.Put(ctx, k, []byte(k)))
			}
			pairs, err := s.ScanPrefix(ctx, "task:")
			require.NoError(t, err)
			require.Len(t, pairs, 3)
			require.Equal(t, []string{"task:a", "task:b", "task:c"}, keysOf(pairs))

			keys, err := s.KeysWithPrefix(ctx, "task:")
			require.NoError(t, err)
			require.Equal(t, []string{"task:a", "task:b", "task:c"}, keys)
		})
	}
}

func TestStore_Range(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c", "d", "e"} {
				require.NoError(t, s.Put(ctx, k, []byte(k)))
			}
			pairs, err := s.Range(ctx, "b", "d", kv.RangeOptions{})
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c"}, keysOf(pairs))

			limited, err := s.Range(ctx, "a", "", kv.RangeOptions{Limit: 2})
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, keysOf(limited))

			rev, err := s.Range(ctx, "a", "", kv.RangeOptions{Reverse: true, Limit: 2})
			require.NoError(t, err)
			require.Equal(t, []string{"e", "d"}, keysOf(rev))
		})
	}
}

func TestStore_BatchOps(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.BatchPut(ctx, []kv.KVPair{
				{Key: "x1", Value: []byte("1")},
				{Key: "x2", Value: []byte("2")},
			}))
			v1, ok, err := s.Get(ctx, "x1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("1"), v1)

			require.NoError(t, s.BatchDelete(ctx, []string{"x1", "x2"}))
			_, ok, err = s.Get(ctx, "x1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_CountBestEffort(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 0, n)

			require.NoError(t, s.Put(ctx, "a", []byte("1")))
			require.NoError(t, s.Put(ctx, "b", []byte("2")))
			n, err = s.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, n)
		})
	}
}

// Boundary behaviors from §8: empty values, large keys/values, unicode
// keys, and keys containing ":" / "/" all round-trip.
func TestStore_BoundaryRoundTrips(t *testing.T) {
	ctx := context.Background()
	bigKey := strings.Repeat("k", 10*1024)
	bigVal := make([]byte, 100*1024)
	for i := range bigVal {
		bigVal[i] = byte(i % 256)
	}
	cases := map[string][]byte{
		"":                 []byte("empty-key-value"),
		"empty-value":      {},
		bigKey:             bigVal,
		"unicode-é中文":       []byte("unicode value"),
		"with:colon/slash": []byte("punct"),
	}
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for k, v := range cases {
				require.NoError(t, s.Put(ctx, k, v))
				got, ok, err := s.Get(ctx, k)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, v, got)
			}
		})
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s1, err := kv.NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, "durable", []byte("v")))
	require.NoError(t, s1.Close())

	s2, err := kv.NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.Get(ctx, "durable")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.FileExists(t, filepath.Join(dir, "sms.db"))
}

func keysOf(pairs []kv.KVPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Key
	}
	return out
}
