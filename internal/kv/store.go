package kv

import (
	"sort"
	"strings"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/google/btree"
)

const (
	// DefaultShards is the shard count used by NewStore.
	DefaultShards = 32
	btreeDegree   = 16
)

type entry struct {
	key   string
	value []byte
}

func entryLess(a, b entry) bool { return a.key < b.key }

type shard struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

// Store is a concurrent in-memory key-value map. Keys are spread over
// independently locked shards; each shard keeps its keys ordered so prefix
// scans do not walk unrelated keys.
type Store struct {
	shards []*shard
}

// NewStore creates an empty store with DefaultShards shards.
func NewStore() *Store {
	return NewStoreWithShards(DefaultShards)
}

// NewStoreWithShards creates an empty store with n shards (minimum 1).
func NewStoreWithShards(n int) *Store {
	if n < 1 {
		n = 1
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{tree: btree.NewG[entry](btreeDegree, entryLess)}
	}
	return s
}

// KeyHash returns the fingerprint used to place key on a shard.
func KeyHash(key string) uint64 {
	return farm.Fingerprint64([]byte(key))
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[KeyHash(key)%uint64(len(s.shards))]
}

// Set stores a copy of value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) {
	sh := s.shardFor(key)
	e := entry{key: key, value: cloneBytes(value)}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.tree.ReplaceOrInsert(e)
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.tree.Get(entry{key: key})
	if !ok {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Pop removes key and returns the value it held.
// Popping an absent key reports (nil, false) and changes nothing.
func (s *Store) Pop(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.tree.Delete(entry{key: key})
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Delete removes key and returns 1 if it was present, 0 otherwise.
func (s *Store) Delete(key string) int64 {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.tree.Delete(entry{key: key}); ok {
		return 1
	}
	return 0
}

// KeysWithPrefix returns every key starting with prefix in ascending byte
// order. Shards are visited one at a time, so under concurrent writes the
// result is not a single atomic snapshot.
func (s *Store) KeysWithPrefix(prefix string) []string {
	keys := make([]string, 0)
	for _, sh := range s.shards {
		sh.mu.RLock()
		sh.tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
			if !strings.HasPrefix(e.key, prefix) {
				return false
			}
			keys = append(keys, e.key)
			return true
		})
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *Store) Len() int64 {
	var n int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += int64(sh.tree.Len())
		sh.mu.RUnlock()
	}
	return n
}

// Apply executes cmd against the store. Unknown command types are ignored.
func (s *Store) Apply(cmd Command) Result {
	switch cmd.Type {
	case SetCmd:
		s.Set(cmd.Key, cmd.Value)
		return Result{}
	case DeleteCmd:
		n := s.Delete(cmd.Key)
		return Result{Count: n, Found: n > 0}
	case PopCmd:
		v, ok := s.Pop(cmd.Key)
		return Result{Value: v, Found: ok}
	}
	return Result{}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
