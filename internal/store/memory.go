package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chp-go/chp/internal/trie"
)

// snapshot is an immutable routes map; readers load it lock-free while
// writers build a new one and swap the pointer: an atomic-pointer-held
// immutable snapshot with a single writer mutex.
type snapshot struct {
	routes map[string]Data
}

// MemoryStore is the in-memory Store backend: a hash map for O(1) exact
// lookups, plus a trie mirroring the same set for prefix lookups.
type MemoryStore struct {
	routes atomic.Pointer[snapshot]

	// opMu serializes writers; readers never block on it. This gives the
	// invariant "lookup after add returns" without read-side locking for
	// the exact-match path, and with a short read-lock on trieMu for the
	// trie-backed prefix path.
	opMu   sync.Mutex
	trieMu sync.RWMutex
	root   *trie.Node
}

// NewMemoryStore returns an empty in-memory route store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{root: trie.New()}
	s.routes.Store(&snapshot{routes: make(map[string]Data)})
	return s
}

func (s *MemoryStore) load() map[string]Data {
	snap := s.routes.Load()
	if snap == nil {
		return nil
	}
	return snap.routes
}

func (s *MemoryStore) Add(path string, data Data) error {
	if _, ok := data.Target(); !ok {
		return ErrNoTarget
	}
	path = canonical(path)
	withTime := data.withLastActivity(time.Now())

	s.opMu.Lock()
	defer s.opMu.Unlock()

	old := s.load()
	next := make(map[string]Data, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[path] = withTime
	s.routes.Store(&snapshot{routes: next})

	s.trieMu.Lock()
	s.root.Add(path, withTime)
	s.trieMu.Unlock()
	return nil
}

func (s *MemoryStore) Update(path string, patch Data) {
	path = canonical(path)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	old := s.load()
	existing, ok := old[path]
	if !ok {
		return
	}
	merged := existing.merge(patch)

	next := make(map[string]Data, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[path] = merged
	s.routes.Store(&snapshot{routes: next})

	s.trieMu.Lock()
	s.root.Add(path, merged)
	s.trieMu.Unlock()
}

func (s *MemoryStore) Remove(path string) (Data, bool) {
	path = canonical(path)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	old := s.load()
	removed, ok := old[path]
	if ok {
		next := make(map[string]Data, len(old))
		for k, v := range old {
			if k == path {
				continue
			}
			next[k] = v
		}
		s.routes.Store(&snapshot{routes: next})
	}

	s.trieMu.Lock()
	s.root.Remove(path)
	s.trieMu.Unlock()

	return removed, ok
}

func (s *MemoryStore) Get(path string) (Data, bool) {
	d, ok := s.load()[canonical(path)]
	return d, ok
}

func (s *MemoryStore) GetTarget(path string) (TargetMatch, bool) {
	s.trieMu.RLock()
	node := s.root.Get(path)
	s.trieMu.RUnlock()

	if node == nil {
		return TargetMatch{}, false
	}
	raw, ok := node.Data()
	if !ok {
		return TargetMatch{}, false
	}
	return TargetMatch{Prefix: node.Prefix(), Data: raw.(Data)}, true
}

func (s *MemoryStore) GetAll() map[string]Data {
	old := s.load()
	out := make(map[string]Data, len(old))
	for k, v := range old {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) Touch(path string) {
	s.Update(path, Data{keyLastActivity: time.Now()})
}

func (s *MemoryStore) Close() error { return nil }
