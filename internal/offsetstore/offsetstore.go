// Package offsetstore is the durable per-stream cursor every node adapter
// resumes from: a write-through cached wrapper around a pluggable
// persistence backend (internal/storage/postgres provides the concrete
// one), namespaced so on-chain and Lightning offsets for the same node
// never collide in the same table.
package offsetstore

import (
	"context"
	"sync"

	"gitlab.com/arcanecrypto/payday/build/teslalog"
	"gitlab.com/arcanecrypto/payday/internal/coreerr"
)

var log = teslalog.New("OFST")

// UseLogger rebinds the package logger. Called once by build.init().
func UseLogger(logger *teslalog.Logger) {
	log = logger
}

// OnChainNamespace prefixes a node_id into the id an on-chain stream's
// offset is stored under. The prefix is applied here, inside the store
// boundary, and never leaked to callers working in terms of node_id.
func OnChainNamespace(nodeID string) string {
	return "onchain:" + nodeID
}

// LightningNamespace is OnChainNamespace's Lightning-stream counterpart.
func LightningNamespace(nodeID string) string {
	return "lightning:" + nodeID
}

// Store is the durable persistence contract a concrete backend implements.
// It knows nothing about caching or namespacing; Cache below layers both on
// top of any Store.
type Store interface {
	// Get returns the durably stored offset for id, or ok=false if none
	// has ever been written.
	Get(ctx context.Context, id string) (offset uint64, ok bool, err error)
	// Set durably stores offset for id, unconditionally overwriting
	// whatever was there (an upsert). Monotonicity is Cache's job, not
	// the backend's.
	Set(ctx context.Context, id string, offset uint64) error
}

// Cache is a write-through cache in front of a Store: reads hit the cache
// first and only fall back to the backend on a miss; writes enforce
// monotonic advancement before ever reaching the backend, so a
// stale or reordered Set can never regress a stream's cursor.
type Cache struct {
	backend Store

	mu     sync.Mutex
	values map[string]uint64
	locks  map[string]*sync.Mutex
}

// NewCache wraps backend with a write-through, monotonic-advancement cache.
func NewCache(backend Store) *Cache {
	return &Cache{backend: backend, values: map[string]uint64{}, locks: map[string]*sync.Mutex{}}
}

// idLock returns the mutex serializing Set's check-and-advance for id,
// creating it on first use. mu only ever guards the O(1) lookup/insert
// into the locks map itself; the returned mutex is what Set holds across
// the durable write, so two concurrent Sets for the SAME id can never race
// past the monotonic guard. Sets for different ids use different mutexes
// and never contend with each other.
func (c *Cache) idLock(id string) *sync.Mutex {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()
	return l
}

// Get returns the largest offset previously stored for id, or 0 if absent.
func (c *Cache) Get(ctx context.Context, id string) (uint64, error) {
	c.mu.Lock()
	if cached, ok := c.values[id]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	offset, ok, err := c.backend.Get(ctx, id)
	if err != nil {
		return 0, coreerr.Wrap(err, coreerr.Db)
	}
	if !ok {
		return 0, nil
	}

	c.mu.Lock()
	c.values[id] = offset
	c.mu.Unlock()
	return offset, nil
}

// Set stores offset for id if, and only if, it is strictly greater than
// the currently known value (cached or durable); otherwise it is a no-op.
// The cache is only updated after a successful durable write, so a failed
// write never makes Get lie about what's actually persisted.
//
// The read (current), the durable write, and the cache update all happen
// under id's own lock, so two concurrent Set(id, a) / Set(id, b) calls
// never both observe the same stale current and race the backend/cache
// write: whichever runs second always sees the first one's result, and
// Get(id) converges to max(a, b) once both have returned.
func (c *Cache) Set(ctx context.Context, id string, offset uint64) error {
	lock := c.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if offset <= current {
		return nil
	}

	if err := c.backend.Set(ctx, id, offset); err != nil {
		return coreerr.Wrap(err, coreerr.Db)
	}

	c.mu.Lock()
	c.values[id] = offset
	c.mu.Unlock()

	log.WithField("id", id).WithField("offset", offset).Debug("advanced offset")
	return nil
}
