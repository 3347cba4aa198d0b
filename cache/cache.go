package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Generation is a point in the cache's invalidation history. Capture it
// before reading the data a forecast is built from and hand it to PutIfNewer.
type Generation uint64

// Cache is the bounded in-memory forecast store. Thread-safe.
// Persister I/O always happens outside the lock and after the in-memory
// change, so a failing medium never loses the value being served. Persister
// calls run one at a time in the order of the in-memory changes.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	order   []Key // insertion order, oldest first
	opts    Options

	// gen advances on every invalidation; the marks record the generation
	// at which a product, a location or everything was last invalidated.
	gen           Generation
	allMark       Generation
	productMarks  map[string]Generation
	locationMarks map[string]Generation

	mirror *mirror
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	return &Cache{
		entries:       make(map[Key]Entry),
		order:         make([]Key, 0),
		opts:          applyOptions(opts...),
		productMarks:  make(map[string]Generation),
		locationMarks: make(map[string]Generation),
		mirror:        newMirror(),
	}
}

// Get returns the entry stored under key.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key.normalized()]
	return entry, ok
}

// Generation returns the current invalidation generation.
func (c *Cache) Generation() Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Put replaces any entry with the same key and appends entry as the newest.
// Entries beyond capacity are evicted oldest first. The returned error only
// reports persister failures; the in-memory write always succeeds.
func (c *Cache) Put(ctx context.Context, entry Entry) error {
	c.mu.Lock()
	evicted := c.putLocked(entry)
	ticket := c.reserveLocked()
	c.mu.Unlock()

	return c.persist(ticket, func(p Persister) error {
		return c.mirrorPut(ctx, p, entry, evicted)
	})
}

// PutIfNewer stores entry unless its key was invalidated after since, or the
// cache already holds a result for the same key computed after
// entry.ComputedAt. It reports whether entry was stored.
func (c *Cache) PutIfNewer(ctx context.Context, entry Entry, since Generation) (bool, error) {
	k := entry.Key.normalized()

	c.mu.Lock()
	if c.invalidatedSinceLocked(k, since) {
		c.mu.Unlock()
		c.opts.Logger.Debug("discarded forecast computed before invalidation",
			slog.String("key", k.String()),
			slog.Time("computed_at", entry.ComputedAt),
		)
		return false, nil
	}
	if current, ok := c.entries[k]; ok && current.ComputedAt.After(entry.ComputedAt) {
		c.mu.Unlock()
		c.opts.Logger.Debug("discarded superseded forecast",
			slog.String("key", k.String()),
			slog.Time("computed_at", entry.ComputedAt),
			slog.Time("current_computed_at", current.ComputedAt),
		)
		return false, nil
	}
	evicted := c.putLocked(entry)
	ticket := c.reserveLocked()
	c.mu.Unlock()

	return true, c.persist(ticket, func(p Persister) error {
		return c.mirrorPut(ctx, p, entry, evicted)
	})
}

// Invalidate removes every entry for productID. Results computed before the
// call are refused by PutIfNewer afterwards.
func (c *Cache) Invalidate(ctx context.Context, productID string) (int, error) {
	return c.removeWhere(ctx,
		func(k Key) bool { return k.ProductID == productID },
		func(gen Generation) { c.productMarks[productID] = gen },
	)
}

// InvalidateByLocation removes every entry for locationID. Pass AllLocations
// (or "") to drop the aggregated entries.
func (c *Cache) InvalidateByLocation(ctx context.Context, locationID string) (int, error) {
	target := Key{LocationID: locationID}.Location()
	return c.removeWhere(ctx,
		func(k Key) bool { return k.Location() == target },
		func(gen Generation) { c.locationMarks[target] = gen },
	)
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[Key]Entry)
	c.order = make([]Key, 0)
	c.gen++
	c.allMark = c.gen
	// Older marks are all covered by allMark.
	c.productMarks = make(map[string]Generation)
	c.locationMarks = make(map[string]Generation)
	ticket := c.reserveLocked()
	c.mu.Unlock()

	c.opts.Logger.Debug("invalidated all forecasts", slog.Int("count", n))

	return c.persist(ticket, func(p Persister) error {
		return persistErr("clear", p.Clear(ctx))
	})
}

// IsStale reports whether entry is at least maxAge old. The boundary counts as stale.
func (c *Cache) IsStale(entry Entry, maxAge time.Duration) bool {
	return c.opts.Clock().Sub(entry.ComputedAt) >= maxAge
}

// SweepStale removes entries strictly older than maxAge and returns how many
// went. Sweeping is age based and does not refuse in-flight results.
func (c *Cache) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	now := c.opts.Clock()

	c.mu.Lock()
	var removed []Key
	for _, k := range c.order {
		if now.Sub(c.entries[k].ComputedAt) > maxAge {
			removed = append(removed, k)
		}
	}
	for _, k := range removed {
		c.deleteLocked(k)
	}
	ticket := c.reserveLocked()
	c.mu.Unlock()

	if len(removed) > 0 {
		c.opts.Logger.Debug("swept stale forecasts", slog.Int("count", len(removed)), slog.Duration("max_age", maxAge))
	}
	return len(removed), c.persist(ticket, func(p Persister) error {
		return mirrorDelete(ctx, p, removed)
	})
}

// Entries returns a snapshot in insertion order, oldest first.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.entries[k])
	}
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Capacity returns the configured bound.
func (c *Cache) Capacity() int {
	return c.opts.Capacity
}

// Stats counts fresh and stale entries against maxAge.
func (c *Cache) Stats(maxAge time.Duration) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Entries:  len(c.entries),
		Capacity: c.opts.Capacity,
		Backend:  "memory",
	}
	if p := c.opts.Persister; p != nil {
		stats.Backend = "memory+" + p.Name()
	}

	now := c.opts.Clock()
	for _, entry := range c.entries {
		if now.Sub(entry.ComputedAt) >= maxAge {
			stats.Stale++
		} else {
			stats.Fresh++
		}
	}
	return stats
}

// Load replaces the in-memory contents with what the persister holds.
// On failure the cache is left untouched and every lookup simply misses.
func (c *Cache) Load(ctx context.Context) (int, error) {
	p := c.opts.Persister
	if p == nil {
		return 0, nil
	}

	entries, err := p.LoadAll(ctx)
	if err != nil {
		return 0, persistErr("load", err)
	}

	c.mu.Lock()
	c.entries = make(map[Key]Entry, len(entries))
	c.order = make([]Key, 0, len(entries))
	var evicted []Key
	for _, entry := range entries {
		evicted = append(evicted, c.putLocked(entry)...)
	}
	n := len(c.entries)
	ticket := c.reserveLocked()
	c.mu.Unlock()

	c.opts.Logger.Info("restored forecast cache", slog.String("backend", p.Name()), slog.Int("entries", n))
	return n, c.persist(ticket, func(p Persister) error {
		return mirrorDelete(ctx, p, evicted)
	})
}

// putLocked inserts entry as the newest and returns the keys evicted to stay
// within capacity. Must hold write lock.
func (c *Cache) putLocked(entry Entry) []Key {
	k := entry.Key.normalized()
	if _, exists := c.entries[k]; exists {
		c.removeFromOrder(k)
	}
	c.entries[k] = entry
	c.order = append(c.order, k)

	return c.enforceLimitLocked()
}

// enforceLimitLocked evicts oldest entries if capacity is exceeded. Must hold write lock.
func (c *Cache) enforceLimitLocked() []Key {
	var evicted []Key
	for len(c.order) > c.opts.Capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		evicted = append(evicted, oldest)
		delete(c.entries, oldest)
	}
	return evicted
}

func (c *Cache) deleteLocked(k Key) {
	delete(c.entries, k)
	c.removeFromOrder(k)
}

// removeFromOrder removes a key from the order slice.
func (c *Cache) removeFromOrder(key Key) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) invalidatedSinceLocked(k Key, since Generation) bool {
	return c.allMark > since ||
		c.productMarks[k.ProductID] > since ||
		c.locationMarks[k.Location()] > since
}

func (c *Cache) removeWhere(ctx context.Context, match func(Key) bool, mark func(Generation)) (int, error) {
	c.mu.Lock()
	var removed []Key
	for _, k := range c.order {
		if match(k) {
			removed = append(removed, k)
		}
	}
	for _, k := range removed {
		c.deleteLocked(k)
	}
	c.gen++
	mark(c.gen)
	ticket := c.reserveLocked()
	c.mu.Unlock()

	return len(removed), c.persist(ticket, func(p Persister) error {
		return mirrorDelete(ctx, p, removed)
	})
}

// reserveLocked takes the persister slot for the change just made. Must hold
// write lock, and every ticket must be passed to persist.
func (c *Cache) reserveLocked() uint64 {
	if c.opts.Persister == nil {
		return 0
	}
	return c.mirror.ticket()
}

func (c *Cache) persist(ticket uint64, fn func(Persister) error) error {
	p := c.opts.Persister
	if p == nil {
		return nil
	}
	return c.mirror.run(ticket, func() error { return fn(p) })
}

func (c *Cache) mirrorPut(ctx context.Context, p Persister, entry Entry, evicted []Key) error {
	return errors.Join(
		persistErr("save", p.Save(ctx, entry)),
		mirrorDelete(ctx, p, evicted),
	)
}

func mirrorDelete(ctx context.Context, p Persister, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	return persistErr("delete", p.Delete(ctx, keys...))
}

// mirror hands out tickets under the cache lock and runs persister calls
// strictly in ticket order.
type mirror struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newMirror() *mirror {
	m := &mirror{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mirror) ticket() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.next
	m.next++
	return t
}

func (m *mirror) run(ticket uint64, fn func() error) error {
	m.mu.Lock()
	for m.serving != ticket {
		m.cond.Wait()
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.serving++
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	return fn()
}
