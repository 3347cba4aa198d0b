package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/forecast"
	"github.com/karloscodes/stockcast/testsupport"
)

var epoch = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func key(product string) cache.Key {
	return cache.Key{ProductID: product, Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage}
}

func entry(k cache.Key, avg float64, computedAt time.Time) cache.Entry {
	return cache.Entry{
		Key:        k,
		Result:     forecast.Result{AverageDaily: avg, PeakDaily: avg},
		ComputedAt: computedAt,
	}
}

// failingPersister fails every call.
type failingPersister struct{}

var errMedium = errors.New("disk on fire")

func (failingPersister) Save(context.Context, cache.Entry) error        { return errMedium }
func (failingPersister) Delete(context.Context, ...cache.Key) error     { return errMedium }
func (failingPersister) Clear(context.Context) error                    { return errMedium }
func (failingPersister) LoadAll(context.Context) ([]cache.Entry, error) { return nil, errMedium }
func (failingPersister) Name() string                                   { return "failing" }

func TestKey(t *testing.T) {
	k := cache.Key{ProductID: "p1", Horizon: forecast.Horizon60, Method: forecast.MethodEWMA}
	assert.Equal(t, "p1|all|60|ewma", k.String())

	explicit := k
	explicit.LocationID = cache.AllLocations
	assert.Equal(t, k.String(), explicit.String())
	assert.Empty(t, explicit.Request().LocationID)

	k.LocationID = "store-7"
	assert.Equal(t, "p1|store-7|60|ewma", k.String())
	assert.Equal(t, "store-7", k.Request().LocationID)
}

func TestKeyWithSeparatorsStaysDistinct(t *testing.T) {
	ctx := context.Background()
	c := cache.New()

	left := cache.Key{ProductID: "a|b", LocationID: "c", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage}
	right := cache.Key{ProductID: "a", LocationID: "b|c", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage}
	slashed := cache.Key{ProductID: `a\`, LocationID: "|c", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage}
	assert.NotEqual(t, left.String(), right.String())
	assert.NotEqual(t, right.String(), slashed.String())
	assert.Equal(t, `a\|b|c|30|moving_average`, left.String())

	require.NoError(t, c.Put(ctx, entry(left, 1, epoch)))
	require.NoError(t, c.Put(ctx, entry(right, 2, epoch)))
	assert.Equal(t, 2, c.Len())

	got, ok := c.Get(left)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Result.AverageDaily)
	got, ok = c.Get(right)
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Result.AverageDaily)

	// "" and "all" still address the same entry.
	aggregated := key("p1")
	require.NoError(t, c.Put(ctx, entry(aggregated, 3, epoch)))
	aggregated.LocationID = cache.AllLocations
	got, ok = c.Get(aggregated)
	require.True(t, ok)
	assert.Equal(t, 3.0, got.Result.AverageDaily)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	c := cache.New()

	_, ok := c.Get(key("missing"))
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, entry(key("p1"), 5, epoch)))
	got, ok := c.Get(key("p1"))
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Result.AverageDaily)

	// Overwrite replaces the value and moves the key to the newest position
	require.NoError(t, c.Put(ctx, entry(key("p2"), 1, epoch)))
	require.NoError(t, c.Put(ctx, entry(key("p1"), 7, epoch)))
	assert.Equal(t, 2, c.Len())

	got, _ = c.Get(key("p1"))
	assert.Equal(t, 7.0, got.Result.AverageDaily)

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "p2", entries[0].Key.ProductID)
	assert.Equal(t, "p1", entries[1].Key.ProductID)
}

func TestFIFOEviction(t *testing.T) {
	ctx := context.Background()
	c := cache.New()
	assert.Equal(t, cache.DefaultCapacity, c.Capacity())

	for i := 0; i < 150; i++ {
		require.NoError(t, c.Put(ctx, entry(key(fmt.Sprintf("p%03d", i)), float64(i), epoch)))
	}

	assert.Equal(t, 100, c.Len())
	for i := 0; i < 50; i++ {
		_, ok := c.Get(key(fmt.Sprintf("p%03d", i)))
		assert.False(t, ok, "entry %d should be evicted", i)
	}
	for i := 50; i < 150; i++ {
		_, ok := c.Get(key(fmt.Sprintf("p%03d", i)))
		assert.True(t, ok, "entry %d should remain", i)
	}
}

func TestFIFONotLRU(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.WithCapacity(2))

	require.NoError(t, c.Put(ctx, entry(key("a"), 1, epoch)))
	require.NoError(t, c.Put(ctx, entry(key("b"), 1, epoch)))

	// Reads do not refresh position
	_, ok := c.Get(key("a"))
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, entry(key("c"), 1, epoch)))
	_, ok = c.Get(key("a"))
	assert.False(t, ok)
	_, ok = c.Get(key("b"))
	assert.True(t, ok)
}

func TestIsStale(t *testing.T) {
	clock := testsupport.NewClock(epoch)
	c := cache.New(cache.WithClock(clock.Now))
	e := entry(key("p1"), 1, epoch)

	assert.False(t, c.IsStale(e, time.Hour))

	clock.Advance(time.Hour - time.Millisecond)
	assert.False(t, c.IsStale(e, time.Hour))

	clock.Advance(time.Millisecond)
	assert.True(t, c.IsStale(e, time.Hour), "age equal to max age is stale")
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	clock := testsupport.NewClock(epoch)
	c := cache.New(cache.WithClock(clock.Now))

	require.NoError(t, c.Put(ctx, entry(key("old"), 1, epoch.Add(-3*time.Hour))))
	require.NoError(t, c.Put(ctx, entry(key("edge"), 1, epoch.Add(-2*time.Hour))))
	require.NoError(t, c.Put(ctx, entry(key("new"), 1, epoch)))

	removed, err := c.SweepStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := c.Get(key("old"))
	assert.False(t, ok)
	_, ok = c.Get(key("edge"))
	assert.True(t, ok, "sweep removes only entries strictly older than the threshold")

	stats := c.Stats(time.Hour)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.Fresh)
	assert.Equal(t, 1, stats.Stale)
	assert.Equal(t, "memory", stats.Backend)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c := cache.New()

	keys := []cache.Key{
		{ProductID: "p1", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage},
		{ProductID: "p1", LocationID: "north", Horizon: forecast.Horizon60, Method: forecast.MethodEWMA},
		{ProductID: "p2", LocationID: "north", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage},
		{ProductID: "p2", Horizon: forecast.Horizon90, Method: forecast.MethodMovingAverage},
	}
	reset := func() {
		require.NoError(t, c.InvalidateAll(ctx))
		for _, k := range keys {
			require.NoError(t, c.Put(ctx, entry(k, 1, epoch)))
		}
	}

	t.Run("ByProduct", func(t *testing.T) {
		reset()
		n, err := c.Invalidate(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 2, c.Len())

		n, err = c.Invalidate(ctx, "unknown")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ByLocation", func(t *testing.T) {
		reset()
		n, err := c.InvalidateByLocation(ctx, "north")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		_, ok := c.Get(keys[0])
		assert.True(t, ok)
	})

	t.Run("AggregatedLocation", func(t *testing.T) {
		reset()
		n, err := c.InvalidateByLocation(ctx, cache.AllLocations)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		_, ok := c.Get(keys[2])
		assert.True(t, ok)
	})

	t.Run("All", func(t *testing.T) {
		reset()
		require.NoError(t, c.InvalidateAll(ctx))
		assert.Zero(t, c.Len())
		assert.Empty(t, c.Entries())
	})
}

func TestPutIfNewer(t *testing.T) {
	ctx := context.Background()
	c := cache.New()

	stored, err := c.PutIfNewer(ctx, entry(key("p1"), 2, epoch), c.Generation())
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.PutIfNewer(ctx, entry(key("p1"), 1, epoch.Add(-time.Minute)), c.Generation())
	require.NoError(t, err)
	assert.False(t, stored)

	got, _ := c.Get(key("p1"))
	assert.Equal(t, 2.0, got.Result.AverageDaily)

	stored, err = c.PutIfNewer(ctx, entry(key("p1"), 3, epoch.Add(time.Minute)), c.Generation())
	require.NoError(t, err)
	assert.True(t, stored)

	got, _ = c.Get(key("p1"))
	assert.Equal(t, 3.0, got.Result.AverageDaily)
}

func TestPutIfNewerRefusesResultsFromBeforeInvalidation(t *testing.T) {
	ctx := context.Background()
	clock := testsupport.NewClock(epoch)
	c := cache.New(cache.WithClock(clock.Now))
	located := cache.Key{ProductID: "p2", LocationID: "north", Horizon: forecast.Horizon30, Method: forecast.MethodMovingAverage}

	t.Run("ByProduct", func(t *testing.T) {
		gen := c.Generation()
		_, err := c.Invalidate(ctx, "p1")
		require.NoError(t, err)

		stored, err := c.PutIfNewer(ctx, entry(key("p1"), 1, epoch), gen)
		require.NoError(t, err)
		assert.False(t, stored)
		_, ok := c.Get(key("p1"))
		assert.False(t, ok)

		stored, err = c.PutIfNewer(ctx, entry(key("p3"), 1, epoch), gen)
		require.NoError(t, err)
		assert.True(t, stored, "other products are unaffected")

		stored, err = c.PutIfNewer(ctx, entry(key("p1"), 1, epoch), c.Generation())
		require.NoError(t, err)
		assert.True(t, stored, "a recompute started after the invalidation is kept")
	})

	t.Run("ByLocation", func(t *testing.T) {
		gen := c.Generation()
		_, err := c.InvalidateByLocation(ctx, "north")
		require.NoError(t, err)

		stored, err := c.PutIfNewer(ctx, entry(located, 1, epoch), gen)
		require.NoError(t, err)
		assert.False(t, stored)
	})

	t.Run("All", func(t *testing.T) {
		gen := c.Generation()
		require.NoError(t, c.InvalidateAll(ctx))

		stored, err := c.PutIfNewer(ctx, entry(key("p9"), 1, epoch), gen)
		require.NoError(t, err)
		assert.False(t, stored)
	})

	t.Run("SweepDoesNotRefuse", func(t *testing.T) {
		require.NoError(t, c.Put(ctx, entry(key("p4"), 1, epoch.Add(-3*time.Hour))))
		gen := c.Generation()
		removed, err := c.SweepStale(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		stored, err := c.PutIfNewer(ctx, entry(key("p4"), 2, epoch), gen)
		require.NoError(t, err)
		assert.True(t, stored)
	})
}

// gatedPersister keeps rows in a map, records call order and holds every
// Save until release is closed.
type gatedPersister struct {
	mu      sync.Mutex
	rows    map[string]cache.Entry
	calls   []string
	saving  chan struct{}
	release chan struct{}
}

func newGatedPersister() *gatedPersister {
	return &gatedPersister{
		rows:    make(map[string]cache.Entry),
		saving:  make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gatedPersister) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *gatedPersister) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *gatedPersister) Save(_ context.Context, e cache.Entry) error {
	g.record("save")
	g.saving <- struct{}{}
	<-g.release
	g.mu.Lock()
	g.rows[e.Key.String()] = e
	g.mu.Unlock()
	return nil
}

func (g *gatedPersister) Delete(_ context.Context, keys ...cache.Key) error {
	g.record("delete")
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		delete(g.rows, k.String())
	}
	return nil
}

func (g *gatedPersister) Clear(context.Context) error {
	g.record("clear")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows = make(map[string]cache.Entry)
	return nil
}

func (g *gatedPersister) LoadAll(context.Context) ([]cache.Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]cache.Entry, 0, len(g.rows))
	for _, e := range g.rows {
		out = append(out, e)
	}
	return out, nil
}

func (g *gatedPersister) Name() string { return "gated" }

func TestPersisterFollowsMemoryOrder(t *testing.T) {
	ctx := context.Background()
	p := newGatedPersister()
	c := cache.New(cache.WithPersister(p))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Put(ctx, entry(key("p1"), 1, epoch)))
	}()
	<-p.saving

	go func() {
		defer wg.Done()
		_, err := c.Invalidate(ctx, "p1")
		assert.NoError(t, err)
	}()

	// Memory reflects the invalidation at once; the delete waits for the save.
	require.Eventually(t, func() bool {
		_, ok := c.Get(key("p1"))
		return !ok
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"save"}, p.Calls())

	close(p.release)
	wg.Wait()

	assert.Equal(t, []string{"save", "delete"}, p.Calls())

	restored := cache.New(cache.WithPersister(p))
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "an invalidated forecast is not restored")
}

func TestPersistenceFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.WithPersister(failingPersister{}))

	err := c.Put(ctx, entry(key("p1"), 4, epoch))
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrPersistence)
	assert.ErrorIs(t, err, errMedium)

	var perr *cache.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)

	got, ok := c.Get(key("p1"))
	require.True(t, ok)
	assert.Equal(t, 4.0, got.Result.AverageDaily)

	_, err = c.Invalidate(ctx, "p1")
	assert.ErrorIs(t, err, cache.ErrPersistence)
	assert.Zero(t, c.Len())

	n, err := c.Load(ctx)
	assert.ErrorIs(t, err, cache.ErrPersistence)
	assert.Zero(t, n)
	_, ok = c.Get(key("p1"))
	assert.False(t, ok)
}

func TestDatabaseStore(t *testing.T) {
	ctx := context.Background()
	store, err := cache.NewDatabaseStore(testsupport.SetupTestDB(t))
	require.NoError(t, err)

	c := cache.New(cache.WithPersister(store), cache.WithCapacity(3))
	assert.Equal(t, "memory+database", c.Stats(time.Hour).Backend)

	located := cache.Key{ProductID: "p9", LocationID: "south", Horizon: forecast.Horizon90, Method: forecast.MethodEWMA}
	precise := epoch.Add(987654321 * time.Nanosecond)
	require.NoError(t, c.Put(ctx, entry(key("p1"), 1, epoch)))
	require.NoError(t, c.Put(ctx, entry(key("p2"), 2, epoch)))
	require.NoError(t, c.Put(ctx, entry(located, 9, precise)))
	// Evicts p1 from memory and from the database
	require.NoError(t, c.Put(ctx, entry(key("p3"), 3, epoch)))

	persisted, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	t.Run("LoadRestoresEntries", func(t *testing.T) {
		restored := cache.New(cache.WithPersister(store))
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, ok := restored.Get(key("p1"))
		assert.False(t, ok)

		got, ok := restored.Get(located)
		require.True(t, ok)
		assert.Equal(t, 9.0, got.Result.AverageDaily)
		assert.True(t, precise.Equal(got.ComputedAt), "computed_at keeps nanoseconds, got %s", got.ComputedAt)
	})

	t.Run("InvalidateMirrors", func(t *testing.T) {
		_, err := c.InvalidateByLocation(ctx, "south")
		require.NoError(t, err)

		persisted, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, persisted, 2)
	})

	t.Run("ClearMirrors", func(t *testing.T) {
		require.NoError(t, c.InvalidateAll(ctx))

		persisted, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})
}

func TestRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	store := cache.NewRedisStore(client, "")
	assert.Equal(t, "redis", store.Name())

	c := cache.New(cache.WithPersister(store))
	err := c.Put(ctx, entry(key("p1"), 6, epoch))
	assert.ErrorIs(t, err, cache.ErrPersistence)

	got, ok := c.Get(key("p1"))
	require.True(t, ok, "memory keeps serving when redis is down")
	assert.Equal(t, 6.0, got.Result.AverageDaily)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewRedisStore(client, "test:")
	c := cache.New(cache.WithPersister(store), cache.WithCapacity(3))
	assert.Equal(t, "memory+redis", c.Stats(time.Hour).Backend)

	located := cache.Key{ProductID: "p9", LocationID: "south", Horizon: forecast.Horizon90, Method: forecast.MethodEWMA}
	precise := epoch.Add(123456789 * time.Nanosecond)
	require.NoError(t, c.Put(ctx, entry(key("p1"), 1, epoch)))
	require.NoError(t, c.Put(ctx, entry(key("p2"), 2, epoch)))
	require.NoError(t, c.Put(ctx, entry(located, 9, precise)))
	// Evicts p1 from memory and from redis
	require.NoError(t, c.Put(ctx, entry(key("p3"), 3, epoch)))

	productIDs := func(entries []cache.Entry) []string {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.Key.ProductID
		}
		return ids
	}

	persisted, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p9", "p3"}, productIDs(persisted))
	assert.True(t, precise.Equal(persisted[1].ComputedAt))
	assert.False(t, server.Exists("test:entry:"+key("p1").String()))

	// Overwriting moves the key to the newest position
	require.NoError(t, c.Put(ctx, entry(key("p2"), 4, epoch)))
	persisted, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p9", "p3", "p2"}, productIDs(persisted))

	t.Run("UnreadableEntriesAreSkipped", func(t *testing.T) {
		require.NoError(t, server.Set("test:entry:garbage", "not json"))
		_, err := server.ZAdd("test:index", 0, "garbage")
		require.NoError(t, err)
		_, err = server.ZAdd("test:index", 0.5, "missing")
		require.NoError(t, err)

		persisted, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"p9", "p3", "p2"}, productIDs(persisted))
	})

	t.Run("LoadEvictsBeyondCapacity", func(t *testing.T) {
		restored := cache.New(cache.WithPersister(store), cache.WithCapacity(2))
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"p3", "p2"}, productIDs(restored.Entries()))

		persisted, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"p3", "p2"}, productIDs(persisted))
	})

	t.Run("InvalidateMirrors", func(t *testing.T) {
		_, err := c.Invalidate(ctx, "p3")
		require.NoError(t, err)

		persisted, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"p2"}, productIDs(persisted))
	})

	t.Run("ClearMirrors", func(t *testing.T) {
		require.NoError(t, c.InvalidateAll(ctx))

		persisted, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, persisted)
		assert.False(t, server.Exists("test:index"))
		assert.False(t, server.Exists("test:entry:garbage"))
	})
}
