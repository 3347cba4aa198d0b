// Package cache holds computed forecasts keyed by product, location, horizon
// and method. The in-memory Cache is bounded and evicts in insertion order
// (FIFO, not LRU). An optional Persister mirrors every change to a durable
// store so entries survive restarts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karloscodes/stockcast/forecast"
)

// DefaultCapacity is the maximum number of entries kept in memory.
const DefaultCapacity = 100

// AllLocations is the location component of keys that aggregate every location.
const AllLocations = "all"

// ErrPersistence is matched by every error the underlying Persister returns.
var ErrPersistence = errors.New("cache: persistence failure")

// Key identifies a forecast. An empty LocationID and AllLocations are the same key.
type Key struct {
	ProductID  string           `json:"product_id"`
	LocationID string           `json:"location_id,omitempty"`
	Horizon    forecast.Horizon `json:"horizon"`
	Method     forecast.Method  `json:"method"`
}

// Location returns the location component, AllLocations when unset.
func (k Key) Location() string {
	if k.LocationID == "" {
		return AllLocations
	}
	return k.LocationID
}

// normalized folds "" and AllLocations together so equal keys compare equal.
func (k Key) normalized() Key {
	k.LocationID = k.Location()
	return k
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// String renders the canonical storage key. A '|' or '\' inside a component
// is escaped with a backslash, so distinct keys never render the same.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d|%s",
		keyEscaper.Replace(k.ProductID),
		keyEscaper.Replace(k.Location()),
		k.Horizon,
		keyEscaper.Replace(string(k.Method)),
	)
}

// Request converts the key into a forecast request.
func (k Key) Request() forecast.Request {
	loc := k.LocationID
	if loc == AllLocations {
		loc = ""
	}
	return forecast.Request{
		ProductID:  k.ProductID,
		LocationID: loc,
		Horizon:    k.Horizon,
		Method:     k.Method,
	}
}

// Entry is one cached forecast.
type Entry struct {
	Key        Key             `json:"key"`
	Result     forecast.Result `json:"result"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Persister is the durable medium behind the in-memory cache.
// Implementations must return entries from LoadAll oldest-inserted first.
// Keys handed to Delete have their location normalized; match them by String.
type Persister interface {
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, keys ...Key) error
	Clear(ctx context.Context) error
	LoadAll(ctx context.Context) ([]Entry, error)
	Name() string
}

// PersistenceError wraps a Persister failure. It matches ErrPersistence.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cache: persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is reports ErrPersistence as a match.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries  int    `json:"entries"`
	Fresh    int    `json:"fresh"`
	Stale    int    `json:"stale"`
	Capacity int    `json:"capacity"`
	Backend  string `json:"backend"`
}

// Options configures a Cache.
type Options struct {
	// Capacity bounds the number of entries. Default: 100.
	Capacity int

	// Persister mirrors writes to a durable store. Optional.
	Persister Persister

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Capacity: DefaultCapacity,
		Clock:    time.Now,
		Logger:   slog.Default(),
	}
}

// Option is a functional option for configuring a Cache.
type Option func(*Options)

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(o *Options) {
		o.Capacity = n
	}
}

// WithPersister mirrors cache writes to p.
func WithPersister(p Persister) Option {
	return func(o *Options) {
		o.Persister = p
	}
}

// WithClock overrides the time source used for staleness.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func applyOptions(opts ...Option) Options {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Capacity <= 0 {
		options.Capacity = DefaultCapacity
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return options
}
