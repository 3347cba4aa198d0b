package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/karloscodes/stockcast/forecast"
)

// DatabaseStore persists cache entries with GORM.
// Works with any GORM-supported database (SQLite, PostgreSQL, ...).
type DatabaseStore struct {
	db *gorm.DB

	mu   sync.Mutex
	last int64 // last InsertedAt handed out
}

// EntryRecord is the database model for a cached forecast.
type EntryRecord struct {
	Key        string `gorm:"column:cache_key;primaryKey;size:255"`
	ProductID  string `gorm:"index;size:128"`
	LocationID string `gorm:"index;size:128"`
	Horizon    int
	Method     string `gorm:"size:32"`
	Result     []byte // gob-encoded forecast.Result
	ComputedAt int64  // Unix nanoseconds
	InsertedAt int64  `gorm:"index"` // strictly increasing, Unix nanoseconds, for FIFO ordering
}

// TableName specifies the table name.
func (EntryRecord) TableName() string {
	return "forecast_cache_entries"
}

// NewDatabaseStore creates a database persister.
// The forecast_cache_entries table is auto-migrated if it doesn't exist.
func NewDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	if err := db.AutoMigrate(&EntryRecord{}); err != nil {
		return nil, fmt.Errorf("cache: migrate %s: %w", EntryRecord{}.TableName(), err)
	}
	return &DatabaseStore{db: db}, nil
}

// Name returns "database".
func (s *DatabaseStore) Name() string { return "database" }

// Save upserts entry and marks it as the most recently inserted.
func (s *DatabaseStore) Save(ctx context.Context, entry Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry.Result); err != nil {
		return fmt.Errorf("gob encode %s: %w", entry.Key, err)
	}

	record := EntryRecord{
		Key:        entry.Key.String(),
		ProductID:  entry.Key.ProductID,
		LocationID: entry.Key.Location(),
		Horizon:    int(entry.Key.Horizon),
		Method:     string(entry.Key.Method),
		Result:     buf.Bytes(),
		ComputedAt: entry.ComputedAt.UnixNano(),
		InsertedAt: s.nextInsertedAt(),
	}

	// Use Save to upsert
	return s.db.WithContext(ctx).Save(&record).Error
}

// nextInsertedAt returns the wall clock in nanoseconds, bumped past the
// previous value when two saves land on the same tick.
func (s *DatabaseStore) nextInsertedAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

// Delete removes the given keys.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.String()
	}
	return s.db.WithContext(ctx).Where("cache_key IN ?", ids).Delete(&EntryRecord{}).Error
}

// Clear removes every entry.
func (s *DatabaseStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&EntryRecord{}).Error
}

// LoadAll returns every entry, oldest inserted first. Rows that fail to
// decode are skipped.
func (s *DatabaseStore) LoadAll(ctx context.Context) ([]Entry, error) {
	var records []EntryRecord
	if err := s.db.WithContext(ctx).Order("inserted_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		var result forecast.Result
		if err := gob.NewDecoder(bytes.NewReader(r.Result)).Decode(&result); err != nil {
			continue
		}
		loc := r.LocationID
		if loc == AllLocations {
			loc = ""
		}
		entries = append(entries, Entry{
			Key: Key{
				ProductID:  r.ProductID,
				LocationID: loc,
				Horizon:    forecast.Horizon(r.Horizon),
				Method:     forecast.Method(r.Method),
			},
			Result:     result,
			ComputedAt: time.Unix(0, r.ComputedAt).UTC(),
		})
	}
	return entries, nil
}

// Ensure DatabaseStore implements Persister
var _ Persister = (*DatabaseStore)(nil)
