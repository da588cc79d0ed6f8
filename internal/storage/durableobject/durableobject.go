// Package durableobject implements the transactional key/value storage
// backing a single Durable Object actor instance, addressed externally by
// (className, id). Unlike the raw-SQL KV metadata table, this storage layer
// is built on gorm.io/gorm over the same glebarez/sqlite driver, giving
// Durable Object storage its own schema-migration story distinct from the
// hand-rolled metadb table.
package durableobject

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"
)

// ErrNotFound is returned by Get when key has no stored value.
var ErrNotFound = errors.New("durableobject: key not found")

// entry is the gorm model for a single Durable Object's key/value rows.
type entry struct {
	Key   string `gorm:"primaryKey"`
	Value []byte
}

func (entry) TableName() string { return "do_entries" }

// Storage is one Durable Object actor's transactional storage.
type Storage struct {
	db *gorm.DB
}

// Open opens (or creates) the actor's database at path (":memory:" for an
// ephemeral, non-persisted actor) and migrates its schema.
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("durableobject: opening %s: %w", path, err)
	}
	if path != ":memory:" {
		if err := db.Exec(`PRAGMA journal_mode=WAL`).Error; err != nil {
			return nil, fmt.Errorf("durableobject: enabling WAL: %w", err)
		}
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("durableobject: migrating schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the value stored at key, or ErrNotFound.
func (s *Storage) Get(key string) ([]byte, error) {
	var e entry
	if err := s.db.First(&e, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("durableobject: get %q: %w", key, err)
	}
	return e.Value, nil
}

// GetMulti returns the values stored at each of keys, omitting any that do
// not exist (callers should check the returned map's length against their
// input to detect missing keys, matching the real API's "map of found
// entries" contract).
func (s *Storage) GetMulti(keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	var rows []entry
	if err := s.db.Where("key IN ?", keys).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("durableobject: get multi: %w", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// Put writes value at key, inside a transaction (a single-key put is
// already atomic via gorm's Save, but Transaction keeps the code path
// identical to PutMulti's for the caller's mental model).
func (s *Storage) Put(key string, value []byte) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Save(&entry{Key: key, Value: value}).Error
	})
}

// PutMulti writes all of entries atomically: either every key is written,
// or (on any failure) none are, matching Durable Object storage's
// documented multi-key put semantics.
func (s *Storage) PutMulti(entries map[string][]byte) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for k, v := range entries {
			if err := tx.Save(&entry{Key: k, Value: v}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes key and reports whether it existed.
func (s *Storage) Delete(key string) (bool, error) {
	res := s.db.Delete(&entry{}, "key = ?", key)
	if res.Error != nil {
		return false, fmt.Errorf("durableobject: delete %q: %w", key, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteMulti removes all of keys atomically and returns how many existed.
func (s *Storage) DeleteMulti(keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var count int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&entry{}, "key IN ?", keys)
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("durableobject: delete multi: %w", err)
	}
	return int(count), nil
}

// DeleteAll wipes every key in the actor's storage, as used when a Durable
// Object's alarm or lifecycle hook requests a full reset.
func (s *Storage) DeleteAll() error {
	if err := s.db.Exec(`DELETE FROM do_entries`).Error; err != nil {
		return fmt.Errorf("durableobject: delete all: %w", err)
	}
	return nil
}

// ListOptions configures List.
type ListOptions struct {
	Start   string
	End     string // exclusive upper bound; empty means unbounded
	Prefix  string
	Reverse bool
	Limit   int
}

// ListEntry is a single row surfaced by List.
type ListEntry struct {
	Key   string
	Value []byte
}

// List returns keys in lexicographic order honoring opts' range/prefix/
// reverse/limit constraints, mirroring Durable Object storage's list() API.
func (s *Storage) List(opts ListOptions) ([]ListEntry, error) {
	q := s.db.Model(&entry{})
	if opts.Prefix != "" {
		q = q.Where("key LIKE ? ESCAPE '\\'", escapeLike(opts.Prefix)+"%")
	}
	if opts.Start != "" {
		q = q.Where("key >= ?", opts.Start)
	}
	if opts.End != "" {
		q = q.Where("key < ?", opts.End)
	}
	if opts.Reverse {
		q = q.Order("key DESC")
	} else {
		q = q.Order("key ASC")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []entry
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("durableobject: list: %w", err)
	}
	out := make([]ListEntry, len(rows))
	for i, r := range rows {
		out[i] = ListEntry{Key: r.Key, Value: r.Value}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if opts.Reverse {
			return out[i].Key > out[j].Key
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `_`, `\_`, `%`, `\%`)
	return r.Replace(s)
}
