// Package cache provides the local read cache for remote records.
//
// Every successful fetch hydrates the cache: previews (record minus full
// text) feed the offline merge, details (full records) serve offline
// reads of individual memories. BadgerDB keeps lookups fast and survives
// restarts.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/models"
)

const (
	previewPrefix = "preview:"
	detailPrefix  = "detail:"
)

// Config holds configuration for the cache store.
type Config struct {
	// Path is the directory for cache files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Cache stores record previews and details in BadgerDB.
type Cache struct {
	db     *badger.DB
	logger *logging.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// badgerLogger adapts the application logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), nil)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the cache with the given configuration.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, apperrors.New(apperrors.ErrStorage, "cache path is required")
	}

	logger := logging.Get().Named("cache")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to create cache directory")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to open cache")
	}

	c := &Cache{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.gcStop = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return c, nil
}

// Close stops garbage collection and closes the store.
func (c *Cache) Close() error {
	if c.gcStop != nil {
		close(c.gcStop)
		<-c.gcDone
		c.gcStop = nil
	}
	return c.db.Close()
}

// gcLoop periodically reclaims value log space until Close.
func (c *Cache) gcLoop(interval time.Duration, ratio float64) {
	defer close(c.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.gcStop:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Warn("Cache garbage collection failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Put stores a record: the preview always, the detail when full text is
// present. Page and by-id fetches call this for every record they see.
func (c *Cache) Put(m *models.Memory) error {
	preview := *m
	preview.Text = ""

	previewData, err := json.Marshal(&preview)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to encode preview")
	}

	var detailData []byte
	if m.Text != "" {
		detailData, err = json.Marshal(m)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrStorage, "failed to encode detail")
		}
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(previewPrefix+m.ID), previewData); err != nil {
			return err
		}
		if detailData != nil {
			return txn.Set([]byte(detailPrefix+m.ID), detailData)
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to write cache entry")
	}
	return nil
}

// PutAll stores a batch of records.
func (c *Cache) PutAll(memories []*models.Memory) error {
	for _, m := range memories {
		if err := c.Put(m); err != nil {
			return err
		}
	}
	return nil
}

// GetPreview returns the cached preview for a remote id.
func (c *Cache) GetPreview(id string) (*models.Memory, error) {
	return c.get(previewPrefix + id)
}

// GetDetail returns the cached full record for a remote id.
func (c *Cache) GetDetail(id string) (*models.Memory, error) {
	return c.get(detailPrefix + id)
}

func (c *Cache) get(key string) (*models.Memory, error) {
	var m models.Memory
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperrors.New(apperrors.ErrNotFound, "not in cache: "+key)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to read cache entry")
	}
	return &m, nil
}

// ListPreviews returns every cached preview. The feed engine filters and
// orders them during offline merges.
func (c *Cache) ListPreviews() ([]*models.Memory, error) {
	var result []*models.Memory
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(previewPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m models.Memory
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			result = append(result, &m)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to list previews")
	}
	return result, nil
}

// Remove deletes both the preview and detail for a remote id. Called when
// a record is confirmed deleted on the service.
func (c *Cache) Remove(id string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(previewPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(detailPrefix + id))
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to remove cache entry")
	}
	return nil
}
