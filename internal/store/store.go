package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketCatalog = []byte("catalog")
)

// CatalogStore persists encoded cache entries in BoltDB, one JSON document per
// cache key. Reads are promoted into an in-memory map. Writes land in memory
// first, so a failed disk write still leaves the entry readable for the life
// of the process.
type CatalogStore struct {
	db *bolt.DB
	mu sync.RWMutex // Protects memory cache

	cache map[string][]byte
}

// Open opens (or creates) <baseCacheDir>/catalog.db. An empty baseCacheDir
// gives a memory-only store.
func Open(baseCacheDir string) (*CatalogStore, error) {
	if baseCacheDir == "" {
		return &CatalogStore{cache: make(map[string][]byte)}, nil
	}

	if err := os.MkdirAll(baseCacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w: %w", domain.ErrStorage, err)
	}

	dbPath := filepath.Join(baseCacheDir, "catalog.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w: %w", domain.ErrStorage, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCatalog)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w: %w", domain.ErrStorage, err)
	}

	return &CatalogStore{db: db, cache: make(map[string][]byte)}, nil
}

// Close releases the database. The memory layer stays readable.
func (s *CatalogStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the stored document for key.
func (s *CatalogStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	if data, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return data, true
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, false
	}

	var data []byte
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})

	if data == nil {
		return nil, false
	}

	// Promote to memory cache
	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()

	return data, true
}

// Put stores data under key. The memory layer is always updated; a returned
// error (wrapping domain.ErrStorage) means only the disk write failed.
func (s *CatalogStore) Put(key string, data []byte) error {
	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCatalog).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %w", key, domain.ErrStorage, err)
	}
	return nil
}

// Delete removes key from memory and disk.
func (s *CatalogStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCatalog).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w: %w", key, domain.ErrStorage, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *CatalogStore) DeletePrefix(prefix string) error {
	s.mu.Lock()
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, _ := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Seek(prefixBytes) {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete prefix %s: %w: %w", prefix, domain.ErrStorage, err)
	}
	return nil
}

// Scan calls fn for every key with the given prefix in key order, merging the
// memory layer over disk. Returning false stops the scan.
func (s *CatalogStore) Scan(prefix string, fn func(key string, data []byte) bool) {
	merged := make(map[string][]byte)

	if s.db != nil {
		s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketCatalog).Cursor()
			prefixBytes := []byte(prefix)
			for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
				data := make([]byte, len(v))
				copy(data, v)
				merged[string(k)] = data
			}
			return nil
		})
	}

	s.mu.RLock()
	for k, v := range s.cache {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	s.mu.RUnlock()

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !fn(k, merged[k]) {
			return
		}
	}
}

// Clear removes everything.
func (s *CatalogStore) Clear() error {
	return s.DeletePrefix("")
}
