package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecent    = []byte("recent")
	bucketFavorites = []byte("favorites")
	bucketSearches  = []byte("searches")
)

// HistoryStore keeps per-account recently played items, favorites and
// search history in <dir>/history.db. Each bucket holds one JSON list per
// account id. It is separate from the catalog cache so clearing the cache
// keeps the user's history.
type HistoryStore struct {
	db *bolt.DB
}

// OpenHistory opens (or creates) <dir>/history.db.
func OpenHistory(dir string) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w: %w", domain.ErrStorage, err)
	}
	db, err := bolt.Open(filepath.Join(dir, "history.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w: %w", domain.ErrStorage, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecent, bucketFavorites, bucketSearches} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w: %w", domain.ErrStorage, err)
	}
	return &HistoryStore{db: db}, nil
}

// Close releases the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// RecentlyPlayed returns the account's played items, newest first.
func (s *HistoryStore) RecentlyPlayed(accountID string) ([]domain.RecentItem, error) {
	return load[domain.RecentItem](s.db, bucketRecent, accountID)
}

// AddRecent puts entry at the front of the list, dropping an older entry for
// the same item and anything beyond limit.
func (s *HistoryStore) AddRecent(accountID string, entry domain.RecentItem, limit int) error {
	return update(s.db, bucketRecent, accountID, func(all []domain.RecentItem) []domain.RecentItem {
		out := []domain.RecentItem{entry}
		for _, r := range all {
			if r.Item.Key() != entry.Item.Key() {
				out = append(out, r)
			}
		}
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out
	})
}

// Favorites returns the account's favorites in the order they were added.
func (s *HistoryStore) Favorites(accountID string) ([]domain.Favorite, error) {
	return load[domain.Favorite](s.db, bucketFavorites, accountID)
}

// ToggleFavorite adds fav, or removes it when one with the same key exists.
// It reports whether fav is a favorite afterwards.
func (s *HistoryStore) ToggleFavorite(accountID string, fav domain.Favorite) (bool, error) {
	added := false
	err := update(s.db, bucketFavorites, accountID, func(all []domain.Favorite) []domain.Favorite {
		out := make([]domain.Favorite, 0, len(all)+1)
		for _, f := range all {
			if f.Key() != fav.Key() {
				out = append(out, f)
			}
		}
		if len(out) == len(all) {
			added = true
			out = append(out, fav)
		}
		return out
	})
	return added, err
}

// Searches returns the account's past queries, newest first.
func (s *HistoryStore) Searches(accountID string) ([]string, error) {
	return load[string](s.db, bucketSearches, accountID)
}

// AddSearch records query at the front of the history. Repeats are matched
// case-insensitively and moved to the front.
func (s *HistoryStore) AddSearch(accountID, query string, limit int) error {
	return update(s.db, bucketSearches, accountID, func(all []string) []string {
		out := []string{query}
		for _, q := range all {
			if !strings.EqualFold(q, query) {
				out = append(out, q)
			}
		}
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out
	})
}

func load[T any](db *bolt.DB, bucket []byte, accountID string) ([]T, error) {
	var out []T
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(accountID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", bucket, domain.ErrStorage, err)
	}
	return out, nil
}

// update applies fn to the account's list inside one write transaction.
func update[T any](db *bolt.DB, bucket []byte, accountID string, fn func([]T) []T) error {
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		var all []T
		if data := b.Get([]byte(accountID)); data != nil {
			if err := json.Unmarshal(data, &all); err != nil {
				return err
			}
		}
		data, err := json.Marshal(fn(all))
		if err != nil {
			return err
		}
		return b.Put([]byte(accountID), data)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %w", bucket, domain.ErrStorage, err)
	}
	return nil
}
