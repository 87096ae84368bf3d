package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/metrics"
	"github.com/mmcdole/kinotv/internal/store"
	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds every catalog fetch issued on a cache miss.
const DefaultFetchTimeout = 30 * time.Second

// ErrCacheClosed is returned by GetOrFetch after Close.
var ErrCacheClosed = errors.New("catalog cache closed")

// entryStore is the durable layer behind CatalogCache (consumer-defined interface).
type entryStore interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte) error
	Delete(key string) error
	DeletePrefix(prefix string) error
	Scan(prefix string, fn func(key string, data []byte) bool)
	Close() error
}

// FetchOptions tunes a single GetOrFetch call.
type FetchOptions struct {
	ForceRefresh bool          // skip the cache lookup, still deduplicated
	TTLOverride  time.Duration // zero uses the scope default
}

// CatalogCache is the account-scoped TTL cache for catalog metadata.
// Concurrent misses for one key share a single fetch.
type CatalogCache struct {
	store        entryStore
	ttls         TTLs
	fetchTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *slog.Logger

	group singleflight.Group

	// life is cancelled by Close and aborts fetches still in flight.
	life     context.Context
	stopLife context.CancelFunc

	mu          sync.Mutex
	generations map[string]uint64 // account id -> bumped on ClearAccount
	closed      bool
}

// CacheOption configures a CatalogCache.
type CacheOption func(*CatalogCache)

// WithTTLs overrides the scope TTLs.
func WithTTLs(ttls TTLs) CacheOption {
	return func(c *CatalogCache) { c.ttls = ttls }
}

// WithFetchTimeout overrides the per-fetch timeout.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *CatalogCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithCacheClock replaces time.Now, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CatalogCache) { c.now = now }
}

// WithCacheMetrics attaches Prometheus collectors.
func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(c *CatalogCache) { c.metrics = m }
}

// NewCatalogCache creates a cache over st. Pass a memory-only store.Open("")
// to run without persistence.
func NewCatalogCache(st entryStore, logger *slog.Logger, opts ...CacheOption) *CatalogCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CatalogCache{
		store:        st,
		ttls:         DefaultTTLs(),
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       logger,
		generations:  make(map[string]uint64),
	}
	c.life, c.stopLife = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrFetch returns the live cached value for (account, scope, params), or
// runs fetch and caches its result. Concurrent callers for the same key wait
// on one fetch. Errors reach every waiter and are never cached.
func GetOrFetch[T any](
	ctx context.Context,
	c *CatalogCache,
	account domain.Account,
	scope domain.Scope,
	params map[string]string,
	fetch func(ctx context.Context) (T, error),
	opts FetchOptions,
) (T, error) {
	var zero T

	key := domain.NewCacheKey(account, scope, params)
	keyStr := key.String()

	gen, ok := c.generation(key.Account)
	if !ok {
		return zero, ErrCacheClosed
	}

	if !opts.ForceRefresh {
		if payload, ok := c.lookup(keyStr); ok {
			var v T
			if err := json.Unmarshal(payload, &v); err == nil {
				c.metrics.CacheResult(string(scope), "hit")
				c.logger.Debug("cache hit", "key", keyStr)
				return v, nil
			}
			c.logger.Warn("dropping undecodable cache entry", "key", keyStr)
			c.store.Delete(keyStr)
		}
	}
	c.metrics.CacheResult(string(scope), "miss")

	flightKey := fmt.Sprintf("%s#%d", keyStr, gen)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.runFetch(ctx, key.Account, gen, keyStr, scope, opts.TTLOverride, func(ctx context.Context) (any, error) {
			return fetch(ctx)
		})
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res = <-ch:
	}

	if res.Err != nil {
		c.metrics.CacheResult(string(scope), "error")
		c.logger.Error("catalog fetch failed", "key", keyStr, "error", res.Err)
		return zero, res.Err
	}
	v, ok := res.Val.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %s shared by mismatched types: %w", keyStr, domain.ErrParse)
	}
	return v, nil
}

// runFetch performs one fetch on behalf of every waiter of a flight. The
// fetch keeps ctx's values but not its cancellation: a caller that gives up
// only stops waiting, and the result is still stored for the others. Only
// the fetch timeout and Close abort it.
func (c *CatalogCache) runFetch(
	ctx context.Context,
	accountID string,
	gen uint64,
	key string,
	scope domain.Scope,
	ttlOverride time.Duration,
	fetch func(ctx context.Context) (any, error),
) (any, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	start := time.Now()
	v, err := fetch(fetchCtx)
	c.metrics.ObserveFetch(string(scope), time.Since(start))
	if err != nil {
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrNetwork) {
			err = fmt.Errorf("fetch %s timed out: %w: %w", key, domain.ErrNetwork, err)
		}
		return nil, err
	}

	ttl := ttlOverride
	if ttl <= 0 {
		ttl = c.ttls.For(scope)
	}
	c.write(accountID, gen, key, v, ttl)
	return v, nil
}

// CachedPayloads returns every live payload in scope for account, in key
// order, without fetching.
func CachedPayloads[T any](c *CatalogCache, account domain.Account, scope domain.Scope) []T {
	prefix := domain.ScopePrefix(account.ID(), scope)
	now := c.now()

	var out []T
	c.store.Scan(prefix, func(key string, data []byte) bool {
		entry, err := store.DecodeEntry(data)
		if err != nil || !entry.Live(now) {
			return true
		}
		var v T
		if err := json.Unmarshal(entry.Payload, &v); err == nil {
			out = append(out, v)
		}
		return true
	})
	return out
}

// ClearAccount removes every entry of account from memory and disk. Fetches
// already in flight for the account will not write their results.
func (c *CatalogCache) ClearAccount(account domain.Account) error {
	id := account.ID()

	c.mu.Lock()
	c.generations[id]++
	c.mu.Unlock()

	if err := c.store.DeletePrefix(domain.AccountPrefix(id)); err != nil {
		c.logger.Error("failed to clear account cache", "account", id, "error", err)
		return err
	}
	c.logger.Info("cleared account cache", "account", id)
	return nil
}

// Close stops further writes and closes the store. In-flight fetches finish
// but their results are dropped.
func (c *CatalogCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.stopLife()
	return c.store.Close()
}

// lookup returns the payload for key if a live entry exists. Expired or
// unreadable entries are evicted.
func (c *CatalogCache) lookup(key string) (json.RawMessage, bool) {
	data, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	entry, err := store.DecodeEntry(data)
	if err != nil || !entry.Live(c.now()) {
		c.store.Delete(key)
		return nil, false
	}
	return entry.Payload, true
}

// write stores v unless the account was cleared (or the cache closed) since
// the fetch began. A disk failure leaves the entry in memory only.
func (c *CatalogCache) write(accountID string, gen uint64, key string, v any, ttl time.Duration) {
	if current, ok := c.generation(accountID); !ok || current != gen {
		c.logger.Debug("discarding stale fetch result", "key", key)
		return
	}

	data, err := store.EncodeEntry(v, c.now().Add(ttl))
	if err != nil {
		c.logger.Error("failed to encode cache entry", "key", key, "error", err)
		return
	}
	if err := c.store.Put(key, data); err != nil {
		c.logger.Warn("cache write failed, keeping entry in memory", "key", key, "error", err)
	}
}

func (c *CatalogCache) generation(accountID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	return c.generations[accountID], true
}
