package dedup

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Cache remembers domains that already have a committed result. Large asset
// sheets repeat the same domain across rows; a repeated row reuses the cached
// value instead of burning another request against the per-IP budget.
//
// The value map lives for one process run. The bloom filter additionally
// persists membership across restarts, which feeds the duplicate counters
// without risking a wrong value from a false positive.
type Cache struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	values map[string]string
}

// NewCache creates a cache sized for n expected domains at false positive rate fp.
func NewCache(n uint, fp float64) *Cache {
	return &Cache{
		filter: bloom.NewWithEstimates(n, fp),
		values: make(map[string]string),
	}
}

// Normalize maps a raw cell value to the cache key.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// Lookup returns the committed value for a domain already resolved in this run.
func (c *Cache) Lookup(domain string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[Normalize(domain)]
	return v, ok
}

// Remember records the committed value for a domain.
func (c *Cache) Remember(domain, value string) {
	key := Normalize(domain)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.filter.Add([]byte(key))
}

// Seen reports whether the domain completed in this run or an earlier segment
// of the same run identity. Subject to the filter's false positive rate, so
// callers may only use it for counting and logging, never to skip a lookup
// without a cached value.
func (c *Cache) Seen(domain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.Test([]byte(Normalize(domain)))
}

// SaveToFile persists the membership filter (not the values).
func (c *Cache) SaveToFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.filter.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFromFile restores a previously saved membership filter.
func (c *Cache) LoadFromFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.filter.UnmarshalBinary(data)
}

// PersistenceManager saves the filter on a fixed interval so a kill loses at
// most one interval of membership data.
type PersistenceManager struct {
	cache    *Cache
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewPersistenceManager creates a manager saving cache every interval.
func NewPersistenceManager(cache *Cache, interval time.Duration) *PersistenceManager {
	return &PersistenceManager{
		cache:    cache,
		ticker:   time.NewTicker(interval),
		stopChan: make(chan struct{}),
	}
}

// StartPeriodicSave starts saving to path in the background.
func (pm *PersistenceManager) StartPeriodicSave(path string) {
	go func() {
		for {
			select {
			case <-pm.ticker.C:
				_ = pm.cache.SaveToFile(path)
			case <-pm.stopChan:
				return
			}
		}
	}()
}

// Stop halts the periodic saves.
func (pm *PersistenceManager) Stop() {
	pm.stopOnce.Do(func() {
		pm.ticker.Stop()
		close(pm.stopChan)
	})
}
