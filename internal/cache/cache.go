package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"marketrouter/config"
	"marketrouter/logger"
	"marketrouter/models"
)

// entry is one cached payload with its expiry.
type entry struct {
	key       string
	payload   *models.UnifiedPayload
	expiresAt time.Time
	element   *list.Element
}

// Cache is the two-tier response cache. The fast tier answers bursts of
// identical requests within a very short window; the slow tier keeps
// recently fetched payloads under an adaptive TTL with LRU eviction.
// Payloads are stored already unified, so cache hits skip the unifier.
type Cache struct {
	config config.CacheConfig
	now    func() time.Time

	mu    sync.RWMutex
	fast  map[string]*entry
	slow  map[string]*entry
	order *list.List // front = most recently used

	hits   int64
	misses int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lifeMu  sync.Mutex
	running bool
	log     *logger.Log
}

// New builds a cache. The sweep loop runs only after Start.
func New(cfg config.CacheConfig) *Cache {
	return &Cache{
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		fast:   make(map[string]*entry),
		slow:   make(map[string]*entry),
		order:  list.New(),
		log:    logger.GetLogger(),
	}
}

// Get returns the cached payload for the key, checking the fast tier
// first. An expired entry is treated as a miss and removed.
func (c *Cache) Get(key string) (*models.UnifiedPayload, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.fast[key]; ok {
		if now.Before(e.expiresAt) {
			c.hits++
			logger.IncrementCacheHit()
			return e.payload, true
		}
		delete(c.fast, key)
	}

	if e, ok := c.slow[key]; ok {
		if now.Before(e.expiresAt) {
			c.order.MoveToFront(e.element)
			c.hits++
			logger.IncrementCacheHit()
			return e.payload, true
		}
		c.removeSlowLocked(e)
	}

	c.misses++
	logger.IncrementCacheMiss()
	return nil, false
}

// Put stores a payload in both tiers. The slow tier TTL adapts to the
// request pattern and the current trading session.
func (c *Cache) Put(key string, payload *models.UnifiedPayload, dataType models.DataType, pattern models.RequestPattern, highFrequencyPerMin float64) {
	now := c.now()
	slowTTL := adaptiveTTL(c.config, dataType, pattern, highFrequencyPerMin, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.fast[key] = &entry{key: key, payload: payload, expiresAt: now.Add(c.config.FastTTL)}

	if e, ok := c.slow[key]; ok {
		e.payload = payload
		e.expiresAt = now.Add(slowTTL)
		c.order.MoveToFront(e.element)
		return
	}

	e := &entry{key: key, payload: payload, expiresAt: now.Add(slowTTL)}
	e.element = c.order.PushFront(e)
	c.slow[key] = e

	for len(c.slow) > c.config.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeSlowLocked(oldest.Value.(*entry))
	}
}

// Invalidate drops the key from both tiers.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fast, key)
	if e, ok := c.slow[key]; ok {
		c.removeSlowLocked(e)
	}
}

// removeSlowLocked drops a slow tier entry. Caller holds the mutex.
func (c *Cache) removeSlowLocked(e *entry) {
	delete(c.slow, e.key)
	if e.element != nil {
		c.order.Remove(e.element)
	}
}

// Stats returns hit and miss counters plus current entry counts.
func (c *Cache) Stats() (hits, misses int64, fastLen, slowLen int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.fast), len(c.slow)
}

// Start launches the periodic sweep of expired entries.
func (c *Cache) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.running {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(1)
	go c.sweepLoop()

	c.log.WithComponent("cache").WithFields(logger.Fields{
		"fast_ttl": c.config.FastTTL.String(),
		"capacity": c.config.Capacity,
	}).Info("cache started")
	return nil
}

// Stop halts the sweep loop.
func (c *Cache) Stop() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.running = false
	c.log.WithComponent("cache").Info("cache stopped")
	return nil
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for k, e := range c.fast {
		if !now.Before(e.expiresAt) {
			delete(c.fast, k)
			removed++
		}
	}
	for _, e := range c.slow {
		if !now.Before(e.expiresAt) {
			c.removeSlowLocked(e)
			removed++
		}
	}
	remaining := len(c.slow)
	c.mu.Unlock()

	if removed > 0 {
		c.log.WithComponent("cache").WithFields(logger.Fields{
			"removed":   removed,
			"remaining": remaining,
		}).Debug("swept expired cache entries")
	}
}
