package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry struct {
	key     string
	value   any
	expires time.Time
}

// Cache is a size-bounded LRU whose entries expire after a TTL.
// The bot uses it to drop WhatsApp messages that are delivered twice.
type Cache struct {
	items     map[string]*list.Element
	evictList *list.List
	mutex     sync.Mutex
	capacity  int
	ttl       time.Duration
	now       func() time.Time
	cancel    context.CancelFunc
}

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dedup_cache_hits_total",
		Help: "Lookups that found a live entry",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dedup_cache_misses_total",
		Help: "Lookups that found nothing or an expired entry",
	})
	size = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dedup_cache_size",
		Help: "Current number of entries in the cache",
	})
)

// NewCache creates a cache holding at most capacity entries for ttl each.
// A background sweep removes expired entries until Stop is called.
func NewCache(capacity int, ttl time.Duration) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		capacity:  capacity,
		ttl:       ttl,
		now:       time.Now,
		cancel:    cancel,
	}
	go c.startCleanup(ctx, ttl)
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.get(key)
}

// Set stores value under key, refreshing its TTL.
func (c *Cache) Set(key string, value any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.set(key, value)
}

// Seen records key and reports whether it was already present.
// The check and the insert happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.get(key); ok {
		return true
	}
	c.set(key, struct{}{})
	return false
}

// Size returns the number of entries, expired ones included.
func (c *Cache) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evictList.Len()
}

// Stop ends the background sweep.
func (c *Cache) Stop() {
	c.cancel()
}

func (c *Cache) get(key string) (any, bool) {
	element, exists := c.items[key]
	if !exists {
		misses.Inc()
		return nil, false
	}
	e := element.Value.(*entry)
	if c.ttl > 0 && c.now().After(e.expires) {
		c.evictElement(element)
		misses.Inc()
		return nil, false
	}
	c.evictList.MoveToFront(element)
	hits.Inc()
	return e.value, true
}

func (c *Cache) set(key string, value any) {
	expires := c.now().Add(c.ttl)
	if element, exists := c.items[key]; exists {
		c.evictList.MoveToFront(element)
		e := element.Value.(*entry)
		e.value = value
		e.expires = expires
		return
	}

	element := c.evictList.PushFront(&entry{key: key, value: value, expires: expires})
	c.items[key] = element
	size.Inc()

	if c.capacity > 0 && c.evictList.Len() > c.capacity {
		if oldest := c.evictList.Back(); oldest != nil {
			c.evictElement(oldest)
		}
	}
}

func (c *Cache) evictElement(element *list.Element) {
	c.evictList.Remove(element)
	delete(c.items, element.Value.(*entry).key)
	size.Dec()
}

func (c *Cache) startCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) cleanupExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for element := c.evictList.Back(); element != nil; {
		prev := element.Prev()
		if now.After(element.Value.(*entry).expires) {
			c.evictElement(element)
		}
		element = prev
	}
}
