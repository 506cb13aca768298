package cache

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Key builders
const (
	KeyContacts = "contacts"
	KeyChats    = "chats"
	KeyQR       = "qr"
)

// MessagesKey addresses one page of a chat's history.
func MessagesKey(chatID string, limit int) string {
	return fmt.Sprintf("%s%d", MessagesPrefix(chatID), limit)
}

// MessagesPrefix matches every cached page of a chat's history.
func MessagesPrefix(chatID string) string {
	return "messages:" + chatID + ":"
}

// entry is immutable once stored.
type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.insertedAt.Add(e.ttl))
}

// encoded is a disk-tier hit that has not been decoded yet.
type encoded struct {
	data       []byte
	insertedAt time.Time
	ttl        time.Duration
}

// Options configures a Cache
type Options struct {
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// Disk enables the persistent tier; nil keeps the cache memory-only.
	Disk   *Disk
	Logger *slog.Logger
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Cache is a TTL key/value store. Expiry is checked on lookup; nothing
// sweeps in the background. Cache operations never fail: storage errors
// are logged and reported as misses.
type Cache struct {
	entries sync.Map // string -> *entry
	now     func() time.Time
	disk    *Disk
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache
func New(opts Options) *Cache {
	c := &Cache{
		now:    opts.Now,
		disk:   opts.Disk,
		logger: opts.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Get returns the live value for key. Values found only on disk come back
// in encoded form; use Lookup to get them typed.
func (c *Cache) Get(key string) (any, bool) {
	now := c.now()

	if v, ok := c.entries.Load(key); ok {
		e := v.(*entry)
		if !e.expired(now) {
			c.hits.Add(1)
			return e.value, true
		}
		c.entries.CompareAndDelete(key, e)
	}

	if c.disk != nil {
		r, ok, err := c.disk.load(key)
		if err != nil {
			c.logger.Warn("cache disk read failed", "key", key, "error", err)
		} else if ok {
			if !now.After(r.insertedAt.Add(r.ttl)) {
				c.hits.Add(1)
				return encoded{data: r.data, insertedAt: r.insertedAt, ttl: r.ttl}, true
			}
			if err := c.disk.delete(key); err != nil {
				c.logger.Warn("cache disk delete failed", "key", key, "error", err)
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put stores value under key for ttl, replacing any previous entry.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	now := c.now()
	c.entries.Store(key, &entry{value: value, insertedAt: now, ttl: ttl})

	if c.disk == nil {
		return
	}
	data, err := encode(value)
	if err != nil {
		c.logger.Warn("cache value not persisted", "key", key, "error", err)
		return
	}
	if err := c.disk.store(key, data, now, ttl); err != nil {
		c.logger.Warn("cache disk write failed", "key", key, "error", err)
	}
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
	if c.disk != nil {
		if err := c.disk.delete(key); err != nil {
			c.logger.Warn("cache disk delete failed", "key", key, "error", err)
		}
	}
}

// InvalidatePrefix drops every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.entries.Range(func(k, _ any) bool {
		if key := k.(string); strings.HasPrefix(key, prefix) {
			c.entries.Delete(key)
		}
		return true
	})
	if c.disk != nil {
		if err := c.disk.deletePrefix(prefix); err != nil {
			c.logger.Warn("cache disk prefix delete failed", "prefix", prefix, "error", err)
		}
	}
}

// Stats reports hit and miss counters plus the number of live memory entries.
func (c *Cache) Stats() Stats {
	now := c.now()
	size := 0
	c.entries.Range(func(_, v any) bool {
		if !v.(*entry).expired(now) {
			size++
		}
		return true
	})
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}

// Close releases the disk tier, if any.
func (c *Cache) Close() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.Close()
}

// Lookup is a typed Get. A value of another type counts as a miss. Disk hits
// are decoded and promoted into memory with their remaining TTL.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}

	switch tv := v.(type) {
	case T:
		return tv, true
	case encoded:
		return promote[T](c, key, tv)
	}
	return zero, false
}

// promote decodes a disk hit into memory. A live entry that landed in
// memory meanwhile is newer and wins.
func promote[T any](c *Cache, key string, tv encoded) (T, bool) {
	var out T
	if err := decode(tv.data, &out); err != nil {
		c.logger.Warn("cache disk value undecodable", "key", key, "error", err)
		c.Invalidate(key)
		return out, false
	}
	fresh := &entry{value: out, insertedAt: tv.insertedAt, ttl: tv.ttl}
	prev, loaded := c.entries.LoadOrStore(key, fresh)
	if !loaded {
		return out, true
	}
	if e := prev.(*entry); !e.expired(c.now()) {
		if v, ok := e.value.(T); ok {
			return v, true
		}
		return out, true
	}
	c.entries.CompareAndSwap(key, prev, fresh)
	return out, true
}
