// Package cache implements the two-tier result cache: a bounded in-process
// LRU fronting a shared key/value store. Entries expire by TTL, sensitive
// values are sealed with the secret box, and KV-tier failures degrade to the
// LRU tier without surfacing errors to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"taskforge/internal/kvstore"
	"taskforge/internal/secretbox"
)

// Config sizes the cache.
type Config struct {
	// MaxEntries bounds the LRU tier.
	MaxEntries int

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// CleanupInterval is the expired-entry sweeper period. Zero disables the
	// sweeper (expiry on read still applies).
	CleanupInterval time.Duration
}

// Entry is a cached value with its expiry and access metadata. Value holds
// the sealed bytes when Encrypted is true.
type Entry struct {
	Value          []byte        `json:"value"`
	CreatedAt      time.Time     `json:"created_at"`
	TTL            time.Duration `json:"ttl_ns"`
	Encrypted      bool          `json:"encrypted,omitempty"`
	AccessCount    uint64        `json:"access_count,omitempty"`
	LastAccessNano int64         `json:"last_access,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Stats are monotonic process counters; Size is sampled.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Expirations   uint64
	KVWriteErrors uint64
	Size          int
}

// Cache is safe for concurrent use. Set is linearizable with respect to
// subsequent Gets in the same process; cross-process ordering follows the KV
// store's semantics.
type Cache struct {
	lru    *lru.Cache[string, *Entry]
	kv     kvstore.Store
	box    *secretbox.Box
	logger *zap.Logger

	defaultTTL      time.Duration
	cleanupInterval time.Duration

	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	expirations   atomic.Uint64
	kvWriteErrors atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// New builds the cache and starts the background sweeper. box may be nil when
// no sensitive entries are expected.
func New(cfg Config, kv kvstore.Store, box *secretbox.Box, logger *zap.Logger) (*Cache, error) {
	l, err := lru.New[string, *Entry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		lru:             l,
		kv:              kv,
		box:             box,
		logger:          logger.Named("cache"),
		defaultTTL:      cfg.DefaultTTL,
		cleanupInterval: cfg.CleanupInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	if c.cleanupInterval > 0 {
		go c.sweep()
	} else {
		close(c.done)
	}
	return c, nil
}

// Close stops the sweeper. It does not close the KV store, which the caller
// owns.
func (c *Cache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

// Get returns the cached value for key. Expired entries found on read are
// deleted and counted as a miss plus an expiration. A decryption failure is
// reported as a miss and the entry is dropped from both tiers.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()

	if e, ok := c.lru.Get(key); ok {
		if e.expired(now) {
			c.lru.Remove(key)
			c.deleteKV(ctx, key)
			c.misses.Add(1)
			c.expirations.Add(1)
			return nil, false
		}
		val, err := c.open(e)
		if err != nil {
			c.logger.Warn("dropping undecryptable entry", zap.String("key", key), zap.Error(err))
			c.lru.Remove(key)
			c.deleteKV(ctx, key)
			c.misses.Add(1)
			return nil, false
		}
		c.touch(e, now)
		c.hits.Add(1)
		return val, true
	}

	// LRU miss: fall back to the KV tier and repopulate on hit.
	data, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Warn("kv read failed", zap.String("key", key), zap.Error(err))
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("dropping undecodable kv entry", zap.String("key", key), zap.Error(err))
		c.deleteKV(ctx, key)
		c.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		c.deleteKV(ctx, key)
		c.misses.Add(1)
		c.expirations.Add(1)
		return nil, false
	}
	val, err := c.open(&e)
	if err != nil {
		c.logger.Warn("dropping undecryptable kv entry", zap.String("key", key), zap.Error(err))
		c.deleteKV(ctx, key)
		c.misses.Add(1)
		return nil, false
	}

	c.touch(&e, now)
	if evicted := c.lru.Add(key, &e); evicted {
		c.evictions.Add(1)
	}
	c.hits.Add(1)
	return val, true
}

// Set stores value under key in both tiers. sensitive values are sealed
// before they leave this method. A KV write failure is counted and logged but
// does not fail the Set.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, sensitive bool) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	stored := value
	if sensitive {
		if c.box == nil {
			return errors.New("cache: sensitive entry without a secret box")
		}
		var err error
		stored, err = c.box.Encrypt(value)
		if err != nil {
			return err
		}
	}

	e := &Entry{
		Value:     stored,
		CreatedAt: time.Now(),
		TTL:       ttl,
		Encrypted: sensitive,
	}

	if evicted := c.lru.Add(key, e); evicted {
		c.evictions.Add(1)
	}

	wire, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, key, wire, ttl); err != nil {
		c.kvWriteErrors.Add(1)
		c.logger.Warn("kv write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.lru.Remove(key)
	c.deleteKV(ctx, key)
}

// Stats samples the counters and the LRU size.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		KVWriteErrors: c.kvWriteErrors.Load(),
		Size:          c.lru.Len(),
	}
}

func (c *Cache) open(e *Entry) ([]byte, error) {
	if !e.Encrypted {
		return e.Value, nil
	}
	if c.box == nil {
		return nil, errors.New("cache: encrypted entry without a secret box")
	}
	return c.box.Decrypt(e.Value)
}

func (c *Cache) touch(e *Entry, now time.Time) {
	atomic.AddUint64(&e.AccessCount, 1)
	atomic.StoreInt64(&e.LastAccessNano, now.UnixNano())
}

func (c *Cache) deleteKV(ctx context.Context, key string) {
	if err := c.kv.Delete(ctx, key); err != nil {
		c.logger.Debug("kv delete failed", zap.String("key", key), zap.Error(err))
	}
}

// sweep evicts expired LRU entries on a timer. The KV tier expires entries
// natively.
func (c *Cache) sweep() {
	defer close(c.done)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, key := range c.lru.Keys() {
				if e, ok := c.lru.Peek(key); ok && e.expired(now) {
					c.lru.Remove(key)
					c.expirations.Add(1)
				}
			}
		case <-c.stop:
			return
		}
	}
}
