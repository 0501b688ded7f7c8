// Package cache is an in-process, TTL-bound response cache for generation
// results. Eviction is by insertion order: reads never refresh an entry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/vnmchuo/storefront-ai/internal/provider"
)

const DefaultSweepInterval = 5 * time.Minute

var ErrInvalidConfig = errors.New("cache: max size and default ttl must be positive")

type Entry struct {
	Result    *provider.Result
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Config struct {
	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type Stats struct {
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

type Cache struct {
	store      *lru.Cache[string, *Entry]
	maxSize    int
	defaultTTL time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, logger *zap.Logger) (*Cache, error) {
	if cfg.MaxSize <= 0 || cfg.DefaultTTL <= 0 {
		return nil, ErrInvalidConfig
	}
	store, err := lru.New[string, *Entry](cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:      store,
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		interval:   cfg.SweepInterval,
		now:        cfg.Now,
		logger:     logger,
	}, nil
}

// fingerprint is the canonical serialization behind Key. Only these fields
// may influence a cache key.
type fingerprint struct {
	Provider     string                `json:"provider"`
	Prompt       string                `json:"prompt"`
	SystemPrompt string                `json:"system"`
	MaxTokens    int                   `json:"max_tokens"`
	Temperature  *float64              `json:"temperature"`
	TopP         *float64              `json:"top_p"`
	Format       provider.OutputFormat `json:"format"`
}

// Key returns the hex SHA-256 of the request's cacheable fields plus the
// provider name.
func Key(req *provider.Request, providerName string) string {
	format := req.Format
	if format == "" {
		format = provider.FormatText
	}
	raw, _ := json.Marshal(fingerprint{
		Provider:     providerName,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		Format:       format,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of the cached result. Expired entries are deleted and
// reported as a miss.
func (c *Cache) Get(key string) (*provider.Result, bool) {
	entry, ok := c.store.Peek(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		c.store.Remove(key)
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return clone(entry.Result), true
}

// Set stores result for ttl (the default TTL when ttl <= 0). Overwriting a
// key counts as a fresh insertion.
func (c *Cache) Set(key string, result *provider.Result, ttl time.Duration) {
	if result == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.store.Remove(key)
	if evicted := c.store.Add(key, &Entry{Result: clone(result), CreatedAt: now, ExpiresAt: now.Add(ttl)}); evicted {
		c.evictions.Add(1)
	}
}

// clone copies r deep enough that callers cannot reach a stored entry.
func clone(r *provider.Result) *provider.Result {
	out := *r
	out.Metadata = maps.Clone(r.Metadata)
	return &out
}

func (c *Cache) Delete(key string) {
	c.store.Remove(key)
}

func (c *Cache) Clear() {
	c.store.Purge()
}

func (c *Cache) Len() int {
	return c.store.Len()
}

func (c *Cache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

func (c *Cache) Stats() Stats {
	return Stats{
		Size:      c.store.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

// Sweep removes every expired entry and returns how many it dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, key := range c.store.Keys() {
		entry, ok := c.store.Peek(key)
		if !ok || now.Before(entry.ExpiresAt) {
			continue
		}
		if c.store.Remove(key) {
			removed++
		}
	}
	if removed > 0 {
		c.expired.Add(uint64(removed))
	}
	return removed
}

// Start launches the periodic sweep. Calling Start twice is a no-op.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.sweepLoop(c.stop, c.done)
}

// Stop halts the sweep and waits for it to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Cache) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", zap.Int("removed", n), zap.Int("size", c.store.Len()))
			}
		case <-stop:
			return
		}
	}
}
