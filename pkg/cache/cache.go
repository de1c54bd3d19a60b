package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry 缓存项，记录取回时间用于判断新鲜度
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
}

// Stamp 写入凭证，取数前获取，写入时校验
// 期间发生 Delete 或 Clear 时凭证失效，迟到的结果不会回填
type Stamp struct {
	epoch uint64
	gen   uint64
}

// Option 缓存选项
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
	maxStale        time.Duration
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanup 定期删除超过 maxStale 的旧条目
// 不设置时旧条目一直保留，供上游失败时兜底
func WithCleanup(interval, maxStale time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = interval
		o.maxStale = maxStale
	}
}

// TTL 带新鲜期的内存缓存，过期条目保留为陈旧值
type TTL[V any] struct {
	mu    sync.RWMutex
	items map[string]*Entry[V]
	gens  map[string]uint64
	epoch uint64

	ttl  time.Duration
	opts options

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New 创建缓存
func New[V any](ttl time.Duration, opts ...Option) *TTL[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &TTL[V]{
		items:       make(map[string]*Entry[V]),
		gens:        make(map[string]uint64),
		ttl:         ttl,
		opts:        o,
		stopCleanup: make(chan struct{}),
	}

	if o.cleanupInterval > 0 && o.maxStale > 0 {
		go c.cleanupLoop()
	}

	return c
}

// TTL 新鲜期
func (c *TTL[V]) TTL() time.Duration {
	return c.ttl
}

// cleanupLoop 定期清理过旧条目
func (c *TTL[V]) cleanupLoop() {
	ticker := time.NewTicker(c.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteOlderThan(c.opts.maxStale)
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *TTL[V]) deleteOlderThan(age time.Duration) {
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.items {
		if now.Sub(e.FetchedAt) > age {
			delete(c.items, key)
		}
	}
}

// Fresh 获取新鲜值（age < ttl）
func (c *TTL[V]) Fresh(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || c.opts.now().Sub(e.FetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Stale 获取任意年龄的值
func (c *TTL[V]) Stale(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Peek 获取条目（含取回时间）
func (c *TTL[V]) Peek(key string) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	return *e, true
}

// Stamp 获取写入凭证
func (c *TTL[V]) Stamp(key string) Stamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stamp{epoch: c.epoch, gen: c.gens[key]}
}

// Set 无条件写入
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = &Entry[V]{Value: value, FetchedAt: c.opts.now()}
	c.mu.Unlock()
}

// SetIfCurrent 凭证仍有效时写入，返回是否写入
func (c *TTL[V]) SetIfCurrent(key string, stamp Stamp, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stamp.epoch != c.epoch || stamp.gen != c.gens[key] {
		return false
	}
	c.items[key] = &Entry[V]{Value: value, FetchedAt: c.opts.now()}
	return true
}

// Delete 删除缓存并使已发出的凭证失效
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.gens[key]++
	c.mu.Unlock()
}

// DeletePrefix 删除指定前缀的所有缓存
func (c *TTL[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			c.gens[key]++
			count++
		}
	}
	return count
}

// Clear 清空所有缓存
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*Entry[V])
	c.gens = make(map[string]uint64)
	c.epoch++
	c.mu.Unlock()
}

// Len 条目数量（含陈旧条目）
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close 停止清理协程
func (c *TTL[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
}
