package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache miss")
	// ErrUnknownCategory 未注册的分类
	ErrUnknownCategory = errors.New("unknown cache category")
	// ErrNilValue 工厂函数返回 nil，不予缓存
	ErrNilValue = errors.New("nil value not cached")
)

// 内置分类。
const (
	CategoryCompany  = "company"
	CategoryServices = "services"
	CategoryStaff    = "staff"
	CategoryClients  = "clients"
	CategorySlots    = "slots"
	CategoryContext  = "context"
)

// Config 本地缓存配置
type Config struct {
	// 每分类默认 TTL；为空时使用 DefaultCategoryTTLs
	CategoryTTLs map[string]time.Duration `yaml:"category_ttls" json:"category_ttls"`

	// 单进程最大条目数（所有分类合计），超出时淘汰最早写入的条目
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// 主动清扫间隔；<=0 时关闭主动清扫，只做惰性过期
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Now 用于测试，默认 time.Now
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultCategoryTTLs 返回内置分类的默认 TTL。
func DefaultCategoryTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		CategoryCompany:  10 * time.Minute,
		CategoryServices: 15 * time.Minute,
		CategoryStaff:    15 * time.Minute,
		CategoryClients:  10 * time.Minute,
		CategorySlots:    2 * time.Minute,
		CategoryContext:  5 * time.Minute,
	}
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		CategoryTTLs:  DefaultCategoryTTLs(),
		MaxEntries:    1000,
		SweepInterval: 60 * time.Second,
	}
}

// Factory 是 GetOrSet 在未命中时调用的加载函数。
type Factory func(ctx context.Context) (any, error)

type entry struct {
	category  string
	key       string
	value     any
	expiresAt time.Time

	// FIFO 链表，用于容量淘汰（最早写入者先出）
	prev, next *entry
}

// Local 是分类分区的进程内缓存。
type Local struct {
	mu      sync.RWMutex
	items   map[string]map[string]*entry // category → key → entry
	ttls    map[string]time.Duration
	head    *entry // 最新写入
	tail    *entry // 最早写入
	size    int
	maxSize int

	group   singleflight.Group
	stats   statsCounters
	metrics MetricsHook
	now     func() time.Time
	logger  *zap.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewLocal 创建本地缓存并启动清扫循环。
func NewLocal(cfg Config, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttls := cfg.CategoryTTLs
	if len(ttls) == 0 {
		ttls = DefaultCategoryTTLs()
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().MaxEntries
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Local{
		items:     make(map[string]map[string]*entry, len(ttls)),
		ttls:      make(map[string]time.Duration, len(ttls)),
		maxSize:   maxEntries,
		metrics:   nopMetrics{},
		now:       now,
		logger:    logger.With(zap.String("component", "local_cache")),
		stopSweep: make(chan struct{}),
	}
	for cat, ttl := range ttls {
		c.items[cat] = make(map[string]*entry)
		c.ttls[cat] = ttl
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}

	return c
}

// Get 获取缓存值；不存在或已过期时返回 (nil, false) 并计一次未命中。
func (c *Local) Get(category, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.items[category]
	if !ok {
		c.stats.miss(category)
		c.metrics.RecordCacheMiss(category)
		return nil, false
	}

	e, ok := byKey[key]
	if !ok {
		c.stats.miss(category)
		c.metrics.RecordCacheMiss(category)
		return nil, false
	}

	// 惰性过期检查
	if c.now().After(e.expiresAt) {
		c.removeLocked(e)
		c.stats.evict(category)
		c.stats.miss(category)
		c.metrics.RecordCacheEviction(EvictReasonExpired)
		c.metrics.RecordCacheMiss(category)
		return nil, false
	}

	c.stats.hit(category)
	c.metrics.RecordCacheHit(category)
	return e.value, true
}

// Set 写入缓存值；ttl<=0 时使用分类默认 TTL。
// 分类未注册时返回 false。
func (c *Local) Set(category, key string, value any, ttl ...time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(category, key, value, effectiveTTL(ttl))
}

func (c *Local) setLocked(category, key string, value any, ttl time.Duration) bool {
	byKey, ok := c.items[category]
	if !ok {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttls[category]
	}

	if e, ok := byKey[key]; ok {
		// 覆盖写：刷新值与过期时间，保持 FIFO 位置不变
		e.value = value
		e.expiresAt = c.now().Add(ttl)
		c.stats.set(category)
		return true
	}

	// 容量上限：淘汰最早写入的条目
	if c.size >= c.maxSize {
		if victim := c.tail; victim != nil {
			c.removeLocked(victim)
			c.stats.evict(victim.category)
			c.metrics.RecordCacheEviction(EvictReasonCapacity)
			c.logger.Debug("capacity eviction",
				zap.String("category", victim.category),
				zap.String("key", victim.key))
		}
	}

	e := &entry{
		category:  category,
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	byKey[key] = e
	c.pushHeadLocked(e)
	c.size++
	c.stats.set(category)
	return true
}

// GetOrSet 按 cache-aside 模式读取：未命中时调用 factory 加载并缓存结果。
// 同一 (category, key) 的并发未命中经 singleflight 合并为一次加载；
// factory 错误原样上抛且不缓存，nil 结果亦不缓存。
func (c *Local) GetOrSet(ctx context.Context, category, key string, factory Factory, ttl ...time.Duration) (any, error) {
	if v, ok := c.Get(category, key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(category+"\x00"+key, func() (any, error) {
		// 双重检查：等待期间可能已有人写入
		if v, ok := c.Get(category, key); ok {
			return v, nil
		}

		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, ErrNilValue
		}

		if !c.Set(category, key, v, effectiveTTL(ttl)) {
			return nil, ErrUnknownCategory
		}
		return v, nil
	})
	return v, err
}

// Delete 删除指定条目，返回条目是否存在。
func (c *Local) Delete(category, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.items[category]
	if !ok {
		return false
	}
	e, ok := byKey[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	c.stats.del(category)
	return true
}

// Flush 清空一个分类；category 为空时清空全部。
func (c *Local) Flush(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == "" {
		for cat, byKey := range c.items {
			for _, e := range byKey {
				c.removeLocked(e)
				c.stats.del(cat)
			}
		}
		return
	}

	byKey, ok := c.items[category]
	if !ok {
		return
	}
	for _, e := range byKey {
		c.removeLocked(e)
		c.stats.del(category)
	}
}

// Keys 返回某分类下所有未过期的键（供按租户扫描失效使用）。
func (c *Local) Keys(category string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byKey, ok := c.items[category]
	if !ok {
		return nil
	}
	now := c.now()
	keys := make([]string, 0, len(byKey))
	for k, e := range byKey {
		if now.Before(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close 停止清扫循环。
func (c *Local) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// --- 内部：FIFO 链表维护（持锁调用） ---

func (c *Local) pushHeadLocked(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Local) removeLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	delete(c.items[e.category], e.key)
	c.size--
}

// --- 清扫 ---

func (c *Local) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			n := c.Sweep()
			if n > 0 {
				c.logger.Debug("sweep evicted expired entries", zap.Int("count", n))
			}
		}
	}
}

// Sweep 主动移除所有已过期条目，返回淘汰数量。
func (c *Local) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for cat, byKey := range c.items {
		for _, e := range byKey {
			if now.After(e.expiresAt) {
				c.removeLocked(e)
				c.stats.evict(cat)
				c.metrics.RecordCacheEviction(EvictReasonExpired)
				evicted++
			}
		}
		c.metrics.SetCacheEntries(cat, len(byKey))
	}
	return evicted
}

func effectiveTTL(ttl []time.Duration) time.Duration {
	if len(ttl) > 0 {
		return ttl[0]
	}
	return 0
}
