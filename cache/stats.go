package cache

import "sync"

// Counters 单个维度的操作计数。
type Counters struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats 缓存统计：总体 + 分分类。
type Stats struct {
	Overall     Counters            `json:"overall"`
	PerCategory map[string]Counters `json:"per_category"`
	Size        int                 `json:"size"`
	Capacity    int                 `json:"capacity"`
}

type statsCounters struct {
	mu         sync.Mutex
	overall    Counters
	byCategory map[string]*Counters
}

func (s *statsCounters) bucket(category string) *Counters {
	if s.byCategory == nil {
		s.byCategory = make(map[string]*Counters)
	}
	b, ok := s.byCategory[category]
	if !ok {
		b = &Counters{}
		s.byCategory[category] = b
	}
	return b
}

func (s *statsCounters) hit(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overall.Hits++
	s.bucket(category).Hits++
}

func (s *statsCounters) miss(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overall.Misses++
	s.bucket(category).Misses++
}

func (s *statsCounters) set(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overall.Sets++
	s.bucket(category).Sets++
}

func (s *statsCounters) del(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overall.Deletes++
	s.bucket(category).Deletes++
}

func (s *statsCounters) evict(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overall.Evictions++
	s.bucket(category).Evictions++
}

// GetStats 返回当前统计快照。
func (c *Local) GetStats() Stats {
	c.stats.mu.Lock()
	overall := c.stats.overall
	per := make(map[string]Counters, len(c.stats.byCategory))
	for cat, b := range c.stats.byCategory {
		cc := *b
		cc.HitRate = hitRate(cc.Hits, cc.Misses)
		per[cat] = cc
	}
	c.stats.mu.Unlock()

	overall.HitRate = hitRate(overall.Hits, overall.Misses)

	c.mu.RLock()
	size := c.size
	c.mu.RUnlock()

	return Stats{
		Overall:     overall,
		PerCategory: per,
		Size:        size,
		Capacity:    c.maxSize,
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
