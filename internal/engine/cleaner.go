package engine

import (
	"context"
	"time"
)

// RunCleaner periodically sweeps expired entries until ctx is done.
// Queries already hide expired entries; the sweep only reclaims memory.
func (c *HotCache) RunCleaner(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	c.log.Info("cleaner started", "retention", c.opts.Retention, "interval", c.opts.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("expired entries evicted", "count", n)
			}
		}
	}
}

// Sweep evicts every entry expired at the current clock time. Each shard is
// swept under its own lock so an entry disappears from all indexes at once.
func (c *HotCache) Sweep() int {
	now := c.opts.Clock()
	total := 0
	for _, s := range c.shards {
		gone := s.evict(now)
		for _, e := range gone {
			c.stats.removed(&e.Record)
		}
		total += len(gone)
	}
	c.opts.Metrics.CacheEvicted(total)
	c.opts.Metrics.CacheEntries(c.stats.success.Load() + c.stats.errors.Load())
	return total
}
