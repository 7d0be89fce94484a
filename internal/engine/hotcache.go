package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coffersTech/hotlog/internal/metrics"
	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

// DefaultRetention is the cache TTL when none is configured.
const DefaultRetention = 48 * time.Hour

type CacheOptions struct {
	Retention     time.Duration
	Shards        int
	QueueCapacity int
	EnqueueWait   time.Duration
	Workers       int
	SweepInterval time.Duration

	Clock   func() time.Time
	Rejects RejectCounter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o *CacheOptions) setDefaults() {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Shards <= 0 {
		o.Shards = 16
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 8192
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 5 * time.Millisecond
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// HotCache holds recent records for Retention after their insertion.
// Records are sharded by correlation id; each shard has its own lock.
type HotCache struct {
	opts   CacheOptions
	shards []*shard
	queue  chan model.LogRecord
	stats  rollingStats
	log    *slog.Logger

	wg sync.WaitGroup
}

func NewHotCache(opts CacheOptions) *HotCache {
	opts.setDefaults()
	c := &HotCache{
		opts:   opts,
		shards: make([]*shard, opts.Shards),
		queue:  make(chan model.LogRecord, opts.QueueCapacity),
		log:    opts.Logger.With("component", "hotcache"),
	}
	for i := range c.shards {
		c.shards[i] = newShard()
	}
	return c
}

// Retention returns the configured TTL.
func (c *HotCache) Retention() time.Duration {
	return c.opts.Retention
}

func (c *HotCache) shardFor(correlationID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Start runs the apply workers and the sweeper until ctx is done. Records
// still queued at that point are applied before the workers exit.
func (c *HotCache) Start(ctx context.Context) {
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.applyLoop(ctx)
		}()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RunCleaner(ctx)
	}()
}

// Wait blocks until the goroutines started by Start have exited.
func (c *HotCache) Wait() {
	c.wg.Wait()
}

func (c *HotCache) applyLoop(ctx context.Context) {
	for {
		select {
		case rec := <-c.queue:
			c.Store(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-c.queue:
					c.Store(rec)
				default:
					return
				}
			}
		}
	}
}

// Insert hands rec to the apply workers. It waits at most EnqueueWait for
// room; after that the oldest queued record is dropped to make space and
// model.ErrCacheOverload is returned. Insert never blocks longer.
func (c *HotCache) Insert(rec model.LogRecord) error {
	select {
	case c.queue <- rec:
		return nil
	default:
	}

	t := time.NewTimer(c.opts.EnqueueWait)
	select {
	case c.queue <- rec:
		t.Stop()
		return nil
	case <-t.C:
	}

	// Other producers may refill the freed slot; give up after a few rounds
	// and drop rec itself instead.
	for attempt := 0; attempt < 4; attempt++ {
		select {
		case <-c.queue:
			c.dropped()
		default:
		}
		select {
		case c.queue <- rec:
			return model.ErrCacheOverload
		default:
		}
	}
	c.dropped()
	return model.ErrCacheOverload
}

func (c *HotCache) dropped() {
	c.stats.dropped.Add(1)
	c.opts.Metrics.CacheDropped()
}

// QueueLen reports the number of records waiting to be applied.
func (c *HotCache) QueueLen() int {
	return len(c.queue)
}

// Store indexes rec synchronously. Duplicate keys are ignored and reported
// as false.
func (c *HotCache) Store(rec model.LogRecord) bool {
	now := c.opts.Clock()
	return c.storeEntry(&CacheEntry{Record: rec, InsertedAt: now, ExpiresAt: now.Add(c.opts.Retention)})
}

func (c *HotCache) storeEntry(e *CacheEntry) bool {
	if !c.shardFor(e.Record.CorrelationID).add(e) {
		c.stats.duplicates.Add(1)
		return false
	}
	c.stats.added(&e.Record)
	c.opts.Metrics.CacheEntries(c.stats.success.Load() + c.stats.errors.Load())
	return true
}

// Restore re-inserts entries with their original lifetimes, skipping those
// already expired. It returns the number restored.
func (c *HotCache) Restore(entries []CacheEntry) int {
	now := c.opts.Clock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ExpiresAt.Before(entries[j].ExpiresAt) })
	n := 0
	for i := range entries {
		e := entries[i]
		if !e.live(now) {
			continue
		}
		if c.storeEntry(&e) {
			n++
		}
	}
	return n
}

// Entries returns a copy of every live entry.
func (c *HotCache) Entries() []CacheEntry {
	now := c.opts.Clock()
	var out []CacheEntry
	for _, s := range c.shards {
		out = append(out, s.live(now)...)
	}
	return out
}

// LookupByCorrelationID returns the live records for id ordered by
// timestamp ascending.
func (c *HotCache) LookupByCorrelationID(id string) []model.LogRecord {
	return c.shardFor(id).correlation(id, c.opts.Clock())
}

// Scan returns up to limit live matches of f, newest first, and the number
// of live matches overall.
func (c *HotCache) Scan(f model.QueryFilter, limit int) ([]model.LogRecord, int) {
	now := c.opts.Clock()
	if f.CorrelationID != "" {
		return c.shardFor(f.CorrelationID).scan(&f, now, limit)
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		all   []model.LogRecord
		total int
	)
	for _, s := range c.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			recs, n := s.scan(&f, now, limit)
			mu.Lock()
			all = append(all, recs...)
			total += n
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	sortNewest(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total
}

// Query satisfies Source so the cache can take part in routed queries.
func (c *HotCache) Query(ctx context.Context, f model.QueryFilter, limit int) ([]model.LogRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	recs, total := c.Scan(f, limit)
	return recs, total, nil
}

// RangeQuery returns one page of matches, newest first.
func (c *HotCache) RangeQuery(f model.QueryFilter) (model.MergedResult, error) {
	f = f.Normalize()
	if err := f.Validate(0); err != nil {
		return model.MergedResult{}, err
	}
	recs, total := c.Scan(f, f.Offset()+f.PageSize)
	res := model.MergedResult{
		Records:    page(recs, f.Offset(), f.PageSize),
		Total:      total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalPages: model.TotalPages(total, f.PageSize),
	}
	res.Provenance.FromCache = len(recs) > 0
	return res, nil
}

// FilterOptions lists the apiName and serviceName values in the cache.
func (c *HotCache) FilterOptions() model.FilterOptions {
	apis := make(map[string]struct{})
	services := make(map[string]struct{})
	for _, s := range c.shards {
		s.mu.RLock()
		for a := range s.apis {
			apis[a] = struct{}{}
		}
		for sv := range s.services {
			services[sv] = struct{}{}
		}
		s.mu.RUnlock()
	}
	return model.FilterOptions{APIs: sortedKeys(apis), Services: sortedKeys(services)}
}

// Len returns the number of indexed entries, including expired ones not
// yet swept.
func (c *HotCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.byKey)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns the rolling aggregate.
func (c *HotCache) Stats() model.StatsSnapshot {
	return c.stats.snapshot(c.opts.Clock(), c.opts.Rejects)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortNewest(recs []model.LogRecord) {
	sort.Slice(recs, func(i, j int) bool { return model.Newer(&recs[i], &recs[j]) })
}

func page(recs []model.LogRecord, offset, size int) []model.LogRecord {
	if offset >= len(recs) {
		return []model.LogRecord{}
	}
	end := offset + size
	if end > len(recs) {
		end = len(recs)
	}
	return recs[offset:end]
}
