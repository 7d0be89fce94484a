package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/parser"
	"github.com/coffersTech/hotlog/internal/quarantine"
)

func newCache(clock *fakeClock, opts CacheOptions) *HotCache {
	opts.Clock = clock.Now
	return NewHotCache(opts)
}

func TestHotCache_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{Retention: 48 * time.Hour})
	inserted := clock.Now()
	require.True(t, c.Store(rec("id1", "orders", inserted)))

	assert.Len(t, c.LookupByCorrelationID("id1"), 1)

	clock.Advance(48*time.Hour - time.Nanosecond)
	assert.Len(t, c.LookupByCorrelationID("id1"), 1, "retrievable just before expiry")
	recs, total := c.Scan(model.QueryFilter{}, 10)
	assert.Len(t, recs, 1)
	assert.Equal(t, 1, total)

	clock.Advance(time.Nanosecond)
	assert.Empty(t, c.LookupByCorrelationID("id1"), "never retrievable at expiry")
	recs, total = c.Scan(model.QueryFilter{}, 10)
	assert.Empty(t, recs)
	assert.Zero(t, total)
}

func TestHotCache_PerRecordExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{Retention: time.Hour})
	base := clock.Now()

	c.Store(rec("req", "orders", base))
	clock.Advance(30 * time.Minute)
	c.Store(rec("req", "orders", base.Add(30*time.Minute)))

	got := c.LookupByCorrelationID("req")
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp), "ordered by timestamp")

	clock.Advance(30 * time.Minute)
	assert.Len(t, c.LookupByCorrelationID("req"), 1)
}

func TestHotCache_ParsedStreamIsQueryable(t *testing.T) {
	p := parser.New(parser.Config{Marker: "**"})
	body := func(id string) string {
		return fmt.Sprintf(`{"timestamp":"2026-10-14T10:00:00Z","apiName":"a","serviceName":"s","correlationId":%q}`, id)
	}
	stream := "**id1**\n" + body("id1") + "\n**id1**\n**id2**\n" + body("id2") + "\n**id2**\n"
	res := p.Parse("a.log", parser.State{}, []byte(stream))
	require.Len(t, res.Records, 2)

	c := NewHotCache(CacheOptions{Retention: 48 * time.Hour})
	for _, r := range res.Records {
		c.Store(r)
	}
	assert.Len(t, c.LookupByCorrelationID("id1"), 1)
	assert.Len(t, c.LookupByCorrelationID("id2"), 1)
}

func TestHotCache_DuplicatesIgnored(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{})
	r := rec("dup", "orders", clock.Now())

	assert.True(t, c.Store(r))
	assert.False(t, c.Store(r))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.Stats().Total)
}

func TestHotCache_RangeQueryUsesFilterAndPages(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{Shards: 4})
	base := clock.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		c.Store(rec(fmt.Sprintf("o%d", i), "orders", base.Add(time.Duration(i)*time.Minute)))
		c.Store(rec(fmt.Sprintf("p%d", i), "payments", base.Add(time.Duration(i)*time.Minute)))
	}

	res, err := c.RangeQuery(model.QueryFilter{APIName: "orders", Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 4, res.TotalPages)
	assert.Equal(t, []string{"o6", "o5", "o4"}, ids(res.Records))

	res, err = c.RangeQuery(model.QueryFilter{
		StartTime: base.Add(2 * time.Minute),
		EndTime:   base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, []string{"o3", "p3", "o2", "p2"}, ids(res.Records))

	_, err = c.RangeQuery(model.QueryFilter{Page: -1})
	assert.ErrorIs(t, err, model.ErrInvalidFilter)
}

func TestHotCache_LateRecordKeepsTimeOrder(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{Shards: 1})
	now := clock.Now()
	c.Store(rec("b", "x", now))
	c.Store(rec("c", "x", now.Add(time.Second)))
	c.Store(rec("a", "x", now.Add(-time.Second)))

	recs, _ := c.Scan(model.QueryFilter{}, 10)
	assert.Equal(t, []string{"c", "b", "a"}, ids(recs))
}

func TestHotCache_SweepEvictsAndUpdatesCounters(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{Retention: time.Hour})
	c.Store(rec("old", "legacy", clock.Now()))
	clock.Advance(45 * time.Minute)
	c.Store(errRec("new", "orders", clock.Now()))

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Error)
	assert.Equal(t, 50.0, stats.SuccessRate)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	stats = c.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(0), stats.Success)
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Equal(t, int64(2), stats.Ingested)
	assert.Equal(t, []string{"orders"}, c.FilterOptions().APIs)
	assert.Equal(t, []string{"orders-svc"}, c.FilterOptions().Services)
}

func TestHotCache_OverloadDropsOldest(t *testing.T) {
	c := NewHotCache(CacheOptions{QueueCapacity: 2, EnqueueWait: time.Millisecond})
	now := time.Now()

	start := time.Now()
	var overloads int
	for i := 0; i < 5; i++ {
		if err := c.Insert(rec(fmt.Sprintf("r%d", i), "orders", now)); err != nil {
			assert.ErrorIs(t, err, model.ErrCacheOverload)
			overloads++
		}
	}
	assert.Less(t, time.Since(start), time.Second, "insert must not block beyond a bounded wait")
	assert.Equal(t, 3, overloads)
	assert.Equal(t, int64(3), c.Stats().Dropped)
	require.Equal(t, 2, c.QueueLen())

	// The survivors are the newest inserts.
	assert.Equal(t, "r3", (<-c.queue).CorrelationID)
	assert.Equal(t, "r4", (<-c.queue).CorrelationID)
}

func TestHotCache_WorkersApplyQueue(t *testing.T) {
	c := NewHotCache(CacheOptions{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Insert(rec(fmt.Sprintf("w%d", i), "orders", time.Now())))
	}
	assert.Eventually(t, func() bool { return c.Len() == 100 }, time.Second, 5*time.Millisecond)

	cancel()
	c.Wait()
}

func TestHotCache_RestoreKeepsExpiry(t *testing.T) {
	clock := newFakeClock()
	src := newCache(clock, CacheOptions{Retention: time.Hour})
	src.Store(rec("early", "x", clock.Now()))
	clock.Advance(40 * time.Minute)
	src.Store(rec("late", "x", clock.Now()))
	entries := src.Entries()
	require.Len(t, entries, 2)

	clock.Advance(30 * time.Minute)
	dst := newCache(clock, CacheOptions{Retention: time.Hour})
	assert.Equal(t, 1, dst.Restore(entries))
	assert.Empty(t, dst.LookupByCorrelationID("early"))
	assert.Len(t, dst.LookupByCorrelationID("late"), 1)

	clock.Advance(30 * time.Minute)
	assert.Empty(t, dst.LookupByCorrelationID("late"), "restored entry keeps its original expiry")
}

func TestHotCache_Histogram(t *testing.T) {
	clock := newFakeClock()
	c := newCache(clock, CacheOptions{})
	base := clock.Now().Truncate(time.Hour).Add(-2 * time.Hour)
	c.Store(rec("a", "orders", base.Add(5*time.Minute)))
	c.Store(errRec("b", "orders", base.Add(10*time.Minute)))
	c.Store(rec("c", "orders", base.Add(70*time.Minute)))
	c.Store(rec("d", "payments", base.Add(75*time.Minute)))

	points, err := c.Histogram(base, base.Add(2*time.Hour), time.Hour, model.QueryFilter{APIName: "orders"})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, HistogramPoint{Time: base, Total: 2, Errors: 1}, points[0])
	assert.Equal(t, HistogramPoint{Time: base.Add(time.Hour), Total: 1}, points[1])

	_, err = c.Histogram(base, base, 0, model.QueryFilter{})
	assert.ErrorIs(t, err, model.ErrInvalidFilter)
}

func TestHotCache_StatsCountRejectsWithoutStore(t *testing.T) {
	rejects, err := quarantine.NewCounter(context.Background(), nil)
	require.NoError(t, err)
	c := NewHotCache(CacheOptions{Rejects: rejects})

	p := parser.New(parser.Config{Marker: "**"})
	body := `{"timestamp":"2026-10-14T10:00:00Z","apiName":"a","serviceName":"s"}`
	stream := "**id1**\n{\"partial\":\n**id2**\n" + body + "\n**id2**\n**id3**\n{oops\n**id3**\n"
	res := p.Parse("a.log", parser.State{}, []byte(stream))
	for _, rj := range res.Rejected {
		require.NoError(t, rejects.Quarantine(context.Background(), rj))
	}
	for _, r := range res.Records {
		c.Store(r)
	}

	st := c.Stats()
	assert.Equal(t, int64(1), st.Total)
	assert.Equal(t, int64(1), st.Discarded)
	assert.Equal(t, int64(1), st.Quarantined)
}
