package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func rec(id, api string, ts time.Time) model.LogRecord {
	return model.LogRecord{
		CorrelationID: id,
		Timestamp:     ts,
		LogLevel:      "INFO",
		APIName:       api,
		ServiceName:   api + "-svc",
		SourceFile:    "/logs/" + api + ".log",
	}
}

func errRec(id, api string, ts time.Time) model.LogRecord {
	r := rec(id, api, ts)
	r.HasError = true
	r.LogLevel = "ERROR"
	return r
}

func ids(recs []model.LogRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.CorrelationID)
	}
	return out
}

// fakeSource filters an in-memory slice the way a real source would.
type fakeSource struct {
	records []model.LogRecord
	err     error
	block   bool
	calls   atomic.Int32
}

func (s *fakeSource) Query(ctx context.Context, f model.QueryFilter, limit int) ([]model.LogRecord, int, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if s.err != nil {
		return nil, 0, s.err
	}
	var out []model.LogRecord
	for i := range s.records {
		if f.Match(&s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.Newer(&out[i], &out[j]) })
	total := len(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	recs []model.LogRecord
}

func (p *recordingPublisher) PublishRecord(r model.LogRecord) {
	p.mu.Lock()
	p.recs = append(p.recs, r)
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recs)
}
