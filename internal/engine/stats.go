package engine

import (
	"sync/atomic"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
)

// RejectCounter reports blocks that never reached the cache.
type RejectCounter interface {
	Counts() (quarantined, discarded int64)
}

// rollingStats is the only home of the aggregate counters. It is mutated
// solely by the cache's insert and eviction paths.
type rollingStats struct {
	// live entries by outcome; total is their sum
	success atomic.Int64
	errors  atomic.Int64

	ingested   atomic.Int64
	duplicates atomic.Int64
	evicted    atomic.Int64
	dropped    atomic.Int64
}

func (s *rollingStats) added(r *model.LogRecord) {
	s.ingested.Add(1)
	if r.IsError() {
		s.errors.Add(1)
	} else {
		s.success.Add(1)
	}
}

func (s *rollingStats) removed(r *model.LogRecord) {
	s.evicted.Add(1)
	if r.IsError() {
		s.errors.Add(-1)
	} else {
		s.success.Add(-1)
	}
}

func (s *rollingStats) snapshot(now time.Time, rejects RejectCounter) model.StatsSnapshot {
	success, errs := s.success.Load(), s.errors.Load()
	snap := model.StatsSnapshot{
		Total:    success + errs,
		Success:  success,
		Error:    errs,
		Ingested: s.ingested.Load(),
		Evicted:  s.evicted.Load(),
		Dropped:  s.dropped.Load(),
		AsOf:     now,
	}
	snap.SuccessRate = model.SuccessRatePct(snap.Success, snap.Total)
	if rejects != nil {
		snap.Quarantined, snap.Discarded = rejects.Counts()
	}
	return snap
}

// SameCounts reports whether two snapshots differ only in their timestamp.
func SameCounts(a, b model.StatsSnapshot) bool {
	a.AsOf, b.AsOf = time.Time{}, time.Time{}
	return a == b
}
