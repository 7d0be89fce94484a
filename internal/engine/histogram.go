package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
)

type HistogramPoint struct {
	Time   time.Time `json:"time"`
	Total  int       `json:"total"`
	Errors int       `json:"errors"`
}

// Histogram buckets live matches of f in [start, end] by interval.
// Buckets without records are omitted.
func (c *HotCache) Histogram(start, end time.Time, interval time.Duration, f model.QueryFilter) ([]HistogramPoint, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", model.ErrInvalidFilter)
	}
	f.StartTime, f.EndTime = start, end
	f, err := prepare(f)
	if err != nil {
		return nil, err
	}

	buckets := make(map[int64]*HistogramPoint)
	c.each(&f, func(r *model.LogRecord) {
		b := r.Timestamp.Truncate(interval).UnixNano()
		p, ok := buckets[b]
		if !ok {
			p = &HistogramPoint{Time: time.Unix(0, b).UTC()}
			buckets[b] = p
		}
		p.Total++
		if r.IsError() {
			p.Errors++
		}
	})

	points := make([]HistogramPoint, 0, len(buckets))
	for _, p := range buckets {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}
