package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
)

// NameCount is one row of a grouped count, largest first.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Overview aggregates the live matches of a filter.
type Overview struct {
	Total     int         `json:"totalLogs"`
	Errors    int         `json:"errorCount"`
	ErrorRate float64     `json:"errorRate"`
	APIs      []NameCount `json:"apiBreakdown"`
	Services  []NameCount `json:"serviceBreakdown"`
}

// ErrorBreakdown groups failed requests.
type ErrorBreakdown struct {
	ByAPI     []NameCount `json:"errorsByApi"`
	ByService []NameCount `json:"errorsByService"`
	Messages  []NameCount `json:"recentErrorMessages"`
}

type ServiceLatency struct {
	Service       string  `json:"service"`
	AvgDurationMs float64 `json:"avgDuration"`
}

// Performance summarizes request durations.
type Performance struct {
	Count           int              `json:"count"`
	AvgDurationMs   float64          `json:"avgDurationMs"`
	MinDurationMs   int64            `json:"minDurationMs"`
	MaxDurationMs   int64            `json:"maxDurationMs"`
	SlowestServices []ServiceLatency `json:"slowestServices"`
}

// Summary is the dashboard landing view.
type Summary struct {
	Last24Hours Overview    `json:"last24Hours"`
	Retained    Overview    `json:"retained"`
	TopErrors   []NameCount `json:"topErrors"`
	TopAPIs     []NameCount `json:"topApis"`
}

// each calls fn for every live match of f. f must already be normalized.
func (c *HotCache) each(f *model.QueryFilter, fn func(r *model.LogRecord)) {
	now := c.opts.Clock()
	for _, s := range c.shards {
		s.mu.RLock()
		ix := s.byTime
		switch {
		case f.CorrelationID != "":
			ix = s.byCorrelation[f.CorrelationID]
		case f.APIName != "":
			ix = s.byAPI[f.APIName]
		}
		lo, hi := ix.bounds(f.StartTime, f.EndTime)
		for _, e := range ix[lo:hi] {
			if e.live(now) && f.Match(&e.Record) {
				fn(&e.Record)
			}
		}
		s.mu.RUnlock()
	}
}

func prepare(f model.QueryFilter) (model.QueryFilter, error) {
	if !f.StartTime.IsZero() && !f.EndTime.IsZero() && f.EndTime.Before(f.StartTime) {
		return f, fmt.Errorf("%w: end before start", model.ErrInvalidFilter)
	}
	f = f.Normalize()
	if _, err := f.Expr(); err != nil {
		return f, fmt.Errorf("%w: q: %w", model.ErrInvalidFilter, err)
	}
	return f, nil
}

// Overview counts the live matches of f grouped by api and service.
func (c *HotCache) Overview(f model.QueryFilter) (Overview, error) {
	f, err := prepare(f)
	if err != nil {
		return Overview{}, err
	}
	var o Overview
	apis, services := make(map[string]int), make(map[string]int)
	c.each(&f, func(r *model.LogRecord) {
		o.Total++
		if r.IsError() {
			o.Errors++
		}
		apis[r.APIName]++
		services[r.ServiceName]++
	})
	o.ErrorRate = model.SuccessRatePct(int64(o.Errors), int64(o.Total))
	o.APIs = topCounts(apis, 0)
	o.Services = topCounts(services, 0)
	return o, nil
}

// Breakdown groups the failed matches of f. Service and message groups
// keep the limit largest; api groups are complete.
func (c *HotCache) Breakdown(f model.QueryFilter, limit int) (ErrorBreakdown, error) {
	f, err := prepare(f)
	if err != nil {
		return ErrorBreakdown{}, err
	}
	apis, services, msgs := make(map[string]int), make(map[string]int), make(map[string]int)
	c.each(&f, func(r *model.LogRecord) {
		if !r.IsError() {
			return
		}
		apis[r.APIName]++
		services[r.ServiceName]++
		if r.ErrorMessage != "" {
			msgs[r.ErrorMessage]++
		}
	})
	return ErrorBreakdown{
		ByAPI:     topCounts(apis, 0),
		ByService: topCounts(services, limit),
		Messages:  topCounts(msgs, limit),
	}, nil
}

// Performance reports duration statistics for the matches of f and the
// limit services with the highest mean duration.
func (c *HotCache) Performance(f model.QueryFilter, limit int) (Performance, error) {
	f, err := prepare(f)
	if err != nil {
		return Performance{}, err
	}
	type acc struct {
		sum int64
		n   int
	}
	var (
		p      Performance
		sum    int64
		perSvc = make(map[string]*acc)
	)
	c.each(&f, func(r *model.LogRecord) {
		d := r.DurationMs
		if p.Count == 0 || d < p.MinDurationMs {
			p.MinDurationMs = d
		}
		if d > p.MaxDurationMs {
			p.MaxDurationMs = d
		}
		p.Count++
		sum += d
		a, ok := perSvc[r.ServiceName]
		if !ok {
			a = &acc{}
			perSvc[r.ServiceName] = a
		}
		a.sum += d
		a.n++
	})
	if p.Count > 0 {
		p.AvgDurationMs = round2(float64(sum) / float64(p.Count))
	}

	p.SlowestServices = make([]ServiceLatency, 0, len(perSvc))
	for name, a := range perSvc {
		p.SlowestServices = append(p.SlowestServices, ServiceLatency{
			Service:       name,
			AvgDurationMs: round2(float64(a.sum) / float64(a.n)),
		})
	}
	sort.Slice(p.SlowestServices, func(i, j int) bool {
		a, b := p.SlowestServices[i], p.SlowestServices[j]
		if a.AvgDurationMs != b.AvgDurationMs {
			return a.AvgDurationMs > b.AvgDurationMs
		}
		return a.Service < b.Service
	})
	if limit > 0 && len(p.SlowestServices) > limit {
		p.SlowestServices = p.SlowestServices[:limit]
	}
	return p, nil
}

// Summary combines the last day with everything still retained.
func (c *HotCache) Summary(top int) Summary {
	var s Summary
	// both filters are empty apart from the window, so neither can fail
	s.Last24Hours, _ = c.Overview(model.QueryFilter{StartTime: c.opts.Clock().Add(-24 * time.Hour)})
	s.Retained, _ = c.Overview(model.QueryFilter{})
	b, _ := c.Breakdown(model.QueryFilter{}, top)
	s.TopErrors = b.Messages
	s.TopAPIs = s.Retained.APIs
	if top > 0 && len(s.TopAPIs) > top {
		s.TopAPIs = s.TopAPIs[:top]
	}
	return s
}

// ServicesFor lists the services that logged under api. An empty api
// lists every service.
func (c *HotCache) ServicesFor(api string) []string {
	if api == "" {
		return c.FilterOptions().Services
	}
	now := c.opts.Clock()
	services := make(map[string]struct{})
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.byAPI[api] {
			if e.live(now) {
				services[e.Record.ServiceName] = struct{}{}
			}
		}
		s.mu.RUnlock()
	}
	return sortedKeys(services)
}

func topCounts(m map[string]int, limit int) []NameCount {
	out := make([]NameCount, 0, len(m))
	for k, n := range m {
		out = append(out, NameCount{Name: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
