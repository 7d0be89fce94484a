package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coffersTech/hotlog/internal/metrics"
	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

// Source answers filtered lookups with the newest limit matches, newest
// first, plus the overall match count. Implementations must honor ctx.
type Source interface {
	Query(ctx context.Context, f model.QueryFilter, limit int) ([]model.LogRecord, int, error)
}

type RouterOptions struct {
	CacheTimeout    time.Duration
	ArchiveTimeout  time.Duration
	ColdTimeout     time.Duration
	MaxMerge        int
	DefaultPageSize int
	MaxPageSize     int

	Clock   func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o *RouterOptions) setDefaults() {
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = time.Second
	}
	if o.ArchiveTimeout <= 0 {
		o.ArchiveTimeout = 5 * time.Second
	}
	if o.ColdTimeout <= 0 {
		o.ColdTimeout = 3 * time.Second
	}
	if o.MaxMerge <= 0 {
		o.MaxMerge = 10000
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = model.MaxPageSize
	}
	if o.DefaultPageSize <= 0 || o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = min(model.DefaultPageSize, o.MaxPageSize)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

// Router resolves a filter against the hot cache, the file archive and the
// cold store. Archive and cold store are optional.
type Router struct {
	cache   *HotCache
	archive Source
	cold    Source
	opts    RouterOptions
	log     *slog.Logger
}

func NewRouter(cache *HotCache, archive, cold Source, opts RouterOptions) *Router {
	opts.setDefaults()
	return &Router{
		cache:   cache,
		archive: archive,
		cold:    cold,
		opts:    opts,
		log:     opts.Logger.With("component", "router"),
	}
}

// plan is the routing decision for one filter.
type plan struct {
	useCache bool
	// lower is the filter sent to archive and cold store; nil when they
	// are not needed.
	lower *model.QueryFilter
	// lowerOnMiss defers the lower sources until the cache has reported
	// no match for a correlation id.
	lowerOnMiss bool
}

func (r *Router) plan(f model.QueryFilter, now time.Time) plan {
	cutoff := now.Add(-r.cache.Retention())

	if !f.EndTime.IsZero() && f.EndTime.Before(cutoff) {
		lower := f
		return plan{lower: &lower}
	}
	if f.CorrelationID != "" {
		lower := f
		return plan{useCache: true, lower: &lower, lowerOnMiss: true}
	}
	if !f.StartTime.IsZero() && f.StartTime.Before(cutoff) {
		lower := f
		lower.EndTime = cutoff.Add(-time.Nanosecond)
		return plan{useCache: true, lower: &lower}
	}
	return plan{useCache: true}
}

// Query validates f and returns one merged page. Only an invalid filter is
// an error; failing sources are reported through the provenance.
func (r *Router) Query(ctx context.Context, f model.QueryFilter) (model.MergedResult, error) {
	if f.PageSize == 0 {
		f.PageSize = r.opts.DefaultPageSize
	}
	f = f.Normalize()
	if err := f.Validate(r.opts.MaxPageSize); err != nil {
		return model.MergedResult{}, err
	}
	return r.route(ctx, f), nil
}

func (r *Router) route(ctx context.Context, f model.QueryFilter) model.MergedResult {
	limit := f.Offset() + f.PageSize
	if limit > r.opts.MaxMerge {
		limit = r.opts.MaxMerge
	}
	p := r.plan(f, r.opts.Clock())

	cached := Outcome{Source: SourceCache, Status: StatusSkipped}
	if p.useCache && (p.lower == nil || p.lowerOnMiss) {
		cached = r.lookup(ctx, SourceCache, r.cache, r.opts.CacheTimeout, f, limit)
		if p.lowerOnMiss && cached.Status == StatusOK && len(cached.Records) > 0 {
			p.lower = nil
		}
		if p.lower == nil {
			return Merge(f, cached)
		}
	}

	var wg sync.WaitGroup
	if p.useCache && !p.lowerOnMiss {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cached = r.lookup(ctx, SourceCache, r.cache, r.opts.CacheTimeout, f, limit)
		}()
	}
	archived := Outcome{Source: SourceArchive}
	cold := Outcome{Source: SourceCold}
	wg.Add(2)
	go func() {
		defer wg.Done()
		archived = r.lookup(ctx, SourceArchive, r.archive, r.opts.ArchiveTimeout, *p.lower, limit)
	}()
	go func() {
		defer wg.Done()
		cold = r.lookup(ctx, SourceCold, r.cold, r.opts.ColdTimeout, *p.lower, limit)
	}()
	wg.Wait()

	res := Merge(f, cached, archived, cold)
	if res.Provenance.Partial {
		r.log.Warn("degraded query result", "skipped", res.Provenance.Skipped)
	}
	return res
}

type lookupResult struct {
	recs  []model.LogRecord
	total int
	err   error
}

// lookup runs one source under its own deadline. A result arriving after
// the deadline is discarded.
func (r *Router) lookup(ctx context.Context, name string, src Source, timeout time.Duration,
	f model.QueryFilter, limit int) Outcome {
	if src == nil {
		return Outcome{Source: name, Status: StatusSkipped, Reason: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	ch := make(chan lookupResult, 1)
	go func() {
		recs, total, err := src.Query(ctx, f, limit)
		ch <- lookupResult{recs: recs, total: total, err: err}
	}()

	var out Outcome
	select {
	case res := <-ch:
		out = classify(name, res)
		out.Capped = out.Status == StatusOK && limit >= r.opts.MaxMerge && out.Total > len(out.Records)
	case <-ctx.Done():
		out = Outcome{Source: name, Status: StatusTimeout, Reason: model.ErrSourceTimeout.Error()}
	}
	r.opts.Metrics.SourceLatency(name, out.Status.String(), time.Since(start))
	return out
}

func classify(name string, res lookupResult) Outcome {
	switch {
	case res.err == nil:
		recs := res.recs
		if recs == nil {
			recs = []model.LogRecord{}
		}
		return Outcome{Source: name, Status: StatusOK, Records: recs, Total: res.total}
	case errors.Is(res.err, context.DeadlineExceeded), errors.Is(res.err, model.ErrSourceTimeout):
		return Outcome{Source: name, Status: StatusTimeout, Reason: res.err.Error()}
	case errors.Is(res.err, model.ErrColdStoreUnreachable):
		return Outcome{Source: name, Status: StatusUnreachable, Reason: res.err.Error()}
	default:
		return Outcome{Source: name, Status: StatusFailed, Reason: res.err.Error()}
	}
}

// LookupCorrelation returns every known record of one request, newest
// first, up to the merge cap.
func (r *Router) LookupCorrelation(ctx context.Context, id string) (model.MergedResult, error) {
	if id == "" {
		return model.MergedResult{}, errors.Join(model.ErrInvalidFilter, errors.New("empty correlation id"))
	}
	f := model.QueryFilter{CorrelationID: id, Page: 1, PageSize: r.opts.MaxMerge}
	return r.route(ctx, f), nil
}

// Recent returns the newest limit records.
func (r *Router) Recent(ctx context.Context, limit int) (model.MergedResult, error) {
	return r.Query(ctx, model.QueryFilter{Page: 1, PageSize: limit})
}

// Errors returns the newest limit failed requests.
func (r *Router) Errors(ctx context.Context, limit int) (model.MergedResult, error) {
	yes := true
	return r.Query(ctx, model.QueryFilter{HasError: &yes, Page: 1, PageSize: limit})
}
