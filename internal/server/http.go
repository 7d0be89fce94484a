package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coffersTech/hotlog/internal/engine"
	"github.com/coffersTech/hotlog/internal/metrics"
	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
	"github.com/coffersTech/hotlog/internal/registry"
)

// QueryService resolves filters across all sources.
type QueryService interface {
	Query(ctx context.Context, f model.QueryFilter) (model.MergedResult, error)
	LookupCorrelation(ctx context.Context, id string) (model.MergedResult, error)
	Recent(ctx context.Context, limit int) (model.MergedResult, error)
	Errors(ctx context.Context, limit int) (model.MergedResult, error)
}

// CacheView is the read side of the hot cache used by dashboards.
type CacheView interface {
	FilterOptions() model.FilterOptions
	Stats() model.StatsSnapshot
	Histogram(start, end time.Time, interval time.Duration, f model.QueryFilter) ([]engine.HistogramPoint, error)
	ServicesFor(api string) []string
	Overview(f model.QueryFilter) (engine.Overview, error)
	Breakdown(f model.QueryFilter, limit int) (engine.ErrorBreakdown, error)
	Performance(f model.QueryFilter, limit int) (engine.Performance, error)
	Summary(top int) engine.Summary
}

type QuarantineLister interface {
	List(ctx context.Context, limit int) ([]model.Rejected, error)
}

type Options struct {
	Addr        string
	TokenHashes []string
	RateLimit   float64
	Burst       int
}

type Deps struct {
	Router     QueryService
	Cache      CacheView
	Sources    *registry.Server
	Quarantine QuarantineLister // optional
	Live       http.Handler     // optional
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	opts    Options
	deps    Deps
	auth    *tokenAuth
	limiter *clientLimiter
	log     *slog.Logger
	srv     *http.Server
}

func New(opts Options, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Server{
		opts:    opts,
		deps:    deps,
		auth:    newTokenAuth(opts.TokenHashes),
		limiter: newClientLimiter(opts.RateLimit, opts.Burst),
		log:     deps.Logger.With("component", "http"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.limiter.Middleware(s.auth.Middleware(h)))
	}
	api("GET /api/logs/search", s.handleSearchGet)
	api("POST /api/logs/search", s.handleSearchPost)
	api("GET /api/logs/correlation/{id}", s.handleCorrelation)
	api("GET /api/logs/recent", s.handleRecent)
	api("GET /api/logs/errors", s.handleErrors)
	api("GET /api/logs/apis", s.handleAPIs)
	api("GET /api/logs/services", s.handleServices)
	api("GET /api/stats", s.handleStats)
	api("GET /api/histogram", s.handleHistogram)
	api("GET /api/analytics/overview", s.handleOverview)
	api("GET /api/analytics/errors/breakdown", s.handleBreakdown)
	api("GET /api/analytics/performance", s.handlePerformance)
	api("GET /api/analytics/summary", s.handleSummary)
	api("GET /api/quarantine", s.handleQuarantine)
	if s.deps.Sources != nil {
		api("GET /api/sources", s.deps.Sources.HandleList)
	}
	if s.deps.Live != nil {
		mux.Handle("GET /ws/logs", s.auth.Middleware(s.deps.Live))
	}
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", s.opts.Addr, "auth", s.auth.enabled())
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("json encode error", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeResult maps query errors: invalid filters are the caller's fault,
// anything else is ours.
func (s *Server) writeResult(w http.ResponseWriter, res model.MergedResult, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, model.ErrInvalidFilter):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.log.Error("query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("query failed"))
	}
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.deps.Router.Query(r.Context(), f)
	s.writeResult(w, res, err)
}

func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var f model.QueryFilter
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&f); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Join(model.ErrInvalidFilter, err))
		return
	}
	res, err := s.deps.Router.Query(r.Context(), f)
	s.writeResult(w, res, err)
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Router.LookupCorrelation(r.Context(), r.PathValue("id"))
	s.writeResult(w, res, err)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit", model.DefaultPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.deps.Router.Recent(r.Context(), limit)
	s.writeResult(w, res, err)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit", model.DefaultPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.deps.Router.Errors(r.Context(), limit)
	s.writeResult(w, res, err)
}

func (s *Server) handleAPIs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cache.FilterOptions().APIs)
}

// handleServices optionally narrows the list to one apiName.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cache.ServicesFor(apiParam(r.URL.Query())))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

// handleHistogram defaults to the last hour in one-minute buckets.
func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := filterFromQuery(q)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	end := time.Now()
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	start := end.Add(-time.Hour)
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	interval := time.Minute
	if v := q.Get("interval"); v != "" {
		if interval, err = parseInterval(v); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	points, err := s.deps.Cache.Histogram(start, end, interval, f)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

// writeAggregate maps analytics errors the same way writeResult does.
func (s *Server) writeAggregate(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, v)
	case errors.Is(err, model.ErrInvalidFilter):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.log.Error("analytics failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("analytics failed"))
	}
}

// analyticsFilter reads the search filter plus the api_name alias and a
// limit, which defaults to 10.
func analyticsFilter(q url.Values) (model.QueryFilter, int, error) {
	f, err := filterFromQuery(q)
	if err != nil {
		return f, 0, err
	}
	f.APIName = apiParam(q)
	limit, err := intParam(q, "limit", 10)
	return f, limit, err
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	f, _, err := analyticsFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := s.deps.Cache.Overview(f)
	s.writeAggregate(w, o, err)
}

// handleBreakdown covers the last days (default 7) unless a start time is
// given.
func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, limit, err := analyticsFilter(q)
	if err == nil {
		var days int
		if days, err = intParam(q, "days", 7); err == nil && f.StartTime.IsZero() && days > 0 {
			f.StartTime = time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		}
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := s.deps.Cache.Breakdown(f, limit)
	s.writeAggregate(w, b, err)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	f, limit, err := analyticsFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.deps.Cache.Performance(f, limit)
	s.writeAggregate(w, p, err)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Cache.Summary(5))
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quarantine == nil {
		s.writeJSON(w, http.StatusOK, []model.Rejected{})
		return
	}
	limit, err := intParam(r.URL.Query(), "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.deps.Quarantine.List(r.Context(), limit)
	if err != nil {
		s.log.Error("quarantine list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("quarantine unavailable"))
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func intParam(q map[string][]string, name string, def int) (int, error) {
	vs := q[name]
	if len(vs) == 0 || vs[0] == "" {
		return def, nil
	}
	n, err := strconv.Atoi(vs[0])
	if err != nil {
		return 0, errors.Join(model.ErrInvalidFilter, errors.New(name+" must be an integer"))
	}
	return n, nil
}

func apiParam(q url.Values) string {
	if v := q.Get("apiName"); v != "" {
		return v
	}
	return q.Get("api_name")
}
