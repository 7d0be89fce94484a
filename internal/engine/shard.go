package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
)

// CacheEntry is a record plus its cache lifetime.
type CacheEntry struct {
	Record     model.LogRecord `json:"record"`
	InsertedAt time.Time       `json:"insertedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

func (e *CacheEntry) live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// timeIndex is kept sorted by record timestamp ascending. Appends in time
// order are O(1); late records are inserted by binary search.
type timeIndex []*CacheEntry

func (ix timeIndex) insert(e *CacheEntry) timeIndex {
	ts := e.Record.Timestamp
	n := len(ix)
	if n == 0 || !ix[n-1].Record.Timestamp.After(ts) {
		return append(ix, e)
	}
	i := sort.Search(n, func(i int) bool { return ix[i].Record.Timestamp.After(ts) })
	ix = append(ix, nil)
	copy(ix[i+1:], ix[i:])
	ix[i] = e
	return ix
}

// bounds returns the half-open index range of entries within [start, end].
// Zero times are unbounded.
func (ix timeIndex) bounds(start, end time.Time) (int, int) {
	lo, hi := 0, len(ix)
	if !start.IsZero() {
		lo = sort.Search(len(ix), func(i int) bool { return !ix[i].Record.Timestamp.Before(start) })
	}
	if !end.IsZero() {
		hi = sort.Search(len(ix), func(i int) bool { return ix[i].Record.Timestamp.After(end) })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (ix timeIndex) compact(dead map[*CacheEntry]struct{}) timeIndex {
	out := ix[:0]
	for _, e := range ix {
		if _, gone := dead[e]; !gone {
			out = append(out, e)
		}
	}
	for i := len(out); i < len(ix); i++ {
		ix[i] = nil
	}
	return out
}

// shard owns a disjoint subset of correlation ids. All indexes of a shard
// change together under mu, so readers never see a half-applied insert or
// eviction.
type shard struct {
	mu sync.RWMutex

	byKey         map[model.RecordKey]*CacheEntry
	byCorrelation map[string]timeIndex
	byTime        timeIndex
	byAPI         map[string]timeIndex
	apis          map[string]int
	services      map[string]int

	// expiry holds entries in insertion order for the sweeper.
	expiry []*CacheEntry
}

func newShard() *shard {
	return &shard{
		byKey:         make(map[model.RecordKey]*CacheEntry),
		byCorrelation: make(map[string]timeIndex),
		byAPI:         make(map[string]timeIndex),
		apis:          make(map[string]int),
		services:      make(map[string]int),
	}
}

// add indexes e and reports false when its key is already present.
func (s *shard) add(e *CacheEntry) bool {
	key := e.Record.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byKey[key]; dup {
		return false
	}
	s.byKey[key] = e
	s.byCorrelation[e.Record.CorrelationID] = s.byCorrelation[e.Record.CorrelationID].insert(e)
	s.byTime = s.byTime.insert(e)
	s.byAPI[e.Record.APIName] = s.byAPI[e.Record.APIName].insert(e)
	s.apis[e.Record.APIName]++
	s.services[e.Record.ServiceName]++
	s.expiry = append(s.expiry, e)
	return true
}

// evict removes every entry expired at now and returns them.
func (s *shard) evict(now time.Time) []*CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gone []*CacheEntry
	dead := make(map[*CacheEntry]struct{})
	keep := s.expiry[:0]
	for _, e := range s.expiry {
		if e.live(now) {
			keep = append(keep, e)
			continue
		}
		gone = append(gone, e)
		dead[e] = struct{}{}
	}
	for i := len(keep); i < len(s.expiry); i++ {
		s.expiry[i] = nil
	}
	s.expiry = keep
	if len(gone) == 0 {
		return nil
	}

	s.byTime = s.byTime.compact(dead)
	touchedCorr := make(map[string]struct{})
	touchedAPI := make(map[string]struct{})
	for _, e := range gone {
		r := &e.Record
		delete(s.byKey, r.Key())
		touchedCorr[r.CorrelationID] = struct{}{}
		touchedAPI[r.APIName] = struct{}{}
		decRef(s.apis, r.APIName)
		decRef(s.services, r.ServiceName)
	}
	for id := range touchedCorr {
		if ix := s.byCorrelation[id].compact(dead); len(ix) > 0 {
			s.byCorrelation[id] = ix
		} else {
			delete(s.byCorrelation, id)
		}
	}
	for api := range touchedAPI {
		if ix := s.byAPI[api].compact(dead); len(ix) > 0 {
			s.byAPI[api] = ix
		} else {
			delete(s.byAPI, api)
		}
	}
	return gone
}

func decRef(m map[string]int, k string) {
	if m[k] <= 1 {
		delete(m, k)
		return
	}
	m[k]--
}

// scan walks the narrowest index for f from newest to oldest, collecting up
// to limit live matches and counting all of them.
func (s *shard) scan(f *model.QueryFilter, now time.Time, limit int) ([]model.LogRecord, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ix := s.byTime
	switch {
	case f.CorrelationID != "":
		ix = s.byCorrelation[f.CorrelationID]
	case f.APIName != "":
		ix = s.byAPI[f.APIName]
	}

	lo, hi := ix.bounds(f.StartTime, f.EndTime)
	var out []model.LogRecord
	total := 0
	for i := hi - 1; i >= lo; i-- {
		e := ix[i]
		if !e.live(now) || !f.Match(&e.Record) {
			continue
		}
		total++
		if len(out) < limit {
			out = append(out, e.Record)
		}
	}
	return out, total
}

func (s *shard) correlation(id string, now time.Time) []model.LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LogRecord
	for _, e := range s.byCorrelation[id] {
		if e.live(now) {
			out = append(out, e.Record)
		}
	}
	return out
}

func (s *shard) live(now time.Time) []CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CacheEntry, 0, len(s.expiry))
	for _, e := range s.expiry {
		if e.live(now) {
			out = append(out, *e)
		}
	}
	return out
}
