package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Watcher states reported by the watcher manager.
const (
	StateActive  = "active"
	StateParked  = "parked"
	StateStopped = "stopped"
)

// Source is the latest known status of one monitored file.
type Source struct {
	Path         string `json:"path"`
	State        string `json:"state"`
	Offset       int64  `json:"offset"`
	Size         int64  `json:"size"`
	PendingBytes int    `json:"pendingBytes"`
	PendingID    string `json:"pendingId,omitempty"`
	Records      int64  `json:"records"`
	Rejected     int64  `json:"rejected"`
	Truncations  int64  `json:"truncations"`
	LastError    string `json:"lastError,omitempty"`
	RegisteredAt int64  `json:"registeredAt"`
	LastSeenAt   int64  `json:"lastSeenAt"`
}

// Store keeps watcher status snapshots keyed by path.
type Store struct {
	mu      sync.RWMutex
	sources map[string]*Source
	now     func() time.Time
}

// NewStore creates a new registry store.
func NewStore() *Store {
	return &Store{
		sources: make(map[string]*Source),
		now:     time.Now,
	}
}

// Report adds a new source or replaces the status of an existing one.
func (s *Store) Report(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	if existing, ok := s.sources[src.Path]; ok {
		src.RegisteredAt = existing.RegisteredAt
	} else if src.RegisteredAt == 0 {
		src.RegisteredAt = now
	}
	src.LastSeenAt = now
	s.sources[src.Path] = &src
}

// Get returns a copy of the status for path.
func (s *Store) Get(path string) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[path]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// List returns all sources ordered by path.
func (s *Store) List() []Source {
	s.mu.RLock()
	list := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		list = append(list, *src)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list
}

// Remove forgets path.
func (s *Store) Remove(path string) {
	s.mu.Lock()
	delete(s.sources, path)
	s.mu.Unlock()
}

// PruneStale removes sources that have not reported for longer than timeout.
func (s *Store) PruneStale(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-timeout).Unix()
	count := 0
	for path, src := range s.sources {
		if src.LastSeenAt < cutoff {
			delete(s.sources, path)
			count++
		}
	}
	return count
}

// StartCleanupLoop prunes stale sources every interval until ctx is done.
func (s *Store) StartCleanupLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PruneStale(timeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}
