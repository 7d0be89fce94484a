package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

type ManagerConfig struct {
	BasePath         string
	Patterns         []string
	DiscoverInterval time.Duration
	ForgetAfter      time.Duration
	Watch            Options
}

type handle struct {
	cancel       context.CancelFunc
	done         chan struct{}
	missingSince time.Time
}

// Manager discovers files under BasePath and runs one Watcher per file.
type Manager struct {
	cfg  ManagerConfig
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	watchers map[string]*handle
	wg       sync.WaitGroup
}

func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = 10 * time.Second
	}
	if cfg.ForgetAfter <= 0 {
		cfg.ForgetAfter = time.Hour
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"*.log", "*.txt"}
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With("component", "watcher-manager"),
		now:      time.Now,
		watchers: make(map[string]*handle),
	}
}

// Run discovers immediately and then every DiscoverInterval. On return all
// watchers have stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("watching", "base", m.cfg.BasePath, "patterns", m.cfg.Patterns)
	m.Discover(ctx)

	ticker := time.NewTicker(m.cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-ticker.C:
			m.Discover(ctx)
		}
	}
}

// Discover starts watchers for new files and stops those whose file has
// been absent for longer than ForgetAfter. It returns the number started.
func (m *Manager) Discover(ctx context.Context) int {
	found, err := m.scan()
	if err != nil {
		m.log.Warn("discovery failed", "error", err)
		return 0
	}

	now := m.now()
	var stale []string
	started := 0

	m.mu.Lock()
	for path := range found {
		if h, ok := m.watchers[path]; ok {
			h.missingSince = time.Time{}
			continue
		}
		m.start(ctx, path)
		started++
	}
	for path, h := range m.watchers {
		if found[path] {
			continue
		}
		if h.missingSince.IsZero() {
			h.missingSince = now
		} else if now.Sub(h.missingSince) > m.cfg.ForgetAfter {
			stale = append(stale, path)
		}
	}
	m.mu.Unlock()

	for _, path := range stale {
		m.forget(path)
	}
	if started > 0 {
		m.log.Info("discovered files", "new", started)
	}
	m.deps.Metrics.WatchedFiles(len(m.Watched()))
	return started
}

func (m *Manager) scan() (map[string]bool, error) {
	found := make(map[string]bool)
	err := filepath.WalkDir(m.cfg.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == m.cfg.BasePath {
				return err
			}
			m.log.Debug("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !m.matches(d.Name()) {
			return nil
		}
		found[path] = true
		return nil
	})
	return found, err
}

func (m *Manager) matches(name string) bool {
	for _, p := range m.cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// start must be called with m.mu held.
func (m *Manager) start(ctx context.Context, path string) {
	wctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.watchers[path] = h

	w := New(path, m.cfg.Watch, m.deps)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		w.Run(wctx)
	}()
}

func (m *Manager) forget(path string) {
	m.mu.Lock()
	h, ok := m.watchers[path]
	delete(m.watchers, path)
	m.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	<-h.done
	if m.deps.Reporter != nil {
		m.deps.Reporter.Remove(path)
	}
	m.log.Info("stopped watcher for vanished file", "path", path)
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	for _, h := range m.watchers {
		h.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Watched returns the paths with a running watcher.
func (m *Manager) Watched() []string {
	m.mu.Lock()
	paths := make([]string, 0, len(m.watchers))
	for p := range m.watchers {
		paths = append(paths, p)
	}
	m.mu.Unlock()
	sort.Strings(paths)
	return paths
}
