package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/panjf2000/ants/v2"

	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/parser"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

// DefaultArchivePatterns covers live files, numbered rotations and zstd
// compressed segments.
var DefaultArchivePatterns = []string{"*.log", "*.txt", "*.log.*", "*.txt.*"}

const zstdSuffix = ".zst"

type ArchiveOptions struct {
	Dirs       []string
	Patterns   []string
	Workers    int
	ChunkBytes int
	Parser     *parser.Parser
	Logger     *slog.Logger
}

// Archive answers queries by replaying raw log files through the parser.
// Each file is replayed from offset zero with fresh parser state.
type Archive struct {
	dirs     []string
	patterns []string
	chunk    int
	parser   *parser.Parser
	pool     *ants.Pool
	log      *slog.Logger
}

func NewArchive(opts ArchiveOptions) (*Archive, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 256 << 10
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = DefaultArchivePatterns
	}
	if opts.Parser == nil {
		opts.Parser = parser.New(parser.Config{})
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	log := opts.Logger.With("component", "archive")

	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(v any) {
		log.Error("archive replay panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("archive worker pool: %w", err)
	}
	return &Archive{
		dirs:     opts.Dirs,
		patterns: opts.Patterns,
		chunk:    opts.ChunkBytes,
		parser:   opts.Parser,
		pool:     pool,
		log:      log,
	}, nil
}

// Close releases the worker pool.
func (a *Archive) Close() {
	a.pool.Release()
}

// Files lists every archive file under the configured directories.
func (a *Archive) Files() ([]string, error) {
	var files []string
	for _, dir := range a.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipDir
				}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() && a.matches(d.Name()) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func (a *Archive) matches(name string) bool {
	name = strings.TrimSuffix(name, zstdSuffix)
	for _, p := range a.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Query replays candidate files in parallel and returns the newest limit
// matches. Files last modified before f.StartTime are skipped. Unreadable
// files are logged and left out.
func (a *Archive) Query(ctx context.Context, f model.QueryFilter, limit int) ([]model.LogRecord, int, error) {
	files, err := a.Files()
	if err != nil {
		return nil, 0, err
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		all   []model.LogRecord
		total int
	)
	for _, path := range files {
		if pruned(path, f) {
			continue
		}
		wg.Add(1)
		err := a.pool.Submit(func() {
			defer wg.Done()
			recs, n, err := a.scanFile(ctx, path, &f, limit)
			if err != nil && ctx.Err() == nil {
				a.log.Warn("archive file skipped", "path", path, "error", err)
			}
			mu.Lock()
			all = append(all, recs...)
			total += n
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, 0, fmt.Errorf("archive submit: %w", err)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return newest(all, limit), total, nil
}

func pruned(path string, f model.QueryFilter) bool {
	if f.StartTime.IsZero() {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.ModTime().Before(f.StartTime)
}

func (a *Archive) scanFile(ctx context.Context, path string, f *model.QueryFilter, limit int) ([]model.LogRecord, int, error) {
	var matches []model.LogRecord
	n := 0
	err := a.Replay(ctx, path, func(r model.LogRecord) {
		if !f.Match(&r) {
			return
		}
		n++
		matches = append(matches, r)
		if len(matches) > 2*limit {
			matches = newest(matches, limit)
		}
	}, nil)
	return newest(matches, limit), n, err
}

// Replay parses path from the start, calling onRecord and onReject (either
// may be nil) in file order. Files ending in .zst are decompressed.
func (a *Archive) Replay(ctx context.Context, path string, onRecord func(model.LogRecord), onReject func(model.Rejected)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, zstdSuffix) {
		dec, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("zstd %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	sourceFile := strings.TrimSuffix(path, zstdSuffix)
	buf := make([]byte, a.chunk)
	var st parser.State
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			res := a.parser.Parse(sourceFile, st, buf[:n])
			st = res.State
			if onRecord != nil {
				for _, rec := range res.Records {
					onRecord(rec)
				}
			}
			if onReject != nil {
				for _, rj := range res.Rejected {
					onReject(rj)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
}

func newest(recs []model.LogRecord, limit int) []model.LogRecord {
	sort.Slice(recs, func(i, j int) bool { return model.Newer(&recs[i], &recs[j]) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
