// Package watcher tails monitored log files and turns appended bytes into
// records. Each file is owned by exactly one Watcher goroutine; its scan
// state is never shared.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/coffersTech/hotlog/internal/metrics"
	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/parser"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
	"github.com/coffersTech/hotlog/internal/pkg/retry"
	"github.com/coffersTech/hotlog/internal/registry"
)

var errReplaced = errors.New("file replaced during read")

// Batch is the set of records produced by one read step.
type Batch struct {
	Path    string
	Records []model.LogRecord
}

// RejectSink receives blocks that were discarded instead of emitted.
type RejectSink interface {
	Quarantine(ctx context.Context, r model.Rejected) error
}

// Reporter receives status snapshots. *registry.Store implements it.
type Reporter interface {
	Report(src registry.Source)
	Remove(path string)
}

// Options tune a single watcher.
type Options struct {
	PollInterval time.Duration
	MaxReadBytes int
	MaxParkDelay time.Duration
	MaxRawBytes  int
	Retry        retry.Config
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxReadBytes <= 0 {
		o.MaxReadBytes = 4 << 20
	}
	if o.MaxParkDelay < o.PollInterval {
		o.MaxParkDelay = 30 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultConfig()
	}
}

// Deps are the collaborators shared by all watchers.
type Deps struct {
	Parser      *parser.Parser
	Checkpoints CheckpointStore
	Out         chan<- Batch
	Rejects     RejectSink // optional
	Reporter    Reporter   // optional
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Watcher struct {
	path string
	opts Options
	deps Deps
	log  *slog.Logger

	state     parser.State
	ident     FileIdentity
	size      int64
	parked    bool
	parkDelay time.Duration

	records     int64
	rejected    int64
	truncations int64
	lastErr     error
}

func New(path string, opts Options, deps Deps) *Watcher {
	opts.setDefaults()
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Watcher{
		path: path,
		opts: opts,
		deps: deps,
		log:  deps.Logger.With("component", "watcher", "path", path),
	}
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.restore()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.report(registry.StateStopped)
			return nil
		case <-timer.C:
		}
		timer.Reset(w.poll(ctx))
	}
}

func (w *Watcher) restore() {
	cp, ok, err := w.deps.Checkpoints.Load(w.path)
	if err != nil {
		w.log.Warn("checkpoint unreadable, scanning from start", "error", err)
		return
	}
	if ok {
		w.state = cp.State
		w.ident = cp.Identity
		w.log.Debug("resumed from checkpoint", "offset", cp.State.Offset)
	}
}

// poll consumes everything appended since the last call and returns the
// delay before the next one.
func (w *Watcher) poll(ctx context.Context) time.Duration {
	info, err := os.Stat(w.path)
	if err != nil {
		return w.park(err)
	}
	if w.parked {
		w.log.Info("file available again")
		w.parked = false
		w.parkDelay = 0
	}

	id := identityOf(info)
	switch {
	case replaced(w.ident, id):
		w.reset(ctx, id, "rotated")
	case info.Size() < w.state.Offset:
		w.reset(ctx, id, "truncated")
	}
	w.ident = id
	w.size = info.Size()
	w.lastErr = nil

	for w.state.Offset < w.size && ctx.Err() == nil {
		n := w.size - w.state.Offset
		if n > int64(w.opts.MaxReadBytes) {
			n = int64(w.opts.MaxReadBytes)
		}
		chunk, err := w.read(ctx, w.state.Offset, n)
		if errors.Is(err, fs.ErrNotExist) {
			return w.park(err)
		}
		if err != nil {
			if !errors.Is(err, errReplaced) {
				w.log.Warn("read failed", "offset", w.state.Offset, "error", err)
			}
			w.lastErr = err
			break
		}
		if len(chunk) == 0 {
			break
		}
		if err := w.advance(ctx, chunk); err != nil {
			break
		}
	}

	w.report(registry.StateActive)
	return w.opts.PollInterval
}

func (w *Watcher) read(ctx context.Context, off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	err := retry.Do(ctx, w.opts.Retry, func() error {
		f, err := os.Open(w.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return retry.NonRetryable(err)
			}
			return err
		}
		defer f.Close()

		if fi, err := f.Stat(); err == nil && replaced(w.ident, identityOf(fi)) {
			return retry.NonRetryable(errReplaced)
		}
		got, err = f.ReadAt(buf, off)
		if err == io.EOF {
			return nil
		}
		return err
	})
	return buf[:got], err
}

// advance parses chunk, persists the new state and only then hands the
// records downstream.
func (w *Watcher) advance(ctx context.Context, chunk []byte) error {
	res := w.deps.Parser.Parse(w.path, w.state, chunk)
	w.state = res.State
	w.saveCheckpoint()

	for _, rj := range res.Rejected {
		w.reject(ctx, rj)
	}
	if len(res.Records) == 0 {
		return nil
	}

	w.records += int64(len(res.Records))
	w.deps.Metrics.RecordsIngested(len(res.Records))
	select {
	case w.deps.Out <- Batch{Path: w.path, Records: res.Records}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reset restarts the scan from offset zero after truncation or rotation.
// A block still open at that point can never be completed.
func (w *Watcher) reset(ctx context.Context, id FileIdentity, reason string) {
	w.log.Info("rescanning from start",
		"reason", reason, "offset", w.state.Offset, "error", model.ErrFileTruncated)

	if w.state.PendingID != "" && !w.state.Skipping {
		raw := w.state.Pending
		if w.opts.MaxRawBytes > 0 && len(raw) > w.opts.MaxRawBytes {
			raw = raw[:w.opts.MaxRawBytes]
		}
		w.reject(ctx, model.Rejected{
			Kind:          model.RejectTruncated,
			CorrelationID: w.state.PendingID,
			SourceFile:    w.path,
			ByteOffset:    w.state.Offset - int64(len(w.state.Pending)),
			Reason:        "open block discarded: file " + reason,
			Raw:           append([]byte(nil), raw...),
			At:            time.Now(),
		})
	}

	w.state = parser.State{}
	w.ident = id
	w.truncations++
	w.deps.Metrics.Truncation()
	w.saveCheckpoint()
}

func (w *Watcher) park(err error) time.Duration {
	if !w.parked {
		w.parked = true
		w.log.Warn("file unavailable, parking", "error", fmt.Errorf("%w: %v", model.ErrFileUnavailable, err))
		w.deps.Metrics.Park()
	}
	w.lastErr = err
	w.parkDelay = retry.Backoff(w.parkDelay, w.opts.PollInterval, w.opts.MaxParkDelay)
	w.report(registry.StateParked)
	return w.parkDelay
}

func (w *Watcher) reject(ctx context.Context, rj model.Rejected) {
	w.rejected++
	w.deps.Metrics.RecordRejected(string(rj.Kind))
	w.log.Warn("block quarantined",
		"kind", rj.Kind, "correlationId", rj.CorrelationID, "offset", rj.ByteOffset, "reason", rj.Reason)
	if w.deps.Rejects == nil {
		return
	}
	if err := w.deps.Rejects.Quarantine(ctx, rj); err != nil {
		w.log.Error("quarantine write failed", "error", err)
	}
}

func (w *Watcher) saveCheckpoint() {
	err := w.deps.Checkpoints.Save(Checkpoint{
		Path:      w.path,
		State:     w.state,
		Identity:  w.ident,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		w.log.Error("checkpoint save failed", "offset", w.state.Offset, "error", err)
	}
}

func (w *Watcher) report(state string) {
	if w.deps.Reporter == nil {
		return
	}
	src := registry.Source{
		Path:         w.path,
		State:        state,
		Offset:       w.state.Offset,
		Size:         w.size,
		PendingBytes: len(w.state.Pending),
		PendingID:    w.state.PendingID,
		Records:      w.records,
		Rejected:     w.rejected,
		Truncations:  w.truncations,
	}
	if w.lastErr != nil {
		src.LastError = w.lastErr.Error()
	}
	w.deps.Reporter.Report(src)
}
