package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
	"github.com/coffersTech/hotlog/internal/watcher"
)

// Publisher receives every record accepted for ingestion.
type Publisher interface {
	PublishRecord(rec model.LogRecord)
}

// Ingestor moves watcher batches into the cache and out to live
// subscribers.
type Ingestor struct {
	cache *HotCache
	pub   Publisher
	log   *slog.Logger

	lastOverloadLog time.Time
}

func NewIngestor(cache *HotCache, pub Publisher, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ingestor{cache: cache, pub: pub, log: logger.With("component", "ingestor")}
}

// Run consumes batches until ctx is done or batches is closed.
func (in *Ingestor) Run(ctx context.Context, batches <-chan watcher.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-batches:
			if !ok {
				return nil
			}
			in.Apply(b)
		}
	}
}

// Apply ingests one batch in file order.
func (in *Ingestor) Apply(b watcher.Batch) {
	for i := range b.Records {
		rec := b.Records[i]
		if err := in.cache.Insert(rec); errors.Is(err, model.ErrCacheOverload) {
			in.overloaded()
		}
		if in.pub != nil {
			in.pub.PublishRecord(rec)
		}
	}
}

// overloaded logs at most once per second.
func (in *Ingestor) overloaded() {
	now := time.Now()
	if now.Sub(in.lastOverloadLog) < time.Second {
		return
	}
	in.lastOverloadLog = now
	in.log.Warn("ingest queue full, dropping oldest records",
		"dropped", in.cache.Stats().Dropped, "error", model.ErrCacheOverload)
}
