// Package broadcast fans new records and stats snapshots out to live
// subscribers. Publishing never blocks: each subscriber has a bounded
// buffer that drops its oldest message when full.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coffersTech/hotlog/internal/engine"
	"github.com/coffersTech/hotlog/internal/metrics"
	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

type MessageType string

const (
	TypeNewRecord    MessageType = "new_record"
	TypeStatsUpdate  MessageType = "stats_update"
	TypeInitialStats MessageType = "initial_stats"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeRequestStats MessageType = "request_stats"
)

// Message is the envelope sent to subscribers.
type Message struct {
	Type      MessageType          `json:"type"`
	Record    *model.LogRecord     `json:"record,omitempty"`
	Stats     *model.StatsSnapshot `json:"stats,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatsSource provides the rolling aggregate.
type StatsSource interface {
	Stats() model.StatsSnapshot
}

// Subscriber is one live consumer.
type Subscriber struct {
	ID string

	mu      sync.Mutex
	ch      chan Message
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// C delivers messages in publish order.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Done is closed once the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped reports how many messages were discarded for this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// deliver enqueues m, evicting the oldest buffered message if needed. It
// reports whether a message was dropped.
func (s *Subscriber) deliver(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	dropped := false
	for {
		select {
		case s.ch <- m:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

type Options struct {
	Buffer        int
	StatsInterval time.Duration

	Clock   func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Hub tracks subscribers and publishes to all of them.
type Hub struct {
	stats StatsSource
	opts  Options
	log   *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber

	lastMu    sync.Mutex
	lastStats model.StatsSnapshot
}

func NewHub(stats StatsSource, opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Hub{
		stats: stats,
		opts:  opts,
		log:   opts.Logger.With("component", "broadcast"),
		subs:  make(map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber and queues the current stats as its
// first message.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:   uuid.NewString(),
		ch:   make(chan Message, h.opts.Buffer),
		done: make(chan struct{}),
	}
	if h.stats != nil {
		h.deliver(sub, h.statsMessage(TypeInitialStats, h.stats.Stats()))
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.opts.Metrics.Subscribers(n)
	h.log.Debug("subscriber added", "id", sub.ID, "subscribers", n)
	return sub
}

// Unsubscribe removes sub and releases its buffer. It is safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub.ID]
	delete(h.subs, sub.ID)
	n := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if ok {
		h.opts.Metrics.Subscribers(n)
		h.log.Debug("subscriber removed", "id", sub.ID, "dropped", sub.Dropped(), "subscribers", n)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishRecord sends rec to every subscriber.
func (h *Hub) PublishRecord(rec model.LogRecord) {
	h.broadcast(Message{Type: TypeNewRecord, Record: &rec, Timestamp: h.opts.Clock()})
}

// PublishStats sends the current stats when they differ from the last
// published snapshot, or unconditionally when force is set. It reports
// whether a message went out.
func (h *Hub) PublishStats(force bool) bool {
	if h.stats == nil {
		return false
	}
	snap := h.stats.Stats()

	h.lastMu.Lock()
	changed := !engine.SameCounts(h.lastStats, snap)
	if changed || force {
		h.lastStats = snap
	}
	h.lastMu.Unlock()

	if !changed && !force {
		return false
	}
	h.broadcast(h.statsMessage(TypeStatsUpdate, snap))
	return true
}

// SendStats answers a request_stats from one subscriber.
func (h *Hub) SendStats(sub *Subscriber) {
	if h.stats == nil {
		return
	}
	h.deliver(sub, h.statsMessage(TypeStatsUpdate, h.stats.Stats()))
}

// Send queues m for one subscriber.
func (h *Hub) Send(sub *Subscriber, m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = h.opts.Clock()
	}
	h.deliver(sub, m)
}

func (h *Hub) statsMessage(t MessageType, snap model.StatsSnapshot) Message {
	return Message{Type: t, Stats: &snap, Timestamp: h.opts.Clock()}
}

func (h *Hub) broadcast(m Message) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s, m)
	}
}

func (h *Hub) deliver(s *Subscriber, m Message) {
	if s.deliver(m) {
		h.opts.Metrics.BroadcastDropped()
	}
}

// Run publishes changed stats every StatsInterval until ctx is done, then
// removes all subscribers.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.PublishStats(false)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	h.opts.Metrics.Subscribers(0)
}
