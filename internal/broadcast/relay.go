package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

// Publisher is the subset of *nats.Conn used by Relay.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials url and keeps reconnecting in the background.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	log := logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("hotlog"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Relay is a hub subscriber that republishes records to
// <subject>.records.<apiName> and stats to <subject>.stats.
type Relay struct {
	hub     *Hub
	pub     Publisher
	subject string
	log     *slog.Logger
}

func NewRelay(hub *Hub, pub Publisher, subject string, logger *slog.Logger) *Relay {
	if subject == "" {
		subject = "hotlog"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{hub: hub, pub: pub, subject: subject, log: logger.With("component", "relay")}
}

// Run forwards messages until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	sub := r.hub.Subscribe()
	defer r.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case m := <-sub.C():
			r.forward(m)
		}
	}
}

func (r *Relay) forward(m Message) {
	var subject string
	switch m.Type {
	case TypeNewRecord:
		subject = r.subject + ".records." + subjectToken(m.Record.APIName)
	case TypeStatsUpdate, TypeInitialStats:
		subject = r.subject + ".stats"
	default:
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		r.log.Error("encode relay message", "error", err)
		return
	}
	if err := r.pub.Publish(subject, data); err != nil {
		r.log.Warn("nats publish failed", "subject", subject, "error", err)
	}
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return c
	}, s)
}
