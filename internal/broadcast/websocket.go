package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coffersTech/hotlog/internal/pkg/logging"
)

type WSOptions struct {
	// HeartbeatInterval is how often the server pings.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes a connection that sent nothing, not even a
	// pong, for this long.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
}

// WSHandler serves the live subscription over WebSocket.
type WSHandler struct {
	hub      *Hub
	opts     WSOptions
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(hub *Hub, opts WSOptions, logger *slog.Logger) *WSHandler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 45 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &WSHandler{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: logger.With("component", "websocket"),
	}
}

type clientMessage struct {
	Type MessageType `json:"type"`
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	sub := h.hub.Subscribe()
	log := h.log.With("subscriber", sub.ID, "remote", r.RemoteAddr)
	log.Info("subscriber connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readLoop(conn, sub)
	}()

	h.writeLoop(conn, sub, readDone)
	h.hub.Unsubscribe(sub)
	conn.Close()
	<-readDone
	log.Info("subscriber disconnected", "dropped", sub.Dropped())
}

// readLoop handles client messages until the connection fails or the
// heartbeat deadline passes.
func (h *WSHandler) readLoop(conn *websocket.Conn, sub *Subscriber) {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		extend()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypePing:
			h.hub.Send(sub, Message{Type: TypePong})
		case TypeRequestStats:
			h.hub.SendStats(sub)
		}
	}
}

// writeLoop owns all writes to conn.
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscriber, readDone <-chan struct{}) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case m := <-sub.C():
			if err := h.write(conn, m); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.write(conn, Message{Type: TypePing, Timestamp: time.Now()}); err != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, m Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	return conn.WriteJSON(m)
}
