package broadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/hotlog/internal/model"
)

type fakeStats struct {
	mu   sync.Mutex
	snap model.StatsSnapshot
}

func (f *fakeStats) Stats() model.StatsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	s.AsOf = time.Now()
	return s
}

func (f *fakeStats) set(total, errs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = model.StatsSnapshot{Total: total, Success: total - errs, Error: errs}
}

func recv(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case m := <-sub.C():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	h := NewHub(nil, Options{Buffer: 2})
	slow := h.Subscribe()
	fast := h.Subscribe()

	for _, id := range []string{"r1", "r2", "r3"} {
		h.PublishRecord(model.LogRecord{CorrelationID: id})
		if id != "r3" {
			assert.Equal(t, id, recv(t, fast).Record.CorrelationID)
		}
	}

	assert.Equal(t, "r2", recv(t, slow).Record.CorrelationID)
	assert.Equal(t, "r3", recv(t, slow).Record.CorrelationID)
	assert.Equal(t, int64(1), slow.Dropped())
	assert.Equal(t, "r3", recv(t, fast).Record.CorrelationID)
	assert.Zero(t, fast.Dropped())
}

func TestHub_SubscribeSendsInitialStats(t *testing.T) {
	stats := &fakeStats{}
	stats.set(3, 1)
	h := NewHub(stats, Options{})

	sub := h.Subscribe()
	m := recv(t, sub)
	assert.Equal(t, TypeInitialStats, m.Type)
	assert.Equal(t, int64(3), m.Stats.Total)
	assert.Equal(t, 1, h.Len())

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	assert.Zero(t, h.Len())
	<-sub.Done()
}

func TestHub_PublishStatsOnlyOnChange(t *testing.T) {
	stats := &fakeStats{}
	h := NewHub(stats, Options{})
	sub := h.Subscribe()
	recv(t, sub)

	stats.set(1, 0)
	assert.True(t, h.PublishStats(false))
	assert.False(t, h.PublishStats(false))
	assert.True(t, h.PublishStats(true))

	m := recv(t, sub)
	assert.Equal(t, TypeStatsUpdate, m.Type)
	assert.Equal(t, int64(1), m.Stats.Success)
	recv(t, sub)
	assert.Empty(t, sub.C())
}

func TestHub_RunClosesSubscribers(t *testing.T) {
	h := NewHub(&fakeStats{}, Options{StatsInterval: 5 * time.Millisecond})
	sub := h.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	<-sub.Done()
	assert.Zero(t, h.Len())
}

type fakePublisher struct {
	mu   sync.Mutex
	subs []string
}

func (p *fakePublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subject)
	return nil
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subs...)
}

func TestRelay_ForwardsRecordsAndStats(t *testing.T) {
	stats := &fakeStats{}
	h := NewHub(stats, Options{})
	pub := &fakePublisher{}
	r := NewRelay(h, pub, "logs", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, time.Millisecond)

	h.PublishRecord(model.LogRecord{CorrelationID: "c1", APIName: "orders.v2"})
	h.PublishRecord(model.LogRecord{CorrelationID: "c2"})

	require.Eventually(t, func() bool { return len(pub.subjects()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"logs.stats", "logs.records.orders_v2", "logs.records.unknown"}, pub.subjects())
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWSHandler_Protocol(t *testing.T) {
	stats := &fakeStats{}
	stats.set(2, 1)
	h := NewHub(stats, Options{})
	srv := httptest.NewServer(NewWSHandler(h, WSOptions{HeartbeatInterval: time.Hour}, nil))
	defer srv.Close()

	conn := dial(t, srv)
	m := readMsg(t, conn)
	assert.Equal(t, TypeInitialStats, m.Type)
	assert.Equal(t, int64(1), m.Stats.Error)

	h.PublishRecord(model.LogRecord{CorrelationID: "c1", APIName: "orders"})
	m = readMsg(t, conn)
	assert.Equal(t, TypeNewRecord, m.Type)
	assert.Equal(t, "c1", m.Record.CorrelationID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, readMsg(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "request_stats"}))
	m = readMsg(t, conn)
	assert.Equal(t, TypeStatsUpdate, m.Type)
	assert.Equal(t, int64(2), m.Stats.Total)

	conn.Close()
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSHandler_HeartbeatTimeoutCloses(t *testing.T) {
	h := NewHub(nil, Options{})
	srv := httptest.NewServer(NewWSHandler(h, WSOptions{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  50 * time.Millisecond,
	}, nil))
	defer srv.Close()

	dial(t, srv)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
