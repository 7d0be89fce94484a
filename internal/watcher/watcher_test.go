package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/parser"
	"github.com/coffersTech/hotlog/internal/registry"
)

const marker = "**"

func block(id string) string {
	s := marker + id + marker + "\n"
	s += fmt.Sprintf(`{"correlationId":%q,"timestamp":"2026-10-14T10:00:00Z","apiName":"orders","serviceName":"create"}`, id)
	return s + "\n" + marker + id + marker + "\n"
}

type fakeSink struct {
	mu  sync.Mutex
	got []model.Rejected
}

func (f *fakeSink) Quarantine(_ context.Context, r model.Rejected) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, r)
	return nil
}

func (f *fakeSink) kinds() []model.RejectKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.RejectKind
	for _, r := range f.got {
		out = append(out, r.Kind)
	}
	return out
}

type harness struct {
	path  string
	out   chan Batch
	sink  *fakeSink
	store CheckpointStore
	reg   *registry.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		path:  filepath.Join(t.TempDir(), "app.log"),
		out:   make(chan Batch, 16),
		sink:  &fakeSink{},
		store: NewMemoryStore(),
		reg:   registry.NewStore(),
	}
}

func (h *harness) watcher() *Watcher {
	w := New(h.path, Options{PollInterval: 10 * time.Millisecond, MaxReadBytes: 64}, Deps{
		Parser:      parser.New(parser.Config{Marker: marker}),
		Checkpoints: h.store,
		Out:         h.out,
		Rejects:     h.sink,
		Reporter:    h.reg,
	})
	w.restore()
	return w
}

func (h *harness) write(t *testing.T, s string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.path, []byte(s), 0o644))
}

func (h *harness) appendText(t *testing.T, s string) {
	t.Helper()
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func (h *harness) drain() []string {
	var ids []string
	for {
		select {
		case b := <-h.out:
			for _, r := range b.Records {
				ids = append(ids, r.CorrelationID)
			}
		default:
			return ids
		}
	}
}

func TestWatcher_AppendOnly(t *testing.T) {
	h := newHarness(t)
	w := h.watcher()
	ctx := context.Background()

	h.write(t, block("a1")+block("a2"))
	w.poll(ctx)
	assert.Equal(t, []string{"a1", "a2"}, h.drain())

	h.appendText(t, block("a3"))
	w.poll(ctx)
	assert.Equal(t, []string{"a3"}, h.drain())

	cp, ok, err := h.store.Load(h.path)
	require.NoError(t, err)
	require.True(t, ok)
	info, _ := os.Stat(h.path)
	assert.Equal(t, info.Size(), cp.State.Offset)

	src, ok := h.reg.Get(h.path)
	require.True(t, ok)
	assert.Equal(t, registry.StateActive, src.State)
	assert.Equal(t, int64(3), src.Records)
}

func TestWatcher_RestartResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.write(t, block("r1")+"**r2**\n")
	h.watcher().poll(ctx)
	assert.Equal(t, []string{"r1"}, h.drain())

	h.appendText(t, `{"apiName":"orders","serviceName":"create","timestamp":"2026-10-14T10:00:01Z"}`+"\n**r2**\n")
	h.watcher().poll(ctx)
	assert.Equal(t, []string{"r2"}, h.drain())
}

func TestWatcher_TruncationRescans(t *testing.T) {
	h := newHarness(t)
	w := h.watcher()
	ctx := context.Background()

	h.write(t, block("t1")+block("t2")+"**open**\n{\n")
	w.poll(ctx)
	assert.Equal(t, []string{"t1", "t2"}, h.drain())

	h.write(t, block("t3"))
	w.poll(ctx)
	assert.Equal(t, []string{"t3"}, h.drain())
	assert.Equal(t, []model.RejectKind{model.RejectTruncated}, h.sink.kinds())

	src, _ := h.reg.Get(h.path)
	assert.Equal(t, int64(1), src.Truncations)
}

func TestWatcher_TruncatedRejectRawIsCapped(t *testing.T) {
	h := newHarness(t)
	w := New(h.path, Options{PollInterval: 10 * time.Millisecond, MaxRawBytes: 8}, Deps{
		Parser:      parser.New(parser.Config{Marker: marker}),
		Checkpoints: h.store,
		Out:         h.out,
		Rejects:     h.sink,
	})
	ctx := context.Background()

	// The rewrite is shorter than the original, so it reads as a truncation.
	h.write(t, "**open**\n{\"note\":\""+strings.Repeat("x", 300)+"\n")
	w.poll(ctx)
	h.write(t, block("t1"))
	w.poll(ctx)

	assert.Equal(t, []string{"t1"}, h.drain())
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.got, 1)
	assert.Equal(t, model.RejectTruncated, h.sink.got[0].Kind)
	assert.Equal(t, []byte("**open**"), h.sink.got[0].Raw)
}

func TestWatcher_RotationByRename(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file identity unavailable")
	}
	h := newHarness(t)
	w := h.watcher()
	ctx := context.Background()

	h.write(t, block("old"))
	w.poll(ctx)
	assert.Equal(t, []string{"old"}, h.drain())

	require.NoError(t, os.Rename(h.path, h.path+".1"))
	h.write(t, block("new1")+block("new2"))
	w.poll(ctx)
	assert.Equal(t, []string{"new1", "new2"}, h.drain())
}

func TestWatcher_MissingFileParks(t *testing.T) {
	h := newHarness(t)
	w := h.watcher()
	ctx := context.Background()

	first := w.poll(ctx)
	second := w.poll(ctx)
	assert.Equal(t, 10*time.Millisecond, first)
	assert.Equal(t, 20*time.Millisecond, second)

	src, ok := h.reg.Get(h.path)
	require.True(t, ok)
	assert.Equal(t, registry.StateParked, src.State)
	assert.NotEmpty(t, src.LastError)

	h.write(t, block("late"))
	assert.Equal(t, 10*time.Millisecond, w.poll(ctx))
	assert.Equal(t, []string{"late"}, h.drain())
	src, _ = h.reg.Get(h.path)
	assert.Equal(t, registry.StateActive, src.State)
}

func TestWatcher_CheckpointPrecedesEmission(t *testing.T) {
	h := newHarness(t)
	h.out = make(chan Batch) // unbuffered: emission blocks until received
	w := h.watcher()
	h.write(t, block("c1"))
	info, err := os.Stat(h.path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.poll(ctx)

	require.Eventually(t, func() bool {
		cp, ok, _ := h.store.Load(h.path)
		return ok && cp.State.Offset == info.Size()
	}, time.Second, 5*time.Millisecond)

	select {
	case b := <-h.out:
		assert.Equal(t, "c1", b.Records[0].CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("no batch emitted")
	}
}

func TestWatcher_QuarantinesMalformed(t *testing.T) {
	h := newHarness(t)
	w := h.watcher()
	h.write(t, "**bad**\nnot json\n**bad**\n"+block("ok"))
	w.poll(context.Background())

	assert.Equal(t, []string{"ok"}, h.drain())
	assert.Equal(t, []model.RejectKind{model.RejectMalformed}, h.sink.kinds())
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.write(t, block("x"))
	w := h.watcher()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case b := <-h.out:
		assert.Equal(t, "x", b.Records[0].CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("no batch emitted")
	}
	cancel()
	require.NoError(t, <-done)

	src, _ := h.reg.Get(h.path)
	assert.Equal(t, registry.StateStopped, src.State)
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, ok, err := s.Load("/logs/a.log")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := Checkpoint{
		Path:     "/logs/a.log",
		State:    parser.State{Offset: 99, Pending: []byte("**x**\n"), PendingID: "x"},
		Identity: FileIdentity{Dev: 1, Ino: 2},
	}
	require.NoError(t, s.Save(cp))

	got, ok, err := s.Load("/logs/a.log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp.State, got.State)
	assert.Equal(t, cp.Identity, got.Identity)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}
