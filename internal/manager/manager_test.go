package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/realtime"
	"github.com/rbeezley/ringsync/internal/remote"
	"github.com/rbeezley/ringsync/internal/store"
)

type backendWrite struct {
	collection string
	entityID   string
	op         models.MutationOp
}

type fakeBackend struct {
	mu       sync.Mutex
	rows     map[string][]models.Row
	fetchErr error
	writeErr error
	fetches  int
	writes   []backendWrite
}

func (b *fakeBackend) Fetch(ctx context.Context, collection string, filter remote.Filter) ([]models.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.rows[collection], nil
}

func (b *fakeBackend) Write(ctx context.Context, collection, id string, fields models.Fields, op models.MutationOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes = append(b.writes, backendWrite{collection: collection, entityID: id, op: op})
	return nil
}

func (b *fakeBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return st
}

func TestStartSyncsEmptyCaches(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{rows: map[string][]models.Row{
		"entries": {{"id": "e1"}, {"id": "e2"}},
		"classes": {{"id": "c1"}},
	}}
	mgr := New(st, backend, nil)
	mgr.Register("entries")
	mgr.Register("classes")

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Close()

	if !mgr.Ready() {
		t.Fatal("manager not ready after Start")
	}
	tbl, err := mgr.GetTable("entries")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	count, _ := tbl.Count()
	if count != 2 {
		t.Errorf("entries count = %d, want 2", count)
	}
}

func TestStartSkipsWarmCache(t *testing.T) {
	st := setupStore(t)
	if err := st.SetRow("entries", "e1", models.Row{"id": "e1"}, time.Now()); err != nil {
		t.Fatalf("SetRow: %v", err)
	}

	backend := &fakeBackend{}
	mgr := New(st, backend, nil)
	mgr.Register("entries")

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.fetches != 0 {
		t.Errorf("fetches = %d, warm cache should start offline", backend.fetches)
	}
}

func TestNotReadyBeforeStart(t *testing.T) {
	st := setupStore(t)
	mgr := New(st, &fakeBackend{}, nil)
	mgr.Register("entries")

	if _, err := mgr.GetTable("entries"); !errors.Is(err, ErrNotReady) {
		t.Errorf("GetTable err = %v, want ErrNotReady", err)
	}
	if _, _, err := mgr.Merge(context.Background(), "entries", "e1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Merge err = %v, want ErrNotReady", err)
	}
	if _, err := mgr.EnqueueMutation("entries", "e1", nil, models.OpUpdate); !errors.Is(err, ErrNotReady) {
		t.Errorf("EnqueueMutation err = %v, want ErrNotReady", err)
	}
}

func TestStartFailureIsRetryable(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{fetchErr: errors.New("server unreachable")}
	mgr := New(st, backend, nil)
	mgr.Register("entries")

	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if mgr.Ready() {
		t.Fatal("manager ready despite failed initial sync")
	}

	backend.mu.Lock()
	backend.fetchErr = nil
	backend.rows = map[string][]models.Row{"entries": {{"id": "e1"}}}
	backend.mu.Unlock()

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer mgr.Close()
	if !mgr.Ready() {
		t.Error("manager not ready after successful retry")
	}
}

func TestUnknownTable(t *testing.T) {
	st := setupStore(t)
	mgr := New(st, &fakeBackend{}, nil)
	mgr.Register("entries")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.GetTable("ribbons"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v, want ErrUnknownTable", err)
	}
	if _, err := mgr.EnqueueMutation("ribbons", "r1", nil, models.OpUpdate); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v, want ErrUnknownTable", err)
	}
}

func TestEnqueueMutationOptimisticUpdate(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{rows: map[string][]models.Row{
		"entries": {{"id": "e1", "score": 90.0}},
	}}
	mgr := New(st, backend, nil)
	mgr.Register("entries")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The initial snapshot is synced; later incremental pulls return nothing.
	backend.mu.Lock()
	backend.rows = nil
	backend.mu.Unlock()

	if _, err := mgr.EnqueueMutation("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}

	// The cache reflects the edit before any network round trip.
	row, ok, err := st.GetRow("entries", "e1")
	if err != nil || !ok {
		t.Fatalf("GetRow: ok=%v err=%v", ok, err)
	}
	if row["score"] != 95.0 {
		t.Errorf("cached score = %v, want optimistic 95", row["score"])
	}

	// Close waits for the background drain.
	mgr.Close()
	if backend.writeCount() != 1 {
		t.Fatalf("backend writes = %d, want 1", backend.writeCount())
	}
	pending, failed, err := mgr.Queue().Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if pending != 0 || failed != 0 {
		t.Errorf("queue = %d pending %d failed after drain, want empty", pending, failed)
	}
}

func TestEnqueueMutationDelete(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{rows: map[string][]models.Row{
		"entries": {{"id": "e1"}},
	}}
	mgr := New(st, backend, nil)
	mgr.Register("entries")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	backend.mu.Lock()
	backend.rows = nil
	backend.mu.Unlock()

	if _, err := mgr.EnqueueMutation("entries", "e1", nil, models.OpDelete); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}
	if _, ok, _ := st.GetRow("entries", "e1"); ok {
		t.Error("row still cached after optimistic delete")
	}

	mgr.Close()
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.writes) != 1 || backend.writes[0].op != models.OpDelete {
		t.Errorf("backend writes = %+v, want one delete", backend.writes)
	}
}

func TestEnqueueSurvivesOfflineDrain(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{rows: map[string][]models.Row{
		"entries": {{"id": "e1", "score": 90.0}},
	}}
	mgr := New(st, backend, nil)
	mgr.Register("entries")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	backend.mu.Lock()
	backend.writeErr = errors.New("connection refused")
	backend.mu.Unlock()

	if _, err := mgr.EnqueueMutation("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}
	mgr.Close()

	// The edit is still queued and still shows through the merged view.
	if has, _ := mgr.HasPendingChange("entries", "e1"); has {
		// Close marks the manager not ready; inspect the queue directly.
		t.Error("HasPendingChange should fail closed after Close")
	}
	if has, err := mgr.Queue().HasPendingChange("entries", "e1"); err != nil || !has {
		t.Errorf("pending = %v err = %v, want edit retained offline", has, err)
	}
}

// --- change stream integration ---

type streamConn struct {
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

func (c *streamConn) WriteJSON(v any) error { return nil }

func (c *streamConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type streamDialer struct {
	dialed chan *streamConn
}

func (d *streamDialer) DialContext(ctx context.Context, url string) (realtime.Conn, error) {
	c := &streamConn{inbox: make(chan []byte, 16), done: make(chan struct{})}
	d.dialed <- c
	return c, nil
}

func (d *streamDialer) push(t *testing.T, ev models.ChangeEvent) *streamConn {
	t.Helper()
	var conn *streamConn
	select {
	case conn = <-d.dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never dialed")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	conn.inbox <- data
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for " + what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeEventRefreshesCacheButKeepsPending(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{
		rows:     map[string][]models.Row{"entries": {{"id": "e1", "score": 90.0}}},
		writeErr: errors.New("connection refused"),
	}
	dialer := &streamDialer{dialed: make(chan *streamConn, 4)}
	mux := realtime.New("ws://example/v1/stream", "key", "lic", dialer)
	mgr := New(st, backend, mux)
	mgr.Register("entries")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Close()

	backend.mu.Lock()
	backend.rows = nil
	backend.mu.Unlock()

	// A local edit that cannot reach the server yet.
	if _, err := mgr.EnqueueMutation("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}

	// Another device's change arrives over the stream.
	dialer.push(t, models.ChangeEvent{
		Kind:       models.ChangeUpdate,
		Collection: "entries",
		NewRow:     models.Row{"id": "e1", "score": 91.0, "judge": "Smith"},
	})

	waitFor(t, "event to reach the cache", func() bool {
		row, ok, _ := st.GetRow("entries", "e1")
		return ok && row["judge"] == "Smith"
	})

	// The pending edit survived the event and still wins its field.
	if has, _ := mgr.HasPendingChange("entries", "e1"); !has {
		t.Error("change event cleared the pending edit")
	}
	merged, ok, err := mgr.Merge(context.Background(), "entries", "e1")
	if err != nil || !ok {
		t.Fatalf("Merge: ok=%v err=%v", ok, err)
	}
	if merged["score"] != 95.0 {
		t.Errorf("merged score = %v, want local edit 95", merged["score"])
	}
	if merged["judge"] != "Smith" {
		t.Errorf("merged judge = %v, want streamed field", merged["judge"])
	}
}

func TestDeleteEventRemovesCachedRow(t *testing.T) {
	st := setupStore(t)
	backend := &fakeBackend{rows: map[string][]models.Row{"entries": {{"id": "e1"}}}}
	dialer := &streamDialer{dialed: make(chan *streamConn, 4)}
	mux := realtime.New("ws://example/v1/stream", "key", "lic", dialer)
	mgr := New(st, backend, mux)
	mgr.Register("entries")
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Close()

	dialer.push(t, models.ChangeEvent{
		Kind:       models.ChangeDelete,
		Collection: "entries",
		OldRow:     models.Row{"id": "e1"},
	})

	waitFor(t, "delete event to reach the cache", func() bool {
		_, ok, _ := st.GetRow("entries", "e1")
		return !ok
	})
}
