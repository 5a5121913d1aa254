package merge

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/queue"
	"github.com/rbeezley/ringsync/internal/remote"
	"github.com/rbeezley/ringsync/internal/replica"
	"github.com/rbeezley/ringsync/internal/store"
)

type stubBackend struct {
	mu       sync.Mutex
	writeErr error
}

func (b *stubBackend) Fetch(ctx context.Context, collection string, filter remote.Filter) ([]models.Row, error) {
	return nil, nil
}

func (b *stubBackend) Write(ctx context.Context, collection, id string, fields models.Fields, op models.MutationOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErr
}

type fixture struct {
	engine  *Engine
	table   *replica.Table
	queue   *queue.Queue
	store   *store.Store
	backend *stubBackend
	db      *sql.DB
}

func setup(t *testing.T) *fixture {
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
	backend := &stubBackend{}
	table := replica.NewTable("entries", st, backend)
	q := queue.New(st, backend)
	return &fixture{
		engine:  New(table, q),
		table:   table,
		queue:   q,
		store:   st,
		backend: backend,
		db:      db,
	}
}

func TestMergeNoPendingReturnsSnapshot(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	row, ok, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !ok || row["score"] != 90.0 {
		t.Errorf("merge = %v ok=%v, want the cached snapshot", row, ok)
	}
}

func TestMergeFieldLevelLastWriteWins(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0, "placement": "2nd"}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	// Three edits touching overlapping fields.
	for _, fields := range []models.Fields{
		{"score": 95.0},
		{"placement": "1st"},
		{"score": 98.0},
	} {
		if _, err := f.queue.Enqueue("entries", "e1", fields, models.OpUpdate); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	row, ok, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !ok {
		t.Fatal("merge reported absence")
	}
	if row["score"] != 98.0 {
		t.Errorf("score = %v, want the latest edit 98", row["score"])
	}
	if row["placement"] != "1st" {
		t.Errorf("placement = %v, want 1st", row["placement"])
	}
	if row["id"] != "e1" {
		t.Errorf("untouched field id = %v, want e1", row["id"])
	}
}

func TestMergeIsPure(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if _, err := f.queue.Enqueue("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, _, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	second, _, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated merge diverged: %v then %v", first, second)
	}

	// The overlay must not have leaked into the cache.
	cached, _, err := f.table.Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cached["score"] != 90.0 {
		t.Errorf("cached score = %v, merge mutated the snapshot", cached["score"])
	}
}

func TestMergeEntityAbsentFromCache(t *testing.T) {
	f := setup(t)

	// Offline create: no snapshot exists yet.
	if _, err := f.queue.Enqueue("entries", "e9", models.Fields{"armband": "109"}, models.OpCreate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	row, ok, err := f.engine.Merge(context.Background(), "e9")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !ok {
		t.Fatal("entity with a pending create reported absent")
	}
	if row["id"] != "e9" || row["armband"] != "109" {
		t.Errorf("merge = %v, want synthesized row", row)
	}
}

func TestFailedDrainDoesNotRollBackEdits(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if _, err := f.queue.Enqueue("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	f.backend.mu.Lock()
	f.backend.writeErr = errors.New("connection refused")
	f.backend.mu.Unlock()

	// Exhaust the retry budget so the mutation dead-letters.
	for i := 0; i < models.DefaultMaxRetries; i++ {
		if _, err := f.queue.Drain(context.Background()); err != nil {
			t.Fatalf("Drain: %v", err)
		}
	}

	row, _, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if row["score"] != 95.0 {
		t.Errorf("score = %v, dead-lettered edit rolled back silently", row["score"])
	}
	if has, _ := f.engine.HasPendingChange("e1"); !has {
		t.Error("entity no longer dirty after failed drain")
	}
}

func TestStaleSnapshotDoesNotClearPending(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if _, err := f.queue.Enqueue("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A server snapshot that does not yet include the local edit.
	if err := f.engine.ApplyServerUpdate([]models.Row{{"id": "e1", "score": 91.0, "judge": "Smith"}}); err != nil {
		t.Fatalf("ApplyServerUpdate: %v", err)
	}

	row, _, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if row["score"] != 95.0 {
		t.Errorf("score = %v, stale snapshot clobbered the pending edit", row["score"])
	}
	if row["judge"] != "Smith" {
		t.Errorf("judge = %v, fresh server fields should show through", row["judge"])
	}
}

func TestClearPendingChangeIsExplicit(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if _, err := f.queue.Enqueue("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.engine.ClearPendingChange("e1"); err != nil {
		t.Fatalf("ClearPendingChange: %v", err)
	}
	if has, _ := f.engine.HasPendingChange("e1"); has {
		t.Error("entity still dirty after explicit clear")
	}
	row, _, err := f.engine.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if row["score"] != 90.0 {
		t.Errorf("score = %v, want snapshot value after clear", row["score"])
	}
}

func TestMergeSurvivesRestart(t *testing.T) {
	f := setup(t)
	if err := f.table.ApplyRemote([]models.Row{{"id": "e1", "score": 90.0}}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if _, err := f.queue.Enqueue("entries", "e1", models.Fields{"score": 95.0}, models.OpUpdate); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Rebuild every layer over the same database, as a process restart would.
	st2, err := store.New(f.db)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	table2 := replica.NewTable("entries", st2, f.backend)
	q2 := queue.New(st2, f.backend)
	engine2 := New(table2, q2)

	row, ok, err := engine2.Merge(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Merge after restart: %v", err)
	}
	if !ok || row["score"] != 95.0 {
		t.Errorf("merge after restart = %v ok=%v, want pending edit preserved", row, ok)
	}
}
