// Package manager wires the replication engine together: the table registry,
// the startup/recovery sequence, the optimistic write path, and the change
// stream feeding confirmed remote rows back into the caches.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbeezley/ringsync/internal/merge"
	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/queue"
	"github.com/rbeezley/ringsync/internal/realtime"
	"github.com/rbeezley/ringsync/internal/replica"
	"github.com/rbeezley/ringsync/internal/store"
)

var (
	// ErrNotReady is returned before the startup sequence has completed.
	// Callers must treat it as recoverable, never as "no data exists".
	ErrNotReady = errors.New("replication manager not ready")

	// ErrUnknownTable is returned for a collection that was never registered.
	ErrUnknownTable = errors.New("unknown table")
)

// Backend is the slice of the remote client the manager and its components
// consume: bulk/point reads and row writes.
type Backend interface {
	replica.Fetcher
	queue.Writer
}

// Manager owns the registered tables and subscriptions for the process
// lifetime. It is a constructed instance handed to callers, not ambient
// global state.
type Manager struct {
	store   *store.Store
	backend Backend
	mux     *realtime.Multiplexer
	queue   *queue.Queue

	mu     sync.RWMutex
	tables map[string]*replica.Table
	merges map[string]*merge.Engine
	ready  bool

	bg sync.WaitGroup
}

// New creates a manager. mux may be nil when no realtime stream is available
// (pure offline operation); everything else still works.
func New(st *store.Store, backend Backend, mux *realtime.Multiplexer) *Manager {
	return &Manager{
		store:   st,
		backend: backend,
		mux:     mux,
		queue:   queue.New(st, backend),
		tables:  make(map[string]*replica.Table),
		merges:  make(map[string]*merge.Engine),
	}
}

// Register adds a replicated table for a collection. Must be called before
// Start; registering the same collection twice returns the existing table.
func (m *Manager) Register(collection string) *replica.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[collection]; ok {
		return t
	}
	t := replica.NewTable(collection, m.store, m.backend)
	m.tables[collection] = t
	m.merges[collection] = merge.New(t, m.queue)
	return t
}

// Start runs the startup sequence: every registered table with an empty
// cache gets an initial full sync, then the change stream is attached. The
// manager only declares itself ready once every empty cache has been filled;
// a transient failure leaves it not ready and Start can be called again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	tables := make([]*replica.Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.mu.RUnlock()

	for _, t := range tables {
		count, err := t.Count()
		if err != nil {
			slog.Warn("cache count failed, forcing initial sync", "collection", t.Name, "err", err)
			count = 0
		}
		if count > 0 {
			continue
		}
		if err := t.Sync(ctx, replica.SyncOptions{ForceFullSync: true}); err != nil {
			return fmt.Errorf("initial sync %s: %w", t.Name, err)
		}
	}

	if m.mux != nil {
		for _, t := range tables {
			t := t
			err := m.mux.Subscribe("manager:"+t.Name, t.Name, "", func(ev models.ChangeEvent) {
				m.handleEvent(t, ev)
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", t.Name, err)
			}
		}
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	slog.Info("replication manager ready", "tables", len(tables))
	return nil
}

// Close tears down the change stream and waits for background work.
func (m *Manager) Close() {
	if m.mux != nil {
		m.mux.Close()
	}
	m.bg.Wait()
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
}

// Ready reports whether the startup sequence has completed.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// GetTable returns the replicated table for a collection. Before Start has
// completed it returns ErrNotReady so an empty cache is never mistaken for
// an empty collection.
func (m *Manager) GetTable(collection string) (*replica.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, ErrNotReady
	}
	t, ok := m.tables[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	return t, nil
}

// Merge returns the merged view of one entity: cache plus outstanding edits.
func (m *Manager) Merge(ctx context.Context, collection, entityID string) (models.Row, bool, error) {
	eng, err := m.mergeEngine(collection)
	if err != nil {
		return nil, false, err
	}
	return eng.Merge(ctx, entityID)
}

// HasPendingChange reports whether the entity has an outstanding local edit.
func (m *Manager) HasPendingChange(collection, entityID string) (bool, error) {
	eng, err := m.mergeEngine(collection)
	if err != nil {
		return false, err
	}
	return eng.HasPendingChange(entityID)
}

// ClearPendingChange drops the outstanding edits for one entity. Explicit:
// the caller asserts the remote reflects the edit or abandons it.
func (m *Manager) ClearPendingChange(collection, entityID string) error {
	eng, err := m.mergeEngine(collection)
	if err != nil {
		return err
	}
	return eng.ClearPendingChange(entityID)
}

func (m *Manager) mergeEngine(collection string) (*merge.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, ErrNotReady
	}
	eng, ok := m.merges[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}
	return eng, nil
}

// EnqueueMutation is the write path: the mutation is persisted first (the
// durable source of truth), the cache is updated optimistically, and a
// drain plus a shortening sync run detached in the background. The caller's
// return never waits on the network; reconciliation failures are logged and
// retried, not surfaced here.
func (m *Manager) EnqueueMutation(collection, entityID string, fields models.Fields, op models.MutationOp) (string, error) {
	m.mu.RLock()
	t, ok := m.tables[collection]
	ready := m.ready
	m.mu.RUnlock()
	if !ready {
		return "", ErrNotReady
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, collection)
	}

	id, err := m.queue.Enqueue(collection, entityID, fields, op)
	if err != nil {
		return "", err
	}

	m.applyOptimistic(t, entityID, fields, op)

	m.background("drain", func(ctx context.Context) error {
		if _, err := m.queue.Drain(ctx); err != nil && !errors.Is(err, queue.ErrDrainBusy) {
			return err
		}
		// Shorten the window before the optimistic state is confirmed by
		// fresh server data.
		return t.Sync(ctx, replica.SyncOptions{})
	})

	return id, nil
}

// applyOptimistic folds the mutation into the cached row so readers see the
// edit immediately. Failures degrade silently: the cache is rebuildable and
// the merge overlay shows the edit regardless.
func (m *Manager) applyOptimistic(t *replica.Table, entityID string, fields models.Fields, op models.MutationOp) {
	if op == models.OpDelete {
		if err := t.DeleteLocal(entityID); err != nil {
			slog.Warn("optimistic delete failed", "collection", t.Name, "entity", entityID, "err", err)
		}
		return
	}

	row, ok, err := m.store.GetRow(t.Name, entityID)
	if err != nil {
		slog.Warn("optimistic read failed", "collection", t.Name, "entity", entityID, "err", err)
		ok = false
	}
	if !ok {
		row = models.Row{"id": entityID}
	} else {
		row = row.Clone()
	}
	for k, v := range fields {
		row[k] = v
	}
	if err := m.store.SetRow(t.Name, entityID, row, time.Now()); err != nil {
		slog.Warn("optimistic write failed", "collection", t.Name, "entity", entityID, "err", err)
	}
}

// SyncTable is the single entry point for forcing an immediate pull.
func (m *Manager) SyncTable(ctx context.Context, collection string, opts replica.SyncOptions) error {
	t, err := m.GetTable(collection)
	if err != nil {
		return err
	}
	return t.Sync(ctx, opts)
}

// Drain flushes the pending mutation queue once.
func (m *Manager) Drain(ctx context.Context) (queue.DrainResult, error) {
	return m.queue.Drain(ctx)
}

// RetryFailed re-queues dead-lettered mutations and drains.
func (m *Manager) RetryFailed(ctx context.Context) (queue.DrainResult, error) {
	return m.queue.RetryFailed(ctx)
}

// Queue exposes the mutation queue for status reporting.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// Subscribe registers an external change-event callback. Consumers of the
// same (collection, filter) pair share the manager's underlying channels.
func (m *Manager) Subscribe(key, collection, filter string, cb realtime.Callback) error {
	if m.mux == nil {
		return fmt.Errorf("no realtime stream configured")
	}
	return m.mux.Subscribe(key, collection, filter, cb)
}

// Unsubscribe removes an external change-event callback.
func (m *Manager) Unsubscribe(key string) {
	if m.mux != nil {
		m.mux.Unsubscribe(key)
	}
}

// StreamStates reports the connection state of each realtime channel.
func (m *Manager) StreamStates() map[string]realtime.State {
	if m.mux == nil {
		return nil
	}
	return m.mux.States()
}

// handleEvent feeds one confirmed remote change back into the table. The
// queue is never touched here: an event only proves the remote row changed,
// and pending edits are reconciled by the merge overlay. A mutation leaves
// the queue when its own remote write is confirmed, not when a snapshot or
// event happens to arrive.
func (m *Manager) handleEvent(t *replica.Table, ev models.ChangeEvent) {
	switch ev.Kind {
	case models.ChangeDelete:
		if err := t.DeleteLocal(ev.EntityID()); err != nil {
			slog.Warn("apply delete event", "collection", t.Name, "entity", ev.EntityID(), "err", err)
		}
	default:
		if err := t.ApplyRemote([]models.Row{ev.NewRow}); err != nil {
			slog.Warn("apply change event", "collection", t.Name, "entity", ev.EntityID(), "err", err)
		}
	}
}

// background runs fn detached with its own timeout and error logging. The
// caller's synchronous path never sees these errors.
func (m *Manager) background(name string, fn func(ctx context.Context) error) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Debug("background task failed", "task", name, "err", err)
		}
	}()
}
