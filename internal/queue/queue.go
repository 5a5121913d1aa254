// Package queue is the durable outbound mutation queue: every local edit
// becomes one persisted mutation that survives restarts and is drained to
// the backend in the background, with a bounded retry budget and a
// dead-letter set for writes that keep failing.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/remote"
	"github.com/rbeezley/ringsync/internal/store"
)

// ErrDrainBusy is returned when a drain is already running.
var ErrDrainBusy = errors.New("drain already running")

// Writer is the slice of the backend client the queue needs.
type Writer interface {
	Write(ctx context.Context, collection, id string, fields models.Fields, op models.MutationOp) error
}

// DrainResult summarises one drain pass.
type DrainResult struct {
	Attempted    int
	Completed    int
	Retried      int
	DeadLettered int
}

// Queue drains pending mutations FIFO against the backend. Drain is
// single-flight; Enqueue never blocks on the network.
type Queue struct {
	// WriteTimeout bounds each remote write attempt. A timed-out write is a
	// transient failure, subject to the normal retry policy.
	WriteTimeout time.Duration

	store  *store.Store
	writer Writer

	mu       sync.Mutex
	draining bool
}

// New creates a queue over the given store and backend. Mutations left in
// 'syncing' by a previous crash are reset to 'pending'.
func New(st *store.Store, writer Writer) *Queue {
	if n, err := st.ResetSyncing(); err != nil {
		slog.Warn("reset in-flight mutations", "err", err)
	} else if n > 0 {
		slog.Info("recovered in-flight mutations", "count", n)
	}
	return &Queue{
		WriteTimeout: 15 * time.Second,
		store:        st,
		writer:       writer,
	}
}

// Enqueue synchronously persists a new pending mutation and returns its ID.
// A storage failure is surfaced to the caller: the edit is not durable and
// must not be presented as such.
func (q *Queue) Enqueue(collection, entityID string, fields models.Fields, op models.MutationOp) (string, error) {
	m := &models.Mutation{
		ID:         uuid.NewString(),
		Collection: collection,
		EntityID:   entityID,
		Fields:     fields,
		Op:         op,
		Status:     models.StatusPending,
		MaxRetries: models.DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
	if err := q.store.InsertMutation(m); err != nil {
		return "", fmt.Errorf("enqueue mutation for %s/%s: %w", collection, entityID, err)
	}
	slog.Debug("mutation enqueued", "id", m.ID, "collection", collection, "entity", entityID, "op", op)
	return m.ID, nil
}

// Drain attempts the remote write for every pending mutation in FIFO
// creation order. One item's failure never aborts the rest. Items enqueued
// while a drain runs are picked up by the next drain. Returns ErrDrainBusy
// if a drain is already in flight.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}, ErrDrainBusy
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	// Snapshot taken once: concurrent enqueues wait for the next drain.
	pending, err := q.store.ListMutations(models.StatusPending)
	if err != nil {
		return DrainResult{}, fmt.Errorf("list pending mutations: %w", err)
	}

	var result DrainResult
	for _, m := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Attempted++

		if err := q.store.UpdateMutation(m.ID, models.StatusSyncing, m.RetryCount, m.LastError); err != nil {
			slog.Warn("mark mutation syncing", "id", m.ID, "err", err)
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, q.WriteTimeout)
		err := q.writer.Write(writeCtx, m.Collection, m.EntityID, m.Fields, m.Op)
		cancel()

		switch {
		case err == nil:
			if err := q.store.DeleteMutation(m.ID); err != nil {
				slog.Warn("delete completed mutation", "id", m.ID, "err", err)
			}
			result.Completed++
			slog.Debug("mutation confirmed", "id", m.ID, "collection", m.Collection, "entity", m.EntityID)

		case remote.IsTerminal(err):
			// The server rejected the write; retrying cannot succeed.
			if uerr := q.store.UpdateMutation(m.ID, models.StatusFailed, m.RetryCount, err.Error()); uerr != nil {
				slog.Warn("dead-letter mutation", "id", m.ID, "err", uerr)
			}
			result.DeadLettered++
			slog.Warn("mutation rejected", "id", m.ID, "collection", m.Collection, "entity", m.EntityID, "err", err)

		default:
			retryCount := m.RetryCount + 1
			status := models.StatusPending
			if retryCount >= m.MaxRetries {
				status = models.StatusFailed
				result.DeadLettered++
				slog.Warn("mutation retries exhausted", "id", m.ID, "collection", m.Collection, "entity", m.EntityID, "err", err)
			} else {
				result.Retried++
				slog.Debug("mutation retry scheduled", "id", m.ID, "retry", retryCount, "err", err)
			}
			if uerr := q.store.UpdateMutation(m.ID, status, retryCount, err.Error()); uerr != nil {
				slog.Warn("record mutation failure", "id", m.ID, "err", uerr)
			}
		}
	}

	return result, nil
}

// RetryFailed moves every dead-lettered mutation back to pending with its
// retry count reset, then runs a drain.
func (q *Queue) RetryFailed(ctx context.Context) (DrainResult, error) {
	failed, err := q.store.ListMutations(models.StatusFailed)
	if err != nil {
		return DrainResult{}, fmt.Errorf("list failed mutations: %w", err)
	}
	for _, m := range failed {
		if err := q.store.UpdateMutation(m.ID, models.StatusPending, 0, m.LastError); err != nil {
			return DrainResult{}, fmt.Errorf("reset mutation %s: %w", m.ID, err)
		}
	}
	return q.Drain(ctx)
}

// PendingFor returns every outstanding mutation for an entity in creation
// order, regardless of status: pending, syncing and failed edits all still
// overlay the cached row.
func (q *Queue) PendingFor(collection, entityID string) ([]models.Mutation, error) {
	return q.store.ListMutationsForEntity(collection, entityID)
}

// HasPendingChange reports whether any outstanding mutation targets the entity.
func (q *Queue) HasPendingChange(collection, entityID string) (bool, error) {
	muts, err := q.store.ListMutationsForEntity(collection, entityID)
	if err != nil {
		return false, err
	}
	return len(muts) > 0, nil
}

// All returns every outstanding mutation in creation order.
func (q *Queue) All() ([]models.Mutation, error) {
	return q.store.ListMutations()
}

// Counts returns the number of pending and failed mutations.
func (q *Queue) Counts() (pending, failed int, err error) {
	pending, err = q.store.CountMutations(models.StatusPending)
	if err != nil {
		return 0, 0, err
	}
	failed, err = q.store.CountMutations(models.StatusFailed)
	if err != nil {
		return 0, 0, err
	}
	return pending, failed, nil
}

// ClearFor removes every outstanding mutation for an entity. Callers use
// this only when the remote provably reflects the local edit, or when an
// edit is explicitly abandoned.
func (q *Queue) ClearFor(collection, entityID string) (int64, error) {
	return q.store.DeleteMutationsForEntity(collection, entityID)
}
