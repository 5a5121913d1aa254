// Package merge produces the rows readers actually see: the last synced
// server snapshot with every outstanding local edit overlaid on top, field
// by field, in creation order.
package merge

import (
	"context"
	"fmt"

	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/queue"
	"github.com/rbeezley/ringsync/internal/replica"
)

// Engine merges one replicated table with its outstanding mutations.
type Engine struct {
	table *replica.Table
	queue *queue.Queue
}

// New creates a merge engine over a table and the mutation queue.
func New(table *replica.Table, q *queue.Queue) *Engine {
	return &Engine{table: table, queue: q}
}

// Merge returns the merged view of one entity: the cached row (or an empty
// record if absent) with each outstanding mutation's fields applied in
// creation order. Later mutations win over earlier ones per field; fields no
// mutation touched come from the snapshot. The merge is pure: identical
// inputs yield identical output, and neither cache nor queue is modified.
func (e *Engine) Merge(ctx context.Context, entityID string) (models.Row, bool, error) {
	base, ok, err := e.table.Get(ctx, entityID)
	if err != nil {
		return nil, false, fmt.Errorf("merge %s/%s: %w", e.table.Name, entityID, err)
	}

	muts, err := e.queue.PendingFor(e.table.Name, entityID)
	if err != nil {
		return nil, false, fmt.Errorf("merge %s/%s: pending lookup: %w", e.table.Name, entityID, err)
	}
	if len(muts) == 0 {
		return base, ok, nil
	}

	var out models.Row
	if ok {
		out = base.Clone()
	} else {
		out = models.Row{"id": entityID}
	}
	for _, m := range muts {
		for k, v := range m.Fields {
			out[k] = v
		}
	}
	return out, true, nil
}

// HasPendingChange reports whether the entity has any outstanding local edit.
func (e *Engine) HasPendingChange(entityID string) (bool, error) {
	return e.queue.HasPendingChange(e.table.Name, entityID)
}

// ApplyServerUpdate refreshes the base layer with fresher remote rows. It
// never discards pending mutations: a stale or out-of-order snapshot must
// not be mistaken for confirmation of a local edit. Merge reconciles the two.
func (e *Engine) ApplyServerUpdate(rows []models.Row) error {
	return e.table.ApplyRemote(rows)
}

// ClearPendingChange drops every outstanding mutation for the entity. Only
// called when the caller can prove the remote reflects the local edit
// (typically a change event arriving after the write was confirmed) or when
// the edit is deliberately abandoned.
func (e *Engine) ClearPendingChange(entityID string) error {
	if _, err := e.queue.ClearFor(e.table.Name, entityID); err != nil {
		return fmt.Errorf("clear pending for %s/%s: %w", e.table.Name, entityID, err)
	}
	return nil
}
