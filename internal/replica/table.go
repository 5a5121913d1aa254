// Package replica implements the typed cache over one remote collection:
// cache reads, full or incremental syncs, and idempotent application of
// externally obtained rows.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/remote"
	"github.com/rbeezley/ringsync/internal/store"
)

// Fetcher is the slice of the backend client a table needs.
type Fetcher interface {
	Fetch(ctx context.Context, collection string, filter remote.Filter) ([]models.Row, error)
}

// SyncOptions controls a sync pull.
type SyncOptions struct {
	// ForceFullSync replaces the whole cached collection instead of pulling
	// only rows updated since the last recorded sync.
	ForceFullSync bool
}

// Table is a replicated cache over one remote collection. A failed sync is
// retried by the caller, never looped internally.
type Table struct {
	Name string

	// FetchOnMiss makes Get fall through to a remote point fetch when the
	// cache has no row. Off by default: the minimum contract is serve cache,
	// report absence.
	FetchOnMiss bool

	store   *store.Store
	fetcher Fetcher
}

// NewTable creates a table over the given store and backend.
func NewTable(name string, st *store.Store, fetcher Fetcher) *Table {
	return &Table{Name: name, store: st, fetcher: fetcher}
}

// Get returns the cached row for id. A storage failure degrades to a cache
// miss. With FetchOnMiss set, a miss triggers a remote point fetch whose
// result is cached before returning.
func (t *Table) Get(ctx context.Context, id string) (models.Row, bool, error) {
	row, ok, err := t.store.GetRow(t.Name, id)
	if err != nil {
		slog.Warn("cache read failed, treating as miss", "collection", t.Name, "id", id, "err", err)
		ok = false
	}
	if ok {
		return row, true, nil
	}
	if !t.FetchOnMiss {
		return nil, false, nil
	}

	rows, err := t.fetcher.Fetch(ctx, t.Name, remote.Filter{EntityID: id})
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s/%s: %w", t.Name, id, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	if err := t.store.SetRow(t.Name, id, rows[0], time.Now()); err != nil {
		slog.Warn("cache fill failed", "collection", t.Name, "id", id, "err", err)
	}
	return rows[0], true, nil
}

// GetAll returns every cached row. No network call.
func (t *Table) GetAll() ([]models.Row, error) {
	return t.store.GetAllRows(t.Name)
}

// Count returns the number of cached rows.
func (t *Table) Count() (int, error) {
	return t.store.CountRows(t.Name)
}

// LastSync returns the recorded last sync time, or nil before the first sync.
func (t *Table) LastSync() (*time.Time, error) {
	return t.store.GetLastSync(t.Name)
}

// Sync pulls the remote collection and repopulates the cache. A full sync
// atomically replaces the collection; an incremental sync upserts rows
// updated since the last recorded sync. An interrupted sync leaves the
// previously cached rows intact. An empty remote collection is a valid,
// successful result.
func (t *Table) Sync(ctx context.Context, opts SyncOptions) error {
	filter := remote.Filter{}
	full := opts.ForceFullSync

	if !full {
		last, err := t.store.GetLastSync(t.Name)
		if err != nil {
			slog.Warn("read last sync failed, forcing full sync", "collection", t.Name, "err", err)
		}
		if last == nil {
			full = true
		} else {
			filter.UpdatedSince = *last
		}
	}
	if full {
		filter = remote.Filter{}
	}

	// Captured before the fetch so rows that change mid-pull are re-pulled
	// by the next incremental sync rather than missed.
	syncStart := time.Now()

	rows, err := t.fetcher.Fetch(ctx, t.Name, filter)
	if err != nil {
		return fmt.Errorf("sync %s: %w", t.Name, err)
	}

	if full {
		if err := t.store.ReplaceCollection(t.Name, rows, syncStart); err != nil {
			return fmt.Errorf("replace %s cache: %w", t.Name, err)
		}
	} else {
		if err := t.store.SetRows(t.Name, rows, syncStart); err != nil {
			return fmt.Errorf("update %s cache: %w", t.Name, err)
		}
	}

	if err := t.store.SetLastSync(t.Name, syncStart); err != nil {
		return fmt.Errorf("record sync time for %s: %w", t.Name, err)
	}

	slog.Debug("synced collection", "collection", t.Name, "rows", len(rows), "full", full)
	return nil
}

// ApplyRemote idempotently upserts externally obtained rows, e.g. from the
// change stream. Rows without an ID are skipped.
func (t *Table) ApplyRemote(rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := t.store.SetRows(t.Name, rows, time.Now()); err != nil {
		return fmt.Errorf("apply remote rows to %s: %w", t.Name, err)
	}
	return nil
}

// DeleteLocal removes one row from the cache, e.g. after a remote DELETE
// event. Pending mutations for the entity are not touched.
func (t *Table) DeleteLocal(id string) error {
	return t.store.DeleteRow(t.Name, id)
}
