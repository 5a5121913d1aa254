package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Collection names known to the replication engine. Tables are registered
// by name, so this list is not closed; these are the collections the CLI
// registers by default.
const (
	CollectionEntries = "entries"
	CollectionClasses = "classes"
	CollectionTrials  = "trials"
)

// Row is a single entity as the backend returns it: an opaque field map
// keyed by a stable identifier. The engine never interprets fields beyond
// the ID and the updated_at timestamp used for incremental sync.
type Row map[string]any

// ID returns the row's identifier, or "" if absent.
// Backend IDs arrive as strings or JSON numbers; both are accepted.
func (r Row) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Clone returns a shallow copy of the row. Field values are shared; callers
// that overlay fields must write to the copy only.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Fields is a partial field map: only the fields a mutation changed.
type Fields map[string]any

// MutationOp is the kind of write a pending mutation represents.
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// MutationStatus tracks a pending mutation through its lifecycle.
type MutationStatus string

const (
	// StatusPending is the initial state; the mutation is queued and durable.
	StatusPending MutationStatus = "pending"
	// StatusSyncing means a drain attempt is in flight for this mutation.
	StatusSyncing MutationStatus = "syncing"
	// StatusFailed means the retry budget is exhausted or the remote rejected
	// the write outright. Failed mutations wait for an explicit retry.
	StatusFailed MutationStatus = "failed"
)

// DefaultMaxRetries is the retry budget before a mutation is dead-lettered.
const DefaultMaxRetries = 3

// Mutation is one durable, not-yet-confirmed local edit.
type Mutation struct {
	ID         string
	Collection string
	EntityID   string
	Fields     Fields
	Op         MutationOp
	Status     MutationStatus
	RetryCount int
	MaxRetries int
	LastError  string
	CreatedAt  time.Time
}

// ChangeKind is the kind of remote change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// ChangeEvent is one event from the backend's per-collection change stream.
// OldRow is populated for UPDATE and DELETE, NewRow for INSERT and UPDATE.
type ChangeEvent struct {
	Kind       ChangeKind `json:"type"`
	Collection string     `json:"collection"`
	OldRow     Row        `json:"old,omitempty"`
	NewRow     Row        `json:"new,omitempty"`
}

// EntityID returns the identifier of the entity the event concerns.
func (e ChangeEvent) EntityID() string {
	if id := e.NewRow.ID(); id != "" {
		return id
	}
	return e.OldRow.ID()
}
