// Package store is the durable persistence layer for the replication engine:
// cached rows, pending mutations, and per-collection sync metadata in one
// SQLite database. Cached rows are always rebuildable from a sync; pending
// mutations are the authoritative in-flight state and must never be lost.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rbeezley/ringsync/internal/models"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// Store wraps the database connection.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the database at path and runs pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets cache reads interleave with queue writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection (used by tests with an in-memory database).
func New(conn *sql.DB) (*Store, error) {
	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that need transactions.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// GetSchemaVersion returns the current schema version from the database.
func (s *Store) GetSchemaVersion() (int, error) {
	var version string
	err := s.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (s *Store) setSchemaVersion(version int) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

func (s *Store) runMigrations() error {
	currentVersion, err := s.GetSchemaVersion()
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if currentVersion == 0 {
		// Fresh database: schema is already current
		return s.setSchemaVersion(SchemaVersion)
	}

	for _, migration := range Migrations {
		if migration.Version > currentVersion {
			if _, err := s.conn.Exec(migration.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Description, err)
			}
			if err := s.setSchemaVersion(migration.Version); err != nil {
				return fmt.Errorf("set version %d: %w", migration.Version, err)
			}
		}
	}
	return nil
}

// --- Cached rows ---

// GetRow returns the cached row for (collection, id), reporting absence via ok.
func (s *Store) GetRow(collection, id string) (models.Row, bool, error) {
	var data string
	err := s.conn.QueryRow(
		`SELECT data FROM cached_rows WHERE collection = ? AND entity_id = ?`,
		collection, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var row models.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached row %s/%s: %w", collection, id, err)
	}
	return row, true, nil
}

// GetAllRows returns every cached row for a collection.
func (s *Store) GetAllRows(collection string) ([]models.Row, error) {
	rows, err := s.conn.Query(
		`SELECT data FROM cached_rows WHERE collection = ? ORDER BY entity_id`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var row models.Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("unmarshal cached row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SetRow upserts a single cached row with its sync timestamp.
func (s *Store) SetRow(collection, id string, row models.Row, syncedAt time.Time) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row %s/%s: %w", collection, id, err)
	}
	_, err = s.conn.Exec(`
		INSERT OR REPLACE INTO cached_rows (collection, entity_id, data, last_synced_at)
		VALUES (?, ?, ?, ?)
	`, collection, id, string(data), syncedAt.UTC().Format(timeFormat))
	return err
}

// SetRows upserts a batch of rows in one transaction. Either every row lands
// or none do, so an interrupted sync leaves the previous cache intact.
func (s *Store) SetRows(collection string, rowset []models.Row, syncedAt time.Time) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ts := syncedAt.UTC().Format(timeFormat)
	for _, row := range rowset {
		id := row.ID()
		if id == "" {
			continue
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %s/%s: %w", collection, id, err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO cached_rows (collection, entity_id, data, last_synced_at)
			VALUES (?, ?, ?, ?)
		`, collection, id, string(data), ts); err != nil {
			return fmt.Errorf("upsert row %s/%s: %w", collection, id, err)
		}
	}
	return tx.Commit()
}

// ReplaceCollection atomically replaces every cached row for a collection.
// Used by a full sync; a failure before commit leaves the old cache in place.
func (s *Store) ReplaceCollection(collection string, rowset []models.Row, syncedAt time.Time) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_rows WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clear collection %s: %w", collection, err)
	}

	ts := syncedAt.UTC().Format(timeFormat)
	for _, row := range rowset {
		id := row.ID()
		if id == "" {
			continue
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %s/%s: %w", collection, id, err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO cached_rows (collection, entity_id, data, last_synced_at)
			VALUES (?, ?, ?, ?)
		`, collection, id, string(data), ts); err != nil {
			return fmt.Errorf("insert row %s/%s: %w", collection, id, err)
		}
	}
	return tx.Commit()
}

// DeleteRow removes one cached row. Deleting an absent row is not an error.
func (s *Store) DeleteRow(collection, id string) error {
	_, err := s.conn.Exec(`DELETE FROM cached_rows WHERE collection = ? AND entity_id = ?`, collection, id)
	return err
}

// CountRows returns the number of cached rows for a collection.
func (s *Store) CountRows(collection string) (int, error) {
	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM cached_rows WHERE collection = ?`, collection).Scan(&count)
	return count, err
}

// --- Pending mutations ---

// InsertMutation persists a new pending mutation.
func (s *Store) InsertMutation(m *models.Mutation) error {
	fields, err := json.Marshal(m.Fields)
	if err != nil {
		return fmt.Errorf("marshal mutation fields: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO pending_mutations (id, collection, entity_id, fields, op, status, retry_count, max_retries, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Collection, m.EntityID, string(fields), m.Op, m.Status,
		m.RetryCount, m.MaxRetries, m.LastError, m.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert mutation %s: %w", m.ID, err)
	}
	return nil
}

const mutationColumns = `id, collection, entity_id, fields, op, status, retry_count, max_retries, last_error, created_at`

func scanMutation(scan func(...any) error) (models.Mutation, error) {
	var m models.Mutation
	var fields, createdAt string
	if err := scan(&m.ID, &m.Collection, &m.EntityID, &fields, &m.Op, &m.Status,
		&m.RetryCount, &m.MaxRetries, &m.LastError, &createdAt); err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(fields), &m.Fields); err != nil {
		return m, fmt.Errorf("unmarshal mutation %s fields: %w", m.ID, err)
	}
	ts, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return m, fmt.Errorf("parse mutation %s created_at: %w", m.ID, err)
	}
	m.CreatedAt = ts
	return m, nil
}

// GetMutation returns a single mutation by ID.
func (s *Store) GetMutation(id string) (*models.Mutation, error) {
	row := s.conn.QueryRow(`SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ?`, id)
	m, err := scanMutation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMutations returns mutations in creation (FIFO) order, optionally
// filtered by status. rowid breaks ties between same-timestamp entries.
func (s *Store) ListMutations(statuses ...models.MutationStatus) ([]models.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM pending_mutations`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMutationsForEntity returns every mutation targeting one entity, FIFO.
func (s *Store) ListMutationsForEntity(collection, entityID string) ([]models.Mutation, error) {
	rows, err := s.conn.Query(
		`SELECT `+mutationColumns+` FROM pending_mutations
		 WHERE collection = ? AND entity_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		collection, entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Mutation
	for rows.Next() {
		m, err := scanMutation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMutation persists status, retry count and last error for a mutation.
func (s *Store) UpdateMutation(id string, status models.MutationStatus, retryCount int, lastError string) error {
	_, err := s.conn.Exec(`
		UPDATE pending_mutations SET status = ?, retry_count = ?, last_error = ? WHERE id = ?
	`, status, retryCount, lastError, id)
	if err != nil {
		return fmt.Errorf("update mutation %s: %w", id, err)
	}
	return nil
}

// DeleteMutation removes a confirmed (or explicitly cleared) mutation.
func (s *Store) DeleteMutation(id string) error {
	_, err := s.conn.Exec(`DELETE FROM pending_mutations WHERE id = ?`, id)
	return err
}

// DeleteMutationsForEntity removes every mutation for one entity.
// Returns the number of mutations removed.
func (s *Store) DeleteMutationsForEntity(collection, entityID string) (int64, error) {
	res, err := s.conn.Exec(
		`DELETE FROM pending_mutations WHERE collection = ? AND entity_id = ?`,
		collection, entityID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountMutations returns the number of mutations with the given status.
func (s *Store) CountMutations(status models.MutationStatus) (int, error) {
	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM pending_mutations WHERE status = ?`, status).Scan(&count)
	return count, err
}

// ResetSyncing moves any mutation stuck in 'syncing' back to 'pending'.
// Called on open: a crash mid-drain must not strand its in-flight item.
func (s *Store) ResetSyncing() (int64, error) {
	res, err := s.conn.Exec(`UPDATE pending_mutations SET status = ? WHERE status = ?`,
		models.StatusPending, models.StatusSyncing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Sync metadata ---

// GetMeta returns the metadata value for key, reporting absence via ok.
func (s *Store) GetMeta(key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMeta upserts a metadata value.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetLastSync returns the recorded last sync time for a collection, or nil.
func (s *Store) GetLastSync(collection string) (*time.Time, error) {
	value, ok, err := s.GetMeta("last_sync:" + collection)
	if err != nil || !ok {
		return nil, err
	}
	ts, err := time.Parse(timeFormat, value)
	if err != nil {
		return nil, fmt.Errorf("parse last sync for %s: %w", collection, err)
	}
	return &ts, nil
}

// SetLastSync records the last sync time for a collection.
func (s *Store) SetLastSync(collection string, t time.Time) error {
	return s.SetMeta("last_sync:"+collection, t.UTC().Format(timeFormat))
}
