package store

// SchemaVersion is the current database schema version
const SchemaVersion = 2

const schema = `
-- Cached rows: one row per (collection, entity), rebuildable from a sync
CREATE TABLE IF NOT EXISTS cached_rows (
    collection TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    last_synced_at TEXT NOT NULL,
    PRIMARY KEY (collection, entity_id)
);

-- Pending mutations: the authoritative in-flight write state
CREATE TABLE IF NOT EXISTS pending_mutations (
    id TEXT PRIMARY KEY,
    collection TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    op TEXT NOT NULL DEFAULT 'update',
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mutations_entity ON pending_mutations(collection, entity_id);
CREATE INDEX IF NOT EXISTS idx_mutations_status ON pending_mutations(status);

-- Sync metadata: last full-sync timestamps and other per-collection state
CREATE TABLE IF NOT EXISTS sync_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration represents a schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations applied in order to databases created before the current schema.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Add max_retries and last_error to pending_mutations",
		SQL: `
			ALTER TABLE pending_mutations ADD COLUMN max_retries INTEGER NOT NULL DEFAULT 3;
			ALTER TABLE pending_mutations ADD COLUMN last_error TEXT NOT NULL DEFAULT '';
		`,
	},
}
