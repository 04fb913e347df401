// Package store provides the durable local store backing the sync engine:
// a SQLite cache of domain records plus the ordered mutation queue.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Op identifies the kind of queued mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// QueueEntry is one queued local mutation awaiting remote application.
type QueueEntry struct {
	ID         int64
	Collection string
	Op         Op
	Payload    json.RawMessage
	RetryCount int
	LastError  string
	EnqueuedAt string
}

// Record is a locally cached domain record. Payload holds the domain fields
// as JSON; the sync flags are local-only and never sent to the remote store.
type Record struct {
	Collection string
	LocalID    string
	ServerID   string
	Payload    json.RawMessage
	Synced     bool
	LocalOnly  bool
	Deleted    bool
	UpdatedAt  string
}

// DB is the SQLite-backed durable store.
type DB struct {
	path string
	conn *sql.DB
}

const createRecordsSQL = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    local_id TEXT NOT NULL,
    server_id TEXT,
    payload TEXT NOT NULL,
    synced INTEGER DEFAULT 0,
    local_only INTEGER DEFAULT 0,
    deleted INTEGER DEFAULT 0,
    updated_at TEXT,
    UNIQUE(collection, local_id)
);
`

const createQueueSQL = `
CREATE TABLE IF NOT EXISTS sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    collection TEXT NOT NULL,
    op TEXT NOT NULL,
    payload TEXT,
    retry_count INTEGER DEFAULT 0,
    last_error TEXT,
    enqueued_at TEXT NOT NULL
);
`

const createWatermarksSQL = `
CREATE TABLE IF NOT EXISTS watermarks (
    collection TEXT PRIMARY KEY,
    pulled_at TEXT NOT NULL
);
`

// Open creates or opens the store at the given path and initializes the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; one connection avoids
	// "database is locked" errors when the engine and application
	// write concurrently.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, stmt := range []string{createRecordsSQL, createQueueSQL, createWatermarksSQL} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &DB{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// NewLocalID returns a fresh temporary identity for a record created offline.
func NewLocalID() string {
	return uuid.NewString()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Enqueue appends a mutation to the queue and returns its entry id.
func (db *DB) Enqueue(collection string, op Op, payload json.RawMessage) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO sync_queue (collection, op, payload, retry_count, enqueued_at) VALUES (?, ?, ?, 0, ?)`,
		collection, string(op), string(payload), now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get entry id: %w", err)
	}
	return id, nil
}

// ListQueue returns a snapshot of the queue in enqueue order.
func (db *DB) ListQueue() ([]QueueEntry, error) {
	rows, err := db.conn.Query(
		`SELECT id, collection, op, payload, retry_count, last_error, enqueued_at
		 FROM sync_queue ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	entries := []QueueEntry{}
	for rows.Next() {
		var e QueueEntry
		var payload, lastError sql.NullString
		var op string
		if err := rows.Scan(&e.ID, &e.Collection, &op, &payload, &e.RetryCount, &lastError, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = Op(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.LastError = lastError.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue rows: %w", err)
	}
	return entries, nil
}

// RemoveFromQueue deletes an entry after successful remote application.
func (db *DB) RemoveFromQueue(id int64) error {
	if _, err := db.conn.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", id, err)
	}
	return nil
}

// UpdateRetry increments an entry's retry count, records the failure reason,
// and returns the updated entry.
func (db *DB) UpdateRetry(id int64, cause string) (*QueueEntry, error) {
	res, err := db.conn.Exec(
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		cause, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update retry state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("no queue entry with id %d", id)
	}
	return db.getQueueEntry(id)
}

// FreezeEntry raises an entry's retry count straight to the ceiling so the
// processor stops retrying it. Used for failures that cannot succeed on retry.
func (db *DB) FreezeEntry(id int64, cause string, ceiling int) error {
	res, err := db.conn.Exec(
		`UPDATE sync_queue SET retry_count = ?, last_error = ? WHERE id = ?`,
		ceiling, cause, id,
	)
	if err != nil {
		return fmt.Errorf("failed to freeze queue entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no queue entry with id %d", id)
	}
	return nil
}

func (db *DB) getQueueEntry(id int64) (*QueueEntry, error) {
	row := db.conn.QueryRow(
		`SELECT id, collection, op, payload, retry_count, last_error, enqueued_at
		 FROM sync_queue WHERE id = ?`, id,
	)
	var e QueueEntry
	var payload, lastError sql.NullString
	var op string
	err := row.Scan(&e.ID, &e.Collection, &op, &payload, &e.RetryCount, &lastError, &e.EnqueuedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.Op = Op(op)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	e.LastError = lastError.String
	return &e, nil
}

// PendingCount returns the number of queued mutations, frozen entries included.
func (db *DB) PendingCount() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// PendingByCollection returns queued mutation counts keyed by collection tag.
func (db *DB) PendingByCollection() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT collection, COUNT(*) FROM sync_queue GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue by collection: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var collection string
		var n int
		if err := rows.Scan(&collection, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[collection] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return counts, nil
}

// SaveLocalRecord inserts or replaces a record created by the application
// layer. Records created offline carry a temporary local id and the
// local_only flag until the create confirms a server identity.
func (db *DB) SaveLocalRecord(rec Record) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO records
		 (collection, local_id, server_id, payload, synced, local_only, deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Collection,
		rec.LocalID,
		sql.NullString{String: rec.ServerID, Valid: rec.ServerID != ""},
		string(rec.Payload),
		boolInt(rec.Synced),
		boolInt(rec.LocalOnly),
		boolInt(rec.Deleted),
		now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// GetRecord looks a record up by either its local or server identity.
func (db *DB) GetRecord(collection, id string) (*Record, error) {
	row := db.conn.QueryRow(
		`SELECT collection, local_id, server_id, payload, synced, local_only, deleted, updated_at
		 FROM records WHERE collection = ? AND (local_id = ? OR server_id = ?)`,
		collection, id, id,
	)
	return scanRecordFrom(row)
}

// ListRecords returns all non-tombstoned records in a collection.
func (db *DB) ListRecords(collection string) ([]Record, error) {
	rows, err := db.conn.Query(
		`SELECT collection, local_id, server_id, payload, synced, local_only, deleted, updated_at
		 FROM records WHERE collection = ? AND deleted = 0 ORDER BY local_id ASC`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return records, nil
}

// MarkSynced confirms a record against the remote store. For a create this
// assigns the server identity; for an update it refreshes the payload and
// clears nothing else. The temporary local id is kept: mutations enqueued
// before the create confirmed still reference it in their payloads, and both
// ids resolve to the same row from here on.
func (db *DB) MarkSynced(collection, localID, serverID string, payload json.RawMessage) error {
	var res sql.Result
	var err error
	if serverID != "" {
		res, err = db.conn.Exec(
			`UPDATE records
			 SET server_id = ?, payload = ?, synced = 1, local_only = 0, updated_at = ?
			 WHERE collection = ? AND (local_id = ? OR server_id = ?)`,
			serverID, string(payload), now(), collection, localID, localID,
		)
	} else {
		res, err = db.conn.Exec(
			`UPDATE records SET payload = ?, synced = 1, updated_at = ?
			 WHERE collection = ? AND (local_id = ? OR server_id = ?)`,
			string(payload), now(), collection, localID, localID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no record %s/%s to mark synced", collection, localID)
	}
	return nil
}

// MarkDeleted tombstones a record pending remote deletion.
func (db *DB) MarkDeleted(collection, id string) error {
	res, err := db.conn.Exec(
		`UPDATE records SET deleted = 1, updated_at = ?
		 WHERE collection = ? AND (local_id = ? OR server_id = ?)`,
		now(), collection, id, id,
	)
	if err != nil {
		return fmt.Errorf("failed to tombstone record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no record %s/%s to tombstone", collection, id)
	}
	return nil
}

// PurgeRecord removes a record row entirely, after a confirmed remote delete.
func (db *DB) PurgeRecord(collection, id string) error {
	_, err := db.conn.Exec(
		`DELETE FROM records WHERE collection = ? AND (local_id = ? OR server_id = ?)`,
		collection, id, id,
	)
	if err != nil {
		return fmt.Errorf("failed to purge record: %w", err)
	}
	return nil
}

// UpsertRecords merges remote records into the cache. A remote record is
// skipped if the matching local row is local_only or tombstoned: a pull must
// never resurrect a pending delete or overwrite an unconfirmed create.
func (db *DB) UpsertRecords(collection string, records []Record) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.ServerID == "" {
			return fmt.Errorf("remote record in %s has no server id", collection)
		}

		var localOnly, deleted int
		err := tx.QueryRow(
			`SELECT local_only, deleted FROM records
			 WHERE collection = ? AND (server_id = ? OR local_id = ?)`,
			collection, rec.ServerID, rec.ServerID,
		).Scan(&localOnly, &deleted)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.Exec(
				`INSERT INTO records
				 (collection, local_id, server_id, payload, synced, local_only, deleted, updated_at)
				 VALUES (?, ?, ?, ?, 1, 0, 0, ?)`,
				collection, rec.ServerID, rec.ServerID, string(rec.Payload), now(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert remote record %s: %w", rec.ServerID, err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up record %s: %w", rec.ServerID, err)
		case localOnly == 1 || deleted == 1:
			// Pending local create or delete wins until the queue drains.
			continue
		default:
			_, err = tx.Exec(
				`UPDATE records SET payload = ?, synced = 1, updated_at = ?
				 WHERE collection = ? AND (server_id = ? OR local_id = ?)`,
				string(rec.Payload), now(), collection, rec.ServerID, rec.ServerID,
			)
			if err != nil {
				return fmt.Errorf("failed to update remote record %s: %w", rec.ServerID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Watermark returns the last successful pull timestamp for a collection,
// or "" if the collection has never been pulled.
func (db *DB) Watermark(collection string) (string, error) {
	var ts string
	err := db.conn.QueryRow(`SELECT pulled_at FROM watermarks WHERE collection = ?`, collection).Scan(&ts)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to query watermark: %w", err)
	}
	return ts, nil
}

// SetWatermark records the last successful pull timestamp for a collection.
func (db *DB) SetWatermark(collection, ts string) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO watermarks (collection, pulled_at) VALUES (?, ?)`,
		collection, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecordFrom(s scanner) (*Record, error) {
	var rec Record
	var serverID, updatedAt sql.NullString
	var payload string
	var synced, localOnly, deleted int

	err := s.Scan(
		&rec.Collection,
		&rec.LocalID,
		&serverID,
		&payload,
		&synced,
		&localOnly,
		&deleted,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.ServerID = serverID.String
	rec.Payload = json.RawMessage(payload)
	rec.Synced = synced == 1
	rec.LocalOnly = localOnly == 1
	rec.Deleted = deleted == 1
	rec.UpdatedAt = updatedAt.String
	return &rec, nil
}
