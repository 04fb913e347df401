package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/jfeldstein/ledgersync/internal/store"
)

// The functions in this file are the application layer's write path: every
// local CRUD action saves its record state and queues a mutation in the same
// breath, online or offline, so the sync path is identical either way.

// EnqueueCreate stores a new local-only record under a temporary identity
// and queues its create mutation. It returns the temporary local id; once the
// create confirms, the record also carries its server identity, and either id
// resolves it. Mutations queued in between reference the temporary id.
func EnqueueCreate(db *store.DB, collection string, fields map[string]interface{}) (string, error) {
	localID := store.NewLocalID()

	withID := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		withID[k] = v
	}
	withID["id"] = localID

	payload, err := json.Marshal(withID)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}

	if err := db.SaveLocalRecord(store.Record{
		Collection: collection,
		LocalID:    localID,
		Payload:    payload,
		LocalOnly:  true,
	}); err != nil {
		return "", err
	}

	if _, err := db.Enqueue(collection, store.OpCreate, payload); err != nil {
		return "", err
	}
	return localID, nil
}

// EnqueueUpdate merges fields into an existing record and queues its update
// mutation. The record may be identified by either its local or server id.
func EnqueueUpdate(db *store.DB, collection, id string, fields map[string]interface{}) error {
	rec, err := db.GetRecord(collection, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record %s/%s", collection, id)
	}

	var current map[string]interface{}
	if err := json.Unmarshal(rec.Payload, &current); err != nil {
		return fmt.Errorf("failed to decode cached record: %w", err)
	}
	for k, v := range fields {
		if k == "id" || k == "updated_at" {
			continue
		}
		current[k] = v
	}
	current["id"] = rec.LocalID

	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	rec.Payload = payload
	rec.Synced = false
	if err := db.SaveLocalRecord(*rec); err != nil {
		return err
	}

	if _, err := db.Enqueue(collection, store.OpUpdate, payload); err != nil {
		return err
	}
	return nil
}

// EnqueueDelete tombstones a record and queues its delete mutation. The
// tombstone keeps a remote pull from resurrecting the record before the
// delete reaches the server.
func EnqueueDelete(db *store.DB, collection, id string) error {
	rec, err := db.GetRecord(collection, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record %s/%s", collection, id)
	}

	if err := db.MarkDeleted(collection, rec.LocalID); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"id": rec.LocalID})
	if err != nil {
		return fmt.Errorf("failed to encode delete payload: %w", err)
	}
	if _, err := db.Enqueue(collection, store.OpDelete, payload); err != nil {
		return err
	}
	return nil
}
