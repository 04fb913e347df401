package syncer

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jfeldstein/ledgersync/internal/store"
)

func newOpsDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueCreateEmbedsLocalID(t *testing.T) {
	db := newOpsDB(t)

	localID, err := EnqueueCreate(db, "expenses", map[string]interface{}{"amount": float64(10)})
	if err != nil {
		t.Fatalf("EnqueueCreate failed: %v", err)
	}

	entries, err := db.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue length = %d, want 1", len(entries))
	}
	var payload map[string]interface{}
	json.Unmarshal(entries[0].Payload, &payload)
	if payload["id"] != localID {
		t.Errorf("queued payload id = %v, want %s", payload["id"], localID)
	}
}

func TestEnqueueUpdateMergesFields(t *testing.T) {
	db := newOpsDB(t)

	localID, err := EnqueueCreate(db, "expenses", map[string]interface{}{
		"amount":   float64(10),
		"category": "food",
	})
	if err != nil {
		t.Fatalf("EnqueueCreate failed: %v", err)
	}

	err = EnqueueUpdate(db, "expenses", localID, map[string]interface{}{
		"amount":     float64(25),
		"id":         "attempted-id-change",
		"updated_at": "attempted-stamp-change",
	})
	if err != nil {
		t.Fatalf("EnqueueUpdate failed: %v", err)
	}

	rec, _ := db.GetRecord("expenses", localID)
	var fields map[string]interface{}
	json.Unmarshal(rec.Payload, &fields)
	if fields["amount"] != float64(25) {
		t.Errorf("amount = %v, want 25", fields["amount"])
	}
	if fields["category"] != "food" {
		t.Errorf("category = %v, unchanged fields must survive the merge", fields["category"])
	}
	if fields["id"] != localID {
		t.Errorf("id = %v, identity fields must not be client-writable", fields["id"])
	}
	if rec.Synced {
		t.Error("record still marked synced after local edit")
	}
}

func TestEnqueueUpdateMissingRecord(t *testing.T) {
	db := newOpsDB(t)
	if err := EnqueueUpdate(db, "expenses", "nope", map[string]interface{}{"amount": float64(1)}); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestEnqueueDeleteTombstones(t *testing.T) {
	db := newOpsDB(t)

	localID, err := EnqueueCreate(db, "expenses", map[string]interface{}{"amount": float64(10)})
	if err != nil {
		t.Fatalf("EnqueueCreate failed: %v", err)
	}
	if err := EnqueueDelete(db, "expenses", localID); err != nil {
		t.Fatalf("EnqueueDelete failed: %v", err)
	}

	rec, _ := db.GetRecord("expenses", localID)
	if rec == nil || !rec.Deleted {
		t.Fatalf("record = %+v, want tombstoned", rec)
	}

	// Tombstoned records disappear from listings immediately.
	recs, err := db.ListRecords("expenses")
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("listing = %d records, want 0", len(recs))
	}
}

func TestEnqueueDeleteMissingRecord(t *testing.T) {
	db := newOpsDB(t)
	if err := EnqueueDelete(db, "expenses", "nope"); err == nil {
		t.Fatal("expected error for missing record")
	}
}
