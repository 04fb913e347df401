package syncer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jfeldstein/ledgersync/internal/remote"
	"github.com/jfeldstein/ledgersync/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.DB, *remote.MockServer) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := remote.NewMockServer()
	t.Cleanup(srv.Close)

	r := NewReconciler(db, remote.New(srv.URL, "test-token"), DefaultRegistry(), 100)
	return r, db, srv
}

func TestPullMergesRemoteRecords(t *testing.T) {
	r, db, srv := newTestReconciler(t)

	srv.Seed("expenses", "srv-1", map[string]interface{}{"amount": float64(12)}, time.Now().UTC())
	srv.Seed("income", "srv-2", map[string]interface{}{"amount": float64(800)}, time.Now().UTC())

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	rec, err := db.GetRecord("expenses", "srv-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec == nil {
		t.Fatal("pulled expense not in store")
	}
	if !rec.Synced || rec.LocalID != "srv-1" {
		t.Errorf("pulled record = %+v, want synced with local_id matching server id", rec)
	}
	if rec, _ := db.GetRecord("income", "srv-2"); rec == nil {
		t.Error("pulled income record not in store")
	}
}

func TestPullSkipsLocalOnlyAndTombstoned(t *testing.T) {
	r, db, srv := newTestReconciler(t)

	if err := db.SaveLocalRecord(store.Record{
		Collection: "expenses",
		LocalID:    "srv-1",
		ServerID:   "srv-1",
		Payload:    json.RawMessage(`{"id":"srv-1","amount":50}`),
		LocalOnly:  true,
	}); err != nil {
		t.Fatalf("SaveLocalRecord failed: %v", err)
	}
	if err := db.SaveLocalRecord(store.Record{
		Collection: "expenses",
		LocalID:    "srv-2",
		ServerID:   "srv-2",
		Payload:    json.RawMessage(`{"id":"srv-2","amount":60}`),
		Synced:     true,
	}); err != nil {
		t.Fatalf("SaveLocalRecord failed: %v", err)
	}
	if err := db.MarkDeleted("expenses", "srv-2"); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}

	srv.Seed("expenses", "srv-1", map[string]interface{}{"amount": float64(999)}, time.Now().UTC())
	srv.Seed("expenses", "srv-2", map[string]interface{}{"amount": float64(999)}, time.Now().UTC())

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	rec, _ := db.GetRecord("expenses", "srv-1")
	var fields map[string]interface{}
	json.Unmarshal(rec.Payload, &fields)
	if fields["amount"] != float64(50) {
		t.Errorf("local-only record overwritten by pull: amount = %v", fields["amount"])
	}

	// The tombstone survives so the pending delete still applies.
	if rec, _ := db.GetRecord("expenses", "srv-2"); rec == nil || !rec.Deleted {
		t.Error("tombstoned record resurrected by pull")
	}
}

func TestPullAdvancesWatermarkOnEmptyResult(t *testing.T) {
	r, db, _ := newTestReconciler(t)

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	first, err := db.Watermark("expenses")
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if first == "" {
		t.Fatal("watermark not set by empty pull")
	}

	time.Sleep(2 * time.Millisecond)
	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	second, _ := db.Watermark("expenses")

	prev, _ := time.Parse(time.RFC3339Nano, first)
	cur, err := time.Parse(time.RFC3339Nano, second)
	if err != nil {
		t.Fatalf("watermark %q not RFC3339: %v", second, err)
	}
	if !cur.After(prev) {
		t.Errorf("watermark did not advance: %q -> %q", first, second)
	}
}

func TestPullUsesWatermarkAsCutoff(t *testing.T) {
	r, db, srv := newTestReconciler(t)

	old := time.Now().UTC().Add(-time.Hour)
	srv.Seed("expenses", "srv-old", map[string]interface{}{"amount": float64(1)}, old)

	if err := db.SetWatermark("expenses", time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("SetWatermark failed: %v", err)
	}

	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if rec, _ := db.GetRecord("expenses", "srv-old"); rec != nil {
		t.Error("record older than watermark was pulled")
	}

	srv.Seed("expenses", "srv-new", map[string]interface{}{"amount": float64(2)}, time.Now().UTC())
	if err := r.Pull(context.Background()); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if rec, _ := db.GetRecord("expenses", "srv-new"); rec == nil {
		t.Error("record newer than watermark was not pulled")
	}
}

func TestPullFailureKeepsWatermark(t *testing.T) {
	r, db, srv := newTestReconciler(t)

	stamp := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
	if err := db.SetWatermark("expenses", stamp); err != nil {
		t.Fatalf("SetWatermark failed: %v", err)
	}

	// Fail every collection pull in this cycle.
	srv.FailNext(len(r.registry.Tags()), 500)
	if err := r.Pull(context.Background()); err == nil {
		t.Fatal("expected pull error")
	}

	got, _ := db.Watermark("expenses")
	if got != stamp {
		t.Errorf("watermark moved by failed pull: %q -> %q", stamp, got)
	}
}

func TestPullOneCollectionFailureDoesNotBlockOthers(t *testing.T) {
	r, db, srv := newTestReconciler(t)

	srv.Seed("income", "srv-1", map[string]interface{}{"amount": float64(100)}, time.Now().UTC())

	// Tags iterate in sorted order, so the first request is the expenses
	// pull. Fail only that one.
	srv.FailNext(1, 500)
	if err := r.Pull(context.Background()); err == nil {
		t.Fatal("expected pull error for the failed collection")
	}

	if rec, _ := db.GetRecord("income", "srv-1"); rec == nil {
		t.Error("healthy collection was not pulled")
	}
	if wm, _ := db.Watermark("expenses"); wm != "" {
		t.Errorf("failed collection's watermark set to %q", wm)
	}
}

func TestPullCanceledContext(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Pull(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
