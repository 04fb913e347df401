package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jfeldstein/ledgersync/internal/logger"
	"github.com/jfeldstein/ledgersync/internal/remote"
	"github.com/jfeldstein/ledgersync/internal/store"
)

// Reconciler pulls remote changes the local queue did not itself produce and
// merges them into the cache, advancing a per-collection watermark only on
// success so a failed window is retried whole.
type Reconciler struct {
	store     *store.DB
	remote    *remote.Client
	registry  *Registry
	pullLimit int
}

// NewReconciler creates a reconciler. pullLimit caps the first, unbounded
// pull of each collection.
func NewReconciler(db *store.DB, client *remote.Client, registry *Registry, pullLimit int) *Reconciler {
	return &Reconciler{
		store:     db,
		remote:    client,
		registry:  registry,
		pullLimit: pullLimit,
	}
}

// Pull reconciles every registered collection. A failure in one collection
// does not block the others; the accumulated failures are returned.
func (r *Reconciler) Pull(ctx context.Context) error {
	var errs []error
	for _, tag := range r.registry.Tags() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		col, _ := r.registry.Lookup(tag)
		if err := r.pullCollection(ctx, col); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pull errors: %v", errs)
	}
	return nil
}

func (r *Reconciler) pullCollection(ctx context.Context, col Collection) error {
	watermark, err := r.store.Watermark(col.Tag)
	if err != nil {
		return err
	}

	// The new watermark is the client clock at pull start, not the newest
	// record's timestamp: records stamped while the pull is in flight fall
	// into the next window instead of being skipped, and records sharing a
	// timestamp with the newest one cannot be missed.
	cycleStart := time.Now().UTC().Format(time.RFC3339Nano)

	records, err := r.remote.ListSince(ctx, col.Resource, watermark, r.pullLimit)
	if err != nil {
		return err
	}

	if len(records) > 0 {
		merged := make([]store.Record, 0, len(records))
		for _, raw := range records {
			serverID, err := remote.RecordID(raw)
			if err != nil {
				return fmt.Errorf("remote record in %s: %w", col.Tag, err)
			}
			merged = append(merged, store.Record{
				Collection: col.Tag,
				ServerID:   serverID,
				Payload:    raw,
			})
		}
		if err := r.store.UpsertRecords(col.Tag, merged); err != nil {
			return err
		}
		logger.Debug("sync: merged %d remote %s records", len(merged), col.Tag)
	} else {
		logger.Debug("sync: no remote %s changes since %q", col.Tag, watermark)
	}

	// Never move the watermark backward, even under clock skew.
	advance := watermark == ""
	if !advance {
		prev, parseErr := time.Parse(time.RFC3339Nano, watermark)
		cur, _ := time.Parse(time.RFC3339Nano, cycleStart)
		advance = parseErr != nil || cur.After(prev)
	}
	if advance {
		if err := r.store.SetWatermark(col.Tag, cycleStart); err != nil {
			return err
		}
	}
	return nil
}
