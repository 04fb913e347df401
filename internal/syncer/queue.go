package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jfeldstein/ledgersync/internal/logger"
	"github.com/jfeldstein/ledgersync/internal/remote"
	"github.com/jfeldstein/ledgersync/internal/store"
)

// Processor drains the mutation queue against the remote store, one entry at
// a time, honoring the retry ceiling and backing off between entries after a
// failure.
type Processor struct {
	store      *store.DB
	remote     *remote.Client
	registry   *Registry
	maxRetries int
	baseDelay  time.Duration
}

// NewProcessor creates a queue processor.
func NewProcessor(db *store.DB, client *remote.Client, registry *Registry, maxRetries int, baseDelay time.Duration) *Processor {
	return &Processor{
		store:      db,
		remote:     client,
		registry:   registry,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Drain processes one snapshot of the queue. Entries enqueued during the
// drain are picked up on the next cycle. Per-entry failures are recorded on
// the entry and processing continues; the returned failed count covers
// entries that failed this drain. A non-nil error means the durable store
// itself failed and the cycle must abort.
func (p *Processor) Drain(ctx context.Context) (failed int, err error) {
	entries, err := p.store.ListQueue()
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot queue: %w", err)
	}

	if len(entries) == 0 {
		logger.Debug("sync: queue empty, nothing to push")
		return 0, nil
	}

	logger.Debug("sync: draining %d queued mutations", len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}

		// Frozen entries stay queued and visible but are never retried.
		if entry.RetryCount >= p.maxRetries {
			logger.Debug("sync: skipping frozen entry %d (%s %s): %s",
				entry.ID, entry.Op, entry.Collection, entry.LastError)
			continue
		}

		col, ok := p.registry.Lookup(entry.Collection)
		if !ok {
			logger.Warn("sync: entry %d targets unregistered collection %q", entry.ID, entry.Collection)
			if err := p.store.FreezeEntry(entry.ID, fmt.Sprintf("unknown collection %q", entry.Collection), p.maxRetries); err != nil {
				return failed, err
			}
			failed++
			continue
		}

		applyErr := p.apply(ctx, col, entry)
		if applyErr == nil {
			if err := p.store.RemoveFromQueue(entry.ID); err != nil {
				return failed, err
			}
			logger.Debug("sync: applied entry %d (%s %s)", entry.ID, entry.Op, entry.Collection)
			continue
		}

		if ctx.Err() != nil {
			return failed, ctx.Err()
		}

		failed++
		if !remote.IsRetryable(applyErr) {
			logger.Warn("sync: entry %d rejected permanently: %v", entry.ID, applyErr)
			if err := p.store.FreezeEntry(entry.ID, applyErr.Error(), p.maxRetries); err != nil {
				return failed, err
			}
			continue
		}

		updated, err := p.store.UpdateRetry(entry.ID, applyErr.Error())
		if err != nil {
			return failed, err
		}
		logger.Warn("sync: entry %d failed (attempt %d/%d): %v",
			entry.ID, updated.RetryCount, p.maxRetries, applyErr)

		// Back off before touching the next entry so a saturated remote
		// store is not hammered by a large backlog.
		if err := p.backoff(ctx, updated.RetryCount); err != nil {
			return failed, err
		}
	}

	return failed, nil
}

func (p *Processor) backoff(ctx context.Context, retryCount int) error {
	delay := p.baseDelay * (1 << uint(retryCount))
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Processor) apply(ctx context.Context, col Collection, entry store.QueueEntry) error {
	switch entry.Op {
	case store.OpCreate:
		return p.applyCreate(ctx, col, entry)
	case store.OpUpdate:
		return p.applyUpdate(ctx, col, entry)
	case store.OpDelete:
		return p.applyDelete(ctx, col, entry)
	}
	return &permanentError{fmt.Errorf("unknown operation %q", entry.Op)}
}

// permanentError marks failures that cannot succeed on retry but did not
// come from the remote store (malformed entries, missing local records).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable marks the error non-retryable for remote.IsRetryable.
func (e *permanentError) Retryable() bool { return false }

func (p *Processor) applyCreate(ctx context.Context, col Collection, entry store.QueueEntry) error {
	localID, body, err := splitID(entry.Payload)
	if err != nil {
		return &permanentError{err}
	}

	created, err := p.remote.Insert(ctx, col.Resource, body)
	if err != nil {
		return err
	}

	serverID, err := remote.RecordID(created)
	if err != nil {
		return &permanentError{fmt.Errorf("create response: %w", err)}
	}

	// Assign the server identity before the entry is removed; a crash
	// between the two leaves the entry queued, and the retried create is
	// deduplicated only via this confirmation having landed, so order
	// matters. The temporary id stays on the row: later entries in the
	// queue reference the record by it.
	if err := p.store.MarkSynced(col.Tag, localID, serverID, created); err != nil {
		return err
	}

	logger.Debug("sync: created %s record %s (local id %s)", col.Tag, serverID, localID)
	return nil
}

func (p *Processor) applyUpdate(ctx context.Context, col Collection, entry store.QueueEntry) error {
	id, body, err := splitID(entry.Payload)
	if err != nil {
		return &permanentError{err}
	}

	rec, err := p.store.GetRecord(col.Tag, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return &permanentError{fmt.Errorf("no local record %s/%s for update", col.Tag, id)}
	}
	if rec.ServerID == "" {
		// The create for this record has not confirmed yet. Entries are
		// drained in enqueue order, so this only happens after the create
		// failed; retry once it has gone through.
		return fmt.Errorf("record %s/%s has no server identity yet", col.Tag, id)
	}

	updated, err := p.remote.Update(ctx, col.Resource, rec.ServerID, body)
	if err != nil {
		return err
	}

	if err := p.store.MarkSynced(col.Tag, rec.ServerID, "", updated); err != nil {
		return err
	}

	logger.Debug("sync: updated %s record %s", col.Tag, rec.ServerID)
	return nil
}

func (p *Processor) applyDelete(ctx context.Context, col Collection, entry store.QueueEntry) error {
	id, _, err := splitID(entry.Payload)
	if err != nil {
		return &permanentError{err}
	}

	rec, err := p.store.GetRecord(col.Tag, id)
	if err != nil {
		return err
	}

	switch {
	case rec == nil:
		// Already purged by an earlier partial attempt; nothing to do.
	case rec.ServerID == "":
		// Created offline and deleted before the create ever synced; the
		// create entry was drained first and would have assigned a server
		// id, so reaching here means the record never left this device.
		if err := p.store.PurgeRecord(col.Tag, id); err != nil {
			return err
		}
	default:
		err := p.remote.Delete(ctx, col.Resource, rec.ServerID)
		if err != nil && !remote.IsNotFound(err) {
			return err
		}
		// A not-found response means the record is already gone from a
		// previous partial attempt; the delete is idempotent.
		if err := p.store.PurgeRecord(col.Tag, id); err != nil {
			return err
		}
	}

	logger.Debug("sync: deleted %s record %s", col.Tag, id)
	return nil
}

// splitID extracts the record identity from a queue payload and returns the
// payload with the identity and local flags stripped, ready for the wire.
func splitID(payload json.RawMessage) (string, json.RawMessage, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, fmt.Errorf("malformed queue payload: %w", err)
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return "", nil, fmt.Errorf("queue payload has no id")
	}
	delete(fields, "id")
	delete(fields, "updated_at")
	body, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("failed to re-encode payload: %w", err)
	}
	return id, body, nil
}
