// Package syncer provides the offline-first synchronization engine: a queue
// processor that pushes local mutations to the remote store, a reconciler
// that pulls remote changes back into the local cache, and an orchestrator
// that sequences the two and broadcasts sync status.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfeldstein/ledgersync/internal/logger"
	"github.com/jfeldstein/ledgersync/internal/remote"
	"github.com/jfeldstein/ledgersync/internal/store"
)

// Connectivity reports whether the remote store is currently reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// pingProbe backs the connectivity signal with the remote health endpoint.
type pingProbe struct {
	client *remote.Client
}

func (p pingProbe) Online(ctx context.Context) bool {
	return p.client.Ping(ctx) == nil
}

// Options holds the engine's tuning knobs.
type Options struct {
	// Interval between periodic sync cycles.
	Interval time.Duration
	// MaxRetries is the per-entry retry ceiling; an entry that reaches it
	// is frozen but stays visible in the queue and pending count.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between failed entries.
	BaseDelay time.Duration
	// PullLimit caps a single reconciliation batch.
	PullLimit int
}

// Engine orchestrates sync cycles: it owns connectivity state, schedules
// periodic and event-triggered cycles, guarantees at most one cycle runs at
// a time, and always pushes local mutations before pulling remote state.
// All state is instance-owned; independent engines can coexist.
type Engine struct {
	store      *store.DB
	registry   *Registry
	processor  *Processor
	reconciler *Reconciler
	probe      Connectivity
	status     *Broadcaster
	interval   time.Duration

	syncing atomic.Bool
	online  atomic.Bool

	initOnce sync.Once
	cancel   context.CancelFunc
	kick     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a sync engine over the given store and remote client.
// The registry decides which collections are reconciled; nil selects the
// built-in finance collections.
func NewEngine(db *store.DB, client *remote.Client, registry *Registry, opts Options) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	e := &Engine{
		store:      db,
		registry:   registry,
		processor:  NewProcessor(db, client, registry, opts.MaxRetries, opts.BaseDelay),
		reconciler: NewReconciler(db, client, registry, opts.PullLimit),
		probe:      pingProbe{client: client},
		interval:   opts.Interval,
		kick:       make(chan struct{}, 1),
	}
	e.status = NewBroadcaster(Status{})
	return e
}

// SetConnectivity replaces the connectivity probe. Must be called before
// Init; tests use it to drive transitions deterministically.
func (e *Engine) SetConnectivity(c Connectivity) {
	e.probe = c
}

// Init starts the engine: it reads the initial connectivity state, seeds the
// status, and launches the periodic scheduler. Init is idempotent; calls
// after the first are no-ops.
func (e *Engine) Init(ctx context.Context) {
	e.initOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel

		online := e.probe.Online(ctx)
		e.online.Store(online)

		pending, err := e.store.PendingCount()
		if err != nil {
			logger.Warn("sync: failed to read pending count: %v", err)
		}
		e.status.Update(func(s *Status) {
			s.Online = online
			s.PendingCount = pending
		})

		logger.Info("sync: engine started (online=%v, pending=%d, interval=%s)", online, pending, e.interval)

		e.wg.Add(1)
		go e.run(runCtx)
	})
}

// Stop cancels the scheduler and any in-flight cycle and waits for them.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}
	logger.Debug("sync: engine stopped")
}

// run is the periodic scheduler. While offline, ticks probe for reconnection
// instead of syncing; the periodic cycle resumes with the connection.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			// A triggered cycle is subject to the same gate as a periodic
			// one: while offline it is dropped, not run to certain failure.
			if e.online.Load() {
				e.PerformFullSync(ctx)
			}
		case <-ticker.C:
			if e.online.Load() {
				e.PerformFullSync(ctx)
				continue
			}
			if e.probe.Online(ctx) {
				e.SetOnline(true)
			}
		}
	}
}

// SetOnline records a connectivity transition. Going online triggers an
// immediate sync cycle; going offline does not abort an in-flight cycle,
// which is left to fail through its own request timeouts.
func (e *Engine) SetOnline(online bool) {
	prev := e.online.Swap(online)
	if prev == online {
		return
	}

	e.status.Update(func(s *Status) { s.Online = online })

	if online {
		logger.Info("sync: connectivity restored, scheduling sync")
		select {
		case e.kick <- struct{}{}:
		default:
		}
	} else {
		logger.Info("sync: connectivity lost")
	}
}

// Online reports the engine's current view of connectivity.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// PerformFullSync runs one push+pull cycle and reports overall success.
// At most one cycle runs at a time: a call while a cycle is in flight
// returns false immediately without re-entering.
func (e *Engine) PerformFullSync(ctx context.Context) bool {
	if !e.syncing.CompareAndSwap(false, true) {
		logger.Debug("sync: cycle already in flight, skipping")
		return false
	}
	defer e.syncing.Store(false)

	e.status.Update(func(s *Status) { s.Syncing = true })
	logger.Debug("sync: cycle starting")

	success := true
	var cycleErr error

	// Push before pull, unconditionally: local intent must reach the
	// remote store before remote state is merged, or the reconciler could
	// overwrite an unsynced local edit with stale-looking remote data.
	failed, err := e.processor.Drain(ctx)
	switch {
	case err != nil:
		// The durable store or the cycle context failed; abort before
		// the pull phase.
		success = false
		cycleErr = err
		logger.Error("sync: push phase aborted: %v", err)
	default:
		if failed > 0 {
			success = false
			logger.Warn("sync: %d queued mutations failed this cycle", failed)
		}
		if pullErr := e.reconciler.Pull(ctx); pullErr != nil {
			success = false
			cycleErr = pullErr
			logger.Error("sync: pull phase failed: %v", pullErr)
		}
	}

	pending, pendErr := e.store.PendingCount()
	if pendErr != nil {
		logger.Warn("sync: failed to read pending count: %v", pendErr)
	}

	now := time.Now().UTC()
	e.status.Update(func(s *Status) {
		s.Syncing = false
		if pendErr == nil {
			s.PendingCount = pending
		}
		if success {
			s.LastSyncTime = now
			s.Err = ""
		} else if cycleErr != nil {
			s.Err = cycleErr.Error()
		} else {
			s.Err = "some queued mutations failed"
		}
	})

	if success {
		logger.Info("sync: cycle complete (pending=%d)", pending)
	}
	return success
}

// ForceSyncNow runs one cycle on explicit request. It is rejected
// immediately, with no side effect, when the engine is offline.
func (e *Engine) ForceSyncNow(ctx context.Context) bool {
	if !e.online.Load() {
		logger.Debug("sync: manual sync rejected while offline")
		return false
	}
	return e.PerformFullSync(ctx)
}

// TriggerSync schedules a cycle on the engine's scheduler without waiting
// for it. Used by host-managed background signals.
func (e *Engine) TriggerSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SubscribeStatus registers a status observer per the broadcaster contract
// and returns its unsubscribe function.
func (e *Engine) SubscribeStatus(fn func(Status)) func() {
	return e.status.Subscribe(fn)
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	return e.status.Current()
}

// PendingChanges reports queued mutation counts by collection and in total.
func (e *Engine) PendingChanges() (map[string]int, int, error) {
	byCollection, err := e.store.PendingByCollection()
	if err != nil {
		return nil, 0, err
	}
	total := 0
	for _, n := range byCollection {
		total += n
	}
	return byCollection, total, nil
}
