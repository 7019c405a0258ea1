package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stoktracker/internal/pos"
	"stoktracker/internal/queue"
)

// State of the sync engine.
type State int32

// Engine states.
const (
	StateIdle State = iota
	StateSyncing
	StateBackoff
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

var errConnectivityLost = errors.New("connectivity lost mid-batch")

// Queue is the slice of the sync queue the engine drains.
type Queue interface {
	DequeueBatch(limit int) ([]*queue.Item, error)
	Get(queueID string) (*queue.Item, error)
	MarkSynced(queueID, serverID string) error
	Requeue(queueID string) error
	Release(queueID string) error
	MarkFailed(queueID, reason string) error
	PendingCount() (int64, error)
	FailedCount() (int64, error)
}

// Remote is the REST contract the engine replays queued mutations against.
type Remote interface {
	CreateProduct(ctx context.Context, p *pos.Product) (*pos.Product, error)
	UpdateProduct(ctx context.Context, p *pos.Product) (*pos.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	CreateSale(ctx context.Context, s *pos.Sale) (*pos.Sale, error)
}

// Monitor exposes debounced reachability to the engine.
type Monitor interface {
	IsOnline() bool
	Subscribe() <-chan bool
}

// Config holds the engine's cadence and backoff bounds.
type Config struct {
	BatchSize    int
	SyncInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		SyncInterval: 30 * time.Second,
		BackoffMin:   2 * time.Second,
		BackoffMax:   5 * time.Minute,
	}
}

// Snapshot is the engine status reported to state-change listeners and
// the UI. The engine never surfaces errors any other way.
type Snapshot struct {
	State      string    `json:"state"`
	Pending    int64     `json:"pending"`
	Failed     int64     `json:"failed"`
	LastError  string    `json:"lastError,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
}

// Engine drains the sync queue against the remote API whenever the
// device is online: on connectivity edges, on a periodic timer, and on
// manual request. At most one pass runs at a time; triggers arriving
// mid-pass coalesce into a single follow-up pass.
type Engine struct {
	queue   Queue
	remote  Remote
	monitor Monitor
	logger  *zap.Logger
	cfg     Config

	trigger chan struct{}

	mu        sync.Mutex
	state     State
	lastErr   string
	lastSync  time.Time
	backoff   time.Duration
	listeners []func(Snapshot)
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an Engine. It does nothing until Start is called.
func New(q Queue, remote Remote, monitor Monitor, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultConfig().BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Engine{
		queue:   q,
		remote:  remote,
		monitor: monitor,
		logger:  logger,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		state:   StateIdle,
	}
}

// Start launches the engine loop for the lifetime of the session.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	edges := e.monitor.Subscribe()
	go e.run(ctx, edges)
	e.logger.Info("sync engine started")
}

// Stop halts the engine without touching queue state. An item already in
// flight is resolved before the loop exits; the rest of its batch stays
// pending for the next session.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.started = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.logger.Info("sync engine stopped")
}

// TriggerSync requests a sync pass. Non-blocking; a request while a pass
// is running means "run again afterwards".
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// OnStateChange registers a listener invoked with a fresh Snapshot on
// every state transition and after every pass.
func (e *Engine) OnStateChange(fn func(Snapshot)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Snapshot returns the current engine status.
func (e *Engine) Snapshot() Snapshot {
	pending, _ := e.queue.PendingCount()
	failed, _ := e.queue.FailedCount()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:      e.state.String(),
		Pending:    pending,
		Failed:     failed,
		LastError:  e.lastErr,
		LastSyncAt: e.lastSync,
	}
}

func (e *Engine) run(ctx context.Context, edges <-chan bool) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	if e.monitor.IsOnline() {
		e.TriggerSync()
	}

	for {
		select {
		case <-ctx.Done():
			e.setState(StateIdle, "")
			return

		case online := <-edges:
			if online {
				e.resetBackoff()
				e.TriggerSync()
			}

		case <-ticker.C:
			if e.monitor.IsOnline() {
				e.TriggerSync()
			}

		case <-e.trigger:
			if !e.monitor.IsOnline() {
				continue
			}
			e.setState(StateSyncing, "")
			err := e.runPass(ctx)
			switch {
			case err == nil:
				e.resetBackoff()
				e.setState(StateIdle, "")
				if pending, _ := e.queue.PendingCount(); pending > 0 {
					// Batch limit left work behind; keep going.
					e.TriggerSync()
				}
			case errors.Is(err, context.Canceled):
				e.setState(StateIdle, "")
				return
			default:
				e.setState(StateBackoff, err.Error())
				if !e.waitBackoff(ctx, edges) {
					e.setState(StateIdle, "")
					return
				}
				e.setState(StateIdle, err.Error())
				e.TriggerSync()
			}
		}
	}
}

// waitBackoff sleeps for the next backoff delay, cut short by a fresh
// online edge. Returns false when the session ended.
func (e *Engine) waitBackoff(ctx context.Context, edges <-chan bool) bool {
	e.mu.Lock()
	if e.backoff == 0 {
		e.backoff = e.cfg.BackoffMin
	} else {
		e.backoff *= 2
		if e.backoff > e.cfg.BackoffMax {
			e.backoff = e.cfg.BackoffMax
		}
	}
	delay := e.backoff
	e.mu.Unlock()

	e.logger.Info("sync backing off", zap.Duration("delay", delay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case online := <-edges:
			if online {
				e.resetBackoff()
				return true
			}
		case <-timer.C:
			return true
		}
	}
}

func (e *Engine) resetBackoff() {
	e.mu.Lock()
	e.backoff = 0
	e.mu.Unlock()
}

// runPass claims one batch and drains it serially. A retryable failure
// requeues the item, releases the rest of the batch and is returned;
// non-retryable failures flag the single item and the pass continues.
func (e *Engine) runPass(ctx context.Context) error {
	items, err := e.queue.DequeueBatch(e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	synced, failed := 0, 0
	for i, item := range items {
		if ctx.Err() != nil {
			e.logger.Info("sync pass interrupted", zap.Int("synced", synced))
			e.releaseBatch(items[i:])
			return context.Canceled
		}
		if !e.monitor.IsOnline() {
			e.logger.Warn("connectivity dropped mid-batch", zap.Int("synced", synced))
			e.releaseBatch(items[i:])
			return errConnectivityLost
		}

		// Re-read the claimed item: an id remap earlier in this batch
		// may have rewritten its entity id or payload.
		fresh, err := e.queue.Get(item.ID)
		if errors.Is(err, queue.ErrItemNotFound) {
			continue
		}
		if err != nil {
			e.releaseBatch(items[i:])
			return fmt.Errorf("failed to reload queue item: %w", err)
		}

		err = e.processItem(ctx, fresh)
		if err == nil {
			synced++
			continue
		}
		if !isRetryable(err) {
			failed++
			if mErr := e.queue.MarkFailed(item.ID, err.Error()); mErr != nil {
				e.logger.Error("failed to flag rejected item", zap.String("queue_id", item.ID), zap.Error(mErr))
			}
			e.logger.Warn("queue item rejected by server, needs attention",
				zap.String("queue_id", item.ID),
				zap.String("entity_type", item.EntityType),
				zap.String("action", item.Action),
				zap.Error(err),
			)
			continue
		}
		if rErr := e.queue.Requeue(item.ID); rErr != nil {
			e.logger.Error("failed to requeue item", zap.String("queue_id", item.ID), zap.Error(rErr))
		}
		e.releaseBatch(items[i+1:])
		e.logger.Warn("sync pass stopped on retryable failure",
			zap.String("queue_id", item.ID),
			zap.Int("synced", synced),
			zap.Error(err),
		)
		return err
	}

	e.mu.Lock()
	e.lastSync = time.Now()
	e.mu.Unlock()
	e.logger.Info("sync pass complete", zap.Int("synced", synced), zap.Int("failed", failed))
	return nil
}

// releaseBatch returns claimed items the pass never sent back to the
// pending queue.
func (e *Engine) releaseBatch(items []*queue.Item) {
	for _, item := range items {
		if err := e.queue.Release(item.ID); err != nil && !errors.Is(err, queue.ErrItemNotFound) {
			e.logger.Error("failed to release claimed item", zap.String("queue_id", item.ID), zap.Error(err))
		}
	}
}

// processItem replays one queued mutation. A corrupt payload flags the
// item and lets the batch continue.
func (e *Engine) processItem(ctx context.Context, item *queue.Item) error {
	switch item.EntityType {
	case pos.EntityProduct:
		switch item.Action {
		case pos.ActionCreate:
			var p pos.Product
			if err := json.Unmarshal(item.Payload, &p); err != nil {
				return e.flagCorrupt(item, err)
			}
			created, err := e.remote.CreateProduct(ctx, &p)
			if err != nil {
				return err
			}
			return e.confirm(item, created.ID)

		case pos.ActionUpdate:
			var p pos.Product
			if err := json.Unmarshal(item.Payload, &p); err != nil {
				return e.flagCorrupt(item, err)
			}
			if _, err := e.remote.UpdateProduct(ctx, &p); err != nil {
				return err
			}
			return e.confirm(item, "")

		case pos.ActionDelete:
			if err := e.remote.DeleteProduct(ctx, item.EntityID); err != nil {
				return err
			}
			return e.confirm(item, "")
		}

	case pos.EntitySale:
		if item.Action == pos.ActionCreate {
			var s pos.Sale
			if err := json.Unmarshal(item.Payload, &s); err != nil {
				return e.flagCorrupt(item, err)
			}
			created, err := e.remote.CreateSale(ctx, &s)
			if err != nil {
				return err
			}
			return e.confirm(item, created.ID)
		}
	}

	return e.flagCorrupt(item, fmt.Errorf("unknown entity/action %s/%s", item.EntityType, item.Action))
}

// confirm records that the server accepted the item. The mutation is
// already applied remotely at this point, so a local bookkeeping failure
// must not put the item back in rotation: replaying it would duplicate
// the record server-side. The item is flagged for attention instead.
func (e *Engine) confirm(item *queue.Item, serverID string) error {
	err := e.queue.MarkSynced(item.ID, serverID)
	if err == nil {
		return nil
	}
	e.logger.Error("item applied remotely but local confirmation failed",
		zap.String("queue_id", item.ID),
		zap.String("entity_type", item.EntityType),
		zap.String("action", item.Action),
		zap.Error(err),
	)
	if mErr := e.queue.MarkFailed(item.ID, "applied remotely, local confirmation failed: "+err.Error()); mErr != nil {
		e.logger.Error("failed to flag unconfirmed item", zap.String("queue_id", item.ID), zap.Error(mErr))
	}
	return nil
}

// flagCorrupt takes an undecodable or unrecognized item out of the queue's
// pending set without blocking the rest of the batch.
func (e *Engine) flagCorrupt(item *queue.Item, cause error) error {
	e.logger.Error("corrupt queue item skipped",
		zap.String("queue_id", item.ID),
		zap.String("entity_type", item.EntityType),
		zap.String("action", item.Action),
		zap.Error(cause),
	)
	if err := e.queue.MarkFailed(item.ID, "corrupt payload: "+cause.Error()); err != nil {
		e.logger.Error("failed to flag corrupt item", zap.String("queue_id", item.ID), zap.Error(err))
	}
	return nil
}

func isRetryable(err error) bool {
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	// Unknown failures are treated as transient.
	return true
}

func (e *Engine) setState(s State, lastErr string) {
	e.mu.Lock()
	e.state = s
	e.lastErr = lastErr
	listeners := make([]func(Snapshot), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	if len(listeners) == 0 {
		return
	}
	snap := e.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}
}
