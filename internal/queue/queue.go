package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stoktracker/internal/pos"
)

// Item statuses. A pending item is waiting for the next sync pass; an
// in-progress item has been claimed by the engine for the current pass;
// a failed item was rejected by the server and waits for the user.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusFailed     = "failed"
)

// ErrItemNotFound is returned when a queue item with the given id is not found.
var ErrItemNotFound = errors.New("queue item not found")

// Item is one pending mutation awaiting replay against the server.
// Seq gives strict enqueue order; ID is the stable handle callers keep
// across retries.
type Item struct {
	Seq        uint64          `gorm:"primarykey;autoIncrement" json:"-"`
	ID         string          `gorm:"uniqueIndex;size:36" json:"id"`
	EntityType string          `gorm:"size:16;not null;index" json:"entityType"`
	Action     string          `gorm:"size:16;not null" json:"action"`
	EntityID   string          `gorm:"size:64;not null;index" json:"entityId"`
	Payload    json.RawMessage `gorm:"type:text" json:"payload,omitempty"`
	Status     string          `gorm:"size:16;not null;default:pending;index" json:"status"`
	RetryCount int             `gorm:"not null;default:0" json:"retryCount"`
	FailReason string          `gorm:"size:500" json:"failReason,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// TableName returns the table name for Item.
func (Item) TableName() string {
	return "sync_queue"
}

// Remapper is the slice of the local store the queue drives when an item
// is confirmed: id rewrites and synced flags. Every method runs on the
// caller's transaction so a confirmation commits or rolls back as one
// unit with the queue row removal.
type Remapper interface {
	RemapProductIDTx(tx *gorm.DB, localID, serverID string) error
	RemapSaleIDTx(tx *gorm.DB, localID, serverID string) error
	MarkProductSyncedTx(tx *gorm.DB, id string) error
	MarkSaleSyncedTx(tx *gorm.DB, id string) error
}

// Queue is the persistent log of pending mutations. It shares the local
// sqlite database, so queued work survives restarts.
type Queue struct {
	db       *gorm.DB
	remapper Remapper
	logger   *zap.Logger

	// Serializes enqueue coalescing, claiming and confirmation so UI
	// writes can interleave safely with a running sync pass.
	mu sync.Mutex
}

// New creates a Queue on the given database and migrates its table.
// Items left in progress by an interrupted session go back to pending.
func New(db *gorm.DB, remapper Remapper, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if err := db.AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sync queue: %w", err)
	}
	if err := db.Model(&Item{}).Where("status = ?", StatusInProgress).
		UpdateColumn("status", StatusPending).Error; err != nil {
		return nil, fmt.Errorf("failed to recover interrupted items: %w", err)
	}
	return &Queue{db: db, remapper: remapper, logger: logger}, nil
}

// Enqueue records a mutation for the given entity, coalescing with any
// pending work for the same entity:
//
//   - update over a pending create folds into the create;
//   - update over a pending update replaces its payload;
//   - delete over a pending create cancels the create outright and
//     returns an empty id (nothing left to sync);
//   - delete over a pending update drops the update, one delete remains.
//
// Coalescing only ever touches pending rows. An item the engine has
// already claimed for the current pass is in progress, and a mutation
// arriving for it appends a fresh item instead, so nothing the engine
// is sending can swallow a newer edit.
func (q *Queue) Enqueue(entityType, action, entityID string, payload any) (string, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		data = b
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch action {
	case pos.ActionUpdate:
		// Fold into a pending create or replace a pending update.
		for _, prior := range []string{pos.ActionCreate, pos.ActionUpdate} {
			existing, err := q.findPending(q.db, entityType, entityID, prior)
			if err != nil {
				return "", err
			}
			if existing != nil {
				existing.Payload = data
				existing.UpdatedAt = time.Now()
				if err := q.db.Save(existing).Error; err != nil {
					return "", fmt.Errorf("failed to coalesce update: %w", err)
				}
				q.logger.Debug("queue update coalesced",
					zap.String("queue_id", existing.ID),
					zap.String("into", prior),
					zap.String("entity_id", entityID),
				)
				return existing.ID, nil
			}
		}

	case pos.ActionDelete:
		pendingCreate, err := q.findPending(q.db, entityType, entityID, pos.ActionCreate)
		if err != nil {
			return "", err
		}
		// A pending update is superseded either way.
		if err := q.db.Where(
			"entity_type = ? AND entity_id = ? AND action = ? AND status = ?",
			entityType, entityID, pos.ActionUpdate, StatusPending,
		).Delete(&Item{}).Error; err != nil {
			return "", fmt.Errorf("failed to drop superseded update: %w", err)
		}
		if pendingCreate != nil {
			// Never reached the server: cancel the create, sync nothing.
			if err := q.db.Delete(pendingCreate).Error; err != nil {
				return "", fmt.Errorf("failed to cancel pending create: %w", err)
			}
			q.logger.Debug("pending create cancelled by delete",
				zap.String("entity_id", entityID))
			return "", nil
		}
	}

	item := &Item{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Action:     action,
		EntityID:   entityID,
		Payload:    data,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := q.db.Create(item).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue item: %w", err)
	}
	return item.ID, nil
}

func (q *Queue) findPending(db *gorm.DB, entityType, entityID, action string) (*Item, error) {
	var item Item
	err := db.Where(
		"entity_type = ? AND entity_id = ? AND action = ? AND status = ?",
		entityType, entityID, action, StatusPending,
	).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending item: %w", err)
	}
	return &item, nil
}

// DequeueBatch claims up to limit pending items in enqueue order and
// marks them in progress. Claimed items leave the queue only through
// MarkSynced or MarkFailed; Release and Requeue put them back.
func (q *Queue) DequeueBatch(limit int) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []*Item
	err := q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", StatusPending).
			Order("seq").Limit(limit).Find(&items).Error; err != nil {
			return fmt.Errorf("failed to dequeue batch: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
			it.Status = StatusInProgress
		}
		if err := tx.Model(&Item{}).Where("id IN ?", ids).
			UpdateColumn("status", StatusInProgress).Error; err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Get returns the current state of a queue item. The engine re-reads
// every claimed item just before sending it, so a payload rewritten by
// an earlier id remap in the same batch is what actually goes out.
func (q *Queue) Get(queueID string) (*Item, error) {
	var item Item
	err := q.db.Where("id = ?", queueID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item: %w", err)
	}
	return &item, nil
}

// MarkSynced confirms an in-progress item: the row is removed and, when
// the server assigned a new id, the local store and every unconfirmed
// payload referencing the old local id are rewritten — all in one
// transaction, so a crash mid-confirmation leaves the item claimed and
// recoverable rather than half-applied. Calling it again for the same
// id is a no-op.
func (q *Queue) MarkSynced(queueID, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Transaction(func(tx *gorm.DB) error {
		var item Item
		err := tx.Where("id = ?", queueID).First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load queue item: %w", err)
		}
		if item.Status != StatusInProgress {
			// Only a claimed item can be confirmed; anything else was
			// re-enqueued or resolved since the caller last saw it.
			q.logger.Warn("ignoring confirmation for unclaimed item",
				zap.String("queue_id", queueID), zap.String("status", item.Status))
			return nil
		}

		if err := tx.Delete(&item).Error; err != nil {
			return fmt.Errorf("failed to remove queue item: %w", err)
		}

		if serverID != "" && serverID != item.EntityID {
			switch item.EntityType {
			case pos.EntityProduct:
				if err := q.remapper.RemapProductIDTx(tx, item.EntityID, serverID); err != nil {
					return err
				}
			case pos.EntitySale:
				if err := q.remapper.RemapSaleIDTx(tx, item.EntityID, serverID); err != nil {
					return err
				}
			}
			return q.remapUnconfirmed(tx, item.EntityType, item.EntityID, serverID)
		}

		// No id change: flag the record synced unless more work is
		// pending for it.
		if item.Action == pos.ActionDelete {
			return nil
		}
		remaining, err := q.findPending(tx, item.EntityType, item.EntityID, pos.ActionUpdate)
		if err != nil {
			return err
		}
		if remaining != nil {
			return nil
		}
		switch item.EntityType {
		case pos.EntityProduct:
			return q.remapper.MarkProductSyncedTx(tx, item.EntityID)
		case pos.EntitySale:
			return q.remapper.MarkSaleSyncedTx(tx, item.EntityID)
		}
		return nil
	})
}

// remapUnconfirmed rewrites the old local id inside every pending and
// in-progress item: the item's own entity id, the id field of its
// payload, and product references embedded in sale payloads.
func (q *Queue) remapUnconfirmed(tx *gorm.DB, entityType, localID, serverID string) error {
	var items []*Item
	if err := tx.Where("status IN ?", []string{StatusPending, StatusInProgress}).
		Find(&items).Error; err != nil {
		return fmt.Errorf("failed to scan unconfirmed items: %w", err)
	}

	for _, it := range items {
		changed := false
		if it.EntityType == entityType && it.EntityID == localID {
			it.EntityID = serverID
			changed = true
		}
		if len(it.Payload) > 0 {
			rewritten, ok, err := rewritePayload(it.EntityType, it.Payload, entityType, localID, serverID)
			if err != nil {
				q.logger.Warn("skipping unreadable payload during remap",
					zap.String("queue_id", it.ID), zap.Error(err))
			} else if ok {
				it.Payload = rewritten
				changed = true
			}
		}
		if changed {
			it.UpdatedAt = time.Now()
			if err := tx.Save(it).Error; err != nil {
				return fmt.Errorf("failed to persist remapped item: %w", err)
			}
		}
	}
	return nil
}

func rewritePayload(payloadType string, payload json.RawMessage, entityType, localID, serverID string) (json.RawMessage, bool, error) {
	switch payloadType {
	case pos.EntityProduct:
		if entityType != pos.EntityProduct {
			return nil, false, nil
		}
		var p pos.Product
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false, err
		}
		if p.ID != localID {
			return nil, false, nil
		}
		p.ID = serverID
		out, err := json.Marshal(&p)
		return out, err == nil, err

	case pos.EntitySale:
		var s pos.Sale
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, false, err
		}
		changed := false
		if entityType == pos.EntitySale && s.ID == localID {
			s.ID = serverID
			changed = true
		}
		if entityType == pos.EntityProduct {
			for i := range s.Items {
				if s.Items[i].ProductID == localID {
					s.Items[i].ProductID = serverID
					changed = true
				}
			}
		}
		if !changed {
			return nil, false, nil
		}
		out, err := json.Marshal(&s)
		return out, err == nil, err
	}
	return nil, false, nil
}

// Requeue puts a claimed item back in the pending queue after a failed
// attempt and bumps its retry counter.
func (q *Queue) Requeue(queueID string) error {
	result := q.db.Model(&Item{}).Where("id = ?", queueID).
		Updates(map[string]any{
			"status":      StatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to requeue item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Release returns a claimed item to the pending queue untouched, for
// batch items the engine never got to send before stopping.
func (q *Queue) Release(queueID string) error {
	result := q.db.Model(&Item{}).Where("id = ? AND status = ?", queueID, StatusInProgress).
		UpdateColumn("status", StatusPending)
	if result.Error != nil {
		return fmt.Errorf("failed to release item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MarkFailed takes an item out of automatic retry after a non-retryable
// server rejection. It stays in the queue, visible to the UI, until the
// user resolves it.
func (q *Queue) MarkFailed(queueID, reason string) error {
	result := q.db.Model(&Item{}).Where("id = ?", queueID).
		Updates(map[string]any{"status": StatusFailed, "fail_reason": reason})
	if result.Error != nil {
		return fmt.Errorf("failed to mark item failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Retry puts a failed item back into the pending queue after the user
// edited or confirmed it.
func (q *Queue) Retry(queueID string) error {
	result := q.db.Model(&Item{}).Where("id = ? AND status = ?", queueID, StatusFailed).
		Updates(map[string]any{"status": StatusPending, "fail_reason": "", "retry_count": 0})
	if result.Error != nil {
		return fmt.Errorf("failed to retry item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// PendingCount returns the number of items awaiting confirmation,
// including those claimed by the pass in flight. Failed items are
// excluded; they need user attention, not a retry.
func (q *Queue) PendingCount() (int64, error) {
	var count int64
	if err := q.db.Model(&Item{}).
		Where("status IN ?", []string{StatusPending, StatusInProgress}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return count, nil
}

// FailedCount returns the number of items needing user attention.
func (q *Queue) FailedCount() (int64, error) {
	var count int64
	if err := q.db.Model(&Item{}).Where("status = ?", StatusFailed).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count failed items: %w", err)
	}
	return count, nil
}

// FailedItems returns the items needing user attention, oldest first.
func (q *Queue) FailedItems() ([]*Item, error) {
	var items []*Item
	if err := q.db.Where("status = ?", StatusFailed).Order("seq").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	return items, nil
}
