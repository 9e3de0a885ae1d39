// Package ledger implements the append-only commit/rollback ledger that
// reconciles derived usage against physical stock.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy for commit and rollback. Callers must treat any failed
// operation as not applied.
var (
	ErrValidation        = errors.New("validation failed")
	ErrAccessDenied      = errors.New("unit scope mismatch")
	ErrNoItemsToCommit   = errors.New("no items to commit")
	ErrSignatureRequired = errors.New("signature required for controlled items")
	ErrNotFound          = errors.New("commit not found")
	ErrAlreadyRolledBack = errors.New("commit already rolled back")
)

// CommitItem is one line of a commit's denormalized snapshot. Name and
// controlled flag are captured at commit time and never re-joined to live
// item state, so historical commits stay accurate through catalog edits.
type CommitItem struct {
	ItemID       string  `json:"item_id"`
	ItemName     string  `json:"item_name"`
	Quantity     float64 `json:"quantity"`
	IsControlled bool    `json:"is_controlled"`
}

// CommitRecord is an immutable, unit-scoped snapshot of committed usage.
// Created once; the only post-creation mutation is setting the rollback
// fields (soft invalidation, never deletion).
type CommitRecord struct {
	ID             string       `json:"id"`
	RecordID       string       `json:"record_id"`
	UnitID         string       `json:"unit_id"`
	CommittedBy    string       `json:"committed_by"`
	Signature      string       `json:"signature,omitempty"`
	Items          []CommitItem `json:"items"`
	CommittedAt    time.Time    `json:"committed_at"`
	RolledBackAt   *time.Time   `json:"rolled_back_at,omitempty"`
	RolledBackBy   string       `json:"rolled_back_by,omitempty"`
	RollbackReason string       `json:"rollback_reason,omitempty"`
}

// RolledBack reports whether the commit has been reversed.
func (c CommitRecord) RolledBack() bool { return c.RolledBackAt != nil }

// HasControlled reports whether any snapshot item is a controlled substance.
func (c CommitRecord) HasControlled() bool {
	for _, it := range c.Items {
		if it.IsControlled {
			return true
		}
	}
	return false
}

// StockItem is the collaborator surface of the item/stock store.
type StockItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	HomeUnit   string  `json:"home_unit"`
	Controlled bool    `json:"controlled"`
	TrackStock bool    `json:"track_stock"`
	OnHand     float64 `json:"on_hand"`
}

// CommitStore persists commit records.
type CommitStore interface {
	Create(ctx context.Context, c CommitRecord) error
	GetByID(ctx context.Context, id string) (CommitRecord, error)
	// ListByRecord returns commits for a record, newest first. An empty
	// unitID returns all unit scopes.
	ListByRecord(ctx context.Context, recordID, unitID string) ([]CommitRecord, error)
	MarkRolledBack(ctx context.Context, id string, at time.Time, by, reason string) error
	// LastCommitTimes satisfies usage.CommitWindowSource: per item, the
	// committed-at of the latest non-rolled-back commit including it.
	LastCommitTimes(ctx context.Context, recordID string) (map[string]time.Time, error)
}

// StockStore is the item/stock collaborator. AdjustOnHand must apply the
// delta atomically and floor the on-hand quantity at zero.
type StockStore interface {
	GetItems(ctx context.Context, itemIDs []string) (map[string]StockItem, error)
	AdjustOnHand(ctx context.Context, itemID string, delta float64) error
}

// StockMovement is the integration event emitted for every stock adjustment
// made by a commit or rollback.
type StockMovement struct {
	CommitID   string    `json:"commit_id"`
	RecordID   string    `json:"record_id"`
	UnitID     string    `json:"unit_id"`
	ItemID     string    `json:"item_id"`
	Delta      float64   `json:"delta"`
	Controlled bool      `json:"controlled"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MovementPublisher records stock movements for downstream consumers.
// Implementations write within the surrounding transaction (outbox pattern).
type MovementPublisher interface {
	PublishStockMovement(ctx context.Context, m StockMovement) error
}
