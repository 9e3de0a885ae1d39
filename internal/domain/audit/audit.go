// Package audit provides the append-only compliance log written alongside
// every mutation of clinical sub-records. Entries are never updated or
// deleted; they exist solely for compliance reconstruction.
package audit

import (
	"context"
	"time"
)

// Common record types and actions used across the service.
const (
	RecordTypeAdministrationEvent = "administration_event"
	RecordTypeUsageRecord         = "usage_record"
	RecordTypeCommit              = "usage_commit"
	RecordTypeStockItem           = "stock_item"

	ActionCreated           = "created"
	ActionUpdated           = "updated"
	ActionDeleted           = "deleted"
	ActionOverrideSet       = "override_set"
	ActionOverrideCleared   = "override_cleared"
	ActionCommitted         = "committed"
	ActionRolledBack        = "rolled_back"
	ActionControlledDeduct  = "controlled_deducted"
	ActionControlledRestore = "controlled_restored"
)

// Entry is one append-only audit record.
type Entry struct {
	RecordType string    `json:"record_type"`
	RecordID   string    `json:"record_id"`
	Action     string    `json:"action"`
	UserID     string    `json:"user_id"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder appends entries to the audit trail. Implementations must only
// ever insert.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
}
