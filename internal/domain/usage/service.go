package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/domain/audit"
)

// Service exposes the usage operations: recalculation, reads, manual
// overrides, and audited documentation of administration events.
type Service struct {
	agg    *Aggregator
	usage  UsageStore
	events EventStore
	audit  audit.Recorder
	tx     TxRunner
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the usage service.
func NewService(agg *Aggregator, usage UsageStore, events EventStore, auditor audit.Recorder, tx TxRunner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		agg:    agg,
		usage:  usage,
		events: events,
		audit:  auditor,
		tx:     tx,
		logger: logger,
		now:    time.Now,
	}
}

// Recalculate re-derives usage for a record.
func (s *Service) Recalculate(ctx context.Context, recordID string) ([]UsageRecord, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record id required", ErrValidation)
	}
	return s.agg.Recalculate(ctx, recordID)
}

// GetUsage returns current usage. Reads trigger a recalculation so that open
// infusions keep accruing between sweeps.
func (s *Service) GetUsage(ctx context.Context, recordID string) ([]UsageRecord, error) {
	return s.Recalculate(ctx, recordID)
}

// SetOverride applies a manual quantity correction for one item, creating the
// usage record if the aggregator has not produced one yet.
func (s *Service) SetOverride(ctx context.Context, recordID, itemID string, qty float64, reason, userID string) (UsageRecord, error) {
	switch {
	case recordID == "" || itemID == "":
		return UsageRecord{}, fmt.Errorf("%w: record and item ids required", ErrValidation)
	case qty < 0:
		return UsageRecord{}, fmt.Errorf("%w: override quantity must be >= 0", ErrValidation)
	case strings.TrimSpace(reason) == "":
		return UsageRecord{}, fmt.Errorf("%w: override reason required", ErrValidation)
	}

	var out UsageRecord
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		rec, err := s.usage.GetByRecordItem(ctx, recordID, itemID)
		if err != nil {
			rec = UsageRecord{ID: uuid.New().String(), RecordID: recordID, ItemID: itemID}
		}
		old := rec

		at := s.now().UTC()
		rec.OverrideQty = &qty
		rec.OverrideReason = strings.TrimSpace(reason)
		rec.OverriddenBy = userID
		rec.OverriddenAt = &at

		if err := s.usage.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("upsert usage record: %w", err)
		}
		if err := s.appendAudit(ctx, audit.RecordTypeUsageRecord, rec.ID, audit.ActionOverrideSet, userID, old, rec, rec.OverrideReason); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return UsageRecord{}, err
	}

	s.logger.Info("usage override set",
		zap.String("record_id", recordID),
		zap.String("item_id", itemID),
		zap.Float64("quantity", qty),
		zap.String("user_id", userID))
	return out, nil
}

// ClearOverride removes a manual correction; the aggregator regains
// authority on the next run.
func (s *Service) ClearOverride(ctx context.Context, usageID, userID string) (UsageRecord, error) {
	var out UsageRecord
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		rec, err := s.usage.GetByID(ctx, usageID)
		if err != nil {
			return fmt.Errorf("%w: usage record %s", ErrNotFound, usageID)
		}
		old := rec

		rec.OverrideQty = nil
		rec.OverrideReason = ""
		rec.OverriddenBy = ""
		rec.OverriddenAt = nil

		if err := s.usage.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("upsert usage record: %w", err)
		}
		if err := s.appendAudit(ctx, audit.RecordTypeUsageRecord, rec.ID, audit.ActionOverrideCleared, userID, old, rec, ""); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return UsageRecord{}, err
	}
	return out, nil
}

// DocumentEvent appends an administration event to the record's timeline.
func (s *Service) DocumentEvent(ctx context.Context, e AdministrationEvent, userID string) (AdministrationEvent, error) {
	if e.RecordID == "" || e.ItemID == "" || e.Type == "" {
		return AdministrationEvent{}, fmt.Errorf("%w: record id, item id and type required", ErrValidation)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.events.Create(ctx, e); err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		return s.appendAudit(ctx, audit.RecordTypeAdministrationEvent, e.ID, audit.ActionCreated, userID, nil, e, "")
	})
	if err != nil {
		return AdministrationEvent{}, err
	}
	return e, nil
}

// AmendEvent edits an existing timeline event. Every edit is audited with the
// prior value.
func (s *Service) AmendEvent(ctx context.Context, e AdministrationEvent, userID, reason string) (AdministrationEvent, error) {
	if e.ID == "" || e.RecordID == "" {
		return AdministrationEvent{}, fmt.Errorf("%w: event and record ids required", ErrValidation)
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		old, err := s.events.GetByID(ctx, e.RecordID, e.ID)
		if err != nil {
			return fmt.Errorf("%w: event %s", ErrNotFound, e.ID)
		}
		if err := s.events.Update(ctx, e); err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		return s.appendAudit(ctx, audit.RecordTypeAdministrationEvent, e.ID, audit.ActionUpdated, userID, old, e, reason)
	})
	if err != nil {
		return AdministrationEvent{}, err
	}
	return e, nil
}

// RemoveEvent deletes a timeline event, auditing the removed value.
func (s *Service) RemoveEvent(ctx context.Context, recordID, eventID, userID, reason string) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		old, err := s.events.GetByID(ctx, recordID, eventID)
		if err != nil {
			return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		if err := s.events.Delete(ctx, recordID, eventID); err != nil {
			return fmt.Errorf("delete event: %w", err)
		}
		return s.appendAudit(ctx, audit.RecordTypeAdministrationEvent, eventID, audit.ActionDeleted, userID, old, nil, reason)
	})
}

func (s *Service) appendAudit(ctx context.Context, recordType, recordID, action, userID string, oldValue, newValue interface{}, reason string) error {
	entry := audit.Entry{
		RecordType: recordType,
		RecordID:   recordID,
		Action:     action,
		UserID:     userID,
		Reason:     reason,
		Timestamp:  s.now().UTC(),
	}
	if oldValue != nil {
		b, _ := json.Marshal(oldValue)
		entry.OldValue = string(b)
	}
	if newValue != nil {
		b, _ := json.Marshal(newValue)
		entry.NewValue = string(b)
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
