package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/domain/audit"
	"github.com/medtrack/stockledger/internal/domain/usage"
)

// Service implements the commit ledger and rollback engine. Commit and
// rollback each run as a single all-or-nothing transaction spanning the
// ledger write, usage-record deletion, stock adjustment, audit entries and
// outbox writes.
type Service struct {
	commits   CommitStore
	stock     StockStore
	usage     usage.UsageStore
	agg       *usage.Aggregator
	audit     audit.Recorder
	tx        usage.TxRunner
	publisher MovementPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService wires the ledger service. publisher may be nil when no
// downstream stream is configured.
func NewService(commits CommitStore, stock StockStore, usageStore usage.UsageStore, agg *usage.Aggregator, auditor audit.Recorder, tx usage.TxRunner, publisher MovementPublisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		commits:   commits,
		stock:     stock,
		usage:     usageStore,
		agg:       agg,
		audit:     auditor,
		tx:        tx,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("commit-ledger"),
		now:       time.Now,
	}
}

// Commit snapshots the current uncommitted usage of a record into an
// immutable commit and deducts physical stock for the caller's unit scope.
// Because aggregation only sees events after the last non-rolled-back commit,
// a repeated call with no intervening events fails with ErrNoItemsToCommit
// and can never deduct twice.
func (s *Service) Commit(ctx context.Context, recordID, userID, signature, unitScope string) (*CommitRecord, error) {
	ctx, span := s.tracer.Start(ctx, "commit_usage",
		trace.WithAttributes(
			attribute.String("record_id", recordID),
			attribute.String("unit_id", unitScope),
		))
	defer span.End()

	switch {
	case recordID == "":
		return nil, fmt.Errorf("%w: record id required", ErrValidation)
	case userID == "":
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	case strings.TrimSpace(unitScope) == "":
		return nil, fmt.Errorf("%w: unit scope required", ErrValidation)
	}

	// Fresh aggregator pass; usage is computed record-wide.
	records, err := s.agg.Recalculate(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("recalculate usage: %w", err)
	}

	itemIDs := make([]string, 0, len(records))
	for _, rec := range records {
		itemIDs = append(itemIDs, rec.ItemID)
	}
	items, err := s.stock.GetItems(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("load stock items: %w", err)
	}

	// A module commits only the stock it owns.
	commit := CommitRecord{
		ID:          uuid.New().String(),
		RecordID:    recordID,
		UnitID:      unitScope,
		CommittedBy: userID,
		Signature:   strings.TrimSpace(signature),
		CommittedAt: s.now().UTC(),
	}
	for _, rec := range records {
		item, ok := items[rec.ItemID]
		if !ok || item.HomeUnit != unitScope {
			continue
		}
		qty := math.Round(rec.Effective().Value)
		if qty <= 0 {
			continue
		}
		commit.Items = append(commit.Items, CommitItem{
			ItemID:       item.ID,
			ItemName:     item.Name,
			Quantity:     qty,
			IsControlled: item.Controlled,
		})
	}

	if len(commit.Items) == 0 {
		return nil, ErrNoItemsToCommit
	}
	if commit.HasControlled() && commit.Signature == "" {
		return nil, ErrSignatureRequired
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.commits.Create(ctx, commit); err != nil {
			return fmt.Errorf("create commit: %w", err)
		}

		// Reset the baseline: the next aggregation counts only new events.
		committedIDs := make([]string, 0, len(commit.Items))
		for _, it := range commit.Items {
			committedIDs = append(committedIDs, it.ItemID)
		}
		if err := s.usage.DeleteByRecordItems(ctx, recordID, committedIDs); err != nil {
			return fmt.Errorf("delete usage records: %w", err)
		}

		if err := s.appendAudit(ctx, audit.RecordTypeCommit, commit.ID, audit.ActionCommitted, userID, nil, commit, ""); err != nil {
			return err
		}

		for _, it := range commit.Items {
			if err := s.applyMovement(ctx, commit, it, items[it.ItemID], -it.Quantity, userID, audit.ActionControlledDeduct, commit.Signature); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("usage committed",
		zap.String("commit_id", commit.ID),
		zap.String("record_id", recordID),
		zap.String("unit_id", unitScope),
		zap.Int("items", len(commit.Items)),
		zap.Bool("controlled", commit.HasControlled()))
	return &commit, nil
}

// ListCommits returns the commit history for a record, optionally filtered to
// one unit scope.
func (s *Service) ListCommits(ctx context.Context, recordID, unitScope string) ([]CommitRecord, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record id required", ErrValidation)
	}
	return s.commits.ListByRecord(ctx, recordID, unitScope)
}

// Rollback reverses a commit: restores stock for every tracked snapshot item,
// appends compensating audit entries for controlled items, and re-runs the
// aggregator so the reversed event window becomes visible again.
func (s *Service) Rollback(ctx context.Context, commitID, userID, reason string) (*CommitRecord, error) {
	ctx, span := s.tracer.Start(ctx, "rollback_commit",
		trace.WithAttributes(attribute.String("commit_id", commitID)))
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: rollback reason required", ErrValidation)
	}

	commit, err := s.commits.GetByID(ctx, commitID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, commitID)
	}
	if commit.RolledBack() {
		return nil, ErrAlreadyRolledBack
	}

	itemIDs := make([]string, 0, len(commit.Items))
	for _, it := range commit.Items {
		itemIDs = append(itemIDs, it.ItemID)
	}
	items, err := s.stock.GetItems(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("load stock items: %w", err)
	}

	at := s.now().UTC()
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.commits.MarkRolledBack(ctx, commit.ID, at, userID, reason); err != nil {
			return fmt.Errorf("mark rolled back: %w", err)
		}

		if err := s.appendAudit(ctx, audit.RecordTypeCommit, commit.ID, audit.ActionRolledBack, userID, commit, nil, reason); err != nil {
			return err
		}

		for _, it := range commit.Items {
			if err := s.applyMovement(ctx, commit, it, items[it.ItemID], it.Quantity, userID, audit.ActionControlledRestore, reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	commit.RolledBackAt = &at
	commit.RolledBackBy = userID
	commit.RollbackReason = reason

	// The reversed commit no longer bounds the window; recompute so its
	// usage reappears. Reads would converge anyway, so failures only warn.
	if _, err := s.agg.Recalculate(ctx, commit.RecordID); err != nil {
		s.logger.Warn("post-rollback recalculation failed",
			zap.String("record_id", commit.RecordID), zap.Error(err))
	}

	s.logger.Info("commit rolled back",
		zap.String("commit_id", commit.ID),
		zap.String("record_id", commit.RecordID),
		zap.String("user_id", userID))
	return &commit, nil
}

// applyMovement adjusts tracked stock by delta and emits the audit and
// outbox records that go with it. Snapshot quantities stay verbatim; the
// live item decides whether stock is tracked at unit granularity.
func (s *Service) applyMovement(ctx context.Context, commit CommitRecord, it CommitItem, live StockItem, delta float64, userID, controlledAction, reason string) error {
	if live.TrackStock {
		if err := s.stock.AdjustOnHand(ctx, it.ItemID, delta); err != nil {
			return fmt.Errorf("adjust stock for %s: %w", it.ItemID, err)
		}
	}

	if it.IsControlled {
		entry := audit.Entry{
			RecordType: audit.RecordTypeStockItem,
			RecordID:   it.ItemID,
			Action:     controlledAction,
			UserID:     userID,
			NewValue:   fmt.Sprintf(`{"commit_id":%q,"delta":%g}`, commit.ID, delta),
			Reason:     reason,
			Timestamp:  s.now().UTC(),
		}
		if err := s.audit.Append(ctx, entry); err != nil {
			return fmt.Errorf("append controlled audit entry: %w", err)
		}
	}

	if s.publisher != nil {
		m := StockMovement{
			CommitID:   commit.ID,
			RecordID:   commit.RecordID,
			UnitID:     commit.UnitID,
			ItemID:     it.ItemID,
			Delta:      delta,
			Controlled: it.IsControlled,
			UserID:     userID,
			OccurredAt: s.now().UTC(),
		}
		if err := s.publisher.PublishStockMovement(ctx, m); err != nil {
			return fmt.Errorf("publish stock movement: %w", err)
		}
	}
	return nil
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
