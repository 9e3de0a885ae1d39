package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/stockledger/internal/domain/usage"
)

// UsageRecordStore persists derived usage records, unique per (record, item).
type UsageRecordStore struct {
	pool *pgxpool.Pool
}

// NewUsageRecordStore creates a usage record store over the pool.
func NewUsageRecordStore(pool *pgxpool.Pool) *UsageRecordStore {
	return &UsageRecordStore{pool: pool}
}

const usageColumns = `id, record_id, item_id, calculated_qty, override_qty, override_reason, overridden_by, overridden_at`

func scanUsage(row pgx.Row) (usage.UsageRecord, error) {
	var (
		rec    usage.UsageRecord
		reason *string
		by     *string
	)
	err := row.Scan(&rec.ID, &rec.RecordID, &rec.ItemID, &rec.CalculatedQty,
		&rec.OverrideQty, &reason, &by, &rec.OverriddenAt)
	if err != nil {
		return usage.UsageRecord{}, err
	}
	if reason != nil {
		rec.OverrideReason = *reason
	}
	if by != nil {
		rec.OverriddenBy = *by
	}
	return rec, nil
}

func (s *UsageRecordStore) ListByRecord(ctx context.Context, recordID string) ([]usage.UsageRecord, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE record_id = $1
		ORDER BY item_id ASC
	`

	rows, err := db(ctx, s.pool).Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var records []usage.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *UsageRecordStore) GetByID(ctx context.Context, id string) (usage.UsageRecord, error) {
	rec, err := scanUsage(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.UsageRecord{}, usage.ErrNotFound
	}
	if err != nil {
		return usage.UsageRecord{}, fmt.Errorf("get usage record: %w", err)
	}
	return rec, nil
}

func (s *UsageRecordStore) GetByRecordItem(ctx context.Context, recordID, itemID string) (usage.UsageRecord, error) {
	rec, err := scanUsage(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE record_id = $1 AND item_id = $2`,
		recordID, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.UsageRecord{}, usage.ErrNotFound
	}
	if err != nil {
		return usage.UsageRecord{}, fmt.Errorf("get usage record: %w", err)
	}
	return rec, nil
}

// Upsert inserts or refreshes the record keyed on (record_id, item_id).
func (s *UsageRecordStore) Upsert(ctx context.Context, rec usage.UsageRecord) error {
	query := `
		INSERT INTO usage_records (id, record_id, item_id, calculated_qty, override_qty, override_reason, overridden_by, overridden_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		ON CONFLICT (record_id, item_id) DO UPDATE
		SET calculated_qty = EXCLUDED.calculated_qty,
		    override_qty = EXCLUDED.override_qty,
		    override_reason = EXCLUDED.override_reason,
		    overridden_by = EXCLUDED.overridden_by,
		    overridden_at = EXCLUDED.overridden_at,
		    updated_at = NOW()
	`

	_, err := db(ctx, s.pool).Exec(ctx, query,
		rec.ID, rec.RecordID, rec.ItemID, rec.CalculatedQty,
		rec.OverrideQty, rec.OverrideReason, rec.OverriddenBy, rec.OverriddenAt)
	if err != nil {
		return fmt.Errorf("upsert usage record: %w", err)
	}
	return nil
}

func (s *UsageRecordStore) Delete(ctx context.Context, id string) error {
	tag, err := db(ctx, s.pool).Exec(ctx, `DELETE FROM usage_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete usage record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usage.ErrNotFound
	}
	return nil
}

func (s *UsageRecordStore) DeleteByRecordItems(ctx context.Context, recordID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := db(ctx, s.pool).Exec(ctx,
		`DELETE FROM usage_records WHERE record_id = $1 AND item_id = ANY($2)`, recordID, itemIDs)
	if err != nil {
		return fmt.Errorf("delete usage records: %w", err)
	}
	return nil
}
