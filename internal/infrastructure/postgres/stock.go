package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/stockledger/internal/domain/ledger"
	"github.com/medtrack/stockledger/internal/domain/usage"
)

// StockStore reads the item catalog with its medication profiles and applies
// on-hand adjustments.
type StockStore struct {
	pool *pgxpool.Pool
}

// NewStockStore creates a catalog store over the pool.
func NewStockStore(pool *pgxpool.Pool) *StockStore {
	return &StockStore{pool: pool}
}

func (s *StockStore) GetItems(ctx context.Context, itemIDs []string) (map[string]ledger.StockItem, error) {
	if len(itemIDs) == 0 {
		return map[string]ledger.StockItem{}, nil
	}

	query := `
		SELECT id, name, home_unit, controlled, track_stock, on_hand
		FROM stock_items
		WHERE id = ANY($1)
	`

	rows, err := db(ctx, s.pool).Query(ctx, query, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("get stock items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]ledger.StockItem, len(itemIDs))
	for rows.Next() {
		var it ledger.StockItem
		if err := rows.Scan(&it.ID, &it.Name, &it.HomeUnit, &it.Controlled, &it.TrackStock, &it.OnHand); err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		items[it.ID] = it
	}
	return items, rows.Err()
}

// AdjustOnHand applies the delta atomically, flooring on-hand at zero.
func (s *StockStore) AdjustOnHand(ctx context.Context, itemID string, delta float64) error {
	query := `
		UPDATE stock_items
		SET on_hand = GREATEST(on_hand + $2, 0), updated_at = NOW()
		WHERE id = $1
	`

	tag, err := db(ctx, s.pool).Exec(ctx, query, itemID, delta)
	if err != nil {
		return fmt.Errorf("adjust on-hand: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// GetByItems loads medication profiles for the given items. Items without a
// profile are simply absent from the result.
func (s *StockStore) GetByItems(ctx context.Context, itemIDs []string) (map[string]usage.MedicationProfile, error) {
	if len(itemIDs) == 0 {
		return map[string]usage.MedicationProfile{}, nil
	}

	query := `
		SELECT item_id, COALESCE(rate_unit, ''), ampule_content, COALESCE(administration_unit, '')
		FROM medication_profiles
		WHERE item_id = ANY($1)
	`

	rows, err := db(ctx, s.pool).Query(ctx, query, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("get medication profiles: %w", err)
	}
	defer rows.Close()

	profiles := make(map[string]usage.MedicationProfile, len(itemIDs))
	for rows.Next() {
		var p usage.MedicationProfile
		if err := rows.Scan(&p.ItemID, &p.RateUnit, &p.AmpuleContent, &p.AdministrationUnit); err != nil {
			return nil, fmt.Errorf("scan medication profile: %w", err)
		}
		profiles[p.ItemID] = p
	}
	return profiles, rows.Err()
}
