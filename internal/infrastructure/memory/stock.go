package memory

import (
	"context"
	"sync"

	"github.com/medtrack/stockledger/internal/domain/ledger"
	"github.com/medtrack/stockledger/internal/domain/usage"
)

// StockStore is an in-memory item/stock catalog. It also serves medication
// profiles and patient weights so dev mode and tests need a single fixture
// source.
type StockStore struct {
	mu       sync.RWMutex
	items    map[string]ledger.StockItem
	profiles map[string]usage.MedicationProfile
	weights  map[string]float64
}

// NewStockStore creates an empty stock store.
func NewStockStore() *StockStore {
	return &StockStore{
		items:    make(map[string]ledger.StockItem),
		profiles: make(map[string]usage.MedicationProfile),
		weights:  make(map[string]float64),
	}
}

// PutItem seeds or replaces a stock item.
func (s *StockStore) PutItem(item ledger.StockItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
}

// PutProfile seeds or replaces a medication profile.
func (s *StockStore) PutProfile(p usage.MedicationProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ItemID] = p
}

// PutWeight seeds the patient weight for a record.
func (s *StockStore) PutWeight(recordID string, kg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[recordID] = kg
}

func (s *StockStore) GetItems(ctx context.Context, itemIDs []string) (map[string]ledger.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ledger.StockItem, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := s.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

// AdjustOnHand applies the delta, flooring the on-hand quantity at zero.
func (s *StockStore) AdjustOnHand(ctx context.Context, itemID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return ErrNotFound
	}
	item.OnHand += delta
	if item.OnHand < 0 {
		item.OnHand = 0
	}
	s.items[itemID] = item
	return nil
}

// OnHand reads the current stock level (test helper).
func (s *StockStore) OnHand(itemID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[itemID].OnHand
}

func (s *StockStore) GetByItems(ctx context.Context, itemIDs []string) (map[string]usage.MedicationProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]usage.MedicationProfile, len(itemIDs))
	for _, id := range itemIDs {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *StockStore) Weight(ctx context.Context, recordID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights[recordID], nil
}
