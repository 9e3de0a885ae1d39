package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/medtrack/stockledger/internal/domain/usage"
)

// UsageStore is an in-memory usage record store, unique on (record, item).
type UsageStore struct {
	mu   sync.RWMutex
	byID map[string]usage.UsageRecord
}

// NewUsageStore creates an empty usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{byID: make(map[string]usage.UsageRecord)}
}

func (s *UsageStore) ListByRecord(ctx context.Context, recordID string) ([]usage.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]usage.UsageRecord, 0)
	for _, rec := range s.byID {
		if rec.RecordID == recordID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *UsageStore) GetByID(ctx context.Context, id string) (usage.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return usage.UsageRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *UsageStore) GetByRecordItem(ctx context.Context, recordID, itemID string) (usage.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.byID {
		if rec.RecordID == recordID && rec.ItemID == itemID {
			return rec, nil
		}
	}
	return usage.UsageRecord{}, ErrNotFound
}

func (s *UsageStore) Upsert(ctx context.Context, rec usage.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return errors.New("memory: usage record id required")
	}
	for id, existing := range s.byID {
		if id != rec.ID && existing.RecordID == rec.RecordID && existing.ItemID == rec.ItemID {
			return errors.New("memory: duplicate usage record for record/item")
		}
	}
	s.byID[rec.ID] = rec
	return nil
}

func (s *UsageStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

func (s *UsageStore) DeleteByRecordItems(ctx context.Context, recordID string, itemIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		wanted[id] = struct{}{}
	}
	for id, rec := range s.byID {
		if rec.RecordID != recordID {
			continue
		}
		if _, ok := wanted[rec.ItemID]; ok {
			delete(s.byID, id)
		}
	}
	return nil
}
