package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/medtrack/stockledger/internal/domain/ledger"
)

// CommitStore is an in-memory commit ledger.
type CommitStore struct {
	mu   sync.RWMutex
	byID map[string]ledger.CommitRecord
}

// NewCommitStore creates an empty commit store.
func NewCommitStore() *CommitStore {
	return &CommitStore{byID: make(map[string]ledger.CommitRecord)}
}

func (s *CommitStore) Create(ctx context.Context, c ledger.CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		return errors.New("memory: commit id required")
	}
	if _, exists := s.byID[c.ID]; exists {
		return errors.New("memory: commit already exists")
	}
	s.byID[c.ID] = c
	return nil
}

func (s *CommitStore) GetByID(ctx context.Context, id string) (ledger.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return ledger.CommitRecord{}, ErrNotFound
	}
	return c, nil
}

func (s *CommitStore) ListByRecord(ctx context.Context, recordID, unitID string) ([]ledger.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.CommitRecord, 0)
	for _, c := range s.byID {
		if c.RecordID != recordID {
			continue
		}
		if unitID != "" && c.UnitID != unitID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.After(out[j].CommittedAt) })
	return out, nil
}

func (s *CommitStore) MarkRolledBack(ctx context.Context, id string, at time.Time, by, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if c.RolledBackAt != nil {
		return errors.New("memory: commit already rolled back")
	}
	c.RolledBackAt = &at
	c.RolledBackBy = by
	c.RollbackReason = reason
	s.byID[id] = c
	return nil
}

func (s *CommitStore) LastCommitTimes(ctx context.Context, recordID string) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time)
	for _, c := range s.byID {
		if c.RecordID != recordID || c.RolledBack() {
			continue
		}
		for _, it := range c.Items {
			if c.CommittedAt.After(out[it.ItemID]) {
				out[it.ItemID] = c.CommittedAt
			}
		}
	}
	return out, nil
}
