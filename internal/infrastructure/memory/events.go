package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/medtrack/stockledger/internal/domain/usage"
)

// EventStore is an in-memory administration event timeline.
type EventStore struct {
	mu   sync.RWMutex
	byID map[string]usage.AdministrationEvent
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{byID: make(map[string]usage.AdministrationEvent)}
}

func (s *EventStore) ListByRecord(ctx context.Context, recordID string) ([]usage.AdministrationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]usage.AdministrationEvent, 0)
	for _, e := range s.byID {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *EventStore) GetByID(ctx context.Context, recordID, eventID string) (usage.AdministrationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[eventID]
	if !ok || e.RecordID != recordID {
		return usage.AdministrationEvent{}, ErrNotFound
	}
	return e, nil
}

func (s *EventStore) Create(ctx context.Context, e usage.AdministrationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		return errors.New("memory: event id required")
	}
	if _, exists := s.byID[e.ID]; exists {
		return errors.New("memory: event already exists")
	}
	s.byID[e.ID] = e
	return nil
}

func (s *EventStore) Update(ctx context.Context, e usage.AdministrationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.ID]; !ok {
		return ErrNotFound
	}
	s.byID[e.ID] = e
	return nil
}

func (s *EventStore) Delete(ctx context.Context, recordID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok || e.RecordID != recordID {
		return ErrNotFound
	}
	delete(s.byID, eventID)
	return nil
}

// RecordsWithOpenSessions lists records that have an infusion start without a
// matching stop in the same session (or positionally) and no embedded end.
func (s *EventStore) RecordsWithOpenSessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ record, item, session string }
	starts := make(map[key]int)
	stops := make(map[key]int)
	ends := make(map[key]int)

	for _, e := range s.byID {
		k := key{e.RecordID, e.ItemID, e.SessionID}
		switch e.Type {
		case usage.EventInfusionStart:
			starts[k]++
			if e.EndTimestamp != nil {
				ends[k]++
			}
		case usage.EventInfusionStop:
			stops[k]++
		}
	}

	open := make(map[string]struct{})
	for k, n := range starts {
		if n > stops[k]+ends[k] {
			open[k.record] = struct{}{}
		}
	}

	out := make([]string, 0, len(open))
	for r := range open {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}
