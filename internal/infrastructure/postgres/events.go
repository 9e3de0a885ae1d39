package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/stockledger/internal/domain/usage"
)

// EventStore persists the administration event timeline.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a timeline store over the pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id, record_id, item_id, event_type, occurred_at, ended_at, dose, rate, session_id`

func scanEvent(row pgx.Row) (usage.AdministrationEvent, error) {
	var (
		e       usage.AdministrationEvent
		endedAt *time.Time
		dose    *string
		rate    *string
		session *string
	)
	err := row.Scan(&e.ID, &e.RecordID, &e.ItemID, &e.Type, &e.Timestamp, &endedAt, &dose, &rate, &session)
	if err != nil {
		return usage.AdministrationEvent{}, err
	}
	e.EndTimestamp = endedAt
	if dose != nil {
		e.Dose = *dose
	}
	if rate != nil {
		e.Rate = *rate
	}
	if session != nil {
		e.SessionID = *session
	}
	return e, nil
}

func (s *EventStore) ListByRecord(ctx context.Context, recordID string) ([]usage.AdministrationEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM administration_events
		WHERE record_id = $1
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := db(ctx, s.pool).Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []usage.AdministrationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *EventStore) GetByID(ctx context.Context, recordID, eventID string) (usage.AdministrationEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM administration_events
		WHERE record_id = $1 AND id = $2
	`

	e, err := scanEvent(db(ctx, s.pool).QueryRow(ctx, query, recordID, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.AdministrationEvent{}, usage.ErrNotFound
	}
	if err != nil {
		return usage.AdministrationEvent{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (s *EventStore) Create(ctx context.Context, e usage.AdministrationEvent) error {
	query := `
		INSERT INTO administration_events (id, record_id, item_id, event_type, occurred_at, ended_at, dose, rate, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
	`

	_, err := db(ctx, s.pool).Exec(ctx, query,
		e.ID, e.RecordID, e.ItemID, e.Type, e.Timestamp, e.EndTimestamp, e.Dose, e.Rate, e.SessionID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *EventStore) Update(ctx context.Context, e usage.AdministrationEvent) error {
	query := `
		UPDATE administration_events
		SET item_id = $3, event_type = $4, occurred_at = $5, ended_at = $6,
		    dose = NULLIF($7, ''), rate = NULLIF($8, ''), session_id = NULLIF($9, ''),
		    updated_at = NOW()
		WHERE record_id = $1 AND id = $2
	`

	tag, err := db(ctx, s.pool).Exec(ctx, query,
		e.RecordID, e.ID, e.ItemID, e.Type, e.Timestamp, e.EndTimestamp, e.Dose, e.Rate, e.SessionID)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usage.ErrNotFound
	}
	return nil
}

func (s *EventStore) Delete(ctx context.Context, recordID, eventID string) error {
	tag, err := db(ctx, s.pool).Exec(ctx,
		`DELETE FROM administration_events WHERE record_id = $1 AND id = $2`, recordID, eventID)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usage.ErrNotFound
	}
	return nil
}

// RecordsWithOpenSessions finds records holding an infusion start with neither
// a stop event nor an embedded end timestamp in its session.
func (s *EventStore) RecordsWithOpenSessions(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT record_id FROM (
			SELECT record_id
			FROM administration_events
			GROUP BY record_id, item_id, COALESCE(session_id, '')
			HAVING COUNT(*) FILTER (WHERE event_type = 'infusion_start' AND ended_at IS NULL)
			     > COUNT(*) FILTER (WHERE event_type = 'infusion_stop')
		) open_sessions
	`

	rows, err := db(ctx, s.pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	defer rows.Close()

	var recordIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		recordIDs = append(recordIDs, id)
	}
	return recordIDs, rows.Err()
}
