package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/stockledger/internal/domain/audit"
)

// AuditTrail is the insert-only persistence of the compliance log. There is
// deliberately no update or delete path here. Each appended entry is also
// written to the outbox for the audit stream, in the same transaction when
// one is ambient, so the table and the topic cannot diverge.
type AuditTrail struct {
	pool  *pgxpool.Pool
	topic string
}

// NewAuditTrail creates an audit trail over the pool streaming to topic.
// An empty topic disables streaming.
func NewAuditTrail(pool *pgxpool.Pool, topic string) *AuditTrail {
	return &AuditTrail{pool: pool, topic: topic}
}

func (a *AuditTrail) Append(ctx context.Context, e audit.Entry) error {
	query := `
		INSERT INTO audit_trail (record_type, record_id, action, user_id, old_value, new_value, reason, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)
	`

	_, err := db(ctx, a.pool).Exec(ctx, query,
		e.RecordType, e.RecordID, e.Action, e.UserID, e.OldValue, e.NewValue, e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	if a.topic == "" {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return writeEntry(ctx, a.pool, &OutboxEntry{
		AggregateID:   e.RecordID,
		AggregateType: e.RecordType,
		EventType:     "audit." + e.Action,
		Payload:       payload,
		KafkaTopic:    a.topic,
		KafkaKey:      e.RecordID,
	})
}

// ListByRecord returns the trail for one record, oldest first.
func (a *AuditTrail) ListByRecord(ctx context.Context, recordType, recordID string) ([]audit.Entry, error) {
	query := `
		SELECT record_type, record_id, action, user_id,
		       COALESCE(old_value, ''), COALESCE(new_value, ''), COALESCE(reason, ''), occurred_at
		FROM audit_trail
		WHERE record_type = $1 AND record_id = $2
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := db(ctx, a.pool).Query(ctx, query, recordType, recordID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.RecordType, &e.RecordID, &e.Action, &e.UserID,
			&e.OldValue, &e.NewValue, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
