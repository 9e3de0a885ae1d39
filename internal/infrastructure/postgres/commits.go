package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/stockledger/internal/domain/ledger"
)

// CommitStore persists commit records. The item snapshot is stored as jsonb
// so historical commits never re-join live catalog rows.
type CommitStore struct {
	pool *pgxpool.Pool
}

// NewCommitStore creates a commit store over the pool.
func NewCommitStore(pool *pgxpool.Pool) *CommitStore {
	return &CommitStore{pool: pool}
}

const commitColumns = `id, record_id, unit_id, committed_by, signature, items, committed_at, rolled_back_at, rolled_back_by, rollback_reason`

func scanCommit(row pgx.Row) (ledger.CommitRecord, error) {
	var (
		c         ledger.CommitRecord
		signature *string
		items     []byte
		by        *string
		reason    *string
	)
	err := row.Scan(&c.ID, &c.RecordID, &c.UnitID, &c.CommittedBy, &signature,
		&items, &c.CommittedAt, &c.RolledBackAt, &by, &reason)
	if err != nil {
		return ledger.CommitRecord{}, err
	}
	if signature != nil {
		c.Signature = *signature
	}
	if by != nil {
		c.RolledBackBy = *by
	}
	if reason != nil {
		c.RollbackReason = *reason
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return ledger.CommitRecord{}, fmt.Errorf("decode commit items: %w", err)
	}
	return c, nil
}

func (s *CommitStore) Create(ctx context.Context, c ledger.CommitRecord) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return fmt.Errorf("encode commit items: %w", err)
	}

	query := `
		INSERT INTO commits (id, record_id, unit_id, committed_by, signature, items, committed_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`

	_, err = db(ctx, s.pool).Exec(ctx, query,
		c.ID, c.RecordID, c.UnitID, c.CommittedBy, c.Signature, items, c.CommittedAt)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

func (s *CommitStore) GetByID(ctx context.Context, id string) (ledger.CommitRecord, error) {
	c, err := scanCommit(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CommitRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CommitRecord{}, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

func (s *CommitStore) ListByRecord(ctx context.Context, recordID, unitID string) ([]ledger.CommitRecord, error) {
	query := `
		SELECT ` + commitColumns + `
		FROM commits
		WHERE record_id = $1
		  AND ($2 = '' OR unit_id = $2)
		ORDER BY committed_at DESC
	`

	rows, err := db(ctx, s.pool).Query(ctx, query, recordID, unitID)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var commits []ledger.CommitRecord
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// MarkRolledBack soft-invalidates the commit. Guarded against double rollback
// at the SQL level as well as in the service.
func (s *CommitStore) MarkRolledBack(ctx context.Context, id string, at time.Time, by, reason string) error {
	query := `
		UPDATE commits
		SET rolled_back_at = $2, rolled_back_by = $3, rollback_reason = $4
		WHERE id = $1 AND rolled_back_at IS NULL
	`

	tag, err := db(ctx, s.pool).Exec(ctx, query, id, at, by, reason)
	if err != nil {
		return fmt.Errorf("mark rolled back: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAlreadyRolledBack
	}
	return nil
}

// LastCommitTimes returns, per item, the committed-at of the latest
// non-rolled-back commit whose snapshot includes it.
func (s *CommitStore) LastCommitTimes(ctx context.Context, recordID string) (map[string]time.Time, error) {
	query := `
		SELECT item->>'item_id', MAX(committed_at)
		FROM commits, jsonb_array_elements(items) AS item
		WHERE record_id = $1
		  AND rolled_back_at IS NULL
		GROUP BY item->>'item_id'
	`

	rows, err := db(ctx, s.pool).Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("last commit times: %w", err)
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var (
			itemID string
			at     time.Time
		)
		if err := rows.Scan(&itemID, &at); err != nil {
			return nil, fmt.Errorf("scan commit time: %w", err)
		}
		times[itemID] = at
	}
	return times, rows.Err()
}
