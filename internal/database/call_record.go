package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callnotify/internal/database/models"
)

const callRecordColumns = `id, call_id, caller_name, caller_id, started_at, connected_at,
	 ended_at, end_reason, duration_sec, created_at`

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts an archived session. Archiving the same call id twice keeps
// the first record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_sessions (call_id, caller_name, caller_id, started_at,
		 connected_at, ended_at, end_reason, duration_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO NOTHING`,
		rec.CallID, rec.CallerName, rec.CallerID, rec.StartedAt,
		rec.ConnectedAt, rec.EndedAt, rec.EndReason, rec.DurationSec,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByCallID returns the record for callID, or nil if none exists.
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_sessions WHERE call_id = ?`, callID)

	var c models.CallRecord
	err := row.Scan(&c.ID, &c.CallID, &c.CallerName, &c.CallerID, &c.StartedAt,
		&c.ConnectedAt, &c.EndedAt, &c.EndReason, &c.DurationSec, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &c, nil
}

// List returns records matching filter, newest first, along with the total
// count.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.EndReason != "" {
		where += " AND end_reason = ?"
		args = append(args, filter.EndReason)
	}
	if filter.Search != "" {
		where += " AND (caller_name LIKE ? OR caller_id LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_sessions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callRecordColumns + ` FROM call_sessions WHERE ` + where +
		` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var c models.CallRecord
		if err := rows.Scan(&c.ID, &c.CallID, &c.CallerName, &c.CallerID, &c.StartedAt,
			&c.ConnectedAt, &c.EndedAt, &c.EndReason, &c.DurationSec, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call record rows: %w", err)
	}

	return recs, total, nil
}

// DeleteEndedBefore removes records of calls that ended before cutoff.
func (r *callRecordRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}
