// Package pgarchive stores call history in PostgreSQL for deployments that
// share one archive across several engines.
package pgarchive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CallRecordRepository using PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ database.CallRecordRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, logger: logger.With("subsystem", "pgarchive")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("postgresql archive opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var exists bool
		err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// Create inserts an archived session. A call id already archived is left
// untouched.
func (s *Store) Create(ctx context.Context, rec *models.CallRecord) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO call_sessions (call_id, caller_name, caller_id, started_at,
		 connected_at, ended_at, end_reason, duration_sec)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (call_id) DO NOTHING
		 RETURNING id, created_at`,
		rec.CallID, rec.CallerName, rec.CallerID, rec.StartedAt,
		rec.ConnectedAt, rec.EndedAt, rec.EndReason, rec.DurationSec,
	).Scan(&rec.ID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByCallID returns the record for callID, or nil if none exists.
func (s *Store) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	var c models.CallRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, call_id, caller_name, caller_id, started_at, connected_at,
		 ended_at, end_reason, duration_sec, created_at
		 FROM call_sessions WHERE call_id = $1`, callID,
	).Scan(&c.ID, &c.CallID, &c.CallerName, &c.CallerID, &c.StartedAt,
		&c.ConnectedAt, &c.EndedAt, &c.EndReason, &c.DurationSec, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call record: %w", err)
	}
	return &c, nil
}

// List returns records matching filter, newest first, along with the total
// count.
func (s *Store) List(ctx context.Context, filter database.CallRecordListFilter) ([]models.CallRecord, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_sessions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT id, call_id, caller_name, caller_id, started_at, connected_at,
		 ended_at, end_reason, duration_sec, created_at
		 FROM call_sessions WHERE %s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *Store) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM call_sessions WHERE ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired call records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted call records: %w", err)
	}
	return n, nil
}

// buildWhere renders filter as a WHERE clause with numbered placeholders.
func buildWhere(filter database.CallRecordListFilter) (string, []any) {
	where := "TRUE"
	var args []any

	if filter.EndReason != "" {
		args = append(args, filter.EndReason)
		where += fmt.Sprintf(" AND end_reason = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		where += fmt.Sprintf(" AND (caller_name ILIKE $%d OR caller_id ILIKE $%d)", n, n)
	}
	return where, args
}
