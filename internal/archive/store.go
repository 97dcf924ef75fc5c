package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/quantlab/internal/database"
	"github.com/aristath/quantlab/internal/jobs"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	progress REAL,
	message TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	result BLOB,
	archived_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_history_kind ON job_history(kind);
CREATE INDEX IF NOT EXISTS idx_job_history_completed_at ON job_history(completed_at);
`

// Store persists reaped jobs in the history database.
//
// Database: history.db (job_history table)
type Store struct {
	db  *database.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStore creates the job_history table if needed and returns the store.
func NewStore(ctx context.Context, db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(ctx, schema); err != nil {
		return nil, err
	}
	return &Store{
		db:  db,
		log: log.With().Str("repository", "job_history").Logger(),
		now: time.Now,
	}, nil
}

// Archive writes the records in one transaction. Records archived twice
// are replaced.
func (s *Store) Archive(ctx context.Context, records []jobs.Record) error {
	if len(records) == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		e, err := NewEntry(rec)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	archivedAt := s.now().UnixMilli()
	err := database.WithTransaction(ctx, s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO job_history
			(id, kind, status, created_at, started_at, completed_at,
			 progress, message, error, result, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			_, err := stmt.ExecContext(ctx,
				e.ID,
				e.Kind,
				e.Status,
				e.CreatedAt.UnixMilli(),
				nullMillis(e.StartedAt),
				nullMillis(e.CompletedAt),
				nullFloat(e.Progress),
				e.Message,
				e.Error,
				e.Result,
				archivedAt,
			)
			if err != nil {
				return fmt.Errorf("insert job %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive jobs: %w", err)
	}

	s.log.Debug().Int("count", len(entries)).Msg("Archived jobs")
	return nil
}

// Get returns an archived job. It wraps jobs.ErrNotFound when the id is
// unknown.
func (s *Store) Get(ctx context.Context, id string) (jobs.Record, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, kind, status, created_at, started_at, completed_at,
		       progress, message, error, result
		FROM job_history WHERE id = ?
	`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Record{}, fmt.Errorf("archived job %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Record{}, fmt.Errorf("failed to get archived job: %w", err)
	}
	return e.Record()
}

// List returns archived jobs, most recently completed first. An empty kind
// matches every kind and limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, kind jobs.Kind, limit int) ([]jobs.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, kind, status, created_at, started_at, completed_at,
		       progress, message, error, result
		FROM job_history
		WHERE (? = '' OR kind = ?)
		ORDER BY completed_at DESC, created_at DESC
		LIMIT ?
	`, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Record
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived job: %w", err)
		}
		rec, err := e.Record()
		if err != nil {
			s.log.Warn().Err(err).Str("job_id", e.ID).Msg("Skipping undecodable archived job")
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of archived jobs.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM job_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count archived jobs: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e           Entry
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		progress    sql.NullFloat64
	)
	err := row.Scan(&e.ID, &e.Kind, &e.Status, &createdAt, &startedAt, &completedAt,
		&progress, &e.Message, &e.Error, &e.Result)
	if err != nil {
		return Entry{}, err
	}

	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.StartedAt = fromNullMillis(startedAt)
	e.CompletedAt = fromNullMillis(completedAt)
	if progress.Valid {
		p := progress.Float64
		e.Progress = &p
	}
	return e, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
