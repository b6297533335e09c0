package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps records in the files table created by the platform
// migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `file_id, owner, filename, status, job_handle, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec    Record
		status string
	)
	if err := row.Scan(&rec.FileID, &rec.Owner, &rec.Filename, &status, &rec.JobHandle, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Status = st
	return &rec, nil
}

// Get looks up a record by file id.
func (s *PostgresStore) Get(ctx context.Context, fileID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE file_id = $1`,
		fileID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	return rec, nil
}

// Insert adds a record, refusing to replace an existing file id.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (file_id) DO NOTHING`,
		rec.FileID, rec.Owner, rec.Filename, string(rec.Status), rec.JobHandle, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", rec.FileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert file %s: %w", rec.FileID, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Update applies c if the record is still in c.From with c.FromJob.
func (s *PostgresStore) Update(ctx context.Context, fileID string, c Change) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files
		 SET status = $4, job_handle = $5, updated_at = $6
		 WHERE file_id = $1 AND status = $2 AND job_handle = $3`,
		fileID, string(c.From), c.FromJob, string(c.To), c.JobHandle, c.At,
	)
	if err != nil {
		return fmt.Errorf("update file %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update file %s: %w", fileID, err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM files WHERE file_id = $1)`, fileID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check file %s: %w", fileID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// ListByOwner returns every record owned by owner.
func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE owner = $1 ORDER BY file_id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a record.
func (s *PostgresStore) Delete(ctx context.Context, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
