package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBQuerier defines the interface for database query operations
// Both *sql.DB and *sql.Tx implement this interface
type DBQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides playback progress persistence on top of SQLite
type Repository struct {
	db DBQuerier
}

// NewRepository creates a new repository instance
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WithTransaction executes a function within a database transaction
func (r *Repository) WithTransaction(ctx context.Context, fn func(*Repository) error) error {
	sqlDB, ok := r.db.(*sql.DB)
	if !ok {
		return fmt.Errorf("repository not connected to sql.DB")
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txRepo := &Repository{db: tx}

	err = fn(txRepo)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w): %w", err, rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindByKey returns the progress record stored under key, or ErrNotFound
func (r *Repository) FindByKey(ctx context.Context, key string) (*ProgressRecord, error) {
	query := `
		SELECT path, last_timestamp, last_file_position, file_length
		FROM movie_servings WHERE path = ?
	`

	var rec ProgressRecord
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Path, &rec.LastTimestamp, &rec.LastFilePosition, &rec.FileLength,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get progress record: %w", err)
	}

	return &rec, nil
}

// Insert stores a new progress record.
// It returns ErrDuplicateKey when a record for the same path already exists.
func (r *Repository) Insert(ctx context.Context, rec *ProgressRecord) error {
	query := `
		INSERT INTO movie_servings (path, last_timestamp, last_file_position, file_length)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, rec.Path, rec.LastTimestamp, rec.LastFilePosition, rec.FileLength)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Path)
		}
		return fmt.Errorf("failed to insert progress record: %w", err)
	}

	return nil
}

// Update overwrites the stored fields of an existing progress record.
// It returns ErrNotFound when no record matches the path.
func (r *Repository) Update(ctx context.Context, rec *ProgressRecord) error {
	query := `
		UPDATE movie_servings
		SET last_timestamp = ?, last_file_position = ?, file_length = ?
		WHERE path = ?
	`

	result, err := r.db.ExecContext(ctx, query, rec.LastTimestamp, rec.LastFilePosition, rec.FileLength, rec.Path)
	if err != nil {
		return fmt.Errorf("failed to update progress record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.Path)
	}

	return nil
}

// Delete removes the progress record stored under key
func (r *Repository) Delete(ctx context.Context, key string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM movie_servings WHERE path = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete progress record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return nil
}

// DeleteBulk removes several records atomically and returns how many existed
func (r *Repository) DeleteBulk(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	deleted := 0
	err := r.WithTransaction(ctx, func(txRepo *Repository) error {
		for _, key := range keys {
			err := txRepo.Delete(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

// ListRecent returns the most recently updated records, newest first
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*ProgressRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT path, last_timestamp, last_file_position, file_length
		FROM movie_servings
		ORDER BY last_timestamp DESC, path ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}
	defer rows.Close()

	var records []*ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		if err := rows.Scan(&rec.Path, &rec.LastTimestamp, &rec.LastFilePosition, &rec.FileLength); err != nil {
			return nil, fmt.Errorf("failed to scan progress record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Count returns the number of stored records
func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM movie_servings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count progress records: %w", err)
	}
	return count, nil
}
