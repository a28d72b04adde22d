package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// GetImportedFileHash returns the stored content hash of an imported exam file.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// CreateImportedExam stores an exam read from a file and records the file's
// content hash in the same transaction.
func (s *Store) CreateImportedExam(ctx context.Context, path, hash, name string, questions []model.Question) (int64, error) {
	var examID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		examID, err = insertExam(ctx, tx, name, questions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO imported_files (path, hash, exam_id, imported_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, exam_id = excluded.exam_id, imported_at = excluded.imported_at`,
			path, hash, examID, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("record import: %w", err)
		}
		return nil
	})
	return examID, err
}
