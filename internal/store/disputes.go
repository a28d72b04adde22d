package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// CreateGradeQuery raises a dispute against a result owned by studentID.
// Marking the result disputed and inserting the query happen in one
// transaction; a result that is already disputed is rejected.
func (s *Store) CreateGradeQuery(ctx context.Context, resultID, studentID int64, reason string) (model.GradeQuery, error) {
	q := model.GradeQuery{
		ResultID:  resultID,
		StudentID: studentID,
		Reason:    reason,
		Status:    model.QueryPending,
		CreatedAt: time.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx,
			`SELECT s.student_id FROM question_results r
			 JOIN submissions s ON s.id = r.submission_id
			 WHERE r.id = ?`, resultID,
		).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != studentID) {
			return fmt.Errorf("result %d for student %d: %w", resultID, studentID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE question_results SET disputed = 1 WHERE id = ? AND disputed = 0`, resultID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("result %d: %w", resultID, model.ErrAlreadyDisputed)
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO grade_queries (result_id, student_id, reason, status, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			q.ResultID, q.StudentID, q.Reason, q.Status, q.CreatedAt,
		)
		if err != nil {
			return err
		}
		q.ID, err = res.LastInsertId()
		return err
	})
	return q, err
}

// ResolveGradeQuery moves a pending query to resolved. When adjustedScore is
// set it becomes the result's teacher score; the response always becomes the
// teacher feedback. The submission summary is recomputed in the same
// transaction. It returns the resolved query and the affected submission ID.
func (s *Store) ResolveGradeQuery(ctx context.Context, queryID int64, response string, adjustedScore *float64) (model.GradeQuery, int64, error) {
	var (
		q            model.GradeQuery
		submissionID int64
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var marks float64
		err := tx.QueryRowContext(ctx,
			`SELECT g.status, g.result_id, r.submission_id, qs.marks
			 FROM grade_queries g
			 JOIN question_results r ON r.id = g.result_id
			 JOIN questions qs ON qs.id = r.question_id
			 WHERE g.id = ?`, queryID,
		).Scan(&q.Status, &q.ResultID, &submissionID, &marks)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("grade query %d: %w", queryID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if q.Status != model.QueryPending {
			return fmt.Errorf("grade query %d: %w", queryID, model.ErrAlreadyResolved)
		}
		if adjustedScore != nil && (*adjustedScore < 0 || *adjustedScore > marks) {
			return fmt.Errorf("adjusted score %.2f not in [0, %.2f]: %w", *adjustedScore, marks, model.ErrInvalidScore)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE grade_queries SET status = ?, teacher_response = ?, adjusted_score = ?, resolved_at = ?
			 WHERE id = ? AND status = ?`,
			model.QueryResolved, response, adjustedScore, now, queryID, model.QueryPending,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("grade query %d: %w", queryID, model.ErrAlreadyResolved)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE question_results
			 SET teacher_feedback = ?, teacher_score = COALESCE(?, teacher_score)
			 WHERE id = ?`,
			response, adjustedScore, q.ResultID,
		); err != nil {
			return err
		}
		if _, err := recomputeSummary(ctx, tx, submissionID); err != nil {
			return err
		}

		q, err = scanGradeQuery(tx.QueryRowContext(ctx,
			`SELECT `+gradeQueryColumns+` FROM grade_queries WHERE id = ?`, queryID))
		return err
	})
	return q, submissionID, err
}

const gradeQueryColumns = `id, result_id, student_id, reason, status, teacher_response, adjusted_score, created_at, resolved_at`

func scanGradeQuery(row rowScanner) (model.GradeQuery, error) {
	var q model.GradeQuery
	err := row.Scan(&q.ID, &q.ResultID, &q.StudentID, &q.Reason, &q.Status,
		&q.TeacherResponse, &q.AdjustedScore, &q.CreatedAt, &q.ResolvedAt)
	return q, err
}

// GetGradeQuery returns a grade query by ID.
func (s *Store) GetGradeQuery(ctx context.Context, id int64) (model.GradeQuery, error) {
	q, err := scanGradeQuery(s.db.QueryRowContext(ctx,
		`SELECT `+gradeQueryColumns+` FROM grade_queries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("grade query %d: %w", id, model.ErrNotFound)
	}
	return q, err
}

// ListGradeQueries returns grade queries, optionally filtered by status, oldest first.
func (s *Store) ListGradeQueries(ctx context.Context, status model.QueryStatus) ([]model.GradeQuery, error) {
	query := `SELECT ` + gradeQueryColumns + ` FROM grade_queries`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var queries []model.GradeQuery
	for rows.Next() {
		q, err := scanGradeQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}
