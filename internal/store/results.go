package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// SaveGradingRun writes every result of one grading run and the submission
// summary in a single transaction. Results that already carry a teacher score
// are left untouched. The summary is recomputed from stored effective scores
// and returned.
func (s *Store) SaveGradingRun(ctx context.Context, submissionID int64, results []model.QuestionResult) (model.SubmissionSummary, error) {
	var summary model.SubmissionSummary
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, r := range results {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO question_results
				   (submission_id, question_id, score, confidence, feedback, reasoning, needs_review, graded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(submission_id, question_id) DO UPDATE SET
				   score = excluded.score,
				   confidence = excluded.confidence,
				   feedback = excluded.feedback,
				   reasoning = excluded.reasoning,
				   needs_review = excluded.needs_review,
				   graded_at = excluded.graded_at
				 WHERE question_results.teacher_score IS NULL`,
				submissionID, r.QuestionID, r.Score, r.Confidence, r.Feedback, r.Reasoning, r.NeedsReview, now,
			)
			if err != nil {
				return fmt.Errorf("upsert result for question %d: %w", r.QuestionID, err)
			}
		}
		var err error
		summary, err = recomputeSummary(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE submissions SET status = ? WHERE id = ?`, model.SubmissionGraded, submissionID)
		return err
	})
	return summary, err
}

// recomputeSummary aggregates the stored effective scores against the
// exam's questions, then upserts the summary. Narrative feedback is preserved.
func recomputeSummary(ctx context.Context, tx *sql.Tx, submissionID int64) (model.SubmissionSummary, error) {
	var questions []model.Question
	rows, err := tx.QueryContext(ctx,
		`SELECT q.id, q.marks
		 FROM questions q JOIN submissions s ON s.exam_id = q.exam_id
		 WHERE s.id = ?`, submissionID)
	if err != nil {
		return model.SubmissionSummary{}, fmt.Errorf("load marks: %w", err)
	}
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Marks); err != nil {
			rows.Close()
			return model.SubmissionSummary{}, fmt.Errorf("load marks: %w", err)
		}
		questions = append(questions, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.SubmissionSummary{}, fmt.Errorf("load marks: %w", err)
	}

	var results []model.QuestionResult
	rows, err = tx.QueryContext(ctx,
		`SELECT question_id, score, teacher_score FROM question_results WHERE submission_id = ?`, submissionID)
	if err != nil {
		return model.SubmissionSummary{}, fmt.Errorf("load scores: %w", err)
	}
	for rows.Next() {
		var r model.QuestionResult
		if err := rows.Scan(&r.QuestionID, &r.Score, &r.TeacherScore); err != nil {
			rows.Close()
			return model.SubmissionSummary{}, fmt.Errorf("load scores: %w", err)
		}
		results = append(results, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.SubmissionSummary{}, fmt.Errorf("load scores: %w", err)
	}

	summary := model.Aggregate(submissionID, questions, results)
	now := time.Now().UTC()
	summary.GradedAt = &now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO submission_summaries (submission_id, total_score, max_score, percentage, grade, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(submission_id) DO UPDATE SET
		   total_score = excluded.total_score,
		   max_score = excluded.max_score,
		   percentage = excluded.percentage,
		   grade = excluded.grade,
		   graded_at = excluded.graded_at`,
		submissionID, summary.TotalScore, summary.MaxScore, summary.Percentage, summary.Grade, now,
	)
	if err != nil {
		return summary, fmt.Errorf("upsert summary: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT feedback FROM submission_summaries WHERE submission_id = ?`, submissionID,
	).Scan(&summary.Feedback)
	return summary, err
}

// SetSummaryFeedback attaches narrative feedback to a submission summary.
func (s *Store) SetSummaryFeedback(ctx context.Context, submissionID int64, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submission_summaries SET feedback = ? WHERE submission_id = ?`, feedback, submissionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("summary for submission %d: %w", submissionID, model.ErrNotFound)
	}
	return nil
}

// GetSummary returns the summary for a submission, or nil if it is not graded yet.
func (s *Store) GetSummary(ctx context.Context, submissionID int64) (*model.SubmissionSummary, error) {
	var sm model.SubmissionSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT submission_id, total_score, max_score, percentage, grade, feedback, graded_at
		 FROM submission_summaries WHERE submission_id = ?`, submissionID,
	).Scan(&sm.SubmissionID, &sm.TotalScore, &sm.MaxScore, &sm.Percentage, &sm.Grade, &sm.Feedback, &sm.GradedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

const resultColumns = `id, submission_id, question_id, score, confidence, feedback, reasoning,
	needs_review, teacher_score, teacher_feedback, disputed, graded_at`

func scanResult(row rowScanner) (model.QuestionResult, error) {
	var r model.QuestionResult
	err := row.Scan(&r.ID, &r.SubmissionID, &r.QuestionID, &r.Score, &r.Confidence, &r.Feedback, &r.Reasoning,
		&r.NeedsReview, &r.TeacherScore, &r.TeacherFeedback, &r.Disputed, &r.GradedAt)
	return r, err
}

// ListResults returns the per-question results of a submission ordered by question.
func (s *Store) ListResults(ctx context.Context, submissionID int64) ([]model.QuestionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM question_results WHERE submission_id = ? ORDER BY question_id`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.QuestionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetResult returns a single question result.
func (s *Store) GetResult(ctx context.Context, id int64) (model.QuestionResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM question_results WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("result %d: %w", id, model.ErrNotFound)
	}
	return r, err
}

// GetResultsView builds the full results view of a submission.
func (s *Store) GetResultsView(ctx context.Context, submissionID int64) (*model.ResultsView, error) {
	sub, err := s.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	summary, err := s.GetSummary(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	results, err := s.ListResults(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return &model.ResultsView{
		Submission: sub,
		Summary:    summary,
		Results:    results,
	}, nil
}
