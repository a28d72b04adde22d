package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/pavelanni/autograder/internal/model"
)

// ExportExam builds export-ready results for every submission of an exam.
func (s *Store) ExportExam(ctx context.Context, examID int64) (model.ResultsExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, err
	}
	questions, err := s.ListExamQuestions(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	subs, err := s.ListSubmissions(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list submissions: %w", err)
	}

	export := model.ResultsExport{
		ExamID:      exam.ID,
		ExamName:    exam.Name,
		ExportedAt:  time.Now().UTC(),
		NumQuestion: len(questions),
	}
	for _, sub := range subs {
		view, err := s.GetResultsView(ctx, sub.ID)
		if err != nil {
			return export, fmt.Errorf("get submission %d: %w", sub.ID, err)
		}

		se := model.SubmissionExport{
			SubmissionID: sub.ID,
			StudentID:    sub.StudentID,
			Status:       sub.Status,
			SubmittedAt:  sub.SubmittedAt,
		}
		if view.Summary != nil {
			se.TotalScore = view.Summary.TotalScore
			se.MaxScore = view.Summary.MaxScore
			se.Percentage = view.Summary.Percentage
			se.Grade = view.Summary.Grade
			se.Feedback = view.Summary.Feedback
		}
		for _, r := range view.Results {
			var qe model.QuestionExport
			if err := copier.Copy(&qe, &r); err != nil {
				return export, fmt.Errorf("copy result %d: %w", r.ID, err)
			}
			q := byID[r.QuestionID]
			qe.Type = q.Type
			qe.Text = q.Text
			qe.Marks = q.Marks
			qe.Answer = sub.Answers[r.QuestionID]
			se.Questions = append(se.Questions, qe)
		}
		export.Results = append(export.Results, se)
	}
	return export, nil
}
