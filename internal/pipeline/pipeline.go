package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/feedback"
	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
)

// Store is the persistence the pipeline needs.
type Store interface {
	CreateImportedExam(ctx context.Context, path, hash, name string, questions []model.Question) (int64, error)
	GetExam(ctx context.Context, id int64) (model.Exam, error)
	ListExamQuestions(ctx context.Context, examID int64) ([]model.Question, error)
	CreateSubmission(ctx context.Context, sub model.Submission, job func(submissionID int64) model.Job) (int64, string, error)
	GetSubmission(ctx context.Context, id int64) (model.Submission, error)
	UpdateSubmissionStatus(ctx context.Context, id int64, status model.SubmissionStatus) error
	SaveGradingRun(ctx context.Context, submissionID int64, results []model.QuestionResult) (model.SubmissionSummary, error)
	SetSummaryFeedback(ctx context.Context, submissionID int64, feedback string) error
	ListResults(ctx context.Context, submissionID int64) ([]model.QuestionResult, error)
	GetResultsView(ctx context.Context, submissionID int64) (*model.ResultsView, error)
	ListJobs(ctx context.Context, queue model.QueueName, status model.JobStatus, limit int) ([]model.Job, error)
	ExportExam(ctx context.Context, examID int64) (model.ResultsExport, error)
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	Ping(ctx context.Context) error
}

// Service connects submission intake, grading workers and result queries.
type Service struct {
	store  Store
	queue  *queue.Queue
	engine *grading.Engine
	synth  *feedback.Synthesizer
	bus    *events.Bus
	lang   string
}

// New creates the pipeline service. lang is the language of feedback
// written by background workers.
func New(store Store, q *queue.Queue, engine *grading.Engine, synth *feedback.Synthesizer, bus *events.Bus, lang string) *Service {
	if lang == "" {
		lang = "en"
	}
	return &Service{store: store, queue: q, engine: engine, synth: synth, bus: bus, lang: lang}
}

// Submit stores a submission and schedules its grading in one transaction.
// Answers must reference questions of the exam.
func (s *Service) Submit(ctx context.Context, examID, studentID int64, answers map[int64]string) (int64, error) {
	if studentID <= 0 {
		return 0, fmt.Errorf("student ID %d: %w", studentID, model.ErrInvalidAnswer)
	}
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return 0, err
	}
	questions, err := s.store.ListExamQuestions(ctx, examID)
	if err != nil {
		return 0, fmt.Errorf("list questions: %w", err)
	}
	known := make(map[int64]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}
	for qid := range answers {
		if !known[qid] {
			return 0, fmt.Errorf("question %d is not part of exam %d: %w", qid, examID, model.ErrInvalidAnswer)
		}
	}

	subID, jobID, err := s.store.CreateSubmission(ctx, model.Submission{
		ExamID:    examID,
		StudentID: studentID,
		Answers:   answers,
	}, s.queue.NewGradingJob)
	if err != nil {
		return 0, err
	}
	s.queue.Notify(model.QueueGrading)
	slog.Info("submission received", "submission_id", subID, "exam_id", examID, "student_id", studentID, "job_id", jobID)
	return subID, nil
}

// Results returns the graded view of a submission. A non-zero studentID
// restricts access to the owner; others get ErrNotFound.
func (s *Service) Results(ctx context.Context, submissionID, studentID int64) (*model.ResultsView, error) {
	view, err := s.store.GetResultsView(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if studentID != 0 && view.Submission.StudentID != studentID {
		return nil, fmt.Errorf("submission %d for student %d: %w", submissionID, studentID, model.ErrNotFound)
	}
	return view, nil
}

// Regrade schedules a new grading run. Teacher-adjusted scores survive it.
func (s *Service) Regrade(ctx context.Context, submissionID int64) (string, error) {
	return s.queue.EnqueueGrading(ctx, submissionID)
}

// Jobs lists queue entries for operators.
func (s *Service) Jobs(ctx context.Context, name model.QueueName, status model.JobStatus, limit int) ([]model.Job, error) {
	return s.store.ListJobs(ctx, name, status, limit)
}

// Export returns every graded submission of an exam.
func (s *Service) Export(ctx context.Context, examID int64) (model.ResultsExport, error) {
	return s.store.ExportExam(ctx, examID)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Register installs the job handlers on a worker pool.
func (s *Service) Register(p *queue.Pool) {
	p.Handle(model.QueueGrading, s.HandleGrading)
	p.OnFailure(model.QueueGrading, s.GradingFailed)
	p.Handle(model.QueueNotification, s.HandleNotification)
	p.OnFailure(model.QueueNotification, func(ctx context.Context, job model.Job, err error) {
		slog.Warn("notification dropped", "job_id", job.ID, "error", err)
	})
}
