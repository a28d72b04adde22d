package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
)

// DelayedPayload is sent to the student when grading has failed for now.
type DelayedPayload struct {
	SubmissionID int64  `json:"submissionId"`
	Message      string `json:"message"`
}

// HandleGrading grades every question of the job's submission, stores the
// results and summary atomically, attaches narrative feedback and queues
// notifications. Running it twice for the same submission is safe.
func (s *Service) HandleGrading(ctx context.Context, job model.Job) error {
	log := slog.With("job_id", job.ID, "submission_id", job.SubmissionID)
	ctx = i18n.WithLanguage(ctx, s.lang)

	sub, err := s.store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	questions, err := s.store.ListExamQuestions(ctx, sub.ExamID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	if err := s.store.UpdateSubmissionStatus(ctx, sub.ID, model.SubmissionGrading); err != nil {
		return fmt.Errorf("mark grading: %w", err)
	}

	results := s.engine.GradeAll(ctx, questions, sub.Answers)
	summary, err := s.store.SaveGradingRun(ctx, sub.ID, results)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}

	stored, err := s.store.ListResults(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	summary.Feedback = s.synth.Summarize(ctx, summary, stored)
	if err := s.store.SetSummaryFeedback(ctx, sub.ID, summary.Feedback); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}

	review := 0
	for _, r := range stored {
		if r.NeedsReview {
			review++
		}
	}
	log.Info("submission graded", "total", summary.TotalScore, "max", summary.MaxScore,
		"grade", summary.Grade, "needs_review", review)

	if _, err := s.queue.EnqueueNotification(ctx, model.Event{
		ID:   queue.NotificationID(job.ID, "graded"),
		Kind: model.EventGradingComplete,
		Room: events.UserRoom(sub.StudentID),
		Payload: model.GradingCompletePayload{
			SubmissionID: sub.ID,
			Score:        summary.TotalScore,
			MaxScore:     summary.MaxScore,
			Feedback:     summary.Feedback,
		},
	}); err != nil {
		return err
	}
	_, err = s.queue.EnqueueNotification(ctx, model.Event{
		ID:   queue.NotificationID(job.ID, "graded-log"),
		Kind: model.EventLogUpdate,
		Room: model.RoomAdmin,
		Payload: model.LogPayload{
			Level:        "info",
			Message:      fmt.Sprintf("submission %d graded: %.2f/%.2f (%s)", sub.ID, summary.TotalScore, summary.MaxScore, summary.Grade),
			SubmissionID: sub.ID,
			JobID:        job.ID,
		},
	})
	return err
}

// GradingFailed marks the submission delayed and tells the student and admins.
func (s *Service) GradingFailed(ctx context.Context, job model.Job, jobErr error) {
	log := slog.With("job_id", job.ID, "submission_id", job.SubmissionID)
	ctx = i18n.WithLanguage(ctx, s.lang)

	if err := s.store.UpdateSubmissionStatus(ctx, job.SubmissionID, model.SubmissionDelayed); err != nil {
		log.Error("mark submission delayed", "error", err)
	}
	sub, err := s.store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		log.Error("load submission", "error", err)
		return
	}
	if _, err := s.queue.EnqueueNotification(ctx, model.Event{
		ID:   queue.NotificationID(job.ID, "delayed"),
		Kind: model.EventGradingDelayed,
		Room: events.UserRoom(sub.StudentID),
		Payload: DelayedPayload{
			SubmissionID: sub.ID,
			Message:      i18n.T(ctx, "GradingDelayed"),
		},
	}); err != nil {
		log.Error("enqueue delayed notice", "error", err)
	}
	if _, err := s.queue.EnqueueNotification(ctx, model.Event{
		ID:   queue.NotificationID(job.ID, "delayed-log"),
		Kind: model.EventLogUpdate,
		Room: model.RoomAdmin,
		Payload: model.LogPayload{
			Level:        "error",
			Message:      fmt.Sprintf("grading of submission %d failed after %d attempts: %v", sub.ID, job.Attempts, jobErr),
			SubmissionID: sub.ID,
			JobID:        job.ID,
		},
	}); err != nil {
		log.Error("enqueue admin log", "error", err)
	}
}

// HandleNotification publishes the job's event on the bus.
func (s *Service) HandleNotification(ctx context.Context, job model.Job) error {
	ev, err := queue.DecodeEvent(job)
	if err != nil {
		return err
	}
	n := s.bus.Publish(ev)
	slog.Debug("event published", "kind", ev.Kind, "room", ev.Room, "subscribers", n)
	return nil
}
