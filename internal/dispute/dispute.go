package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/model"
)

// Store persists grade queries.
type Store interface {
	CreateGradeQuery(ctx context.Context, resultID, studentID int64, reason string) (model.GradeQuery, error)
	ResolveGradeQuery(ctx context.Context, queryID int64, response string, adjustedScore *float64) (model.GradeQuery, int64, error)
	GetGradeQuery(ctx context.Context, id int64) (model.GradeQuery, error)
	ListGradeQueries(ctx context.Context, status model.QueryStatus) ([]model.GradeQuery, error)
	GetSummary(ctx context.Context, submissionID int64) (*model.SubmissionSummary, error)
}

// Publisher delivers live events.
type Publisher interface {
	Publish(ev model.Event) int
}

// Service runs the grade query workflow: a student raises a query against
// one result, a teacher resolves it.
type Service struct {
	store Store
	bus   Publisher
}

// New creates a dispute service. bus may be nil.
func New(store Store, bus Publisher) *Service {
	return &Service{store: store, bus: bus}
}

// QueryCreatedPayload is published to the admin room.
type QueryCreatedPayload struct {
	QueryID   int64  `json:"queryId"`
	ResultID  int64  `json:"resultId"`
	StudentID int64  `json:"studentId"`
	Reason    string `json:"reason"`
}

// QueryResolvedPayload is published to the student's room.
type QueryResolvedPayload struct {
	QueryID       int64    `json:"queryId"`
	ResultID      int64    `json:"resultId"`
	SubmissionID  int64    `json:"submissionId"`
	Response      string   `json:"response"`
	AdjustedScore *float64 `json:"adjustedScore,omitempty"`
	TotalScore    float64  `json:"totalScore"`
	MaxScore      float64  `json:"maxScore"`
}

// Raise opens a grade query. A result can be disputed once.
func (s *Service) Raise(ctx context.Context, resultID, studentID int64, reason string) (model.GradeQuery, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.GradeQuery{}, fmt.Errorf("reason is required: %w", model.ErrInvalidAnswer)
	}
	q, err := s.store.CreateGradeQuery(ctx, resultID, studentID, reason)
	if err != nil {
		return q, err
	}
	slog.Info("grade query raised", "query_id", q.ID, "result_id", resultID, "student_id", studentID)
	s.publish(model.Event{
		Kind: model.EventGradeQueryCreated,
		Room: model.RoomAdmin,
		Payload: QueryCreatedPayload{
			QueryID:   q.ID,
			ResultID:  q.ResultID,
			StudentID: q.StudentID,
			Reason:    q.Reason,
		},
	})
	return q, nil
}

// Resolve closes a pending query. A non-nil adjustedScore replaces the
// result's score and the submission total is recomputed.
func (s *Service) Resolve(ctx context.Context, queryID int64, response string, adjustedScore *float64) (model.GradeQuery, error) {
	q, submissionID, err := s.store.ResolveGradeQuery(ctx, queryID, strings.TrimSpace(response), adjustedScore)
	if err != nil {
		return q, err
	}
	slog.Info("grade query resolved", "query_id", q.ID, "submission_id", submissionID, "adjusted", adjustedScore != nil)

	payload := QueryResolvedPayload{
		QueryID:       q.ID,
		ResultID:      q.ResultID,
		SubmissionID:  submissionID,
		AdjustedScore: q.AdjustedScore,
	}
	if q.TeacherResponse != nil {
		payload.Response = *q.TeacherResponse
	}
	if sum, err := s.store.GetSummary(ctx, submissionID); err != nil {
		slog.Warn("load summary for resolved query", "submission_id", submissionID, "error", err)
	} else if sum != nil {
		payload.TotalScore = sum.TotalScore
		payload.MaxScore = sum.MaxScore
	}
	s.publish(model.Event{
		Kind:    model.EventGradeQueryResolved,
		Room:    events.UserRoom(q.StudentID),
		Payload: payload,
	})
	return q, nil
}

// Get returns a grade query.
func (s *Service) Get(ctx context.Context, queryID int64) (model.GradeQuery, error) {
	return s.store.GetGradeQuery(ctx, queryID)
}

// List returns grade queries with the given status, or all when status is empty.
func (s *Service) List(ctx context.Context, status model.QueryStatus) ([]model.GradeQuery, error) {
	return s.store.ListGradeQueries(ctx, status)
}

func (s *Service) publish(ev model.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}
