package grading

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/model"
)

// Engine routes each question to the strategy for its type.
type Engine struct {
	cfg        Config
	strategies map[model.QuestionType]Strategy
}

// New creates a grading engine. client is used for short answers and essays.
func New(client llm.Completer, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg: cfg,
		strategies: map[model.QuestionType]Strategy{
			model.QuestionMCQ:         choiceStrategy{},
			model.QuestionTrueFalse:   trueFalseStrategy{},
			model.QuestionShortAnswer: completionStrategy{client: client, cfg: cfg},
			model.QuestionEssay:       completionStrategy{client: client, cfg: cfg, essay: true},
		},
	}
}

// Grade grades a single answer.
func (e *Engine) Grade(ctx context.Context, q model.Question, answer string) model.QuestionResult {
	s, ok := e.strategies[q.Type]
	if !ok {
		slog.Warn("no grading strategy for question type", "question_id", q.ID, "type", q.Type)
		return model.QuestionResult{
			QuestionID:  q.ID,
			Feedback:    i18n.T(ctx, "ManualReviewRequired"),
			Reasoning:   "unknown question type " + string(q.Type),
			NeedsReview: true,
		}
	}
	r := s.Grade(ctx, q, answer)
	r.Score = clamp(r.Score, 0, q.Marks)
	r.Confidence = clamp(r.Confidence, 0, 1)
	return r
}

// GradeAll grades every question concurrently and returns once all are done.
// Results are in question order. Unanswered questions are graded as empty.
func (e *Engine) GradeAll(ctx context.Context, questions []model.Question, answers map[int64]string) []model.QuestionResult {
	results := make([]model.QuestionResult, len(questions))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, q := range questions {
		g.Go(func() error {
			results[i] = e.Grade(ctx, q, answers[q.ID])
			return nil
		})
	}
	_ = g.Wait() // strategies never fail
	return results
}
