package grading

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/model"
)

// Strategy grades one answer to one question. Implementations never fail:
// problems are expressed as a low-confidence result flagged for review.
type Strategy interface {
	Grade(ctx context.Context, q model.Question, answer string) model.QuestionResult
}

// choiceStrategy grades MCQ answers by comparing against the correct option.
type choiceStrategy struct{}

func (choiceStrategy) Grade(ctx context.Context, q model.Question, answer string) model.QuestionResult {
	return matchOption(ctx, q, normalizeOption(answer), normalizeOption(q.CorrectOption))
}

// trueFalseStrategy accepts the usual spellings of true and false.
type trueFalseStrategy struct{}

func (trueFalseStrategy) Grade(ctx context.Context, q model.Question, answer string) model.QuestionResult {
	return matchOption(ctx, q, normalizeBool(answer), normalizeBool(q.CorrectOption))
}

func matchOption(ctx context.Context, q model.Question, got, want string) model.QuestionResult {
	r := model.QuestionResult{QuestionID: q.ID, Confidence: 1}
	switch {
	case got == "":
		r.Feedback = i18n.T(ctx, "EmptyAnswer")
		r.Reasoning = "no option selected"
	case got == want:
		r.Score = q.Marks
		r.Feedback = i18n.T(ctx, "CorrectAnswer")
		r.Reasoning = "matches the correct option"
	default:
		r.Feedback = i18n.Td(ctx, "WrongOption", map[string]any{"Correct": strings.TrimSpace(q.CorrectOption)})
		r.Reasoning = fmt.Sprintf("selected %q, correct option is %q", got, want)
	}
	return r
}

func normalizeOption(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeBool(s string) string {
	switch v := normalizeOption(s); v {
	case "true", "t", "yes", "y", "1":
		return "true"
	case "false", "f", "no", "n", "0":
		return "false"
	default:
		return v
	}
}

// completionStrategy grades free text through the completion service.
type completionStrategy struct {
	client llm.Completer
	cfg    Config
	essay  bool
}

func (s completionStrategy) Grade(ctx context.Context, q model.Question, answer string) model.QuestionResult {
	if strings.TrimSpace(answer) == "" {
		return model.QuestionResult{
			QuestionID: q.ID,
			Confidence: 1,
			Feedback:   i18n.T(ctx, "EmptyAnswer"),
			Reasoning:  "empty answer",
		}
	}

	switch out := s.ask(ctx, q, answer).(type) {
	case llm.Parsed:
		return s.result(ctx, q, out.GradingResponse)
	case llm.ParseError:
		slog.Warn("automatic grading failed, using fallback",
			"question_id", q.ID, "type", q.Type, "error", out.Error())
		return s.fallback(ctx, q, out)
	default:
		return s.fallback(ctx, q, llm.ParseError{Err: fmt.Errorf("unexpected outcome %T", out)})
	}
}

// ask runs one bounded completion call. Every failure is reported as a ParseError.
func (s completionStrategy) ask(ctx context.Context, q model.Question, answer string) llm.Outcome {
	var (
		prompt string
		err    error
	)
	if s.essay {
		prompt, err = prompts.BuildEssayPrompt(q, answer, s.cfg.EssayBands)
	} else {
		prompt, err = prompts.BuildShortAnswerPrompt(q, answer)
	}
	if err != nil {
		return llm.ParseError{Err: fmt.Errorf("build prompt: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancel()
	raw, err := s.client.Complete(ctx, llm.Request{
		System:      "You are an experienced teacher grading exam answers. Respond only with JSON.",
		Prompt:      prompt,
		Temperature: s.cfg.Temperature,
		JSON:        true,
	})
	if err != nil {
		return llm.ParseError{Err: err}
	}
	return llm.ParseGrading(raw)
}

func (s completionStrategy) result(ctx context.Context, q model.Question, resp llm.GradingResponse) model.QuestionResult {
	feedback := resp.Feedback
	if s.essay {
		feedback = foldLists(ctx, feedback, resp.Strengths, resp.Improvements)
	}
	return model.QuestionResult{
		QuestionID: q.ID,
		Score:      clamp(resp.Score, 0, q.Marks),
		Confidence: clamp(resp.Confidence, 0, 1),
		Feedback:   feedback,
		Reasoning:  resp.Reasoning,
	}
}

func (s completionStrategy) fallback(ctx context.Context, q model.Question, perr llm.ParseError) model.QuestionResult {
	r := model.QuestionResult{
		QuestionID:  q.ID,
		Feedback:    i18n.T(ctx, "ManualReviewRequired"),
		Reasoning:   "automatic grading failed: " + perr.Error(),
		NeedsReview: true,
	}
	if s.essay {
		r.Score = clamp(q.Marks*s.cfg.EssayFallbackRatio, 0, q.Marks)
		r.Confidence = s.cfg.EssayFallbackConfidence
	}
	return r
}

func foldLists(ctx context.Context, feedback string, strengths, improvements []string) string {
	var sb strings.Builder
	sb.WriteString(feedback)
	add := func(labelID string, items []string) {
		if len(items) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(i18n.T(ctx, labelID) + ":")
		for _, it := range items {
			sb.WriteString("\n- " + strings.TrimSpace(it))
		}
	}
	add("Strengths", strengths)
	add("Improvements", improvements)
	return sb.String()
}

// clamp limits v to [lo, hi]. NaN becomes lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
