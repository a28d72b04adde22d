package feedback

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/model"
)

// Synthesizer writes the overall narrative feedback of a submission.
type Synthesizer struct {
	client  llm.Completer
	timeout time.Duration
}

// New creates a synthesizer. A nil client always uses the templated fallback.
func New(client llm.Completer, timeout time.Duration) *Synthesizer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Synthesizer{client: client, timeout: timeout}
}

// Summarize returns narrative feedback for a graded submission. It never
// fails: when the completion service is unavailable a localized sentence
// based on the percentage is returned instead.
func (s *Synthesizer) Summarize(ctx context.Context, sum model.SubmissionSummary, results []model.QuestionResult) string {
	if s.client == nil {
		return Fallback(ctx, sum, results)
	}

	items := make([]string, 0, len(results))
	for _, r := range results {
		items = append(items, r.Feedback)
	}
	prompt, err := prompts.BuildSummaryPrompt(sum, items, i18n.Language(ctx))
	if err != nil {
		slog.Warn("build summary prompt", "submission_id", sum.SubmissionID, "error", err)
		return Fallback(ctx, sum, results)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	text, err := s.client.Complete(cctx, llm.Request{
		System:      "You are a supportive teacher writing feedback on exam results.",
		Prompt:      prompt,
		Temperature: 0.7,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		slog.Warn("summary feedback unavailable, using fallback", "submission_id", sum.SubmissionID, "error", err)
		return Fallback(ctx, sum, results)
	}
	return text
}

// Fallback builds the templated summary sentence for a percentage band.
func Fallback(ctx context.Context, sum model.SubmissionSummary, results []model.QuestionResult) string {
	var msgID string
	switch {
	case sum.Percentage >= 85:
		msgID = "SummaryExcellent"
	case sum.Percentage >= 60:
		msgID = "SummarySolid"
	case sum.Percentage >= 40:
		msgID = "SummaryPartial"
	default:
		msgID = "SummaryNeedsWork"
	}
	text := i18n.Td(ctx, msgID, map[string]any{
		"Score":      formatNumber(sum.TotalScore),
		"Max":        formatNumber(sum.MaxScore),
		"Percentage": strconv.FormatFloat(sum.Percentage, 'f', 1, 64),
	})

	review := 0
	for _, r := range results {
		if r.NeedsReview && r.TeacherScore == nil {
			review++
		}
	}
	if review > 0 {
		text += " " + i18n.Tp(ctx, "AnswersNeedReview", review)
	}
	return text
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
