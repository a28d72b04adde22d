package grading

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/model"
)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	delay   time.Duration
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newTestEngine(t *testing.T, c llm.Completer) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CompletionTimeout = 200 * time.Millisecond
	return New(c, cfg)
}

func TestMCQ(t *testing.T) {
	e := newTestEngine(t, &fakeCompleter{})
	q := model.Question{ID: 1, Type: model.QuestionMCQ, Marks: 5, CorrectOption: "B"}

	tests := []struct {
		name      string
		answer    string
		wantScore float64
		feedback  string
	}{
		{"correct", "B", 5, "Correct."},
		{"case and space", "  b ", 5, "Correct."},
		{"wrong names the correct option", "A", 0, "B"},
		{"empty", "", 0, "No answer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Grade(context.Background(), q, tt.answer)
			if r.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", r.Score, tt.wantScore)
			}
			if r.Confidence != 1 {
				t.Errorf("confidence = %v, want 1", r.Confidence)
			}
			if !strings.Contains(r.Feedback, tt.feedback) {
				t.Errorf("feedback %q should contain %q", r.Feedback, tt.feedback)
			}
			if r.NeedsReview {
				t.Error("deterministic result should not need review")
			}
		})
	}
}

func TestTrueFalse(t *testing.T) {
	e := newTestEngine(t, &fakeCompleter{})
	q := model.Question{ID: 1, Type: model.QuestionTrueFalse, Marks: 1, CorrectOption: "True"}

	for _, answer := range []string{"true", "T", "yes", " TRUE "} {
		if r := e.Grade(context.Background(), q, answer); r.Score != 1 {
			t.Errorf("answer %q: score = %v, want 1", answer, r.Score)
		}
	}
	for _, answer := range []string{"false", "F", "no", "maybe"} {
		if r := e.Grade(context.Background(), q, answer); r.Score != 0 {
			t.Errorf("answer %q: score = %v, want 0", answer, r.Score)
		}
	}
}

func TestShortAnswer(t *testing.T) {
	q := model.Question{ID: 2, Type: model.QuestionShortAnswer, Text: "What is GC?", Marks: 4,
		AcceptableAnswers: []string{"garbage collection"}}

	t.Run("empty answer skips the service", func(t *testing.T) {
		fc := &fakeCompleter{}
		r := newTestEngine(t, fc).Grade(context.Background(), q, "   ")
		if r.Score != 0 || r.Confidence != 1 {
			t.Errorf("got %v/%v, want 0/1", r.Score, r.Confidence)
		}
		if fc.calls() != 0 {
			t.Errorf("expected no completion calls, got %d", fc.calls())
		}
	})

	t.Run("score is clamped", func(t *testing.T) {
		fc := &fakeCompleter{reply: `{"score": 9, "confidence": 1.7, "feedback": "Right", "reasoning": "same meaning"}`}
		r := newTestEngine(t, fc).Grade(context.Background(), q, "garbage collecting")
		if r.Score != 4 {
			t.Errorf("score = %v, want clamped 4", r.Score)
		}
		if r.Confidence != 1 {
			t.Errorf("confidence = %v, want clamped 1", r.Confidence)
		}
		if r.Feedback != "Right" || r.Reasoning != "same meaning" {
			t.Errorf("unexpected result %+v", r)
		}
	})

	t.Run("negative score is clamped", func(t *testing.T) {
		fc := &fakeCompleter{reply: `{"score": -2, "confidence": -1}`}
		r := newTestEngine(t, fc).Grade(context.Background(), q, "no idea")
		if r.Score != 0 || r.Confidence != 0 {
			t.Errorf("got %v/%v, want 0/0", r.Score, r.Confidence)
		}
	})

	t.Run("unparsable response falls back", func(t *testing.T) {
		fc := &fakeCompleter{reply: "I think it deserves full marks"}
		r := newTestEngine(t, fc).Grade(context.Background(), q, "garbage collection")
		if r.Score != 0 || r.Confidence != 0 || !r.NeedsReview {
			t.Errorf("expected 0/0 fallback needing review, got %+v", r)
		}
		if !strings.Contains(r.Feedback, "review") {
			t.Errorf("feedback should mention review, got %q", r.Feedback)
		}
	})
}

func TestEssayServiceUnreachable(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("connection refused")}
	q := model.Question{ID: 3, Type: model.QuestionEssay, Text: "Explain channels", Marks: 10}

	r := newTestEngine(t, fc).Grade(context.Background(), q, "Channels let goroutines talk.")
	if r.Score != 5 {
		t.Errorf("score = %v, want 5", r.Score)
	}
	if r.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", r.Confidence)
	}
	if !r.NeedsReview {
		t.Error("fallback result must need review")
	}
	if !strings.Contains(r.Feedback, "review") {
		t.Errorf("feedback should mention manual review, got %q", r.Feedback)
	}
	if !strings.Contains(r.Reasoning, "connection refused") {
		t.Errorf("reasoning should carry the cause, got %q", r.Reasoning)
	}
}

func TestEssayTimeout(t *testing.T) {
	fc := &fakeCompleter{delay: time.Second, reply: `{"score": 10, "confidence": 1}`}
	cfg := DefaultConfig()
	cfg.CompletionTimeout = 20 * time.Millisecond
	cfg.EssayFallbackRatio = 0.4
	q := model.Question{ID: 3, Type: model.QuestionEssay, Marks: 10}

	start := time.Now()
	r := New(fc, cfg).Grade(context.Background(), q, "An answer")
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("grading did not respect the completion timeout")
	}
	if r.Score != 4 || !r.NeedsReview {
		t.Errorf("expected configured 4-mark fallback, got %+v", r)
	}
}

func TestEssayFoldsLists(t *testing.T) {
	fc := &fakeCompleter{reply: `{"score": 7, "confidence": 0.8, "feedback": "Good grasp.",
		"strengths": ["clear"], "improvements": ["mention buffering"]}`}
	q := model.Question{ID: 3, Type: model.QuestionEssay, Text: "Explain channels", Marks: 10,
		AcceptableAnswers: []string{"typed conduit", "pipe between goroutines"}, Keywords: []string{"buffer"}}

	r := newTestEngine(t, fc).Grade(context.Background(), q, "They are pipes.")
	if r.Score != 7 || r.Confidence != 0.8 {
		t.Errorf("got %v/%v, want 7/0.8", r.Score, r.Confidence)
	}
	for _, want := range []string{"Good grasp.", "Strengths:\n- clear", "To improve:\n- mention buffering"} {
		if !strings.Contains(r.Feedback, want) {
			t.Errorf("feedback %q should contain %q", r.Feedback, want)
		}
	}
	// All references and keywords reach the prompt.
	p := fc.prompts[0]
	for _, want := range []string{"typed conduit", "pipe between goroutines", "buffer", "60% to 80%", "30% to 50%"} {
		if !strings.Contains(p, want) {
			t.Errorf("essay prompt should contain %q", want)
		}
	}
}

func TestUnknownType(t *testing.T) {
	e := newTestEngine(t, &fakeCompleter{})
	r := e.Grade(context.Background(), model.Question{ID: 9, Type: "matching", Marks: 3}, "x")
	if r.Score != 0 || r.Confidence != 0 || !r.NeedsReview {
		t.Errorf("unexpected result %+v", r)
	}
}

type concurrencyCompleter struct {
	inFlight, peak atomic.Int32
}

func (c *concurrencyCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return `{"score": 1, "confidence": 0.9}`, nil
}

func TestGradeAll(t *testing.T) {
	cc := &concurrencyCompleter{}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	e := New(cc, cfg)

	questions := []model.Question{
		{ID: 1, Type: model.QuestionMCQ, Marks: 2, CorrectOption: "A"},
		{ID: 2, Type: model.QuestionShortAnswer, Marks: 2},
		{ID: 3, Type: model.QuestionShortAnswer, Marks: 2},
		{ID: 4, Type: model.QuestionShortAnswer, Marks: 2},
		{ID: 5, Type: model.QuestionEssay, Marks: 2},
	}
	answers := map[int64]string{1: "A", 2: "x", 3: "y", 4: "z", 5: "essay"}

	results := e.GradeAll(context.Background(), questions, answers)
	if len(results) != len(questions) {
		t.Fatalf("expected %d results, got %d", len(questions), len(results))
	}
	for i, r := range results {
		if r.QuestionID != questions[i].ID {
			t.Errorf("result %d is for question %d, want %d", i, r.QuestionID, questions[i].ID)
		}
	}
	if results[0].Score != 2 {
		t.Errorf("MCQ score = %v, want 2", results[0].Score)
	}
	if peak := cc.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak)
	}
}
