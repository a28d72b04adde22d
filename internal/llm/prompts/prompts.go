package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/autograder/internal/model"
)

//go:embed templates/*.txt
var embedded embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Kind names a prompt template.
type Kind string

const (
	KindShortAnswer Kind = "short_answer"
	KindEssay       Kind = "essay"
	KindSummary     Kind = "summary"
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Kind]*template.Template
)

// Bands are the essay scoring bands as percentages of the question's marks.
type Bands struct {
	Full        int
	ThinLow     int
	ThinHigh    int
	PartialLow  int
	PartialHigh int
}

// ShortAnswerData holds template data for short-answer grading prompts.
type ShortAnswerData struct {
	QuestionText string
	References   []string
	MaxMarks     float64
	Answer       string
}

// EssayData holds template data for essay grading prompts.
type EssayData struct {
	QuestionText string
	References   []string
	Keywords     []string
	MaxMarks     float64
	Answer       string
	FullBand     int
	ThinLow      int
	ThinHigh     int
	PartialLow   int
	PartialHigh  int
}

// SummaryData holds template data for overall feedback prompts.
type SummaryData struct {
	TotalScore float64
	MaxScore   float64
	Percentage float64
	Grade      string
	Items      []string
	Language   string
}

// Load parses prompt templates from fsys. It uses sync.Once so templates are
// parsed only once; later calls return the first result.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[Kind]*template.Template)
		for _, k := range []Kind{KindShortAnswer, KindEssay, KindSummary} {
			file := "templates/" + string(k) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(k)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[k] = tmpl
		}
	})
	return loadErr
}

func execute(k Kind, data any) (string, error) {
	if err := Load(embedded); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[k]
	if !ok {
		return "", errors.New("unknown prompt template: " + string(k))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildShortAnswerPrompt builds the semantic comparison prompt for a short
// answer. Only the first acceptable answer is used as the reference.
func BuildShortAnswerPrompt(q model.Question, answer string) (string, error) {
	var refs []string
	switch {
	case len(q.AcceptableAnswers) > 0:
		refs = q.AcceptableAnswers[:1]
	case q.CorrectOption != "":
		refs = []string{q.CorrectOption}
	}
	return execute(KindShortAnswer, ShortAnswerData{
		QuestionText: q.Text,
		References:   refs,
		MaxMarks:     q.Marks,
		Answer:       sanitizeAnswer(answer),
	})
}

// BuildEssayPrompt builds the rubric prompt for an essay answer.
func BuildEssayPrompt(q model.Question, answer string, b Bands) (string, error) {
	return execute(KindEssay, EssayData{
		QuestionText: q.Text,
		References:   q.AcceptableAnswers,
		Keywords:     q.Keywords,
		MaxMarks:     q.Marks,
		Answer:       sanitizeAnswer(answer),
		FullBand:     b.Full,
		ThinLow:      b.ThinLow,
		ThinHigh:     b.ThinHigh,
		PartialLow:   b.PartialLow,
		PartialHigh:  b.PartialHigh,
	})
}

// BuildSummaryPrompt builds the overall feedback prompt from per-question feedback.
func BuildSummaryPrompt(sum model.SubmissionSummary, items []string, lang string) (string, error) {
	var kept []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it != "" {
			kept = append(kept, it)
		}
	}
	return execute(KindSummary, SummaryData{
		TotalScore: sum.TotalScore,
		MaxScore:   sum.MaxScore,
		Percentage: sum.Percentage,
		Grade:      sum.Grade,
		Items:      kept,
		Language:   lang,
	})
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		runes = runes[:10000]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
