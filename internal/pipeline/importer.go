package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/autograder/internal/model"
)

// ErrInvalidExam is returned for exam files that cannot be imported.
var ErrInvalidExam = errors.New("invalid exam file")

// ImportResult describes what ImportExam did.
type ImportResult struct {
	ExamID    int64 `json:"exam_id,omitempty"`
	Questions int   `json:"questions"`
	// Skipped is set when the file was imported before and nothing was stored.
	Skipped bool `json:"skipped"`
}

// ImportExam creates an exam from JSON data. source identifies the file; an
// unchanged file is skipped. A changed file is skipped too unless force is
// set, in which case it becomes a new exam, because questions already
// referenced by submissions must not change.
func (s *Service) ImportExam(ctx context.Context, source string, data []byte, force bool) (ImportResult, error) {
	hash := sha256sum(data)
	storedHash, err := s.store.GetImportedFileHash(ctx, source)
	if err != nil {
		return ImportResult{}, fmt.Errorf("check import status for %s: %w", source, err)
	}
	if storedHash == hash {
		slog.Info("exam file unchanged, skipping", "source", source)
		return ImportResult{Skipped: true}, nil
	}
	if storedHash != "" && !force {
		slog.Warn("exam file changed since last import, skipping to keep existing submissions intact",
			"source", source)
		return ImportResult{Skipped: true}, nil
	}

	exam, err := parseExam(data)
	if err != nil {
		return ImportResult{}, fmt.Errorf("parse %s: %w", source, err)
	}
	questions := make([]model.Question, 0, len(exam.Questions))
	for _, qi := range exam.Questions {
		questions = append(questions, model.Question{
			Type:              qi.Type,
			Text:              qi.Text,
			Marks:             qi.Marks,
			CorrectOption:     qi.CorrectOption,
			AcceptableAnswers: qi.AcceptableAnswers,
			Keywords:          qi.Keywords,
		})
	}

	examID, err := s.store.CreateImportedExam(ctx, source, hash, exam.Name, questions)
	if err != nil {
		return ImportResult{}, fmt.Errorf("store exam from %s: %w", source, err)
	}
	slog.Info("imported exam", "source", source, "exam_id", examID, "questions", len(questions))
	return ImportResult{ExamID: examID, Questions: len(questions)}, nil
}

func parseExam(data []byte) (model.ExamImport, error) {
	var exam model.ExamImport
	if err := json.Unmarshal(data, &exam); err != nil {
		return exam, fmt.Errorf("%w: %v", ErrInvalidExam, err)
	}
	exam.Name = strings.TrimSpace(exam.Name)
	if exam.Name == "" {
		return exam, fmt.Errorf("%w: name is required", ErrInvalidExam)
	}
	if len(exam.Questions) == 0 {
		return exam, fmt.Errorf("%w: no questions", ErrInvalidExam)
	}
	for i, q := range exam.Questions {
		n := i + 1
		switch {
		case !q.Type.Valid():
			return exam, fmt.Errorf("%w: question %d has unknown type %q", ErrInvalidExam, n, q.Type)
		case strings.TrimSpace(q.Text) == "":
			return exam, fmt.Errorf("%w: question %d has no text", ErrInvalidExam, n)
		case q.Marks <= 0:
			return exam, fmt.Errorf("%w: question %d must be worth more than 0 marks", ErrInvalidExam, n)
		case (q.Type == model.QuestionMCQ || q.Type == model.QuestionTrueFalse) && strings.TrimSpace(q.CorrectOption) == "":
			return exam, fmt.Errorf("%w: question %d needs a correct option", ErrInvalidExam, n)
		case q.Type == model.QuestionShortAnswer && len(q.AcceptableAnswers) == 0 && q.CorrectOption == "":
			return exam, fmt.Errorf("%w: question %d needs a reference answer", ErrInvalidExam, n)
		}
	}
	return exam, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
