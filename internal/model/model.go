package model

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSubmission is returned when a student already submitted an exam.
	ErrDuplicateSubmission = errors.New("submission already exists for this exam and student")
	// ErrAlreadyDisputed is returned when a result already carries a grade query.
	ErrAlreadyDisputed = errors.New("result is already disputed")
	// ErrAlreadyResolved is returned when resolving a query that is not pending.
	ErrAlreadyResolved = errors.New("grade query is already resolved")
	// ErrInvalidScore is returned for an adjusted score outside [0, marks].
	ErrInvalidScore = errors.New("score out of range")
	// ErrInvalidAnswer is returned when a submission references unknown questions.
	ErrInvalidAnswer = errors.New("invalid answer")
)

// QuestionType selects the grading strategy for a question.
type QuestionType string

const (
	QuestionMCQ         QuestionType = "mcq"
	QuestionTrueFalse   QuestionType = "true_false"
	QuestionShortAnswer QuestionType = "short_answer"
	QuestionEssay       QuestionType = "essay"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionMCQ, QuestionTrueFalse, QuestionShortAnswer, QuestionEssay:
		return true
	}
	return false
}

// Question is an exam question. It is immutable once a submission references it.
type Question struct {
	ID                int64        `json:"id"`
	ExamID            int64        `json:"exam_id"`
	Type              QuestionType `json:"type"`
	Text              string       `json:"text"`
	Marks             float64      `json:"marks"`
	CorrectOption     string       `json:"correct_option,omitempty"`
	AcceptableAnswers []string     `json:"acceptable_answers,omitempty"`
	Keywords          []string     `json:"keywords,omitempty"`
}

// Exam groups questions.
type Exam struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmissionStatus tracks a submission through the pipeline.
type SubmissionStatus string

const (
	SubmissionPending SubmissionStatus = "pending"
	SubmissionGrading SubmissionStatus = "grading"
	SubmissionGraded  SubmissionStatus = "graded"
	// SubmissionDelayed means the last grading job failed and a retry is expected.
	SubmissionDelayed SubmissionStatus = "delayed"
)

// Submission is one student's answers to one exam.
type Submission struct {
	ID          int64            `json:"id"`
	ExamID      int64            `json:"exam_id"`
	StudentID   int64            `json:"student_id"`
	Answers     map[int64]string `json:"answers"`
	Status      SubmissionStatus `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// QuestionResult is the graded outcome of one question in one submission.
type QuestionResult struct {
	ID              int64      `json:"id"`
	SubmissionID    int64      `json:"submission_id"`
	QuestionID      int64      `json:"question_id"`
	Score           float64    `json:"score"`
	Confidence      float64    `json:"confidence"`
	Feedback        string     `json:"feedback"`
	Reasoning       string     `json:"reasoning"`
	NeedsReview     bool       `json:"needs_review"`
	TeacherScore    *float64   `json:"teacher_score,omitempty"`
	TeacherFeedback *string    `json:"teacher_feedback,omitempty"`
	Disputed        bool       `json:"disputed"`
	GradedAt        *time.Time `json:"graded_at,omitempty"`
}

// EffectiveScore is the teacher score when present, otherwise the graded score.
func (r QuestionResult) EffectiveScore() float64 {
	if r.TeacherScore != nil {
		return *r.TeacherScore
	}
	return r.Score
}

// SubmissionSummary holds the aggregate grade of a submission.
type SubmissionSummary struct {
	SubmissionID int64      `json:"submission_id"`
	TotalScore   float64    `json:"total_score"`
	MaxScore     float64    `json:"max_score"`
	Percentage   float64    `json:"percentage"`
	Grade        string     `json:"grade"`
	Feedback     string     `json:"feedback"`
	GradedAt     *time.Time `json:"graded_at,omitempty"`
}

// ResultsView is what a student or teacher sees for one submission.
type ResultsView struct {
	Submission Submission         `json:"submission"`
	Summary    *SubmissionSummary `json:"summary,omitempty"`
	Results    []QuestionResult   `json:"results"`
}

// QueryStatus is the state of a grade query.
type QueryStatus string

const (
	QueryPending  QueryStatus = "pending"
	QueryResolved QueryStatus = "resolved"
)

// GradeQuery is a student's dispute against one question result.
type GradeQuery struct {
	ID              int64       `json:"id"`
	ResultID        int64       `json:"result_id"`
	StudentID       int64       `json:"student_id"`
	Reason          string      `json:"reason"`
	Status          QueryStatus `json:"status"`
	TeacherResponse *string     `json:"teacher_response,omitempty"`
	AdjustedScore   *float64    `json:"adjusted_score,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
}

// QuestionImport is used for loading exams from JSON.
type QuestionImport struct {
	Type              QuestionType `json:"type"`
	Text              string       `json:"text"`
	Marks             float64      `json:"marks"`
	CorrectOption     string       `json:"correct_option"`
	AcceptableAnswers []string     `json:"acceptable_answers"`
	Keywords          []string     `json:"keywords"`
}

// ExamImport is the top-level structure of an exam JSON file.
type ExamImport struct {
	Name      string           `json:"name"`
	Questions []QuestionImport `json:"questions"`
}

// LetterGrade maps a percentage to a letter grade.
func LetterGrade(percentage float64) string {
	switch {
	case percentage >= 90:
		return "A"
	case percentage >= 80:
		return "B"
	case percentage >= 70:
		return "C"
	case percentage >= 60:
		return "D"
	default:
		return "F"
	}
}

// NewSummary builds a summary from a total and maximum score.
func NewSummary(submissionID int64, total, max float64) SubmissionSummary {
	pct := 0.0
	if max > 0 {
		pct = total / max * 100
	}
	return SubmissionSummary{
		SubmissionID: submissionID,
		TotalScore:   total,
		MaxScore:     max,
		Percentage:   pct,
		Grade:        LetterGrade(pct),
	}
}

// Aggregate totals effective scores against the marks of all questions.
// Each score is held within its question's marks. Results for questions not
// in the list are ignored.
func Aggregate(submissionID int64, questions []Question, results []QuestionResult) SubmissionSummary {
	marks := make(map[int64]float64, len(questions))
	var max float64
	for _, q := range questions {
		marks[q.ID] = q.Marks
		max += q.Marks
	}
	var total float64
	for _, r := range results {
		m, ok := marks[r.QuestionID]
		if !ok {
			continue
		}
		total += min(m, max0(r.EffectiveScore()))
	}
	return NewSummary(submissionID, total, max)
}

func max0(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
