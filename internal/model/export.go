package model

import "time"

// ResultsExport is the top-level JSON structure for grading result export.
type ResultsExport struct {
	ExamID      int64              `json:"exam_id"`
	ExamName    string             `json:"exam_name"`
	ExportedAt  time.Time          `json:"exported_at"`
	NumQuestion int                `json:"num_questions"`
	Results     []SubmissionExport `json:"results"`
}

// SubmissionExport holds one student's graded submission for export.
type SubmissionExport struct {
	SubmissionID int64            `json:"submission_id"`
	StudentID    int64            `json:"student_id"`
	Status       SubmissionStatus `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	TotalScore   float64          `json:"total_score"`
	MaxScore     float64          `json:"max_score"`
	Percentage   float64          `json:"percentage"`
	Grade        string           `json:"grade"`
	Feedback     string           `json:"feedback"`
	Questions    []QuestionExport `json:"questions"`
}

// QuestionExport holds per-question data for export.
type QuestionExport struct {
	QuestionID      int64        `json:"question_id"`
	Type            QuestionType `json:"type"`
	Text            string       `json:"text"`
	Marks           float64      `json:"marks"`
	Answer          string       `json:"answer"`
	Score           float64      `json:"score"`
	Confidence      float64      `json:"confidence"`
	Feedback        string       `json:"feedback"`
	NeedsReview     bool         `json:"needs_review"`
	TeacherScore    *float64     `json:"teacher_score,omitempty"`
	TeacherFeedback *string      `json:"teacher_feedback,omitempty"`
	Disputed        bool         `json:"disputed"`
}
