package model

import "time"

// QueueName identifies a logical job queue.
type QueueName string

const (
	QueueGrading      QueueName = "grading"
	QueueNotification QueueName = "notification"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a durable queue entry. Grading jobs carry a SubmissionID; notification
// jobs carry an encoded Event in Payload.
type Job struct {
	ID           string    `json:"id"`
	Queue        QueueName `json:"queue"`
	SubmissionID int64     `json:"submission_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	LastError    string    `json:"last_error,omitempty"`
	RunAt        time.Time `json:"run_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventKind names a live update event.
type EventKind string

const (
	EventGradingComplete    EventKind = "grading:complete"
	EventGradingDelayed     EventKind = "grading:delayed"
	EventLogUpdate          EventKind = "log:update"
	EventGradeQueryCreated  EventKind = "grade_query:created"
	EventGradeQueryResolved EventKind = "grade_query:resolved"
)

// RoomAdmin is the room shared by all admin dashboards.
const RoomAdmin = "admin"

// Event is an ephemeral notification. It is never persisted outside the
// notification queue payload.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Room      string    `json:"room"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// GradingCompletePayload is sent to the student's room when grading finishes.
type GradingCompletePayload struct {
	SubmissionID int64   `json:"submissionId"`
	Score        float64 `json:"score"`
	MaxScore     float64 `json:"maxScore"`
	Feedback     string  `json:"feedback"`
}

// LogPayload is sent to the admin room.
type LogPayload struct {
	Level        string `json:"level"`
	Message      string `json:"message"`
	SubmissionID int64  `json:"submissionId,omitempty"`
	JobID        string `json:"jobId,omitempty"`
}
