package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/autograder/internal/model"
)

// Backoff selects how the retry delay grows.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// Policy controls retries and parallelism of one queue.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
	// MaxDelay caps exponential backoff. Zero means no cap.
	MaxDelay    time.Duration
	Concurrency int
	// Lease is how long a claimed job is reserved for its worker. It also
	// bounds a single handler run.
	Lease        time.Duration
	PollInterval time.Duration
}

// DefaultGradingPolicy returns the grading queue defaults.
func DefaultGradingPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		BaseDelay:    2 * time.Second,
		MaxDelay:     5 * time.Minute,
		Concurrency:  2,
		Lease:        10 * time.Minute,
		PollInterval: time.Second,
	}
}

// DefaultNotificationPolicy returns the notification queue defaults.
func DefaultNotificationPolicy() Policy {
	return Policy{
		MaxAttempts:  2,
		Backoff:      BackoffFixed,
		BaseDelay:    time.Second,
		Concurrency:  8,
		Lease:        time.Minute,
		PollInterval: time.Second,
	}
}

// Delay returns the wait before the next run after attempt failed attempts.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff != BackoffExponential {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) withDefaults(d Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = d.Backoff
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	if p.Lease <= 0 {
		p.Lease = d.Lease
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	return p
}

// JobStore is the durable storage behind the queues.
type JobStore interface {
	InsertJob(ctx context.Context, j model.Job) (bool, error)
	EnqueueGradingJob(ctx context.Context, submissionID int64, build func(group int) model.Job) (string, bool, error)
	ClaimJob(ctx context.Context, queue model.QueueName, lease time.Duration) (*model.Job, error)
	ReapExpiredJobs(ctx context.Context, queue model.QueueName) ([]model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, lastError string, runAt time.Time) error
	FailJob(ctx context.Context, id, lastError string) error
}

var jobNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("autograder.jobs"))

// GradingJobID is the deterministic ID of the group-th grading job of a submission.
func GradingJobID(submissionID int64, group int) string {
	return uuid.NewSHA1(jobNamespace, fmt.Appendf(nil, "grading:%d:%d", submissionID, group)).String()
}

// NotificationID is the deterministic ID of the event a job sends for step,
// so a retried job does not deliver the same event twice.
func NotificationID(jobID, step string) string {
	return uuid.NewSHA1(jobNamespace, fmt.Appendf(nil, "notify:%s:%s", jobID, step)).String()
}

// Queue enqueues jobs into the durable store and wakes idle workers.
type Queue struct {
	store    JobStore
	policies map[model.QueueName]Policy

	mu   sync.Mutex
	wake map[model.QueueName]chan struct{}
}

// New creates a queue with a policy per logical queue. Zero fields take the defaults.
func New(store JobStore, grading, notification Policy) *Queue {
	return &Queue{
		store: store,
		policies: map[model.QueueName]Policy{
			model.QueueGrading:      grading.withDefaults(DefaultGradingPolicy()),
			model.QueueNotification: notification.withDefaults(DefaultNotificationPolicy()),
		},
		wake: make(map[model.QueueName]chan struct{}),
	}
}

// Policy returns the policy of a queue.
func (q *Queue) Policy(name model.QueueName) Policy {
	return q.policies[name]
}

// NewGradingJob builds the first grading job of a new submission.
func (q *Queue) NewGradingJob(submissionID int64) model.Job {
	return q.gradingJob(submissionID, 0)
}

func (q *Queue) gradingJob(submissionID int64, group int) model.Job {
	return model.Job{
		ID:           GradingJobID(submissionID, group),
		Queue:        model.QueueGrading,
		SubmissionID: submissionID,
		MaxAttempts:  q.policies[model.QueueGrading].MaxAttempts,
	}
}

// EnqueueGrading schedules grading of a submission. While a job for the
// submission is pending or running its ID is returned and nothing is added.
func (q *Queue) EnqueueGrading(ctx context.Context, submissionID int64) (string, error) {
	id, created, err := q.store.EnqueueGradingJob(ctx, submissionID, func(group int) model.Job {
		return q.gradingJob(submissionID, group)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue grading of submission %d: %w", submissionID, err)
	}
	if created {
		slog.Info("grading job enqueued", "job_id", id, "submission_id", submissionID)
		q.Notify(model.QueueGrading)
	}
	return id, nil
}

// EnqueueNotification schedules delivery of an event. The event ID is the job
// ID; an event whose ID is already queued is not added again.
func (q *Queue) EnqueueNotification(ctx context.Context, ev model.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", ev.Kind, err)
	}
	created, err := q.store.InsertJob(ctx, model.Job{
		ID:          ev.ID,
		Queue:       model.QueueNotification,
		Payload:     payload,
		MaxAttempts: q.policies[model.QueueNotification].MaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue notification %s: %w", ev.Kind, err)
	}
	if !created {
		slog.Debug("notification already queued", "event_id", ev.ID, "kind", ev.Kind)
		return ev.ID, nil
	}
	q.Notify(model.QueueNotification)
	return ev.ID, nil
}

// DecodeEvent reads the event carried by a notification job.
func DecodeEvent(job model.Job) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode event of job %s: %w", job.ID, err)
	}
	return ev, nil
}

// Notify wakes one idle worker of the queue.
func (q *Queue) Notify(name model.QueueName) {
	select {
	case q.wakeCh(name) <- struct{}{}:
	default:
	}
}

func (q *Queue) wakeCh(name model.QueueName) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wake[name]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[name] = ch
	}
	return ch
}
