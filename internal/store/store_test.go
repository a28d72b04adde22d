package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestExam stores an exam with an MCQ worth 2 marks and an essay worth 10.
func createTestExam(t *testing.T, s *Store) (int64, []model.Question) {
	t.Helper()
	ctx := context.Background()
	examID, err := s.CreateExam(ctx, "Go basics", []model.Question{
		{Type: model.QuestionMCQ, Text: "Which keyword starts a goroutine?", Marks: 2, CorrectOption: "B"},
		{Type: model.QuestionEssay, Text: "Explain channels.", Marks: 10,
			AcceptableAnswers: []string{"typed conduit"}, Keywords: []string{"send", "receive"}},
	})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}
	qs, err := s.ListExamQuestions(ctx, examID)
	if err != nil {
		t.Fatalf("ListExamQuestions: %v", err)
	}
	return examID, qs
}

func gradingJob(id string, maxAttempts int) func(int64) model.Job {
	return func(subID int64) model.Job {
		return model.Job{ID: id, Queue: model.QueueGrading, SubmissionID: subID, MaxAttempts: maxAttempts}
	}
}

func createTestSubmission(t *testing.T, s *Store, examID, studentID int64, jobID string, answers map[int64]string) int64 {
	t.Helper()
	id, gotJob, err := s.CreateSubmission(context.Background(), model.Submission{
		ExamID:    examID,
		StudentID: studentID,
		Answers:   answers,
	}, gradingJob(jobID, 3))
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if gotJob != jobID {
		t.Fatalf("expected job %q, got %q", jobID, gotJob)
	}
	return id
}

func gradedResults(qs []model.Question, mcq, essay float64) []model.QuestionResult {
	return []model.QuestionResult{
		{QuestionID: qs[0].ID, Score: mcq, Confidence: 1, Feedback: "mcq"},
		{QuestionID: qs[1].ID, Score: essay, Confidence: 0.8, Feedback: "essay", Reasoning: "ok"},
	}
}

func TestExamAndQuestions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)

	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if exam.Name != "Go basics" {
		t.Errorf("expected name 'Go basics', got %q", exam.Name)
	}

	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(qs))
	}
	if qs[0].Type != model.QuestionMCQ || qs[0].CorrectOption != "B" {
		t.Errorf("unexpected MCQ question: %+v", qs[0])
	}
	if len(qs[0].AcceptableAnswers) != 0 {
		t.Errorf("expected no acceptable answers, got %v", qs[0].AcceptableAnswers)
	}
	if len(qs[1].Keywords) != 2 || qs[1].Keywords[1] != "receive" {
		t.Errorf("unexpected keywords: %v", qs[1].Keywords)
	}

	q, err := s.GetQuestion(ctx, qs[1].ID)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q.Marks != 10 {
		t.Errorf("expected 10 marks, got %v", q.Marks)
	}

	// Not found.
	if _, err := s.GetExam(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetQuestion(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)

	answers := map[int64]string{qs[0].ID: "B", qs[1].ID: "Channels connect goroutines."}
	subID := createTestSubmission(t, s, examID, 7, "job-a", answers)

	sub, err := s.GetSubmission(ctx, subID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Status != model.SubmissionPending {
		t.Errorf("expected pending, got %q", sub.Status)
	}
	if sub.Answers[qs[0].ID] != "B" {
		t.Errorf("expected answer B, got %q", sub.Answers[qs[0].ID])
	}

	job, err := s.GetJob(ctx, "job-a")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.SubmissionID != subID || job.Status != model.JobPending || job.Attempts != 0 {
		t.Errorf("unexpected job: %+v", job)
	}

	// Same student, same exam.
	_, _, err = s.CreateSubmission(ctx, model.Submission{ExamID: examID, StudentID: 7}, gradingJob("job-b", 3))
	if !errors.Is(err, model.ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if _, err := s.GetJob(ctx, "job-b"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("duplicate submission must not enqueue a job, got %v", err)
	}

	// Another student is fine.
	createTestSubmission(t, s, examID, 8, "job-c", answers)
	subs, err := s.ListSubmissions(ctx, examID)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("expected 2 submissions, got %d", len(subs))
	}
}

func TestSaveGradingRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "job-1", map[int64]string{qs[0].ID: "B", qs[1].ID: "x"})

	sum, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 2, 5))
	if err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}
	if sum.TotalScore != 7 || sum.MaxScore != 12 {
		t.Errorf("expected 7/12, got %v/%v", sum.TotalScore, sum.MaxScore)
	}
	if sum.Grade != "F" {
		t.Errorf("expected grade F, got %q", sum.Grade)
	}

	sub, _ := s.GetSubmission(ctx, subID)
	if sub.Status != model.SubmissionGraded {
		t.Errorf("expected graded, got %q", sub.Status)
	}

	if err := s.SetSummaryFeedback(ctx, subID, "Good effort."); err != nil {
		t.Fatalf("SetSummaryFeedback: %v", err)
	}

	// Re-running replaces results and keeps a single row per question.
	sum, err = s.SaveGradingRun(ctx, subID, gradedResults(qs, 2, 9))
	if err != nil {
		t.Fatalf("SaveGradingRun again: %v", err)
	}
	if sum.TotalScore != 11 {
		t.Errorf("expected total 11, got %v", sum.TotalScore)
	}
	if sum.Feedback != "Good effort." {
		t.Errorf("expected feedback preserved, got %q", sum.Feedback)
	}
	results, err := s.ListResults(ctx, subID)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].Score != 9 || results[1].GradedAt == nil {
		t.Errorf("unexpected essay result: %+v", results[1])
	}

	view, err := s.GetResultsView(ctx, subID)
	if err != nil {
		t.Fatalf("GetResultsView: %v", err)
	}
	if view.Summary == nil || view.Summary.TotalScore != 11 {
		t.Errorf("unexpected summary in view: %+v", view.Summary)
	}
}

func TestSaveGradingRunHoldsScoresWithinMarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "job-1", map[int64]string{qs[0].ID: "B", qs[1].ID: "x"})

	sum, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 5, -1))
	if err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}
	want := model.Aggregate(subID, qs, gradedResults(qs, 5, -1))
	if sum.TotalScore != 2 || sum.TotalScore != want.TotalScore || sum.Grade != want.Grade {
		t.Errorf("summary %v (%s), want %v (%s)", sum.TotalScore, sum.Grade, want.TotalScore, want.Grade)
	}
	stored, err := s.GetSummary(ctx, subID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if stored == nil || stored.TotalScore != 2 || stored.MaxScore != 12 {
		t.Errorf("unexpected stored summary %+v", stored)
	}
}

func TestTeacherScoreIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "job-1", map[int64]string{qs[0].ID: "B", qs[1].ID: "x"})

	if _, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 2, 5)); err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}
	results, _ := s.ListResults(ctx, subID)
	essay := results[1]

	gq, err := s.CreateGradeQuery(ctx, essay.ID, 1, "I covered buffering")
	if err != nil {
		t.Fatalf("CreateGradeQuery: %v", err)
	}
	adjusted := 8.0
	if _, _, err := s.ResolveGradeQuery(ctx, gq.ID, "Agreed", &adjusted); err != nil {
		t.Fatalf("ResolveGradeQuery: %v", err)
	}

	// A regrade must not overwrite the teacher's decision.
	sum, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 0, 3))
	if err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}
	if sum.TotalScore != 8 {
		t.Errorf("expected total 0+8, got %v", sum.TotalScore)
	}
	got, err := s.GetResult(ctx, essay.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.TeacherScore == nil || *got.TeacherScore != 8 {
		t.Errorf("expected teacher score 8, got %v", got.TeacherScore)
	}
	if got.Score != 5 {
		t.Errorf("expected original score 5 kept, got %v", got.Score)
	}
	if got.EffectiveScore() != 8 {
		t.Errorf("expected effective score 8, got %v", got.EffectiveScore())
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := model.Job{ID: "n-1", Queue: model.QueueNotification, Payload: []byte(`{}`), MaxAttempts: 2}
	created, err := s.InsertJob(ctx, job)
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if !created {
		t.Fatal("expected job to be created")
	}
	created, err = s.InsertJob(ctx, job)
	if err != nil {
		t.Fatalf("InsertJob duplicate: %v", err)
	}
	if created {
		t.Error("duplicate job ID must not create a row")
	}

	// Other queues do not see the job.
	if j, err := s.ClaimJob(ctx, model.QueueGrading, time.Minute); err != nil || j != nil {
		t.Fatalf("expected nothing on grading queue, got %v, %v", j, err)
	}

	j, err := s.ClaimJob(ctx, model.QueueNotification, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if j == nil || j.Status != model.JobRunning || j.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v", j)
	}

	// The lease is held.
	if again, _ := s.ClaimJob(ctx, model.QueueNotification, time.Minute); again != nil {
		t.Fatalf("expected no claim while leased, got %+v", again)
	}

	// Retry in the future is not claimable yet.
	if err := s.RetryJob(ctx, "n-1", "boom", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if again, _ := s.ClaimJob(ctx, model.QueueNotification, time.Minute); again != nil {
		t.Fatalf("expected no claim before run_at, got %+v", again)
	}
	got, _ := s.GetJob(ctx, "n-1")
	if got.Status != model.JobPending || got.LastError != "boom" {
		t.Errorf("unexpected job after retry: %+v", got)
	}

	// Retrying a pending job is rejected.
	if err := s.RetryJob(ctx, "n-1", "again", time.Now()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for non-running job, got %v", err)
	}
}

func TestJobTerminalStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertJob(ctx, model.Job{ID: "n-1", Queue: model.QueueNotification, MaxAttempts: 2}); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, model.QueueNotification, time.Minute); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.RetryJob(ctx, "n-1", "first", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	j, err := s.ClaimJob(ctx, model.QueueNotification, time.Minute)
	if err != nil || j == nil {
		t.Fatalf("ClaimJob second attempt: %v, %v", j, err)
	}
	if j.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", j.Attempts)
	}
	if err := s.FailJob(ctx, "n-1", "second"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// Terminal jobs never move again.
	if err := s.CompleteJob(ctx, "n-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound completing a failed job, got %v", err)
	}
	if j, _ := s.ClaimJob(ctx, model.QueueNotification, time.Minute); j != nil {
		t.Errorf("failed job must not be claimed, got %+v", j)
	}

	failed, err := s.ListJobs(ctx, model.QueueNotification, model.JobFailed, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "second" {
		t.Errorf("unexpected failed jobs: %+v", failed)
	}
}

func TestExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertJob(ctx, model.Job{ID: "n-1", Queue: model.QueueNotification, MaxAttempts: 2}); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	// A negative lease expires at once, as if the worker had crashed.
	j, err := s.ClaimJob(ctx, model.QueueNotification, -time.Second)
	if err != nil || j == nil {
		t.Fatalf("ClaimJob: %v, %v", j, err)
	}
	j, err = s.ClaimJob(ctx, model.QueueNotification, -time.Second)
	if err != nil || j == nil {
		t.Fatalf("reclaim: %v, %v", j, err)
	}
	if j.Attempts != 2 {
		t.Errorf("expected 2 attempts after reclaim, got %d", j.Attempts)
	}

	// Out of attempts: not claimable, reaped as failed.
	if j, _ := s.ClaimJob(ctx, model.QueueNotification, time.Minute); j != nil {
		t.Fatalf("expected no claim after final attempt, got %+v", j)
	}
	reaped, err := s.ReapExpiredJobs(ctx, model.QueueNotification)
	if err != nil {
		t.Fatalf("ReapExpiredJobs: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != "n-1" {
		t.Fatalf("unexpected reaped jobs: %+v", reaped)
	}
	got, _ := s.GetJob(ctx, "n-1")
	if got.Status != model.JobFailed {
		t.Errorf("expected failed, got %q", got.Status)
	}
	reaped, _ = s.ReapExpiredJobs(ctx, model.QueueNotification)
	if len(reaped) != 0 {
		t.Errorf("expected nothing left to reap, got %d", len(reaped))
	}
}

func TestEnqueueGradingJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "grade-0", map[int64]string{qs[0].ID: "A"})

	build := func(group int) model.Job {
		return gradingJob("grade-"+string(rune('0'+group)), 3)(subID)
	}

	// An active job is returned as is.
	id, created, err := s.EnqueueGradingJob(ctx, subID, build)
	if err != nil {
		t.Fatalf("EnqueueGradingJob: %v", err)
	}
	if id != "grade-0" || created {
		t.Errorf("expected existing grade-0, got %q created=%v", id, created)
	}

	j, err := s.ClaimJob(ctx, model.QueueGrading, time.Minute)
	if err != nil || j == nil {
		t.Fatalf("ClaimJob: %v, %v", j, err)
	}
	if _, _, err := s.EnqueueGradingJob(ctx, subID, build); err != nil {
		t.Fatalf("EnqueueGradingJob while running: %v", err)
	}
	if err := s.CompleteJob(ctx, j.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.UpdateSubmissionStatus(ctx, subID, model.SubmissionGraded); err != nil {
		t.Fatalf("UpdateSubmissionStatus: %v", err)
	}

	// After a terminal job a new group starts.
	id, created, err = s.EnqueueGradingJob(ctx, subID, build)
	if err != nil {
		t.Fatalf("EnqueueGradingJob: %v", err)
	}
	if id != "grade-1" || !created {
		t.Errorf("expected new grade-1, got %q created=%v", id, created)
	}
	sub, _ := s.GetSubmission(ctx, subID)
	if sub.Status != model.SubmissionPending {
		t.Errorf("expected submission reset to pending, got %q", sub.Status)
	}
	jobs, err := s.ListSubmissionJobs(ctx, subID)
	if err != nil {
		t.Fatalf("ListSubmissionJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}

	if _, _, err := s.EnqueueGradingJob(ctx, 9999, build); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGradeQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "job-1", map[int64]string{qs[0].ID: "B", qs[1].ID: "x"})
	if _, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 2, 5)); err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}
	results, _ := s.ListResults(ctx, subID)
	essay := results[1]

	// Another student cannot dispute this result.
	if _, err := s.CreateGradeQuery(ctx, essay.ID, 2, "mine?"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign student, got %v", err)
	}
	if _, err := s.CreateGradeQuery(ctx, 9999, 1, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing result, got %v", err)
	}

	gq, err := s.CreateGradeQuery(ctx, essay.ID, 1, "I mentioned buffering")
	if err != nil {
		t.Fatalf("CreateGradeQuery: %v", err)
	}
	if gq.Status != model.QueryPending || gq.ID == 0 {
		t.Errorf("unexpected query: %+v", gq)
	}
	if _, err := s.CreateGradeQuery(ctx, essay.ID, 1, "again"); !errors.Is(err, model.ErrAlreadyDisputed) {
		t.Errorf("expected ErrAlreadyDisputed, got %v", err)
	}

	tooHigh := 11.0
	if _, _, err := s.ResolveGradeQuery(ctx, gq.ID, "no", &tooHigh); !errors.Is(err, model.ErrInvalidScore) {
		t.Errorf("expected ErrInvalidScore, got %v", err)
	}
	pending, _ := s.ListGradeQueries(ctx, model.QueryPending)
	if len(pending) != 1 {
		t.Fatalf("expected query still pending, got %d", len(pending))
	}

	adjusted := 8.0
	resolved, gotSub, err := s.ResolveGradeQuery(ctx, gq.ID, "Fair point", &adjusted)
	if err != nil {
		t.Fatalf("ResolveGradeQuery: %v", err)
	}
	if gotSub != subID {
		t.Errorf("expected submission %d, got %d", subID, gotSub)
	}
	if resolved.Status != model.QueryResolved || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolved query: %+v", resolved)
	}
	if resolved.AdjustedScore == nil || *resolved.AdjustedScore != 8 {
		t.Errorf("expected adjusted score 8, got %v", resolved.AdjustedScore)
	}

	if _, _, err := s.ResolveGradeQuery(ctx, gq.ID, "twice", nil); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, _, err := s.ResolveGradeQuery(ctx, 9999, "x", nil); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	sum, _ := s.GetSummary(ctx, subID)
	if sum == nil || sum.TotalScore != 10 {
		t.Errorf("expected total 2+8, got %+v", sum)
	}
	got, _ := s.GetResult(ctx, essay.ID)
	if !got.Disputed {
		t.Error("result should stay disputed after resolution")
	}
	if got.TeacherFeedback == nil || *got.TeacherFeedback != "Fair point" {
		t.Errorf("unexpected teacher feedback: %v", got.TeacherFeedback)
	}

	all, _ := s.ListGradeQueries(ctx, "")
	if len(all) != 1 {
		t.Errorf("expected 1 query, got %d", len(all))
	}
}

func TestResolveWithoutScoreChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "job-1", map[int64]string{qs[0].ID: "B", qs[1].ID: "x"})
	if _, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 2, 5)); err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}
	results, _ := s.ListResults(ctx, subID)

	gq, err := s.CreateGradeQuery(ctx, results[0].ID, 1, "why?")
	if err != nil {
		t.Fatalf("CreateGradeQuery: %v", err)
	}
	if _, _, err := s.ResolveGradeQuery(ctx, gq.ID, "Option B is correct.", nil); err != nil {
		t.Fatalf("ResolveGradeQuery: %v", err)
	}
	got, _ := s.GetResult(ctx, results[0].ID)
	if got.TeacherScore != nil {
		t.Errorf("expected no teacher score, got %v", *got.TeacherScore)
	}
	sum, _ := s.GetSummary(ctx, subID)
	if sum.TotalScore != 7 {
		t.Errorf("expected unchanged total 7, got %v", sum.TotalScore)
	}
}

func TestCreateImportedExam(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	questions := []model.Question{{Type: model.QuestionMCQ, Text: "q", Marks: 1, CorrectOption: "A"}}

	// Missing file returns empty string.
	hash, err := s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	first, err := s.CreateImportedExam(ctx, "/some/path.json", "abc123", "First", questions)
	if err != nil {
		t.Fatalf("CreateImportedExam: %v", err)
	}
	hash, err = s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "abc123" {
		t.Errorf("expected 'abc123', got %q", hash)
	}

	// Update existing.
	second, err := s.CreateImportedExam(ctx, "/some/path.json", "def456", "Second", questions)
	if err != nil {
		t.Fatalf("CreateImportedExam update: %v", err)
	}
	if second == first {
		t.Error("expected a new exam")
	}
	hash, _ = s.GetImportedFileHash(ctx, "/some/path.json")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}
}

func TestCreateImportedExamRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TRIGGER reject_import BEFORE INSERT ON imported_files
		 BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, err := s.CreateImportedExam(ctx, "/some/path.json", "abc123", "Exam",
		[]model.Question{{Type: model.QuestionMCQ, Text: "q", Marks: 1, CorrectOption: "A"}})
	if err == nil {
		t.Fatal("expected the import record to fail")
	}

	var exams, questions int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exams`).Scan(&exams); err != nil {
		t.Fatalf("count exams: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&questions); err != nil {
		t.Fatalf("count questions: %v", err)
	}
	if exams != 0 || questions != 0 {
		t.Errorf("failed import left %d exams and %d questions", exams, questions)
	}
}

func TestExportExam(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	examID, qs := createTestExam(t, s)
	subID := createTestSubmission(t, s, examID, 1, "job-1", map[int64]string{qs[0].ID: "B", qs[1].ID: "Typed conduits."})
	createTestSubmission(t, s, examID, 2, "job-2", map[int64]string{qs[0].ID: "A"})
	if _, err := s.SaveGradingRun(ctx, subID, gradedResults(qs, 2, 9)); err != nil {
		t.Fatalf("SaveGradingRun: %v", err)
	}

	export, err := s.ExportExam(ctx, examID)
	if err != nil {
		t.Fatalf("ExportExam: %v", err)
	}
	if export.ExamName != "Go basics" || export.NumQuestion != 2 {
		t.Errorf("unexpected export header: %+v", export)
	}
	if len(export.Results) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(export.Results))
	}
	graded := export.Results[0]
	if graded.Grade != "A" || graded.TotalScore != 11 {
		t.Errorf("unexpected graded export: %+v", graded)
	}
	if len(graded.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(graded.Questions))
	}
	essay := graded.Questions[1]
	if essay.Score != 9 || essay.Answer != "Typed conduits." || essay.Type != model.QuestionEssay {
		t.Errorf("unexpected essay export: %+v", essay)
	}
	if len(export.Results[1].Questions) != 0 {
		t.Errorf("ungraded submission should have no questions, got %d", len(export.Results[1].Questions))
	}

	if _, err := s.ExportExam(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
