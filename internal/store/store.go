package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		marks REAL NOT NULL CHECK (marks > 0),
		correct_option TEXT NOT NULL DEFAULT '',
		acceptable_answers TEXT NOT NULL DEFAULT '[]',
		keywords TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		answers TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		submitted_at DATETIME NOT NULL,
		UNIQUE (exam_id, student_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS question_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL DEFAULT '',
		needs_review INTEGER NOT NULL DEFAULT 0,
		teacher_score REAL,
		teacher_feedback TEXT,
		disputed INTEGER NOT NULL DEFAULT 0,
		graded_at DATETIME,
		UNIQUE (submission_id, question_id),
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS submission_summaries (
		submission_id INTEGER PRIMARY KEY,
		total_score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		percentage REAL NOT NULL DEFAULT 0,
		grade TEXT NOT NULL DEFAULT '',
		feedback TEXT NOT NULL DEFAULT '',
		graded_at DATETIME,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		submission_id INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		last_error TEXT NOT NULL DEFAULT '',
		run_at INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (queue, status, run_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_submission ON jobs (queue, submission_id);

	CREATE TABLE IF NOT EXISTS grade_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		result_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		teacher_response TEXT,
		adjusted_score REAL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME,
		FOREIGN KEY (result_id) REFERENCES question_results(id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		exam_id INTEGER NOT NULL DEFAULT 0,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateExam stores an exam and its questions in one transaction.
func (s *Store) CreateExam(ctx context.Context, name string, questions []model.Question) (int64, error) {
	var examID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		examID, err = insertExam(ctx, tx, name, questions)
		return err
	})
	return examID, err
}

func insertExam(ctx context.Context, tx *sql.Tx, name string, questions []model.Question) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO exams (name, created_at) VALUES (?, ?)`, name, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	examID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, q := range questions {
		q.ExamID = examID
		if _, err := insertQuestion(ctx, tx, q); err != nil {
			return 0, err
		}
	}
	return examID, nil
}

func insertQuestion(ctx context.Context, tx *sql.Tx, q model.Question) (int64, error) {
	acceptable, err := json.Marshal(nonNil(q.AcceptableAnswers))
	if err != nil {
		return 0, err
	}
	keywords, err := json.Marshal(nonNil(q.Keywords))
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO questions (exam_id, type, text, marks, correct_option, acceptable_answers, keywords)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ExamID, q.Type, q.Text, q.Marks, q.CorrectOption, string(acceptable), string(keywords),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("exam %d: %w", id, model.ErrNotFound)
	}
	return e, err
}

const questionColumns = `id, exam_id, type, text, marks, correct_option, acceptable_answers, keywords`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (model.Question, error) {
	var q model.Question
	var acceptable, keywords string
	if err := row.Scan(&q.ID, &q.ExamID, &q.Type, &q.Text, &q.Marks, &q.CorrectOption, &acceptable, &keywords); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(acceptable), &q.AcceptableAnswers); err != nil {
		return q, fmt.Errorf("decode acceptable answers of question %d: %w", q.ID, err)
	}
	if err := json.Unmarshal([]byte(keywords), &q.Keywords); err != nil {
		return q, fmt.Errorf("decode keywords of question %d: %w", q.ID, err)
	}
	return q, nil
}

// ListExamQuestions returns the questions of an exam ordered by ID.
func (s *Store) ListExamQuestions(ctx context.Context, examID int64) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = ? ORDER BY id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("question %d: %w", id, model.ErrNotFound)
	}
	return q, err
}

// CreateSubmission stores a submission and its first grading job atomically.
// It returns ErrDuplicateSubmission when the student already submitted the exam.
// job is called with the new submission ID to build the queue entry.
func (s *Store) CreateSubmission(ctx context.Context, sub model.Submission, job func(submissionID int64) model.Job) (int64, string, error) {
	answers, err := json.Marshal(sub.Answers)
	if err != nil {
		return 0, "", fmt.Errorf("encode answers: %w", err)
	}
	var (
		subID int64
		jobID string
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO submissions (exam_id, student_id, answers, status, submitted_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(exam_id, student_id) DO NOTHING`,
			sub.ExamID, sub.StudentID, string(answers), model.SubmissionPending, time.Now().UTC(),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return model.ErrDuplicateSubmission
		}
		subID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		j := job(subID)
		jobID = j.ID
		_, err = insertJob(ctx, tx, j)
		return err
	})
	if err != nil {
		return 0, "", err
	}
	return subID, jobID, nil
}

const submissionColumns = `id, exam_id, student_id, answers, status, submitted_at`

func scanSubmission(row rowScanner) (model.Submission, error) {
	var sub model.Submission
	var answers string
	if err := row.Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &answers, &sub.Status, &sub.SubmittedAt); err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(answers), &sub.Answers); err != nil {
		return sub, fmt.Errorf("decode answers of submission %d: %w", sub.ID, err)
	}
	return sub, nil
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id int64) (model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sub, fmt.Errorf("submission %d: %w", id, model.ErrNotFound)
	}
	return sub, err
}

// ListSubmissions returns all submissions of an exam, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, examID int64) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE exam_id = ? ORDER BY id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListSubmissionsByStatus returns submissions in the given status across all exams.
func (s *Store) ListSubmissionsByStatus(ctx context.Context, status model.SubmissionStatus) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubmissionStatus sets the submission status.
func (s *Store) UpdateSubmissionStatus(ctx context.Context, id int64, status model.SubmissionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE id = ?`, status, id)
	return err
}
