package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/autograder/internal/dispute"
	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/pipeline"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	pipeline  *pipeline.Service
	disputes  *dispute.Service
	bus       *events.Bus
	adminHash []byte
	keepalive time.Duration
}

// New creates a new Handler. adminHash is the bcrypt hash of the admin
// password; see HashPassword.
func New(p *pipeline.Service, d *dispute.Service, bus *events.Bus, adminHash []byte) *Handler {
	return &Handler{
		pipeline:  p,
		disputes:  d,
		bus:       bus,
		adminHash: adminHash,
		keepalive: 15 * time.Second,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/submissions", h.handleSubmit)
		r.Get("/submissions/{submissionID}/results", h.handleResults)
		r.Post("/results/{resultID}/queries", h.handleRaiseQuery)
		r.Get("/live", h.handleLive)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/queries", h.handleListQueries)
			r.Post("/queries/{queryID}/resolve", h.handleResolveQuery)
			r.Post("/admin/exams", h.handleUploadExam)
			r.Get("/admin/exams/{examID}/export", h.handleExport)
			r.Post("/admin/submissions/{submissionID}/regrade", h.handleRegrade)
			r.Get("/admin/jobs", h.handleListJobs)
		})
	})
}

type submitRequest struct {
	ExamID    int64            `json:"exam_id"`
	StudentID int64            `json:"student_id"`
	Answers   map[int64]string `json:"answers"`
}

type submitResponse struct {
	SubmissionID int64                  `json:"submission_id"`
	Status       model.SubmissionStatus `json:"status"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.pipeline.Submit(r.Context(), req.ExamID, req.StudentID, req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{SubmissionID: id, Status: model.SubmissionPending})
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := urlID(w, r, "submissionID")
	if !ok {
		return
	}
	var studentID int64
	if s := r.URL.Query().Get("student_id"); s != "" {
		var err error
		if studentID, err = strconv.ParseInt(s, 10, 64); err != nil {
			http.Error(w, "invalid student ID", http.StatusBadRequest)
			return
		}
	} else if !h.isAdmin(r) {
		// Only admins may read results without naming the owner.
		http.Error(w, "student_id is required", http.StatusBadRequest)
		return
	}

	view, err := h.pipeline.Results(r.Context(), submissionID, studentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type raiseRequest struct {
	StudentID int64  `json:"student_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleRaiseQuery(w http.ResponseWriter, r *http.Request) {
	resultID, ok := urlID(w, r, "resultID")
	if !ok {
		return
	}
	var req raiseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := h.disputes.Raise(r.Context(), resultID, req.StudentID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func urlID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateSubmission),
		errors.Is(err, model.ErrAlreadyDisputed),
		errors.Is(err, model.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidAnswer),
		errors.Is(err, model.ErrInvalidScore),
		errors.Is(err, pipeline.ErrInvalidExam):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
