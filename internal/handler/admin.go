package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pavelanni/autograder/internal/model"
)

func (h *Handler) handleUploadExam(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "file too large", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("exam_file")
	if err != nil {
		http.Error(w, "no file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	force, _ := strconv.ParseBool(r.FormValue("force"))

	res, err := h.pipeline.ImportExam(r.Context(), header.Filename, data, force)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	slog.Info("exam uploaded via admin", "filename", header.Filename, "exam_id", res.ExamID, "skipped", res.Skipped)
	writeJSON(w, status, res)
}

func (h *Handler) handleRegrade(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := urlID(w, r, "submissionID")
	if !ok {
		return
	}
	jobID, err := h.pipeline.Regrade(r.Context(), submissionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := model.QueueName(q.Get("queue"))
	if name == "" {
		name = model.QueueGrading
	}
	if name != model.QueueGrading && name != model.QueueNotification {
		http.Error(w, "unknown queue", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	jobs, err := h.pipeline.Jobs(r.Context(), name, model.JobStatus(q.Get("status")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	examID, ok := urlID(w, r, "examID")
	if !ok {
		return
	}
	export, err := h.pipeline.Export(r.Context(), examID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (h *Handler) handleListQueries(w http.ResponseWriter, r *http.Request) {
	status := model.QueryStatus(r.URL.Query().Get("status"))
	queries, err := h.disputes.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if queries == nil {
		queries = []model.GradeQuery{}
	}
	writeJSON(w, http.StatusOK, queries)
}

type resolveRequest struct {
	Response      string   `json:"response"`
	AdjustedScore *float64 `json:"adjusted_score"`
}

func (h *Handler) handleResolveQuery(w http.ResponseWriter, r *http.Request) {
	queryID, ok := urlID(w, r, "queryID")
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := h.disputes.Resolve(r.Context(), queryID, req.Response, req.AdjustedScore)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
