package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/veridian-health/docpipe/registry"
)

// StatusStore is the read surface for job and document status lookups.
type StatusStore interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (registry.UploadJob, error)
	GetDocument(ctx context.Context, docID uuid.UUID) (registry.Document, error)
}

type JobHandler struct {
	store  StatusStore
	logger *slog.Logger
}

func NewJobHandler(store StatusStore, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		store:  store,
		logger: logger,
	}
}

type jobStatusResponse struct {
	Stage      string             `json:"stage"`
	State      string             `json:"state"`
	RetryCount int                `json:"retry_count"`
	LastError  *registry.JobError `json:"last_error,omitempty"`
}

func (h *JobHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(mux.Vars(r)["job_id"])
	if err != nil {
		writeJSONError(w, "Invalid job id", http.StatusNotFound)
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, registry.ErrJobNotFound) {
		writeJSONError(w, "Unknown job", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load job status",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		Stage:      string(job.Stage),
		State:      string(job.State),
		RetryCount: job.RetryCount,
		LastError:  job.LastError,
	})
}

type documentStatusResponse struct {
	DocumentID       string  `json:"document_id"`
	Filename         string  `json:"filename"`
	ProcessingStatus string  `json:"processing_status"`
	ParsedPath       *string `json:"parsed_path,omitempty"`
}

func (h *JobHandler) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(mux.Vars(r)["document_id"])
	if err != nil {
		writeJSONError(w, "Invalid document id", http.StatusNotFound)
		return
	}

	doc, err := h.store.GetDocument(r.Context(), docID)
	if errors.Is(err, registry.ErrJobNotFound) {
		writeJSONError(w, "Unknown document", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load document status",
			slog.String("document_id", docID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to load document", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, documentStatusResponse{
		DocumentID:       doc.ID.String(),
		Filename:         doc.Filename,
		ProcessingStatus: doc.ProcessingStatus,
		ParsedPath:       doc.ParsedPath,
	})
}
