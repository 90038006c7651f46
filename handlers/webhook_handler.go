package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/parse"
	"github.com/veridian-health/docpipe/registry"
)

// WebhookJobStore is the registry surface the webhook receiver needs.
type WebhookJobStore interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (registry.UploadJob, error)
	SetParsedText(ctx context.Context, jobID uuid.UUID, text string) error
	AdvanceStage(ctx context.Context, jobID uuid.UUID, from, to registry.Stage) error
	RecordFailure(ctx context.Context, jobID uuid.UUID, f *fault.Fault) (registry.State, error)
	AppendEvent(ctx context.Context, jobID, docID uuid.UUID, typ registry.EventType, code string, payload map[string]interface{}, correlationID string) error
}

// WebhookHandler receives asynchronous parse-completion callbacks from the
// parsing provider and advances job state. It must answer fast; anything
// heavy waits for the orchestrator's next poll.
type WebhookHandler struct {
	store  WebhookJobStore
	logger *slog.Logger
}

func NewWebhookHandler(store WebhookJobStore, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		store:  store,
		logger: logger,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, err := uuid.Parse(vars["job_id"])
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
		h.logger.Error("Failed to load job for webhook",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(job.WebhookSecret)) != 1 {
		h.logger.Warn("Webhook with bad secret",
			slog.String("job_id", jobID.String()))
		h.appendRejection(r.Context(), job, "bad_secret")
		writeJSONError(w, "Invalid webhook secret", http.StatusUnauthorized)
		return
	}

	if job.Stage != registry.StageParsing {
		if job.Stage.After(registry.StageParsing) {
			// Duplicate delivery for an already-advanced job: idempotent no-op.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.appendRejection(r.Context(), job, "wrong_stage")
		writeJSONError(w, "Job is not awaiting parse completion", http.StatusConflict)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		writeJSONError(w, "Failed to read payload", http.StatusBadRequest)
		return
	}

	event, err := parse.NormalizeWebhookPayload(body)
	if err != nil {
		h.logger.Warn("Malformed webhook payload",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Malformed payload", http.StatusBadRequest)
		return
	}

	switch event.Status {
	case parse.StatusCompleted:
		h.handleCompleted(w, r, job, event)
	case parse.StatusFailed:
		h.handleFailed(w, r, job, event)
	}
}

func (h *WebhookHandler) handleCompleted(w http.ResponseWriter, r *http.Request, job registry.UploadJob, event parse.CompletionEvent) {
	ctx := r.Context()

	if err := h.store.SetParsedText(ctx, job.ID, event.Markdown); err != nil {
		h.logger.Error("Failed to stash webhook parse result",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to store result", http.StatusInternalServerError)
		return
	}

	err := h.store.AdvanceStage(ctx, job.ID, registry.StageParsing, registry.StageParsed)
	if errors.Is(err, registry.ErrStageConflict) {
		// The safety-net poller got there first; same outcome either way.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to advance job from webhook",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to advance job", http.StatusInternalServerError)
		return
	}

	if err := h.store.AppendEvent(ctx, job.ID, job.DocumentID, registry.EventInfo,
		registry.CodeParseCompleted, map[string]interface{}{"source": "webhook"}, job.ID.String()); err != nil {
		h.logger.Error("Failed to append webhook event",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) handleFailed(w http.ResponseWriter, r *http.Request, job registry.UploadJob, event parse.CompletionEvent) {
	_, err := h.store.RecordFailure(r.Context(), job.ID,
		fault.Permanentf(registry.CodeParseFailed, "provider reported parse failure: %s", event.Error))
	if err != nil {
		h.logger.Error("Failed to record webhook parse failure",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to record failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) appendRejection(ctx context.Context, job registry.UploadJob, reason string) {
	if err := h.store.AppendEvent(ctx, job.ID, job.DocumentID, registry.EventWarn,
		registry.CodeWebhookRejected, map[string]interface{}{"reason": reason}, job.ID.String()); err != nil {
		h.logger.Error("Failed to append rejection event",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
