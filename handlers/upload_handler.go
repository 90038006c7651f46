package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/registry"
)

var allowedUploadMimes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":    true,
	"text/markdown": true,
	"text/html":     true,
}

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// UploadStore creates the document+job pair for an initiated upload.
type UploadStore interface {
	CreateDocumentAndJob(ctx context.Context, up registry.NewUpload) (registry.CreateResult, error)
}

// UploadSigner issues the time-limited signed URL the client uploads raw
// bytes to.
type UploadSigner interface {
	CreateUploadTarget(ctx context.Context, path, contentType string) (string, *fault.Fault)
}

// UploadHandler is the upload-initiation endpoint: metadata in, signed upload
// URL and job handle out. The raw bytes never pass through this service.
type UploadHandler struct {
	store          UploadStore
	signer         UploadSigner
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewUploadHandler(store UploadStore, signer UploadSigner, maxUploadBytes int64, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		store:          store,
		signer:         signer,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

type uploadRequest struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	ByteLength int64  `json:"byte_length"`
	SHA256     string `json:"sha256"`
}

type uploadResponse struct {
	DocumentID      string `json:"document_id"`
	JobID           string `json:"job_id"`
	SignedUploadURL string `json:"signed_upload_url,omitempty"`
	IsDuplicate     bool   `json:"is_duplicate"`
}

func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The auth layer in front of this service resolves the user.
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSONError(w, "Missing user identity", http.StatusUnauthorized)
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Malformed metadata is surfaced synchronously; nothing is enqueued.
	if req.Filename == "" {
		writeJSONError(w, "Filename is required", http.StatusBadRequest)
		return
	}
	if !allowedUploadMimes[req.MimeType] {
		writeJSONError(w, "Unsupported file type", http.StatusUnsupportedMediaType)
		return
	}
	if req.ByteLength <= 0 {
		writeJSONError(w, "File is empty", http.StatusBadRequest)
		return
	}
	if req.ByteLength > h.maxUploadBytes {
		writeJSONError(w, "File exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}
	if !sha256Pattern.MatchString(req.SHA256) {
		writeJSONError(w, "Invalid content hash", http.StatusBadRequest)
		return
	}

	result, err := h.store.CreateDocumentAndJob(r.Context(), registry.NewUpload{
		UserID:        userID,
		Filename:      req.Filename,
		MimeType:      req.MimeType,
		ByteLength:    req.ByteLength,
		ContentSHA256: req.SHA256,
	})
	if err != nil {
		h.logger.Error("Failed to create document and job",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		writeJSONError(w, "Failed to register upload", http.StatusInternalServerError)
		return
	}

	resp := uploadResponse{
		DocumentID:  result.DocumentID.String(),
		JobID:       result.JobID.String(),
		IsDuplicate: result.IsDuplicate,
	}

	// Duplicates resolve to the existing pipeline run; no second upload.
	if !result.IsDuplicate {
		signedURL, f := h.signer.CreateUploadTarget(r.Context(), result.RawPath, req.MimeType)
		if f != nil {
			h.logger.Error("Failed to issue signed upload URL",
				slog.String("document_id", resp.DocumentID),
				slog.String("error", f.Error()))
			writeJSONError(w, "Storage unavailable, retry shortly", http.StatusServiceUnavailable)
			return
		}
		resp.SignedUploadURL = signedURL
	}

	h.logger.Info("Upload initiated",
		slog.String("user_id", userID),
		slog.String("document_id", resp.DocumentID),
		slog.String("job_id", resp.JobID),
		slog.Bool("is_duplicate", resp.IsDuplicate))

	writeJSON(w, http.StatusOK, resp)
}
