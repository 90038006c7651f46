package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/registry"
)

type fakeUploadStore struct {
	result  registry.CreateResult
	err     error
	gotUp   registry.NewUpload
	created bool
}

func (s *fakeUploadStore) CreateDocumentAndJob(ctx context.Context, up registry.NewUpload) (registry.CreateResult, error) {
	s.gotUp = up
	s.created = true
	return s.result, s.err
}

type fakeSigner struct {
	url     string
	f       *fault.Fault
	gotPath string
}

func (s *fakeSigner) CreateUploadTarget(ctx context.Context, path, contentType string) (string, *fault.Fault) {
	s.gotPath = path
	return s.url, s.f
}

const validUploadBody = `{"filename":"scan.pdf","mime_type":"application/pdf","byte_length":1024,"sha256":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`

func serveUpload(store *fakeUploadStore, signer *fakeSigner, userID, body string) *httptest.ResponseRecorder {
	handler := NewUploadHandler(store, signer, 50<<20, discardLogger())
	req := httptest.NewRequest("POST", "/upload", strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
	}{
		{
			name:       "Missing user identity",
			body:       validUploadBody,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Malformed JSON",
			userID:     "u1",
			body:       `{"filename":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing filename",
			userID:     "u1",
			body:       `{"mime_type":"application/pdf","byte_length":10,"sha256":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unsupported mime type",
			userID:     "u1",
			body:       `{"filename":"a.png","mime_type":"image/png","byte_length":10,"sha256":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`,
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:       "Empty file",
			userID:     "u1",
			body:       `{"filename":"a.pdf","mime_type":"application/pdf","byte_length":0,"sha256":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Oversized file",
			userID:     "u1",
			body:       `{"filename":"a.pdf","mime_type":"application/pdf","byte_length":999999999999,"sha256":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "Bad content hash",
			userID:     "u1",
			body:       `{"filename":"a.pdf","mime_type":"application/pdf","byte_length":10,"sha256":"ZZZZ"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeUploadStore{}
			rec := serveUpload(store, &fakeSigner{}, tt.userID, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if store.created {
				t.Error("rejected upload reached the registry")
			}
		})
	}
}

func TestUploadSuccess(t *testing.T) {
	docID, jobID := uuid.New(), uuid.New()
	store := &fakeUploadStore{
		result: registry.CreateResult{
			DocumentID: docID,
			JobID:      jobID,
			RawPath:    "user/u1/raw/" + docID.String() + "/scan.pdf",
		},
	}
	signer := &fakeSigner{url: "https://storage.example.com/signed?token=abc"}

	rec := serveUpload(store, signer, "u1", validUploadBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if store.gotUp.UserID != "u1" || store.gotUp.Filename != "scan.pdf" {
		t.Errorf("registry received %+v", store.gotUp)
	}
	if signer.gotPath != store.result.RawPath {
		t.Errorf("signed path = %s, want %s", signer.gotPath, store.result.RawPath)
	}

	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.DocumentID != docID.String() || resp.JobID != jobID.String() {
		t.Errorf("response ids = %s/%s", resp.DocumentID, resp.JobID)
	}
	if resp.SignedUploadURL != signer.url {
		t.Errorf("signed URL = %s", resp.SignedUploadURL)
	}
	if resp.IsDuplicate {
		t.Error("fresh upload flagged duplicate")
	}
}

func TestUploadDuplicateSkipsSigning(t *testing.T) {
	store := &fakeUploadStore{
		result: registry.CreateResult{
			DocumentID:  uuid.New(),
			JobID:       uuid.New(),
			IsDuplicate: true,
		},
	}
	signer := &fakeSigner{url: "https://should-not-appear"}

	rec := serveUpload(store, signer, "u1", validUploadBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp uploadResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.IsDuplicate {
		t.Error("duplicate flag lost")
	}
	if resp.SignedUploadURL != "" {
		t.Errorf("duplicate upload got a signed URL: %s", resp.SignedUploadURL)
	}
	if signer.gotPath != "" {
		t.Error("signer called for a duplicate upload")
	}
}

func TestUploadStorageDown(t *testing.T) {
	store := &fakeUploadStore{
		result: registry.CreateResult{DocumentID: uuid.New(), JobID: uuid.New(), RawPath: "p"},
	}
	signer := &fakeSigner{f: fault.Transientf("STORAGE_UNAVAILABLE", "down")}

	rec := serveUpload(store, signer, "u1", validUploadBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
