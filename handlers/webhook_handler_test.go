package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWebhookStore struct {
	jobs map[uuid.UUID]registry.UploadJob

	parsedText    map[uuid.UUID]string
	advanceErr    error
	advancedTo    registry.Stage
	recordedFault *fault.Fault
	events        []string
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		jobs:       make(map[uuid.UUID]registry.UploadJob),
		parsedText: make(map[uuid.UUID]string),
	}
}

func (s *fakeWebhookStore) GetJob(ctx context.Context, jobID uuid.UUID) (registry.UploadJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return registry.UploadJob{}, registry.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeWebhookStore) SetParsedText(ctx context.Context, jobID uuid.UUID, text string) error {
	s.parsedText[jobID] = text
	return nil
}

func (s *fakeWebhookStore) AdvanceStage(ctx context.Context, jobID uuid.UUID, from, to registry.Stage) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	s.advancedTo = to
	return nil
}

func (s *fakeWebhookStore) RecordFailure(ctx context.Context, jobID uuid.UUID, f *fault.Fault) (registry.State, error) {
	s.recordedFault = f
	return registry.StateDeadletter, nil
}

func (s *fakeWebhookStore) AppendEvent(ctx context.Context, jobID, docID uuid.UUID, typ registry.EventType, code string, payload map[string]interface{}, correlationID string) error {
	s.events = append(s.events, code)
	return nil
}

func serveWebhook(store *fakeWebhookStore, jobID, secret, body string) *httptest.ResponseRecorder {
	handler := NewWebhookHandler(store, discardLogger())
	router := mux.NewRouter()
	router.Handle("/webhook/parse/{job_id}", handler).Methods("POST")

	req := httptest.NewRequest("POST", "/webhook/parse/"+jobID, strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedJob(store *fakeWebhookStore, stage registry.Stage) registry.UploadJob {
	job := registry.UploadJob{
		ID:            uuid.New(),
		DocumentID:    uuid.New(),
		Stage:         stage,
		State:         registry.StateWorking,
		WebhookSecret: "topsecret",
	}
	store.jobs[job.ID] = job
	return job
}

func TestWebhookUnknownJob(t *testing.T) {
	store := newFakeWebhookStore()
	rec := serveWebhook(store, uuid.New().String(), "any", `{"status":"completed","markdown":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookMalformedJobID(t *testing.T) {
	store := newFakeWebhookStore()
	rec := serveWebhook(store, "not-a-uuid", "any", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookBadSecret(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageParsing)

	rec := serveWebhook(store, job.ID.String(), "wrong", `{"status":"completed","markdown":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(store.events) != 1 || store.events[0] != registry.CodeWebhookRejected {
		t.Errorf("events = %v, want one WEBHOOK_REJECTED", store.events)
	}
	if _, staged := store.parsedText[job.ID]; staged {
		t.Error("rejected webhook must not stash parsed text")
	}
}

func TestWebhookWrongStageTooEarly(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageQueued)

	rec := serveWebhook(store, job.ID.String(), "topsecret", `{"status":"completed","markdown":"x"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestWebhookDuplicateDeliveryAfterAdvance(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageChunking)

	rec := serveWebhook(store, job.ID.String(), "topsecret", `{"status":"completed","markdown":"x"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "ignored" {
		t.Errorf("response status = %s, want ignored", resp["status"])
	}
	if store.advancedTo != "" {
		t.Error("duplicate delivery advanced the job")
	}
}

func TestWebhookCompletedAdvances(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageParsing)

	rec := serveWebhook(store, job.ID.String(), "topsecret", `{"status":"completed","markdown":"# Parsed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.parsedText[job.ID] != "# Parsed" {
		t.Errorf("staged text = %q", store.parsedText[job.ID])
	}
	if store.advancedTo != registry.StageParsed {
		t.Errorf("advanced to %s, want parsed", store.advancedTo)
	}
	if len(store.events) != 1 || store.events[0] != registry.CodeParseCompleted {
		t.Errorf("events = %v, want one PARSE_COMPLETED", store.events)
	}
}

func TestWebhookLosesRaceToPoller(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageParsing)
	store.advanceErr = registry.ErrStageConflict

	rec := serveWebhook(store, job.ID.String(), "topsecret", `{"status":"completed","markdown":"x"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "ignored" {
		t.Errorf("response status = %s, want ignored", resp["status"])
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageParsing)

	rec := serveWebhook(store, job.ID.String(), "topsecret", `{"status":"completed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookFailedRecordsFailure(t *testing.T) {
	store := newFakeWebhookStore()
	job := seedJob(store, registry.StageParsing)

	rec := serveWebhook(store, job.ID.String(), "topsecret", `{"status":"failed","error":"password protected"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.recordedFault == nil {
		t.Fatal("no failure recorded")
	}
	if store.recordedFault.Class != fault.Permanent {
		t.Errorf("failure class = %s, want permanent", store.recordedFault.Class)
	}
	if store.recordedFault.Code != registry.CodeParseFailed {
		t.Errorf("failure code = %s", store.recordedFault.Code)
	}
}
