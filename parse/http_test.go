package parse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veridian-health/docpipe/fault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPProviderSubmit(t *testing.T) {
	var gotAuth, gotIdemKey string
	var gotMime, gotWebhookURL string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdemKey = r.Header.Get("Idempotency-Key")
		if r.URL.Path != "/v1/parse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("multipart parse failed: %v", err)
		}
		gotMime = r.FormValue("mime_type")
		gotWebhookURL = r.FormValue("webhook_url")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "prov-123"})
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "test-key", discardLogger())
	jobID, f := provider.Submit(context.Background(), SubmitRequest{
		Filename:       "report.pdf",
		MimeType:       "application/pdf",
		Content:        []byte("%PDF-1.4 fake"),
		IdempotencyKey: "abc123",
		WebhookURL:     "https://example.com/webhook/parse/j1",
		WebhookSecret:  "s3cret",
	})
	if f != nil {
		t.Fatalf("submit failed: %v", f)
	}
	if jobID != "prov-123" {
		t.Errorf("jobID = %s, want prov-123", jobID)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %s", gotAuth)
	}
	if gotIdemKey != "abc123" {
		t.Errorf("Idempotency-Key = %s", gotIdemKey)
	}
	if gotMime != "application/pdf" {
		t.Errorf("mime_type field = %s", gotMime)
	}
	if gotWebhookURL != "https://example.com/webhook/parse/j1" {
		t.Errorf("webhook_url field = %s", gotWebhookURL)
	}
}

func TestHTTPProviderSubmitFaultClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantClass fault.Class
	}{
		{"Rate limited is transient", http.StatusTooManyRequests, fault.Transient},
		{"Server error is transient", http.StatusInternalServerError, fault.Transient},
		{"Bad request is permanent", http.StatusBadRequest, fault.Permanent},
		{"Payload too large is permanent", http.StatusRequestEntityTooLarge, fault.Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			provider := NewHTTPProvider(server.URL, "k", discardLogger())
			_, f := provider.Submit(context.Background(), SubmitRequest{Filename: "a.pdf", Content: []byte("x")})
			if f == nil {
				t.Fatal("expected a fault")
			}
			if f.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", f.Class, tt.wantClass)
			}
		})
	}
}

func TestHTTPProviderSubmitUnreachable(t *testing.T) {
	provider := NewHTTPProvider("http://127.0.0.1:1", "k", discardLogger())
	_, f := provider.Submit(context.Background(), SubmitRequest{Filename: "a.pdf", Content: []byte("x")})
	if f == nil {
		t.Fatal("expected a fault")
	}
	if f.Class != fault.Transient {
		t.Errorf("unreachable provider classified %s, want transient", f.Class)
	}
}

func TestHTTPProviderPoll(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus Status
	}{
		{"Pending", `{"status":"pending"}`, StatusPending},
		{"Still processing", `{"status":"processing"}`, StatusPending},
		{"Completed", `{"status":"completed","markdown":"# Done"}`, StatusCompleted},
		{"Failed", `{"status":"failed","error":"encrypted"}`, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/parse/prov-9" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := NewHTTPProvider(server.URL, "k", discardLogger())
			result, f := provider.Poll(context.Background(), "prov-9")
			if f != nil {
				t.Fatalf("poll failed: %v", f)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", result.Status, tt.wantStatus)
			}
			if tt.wantStatus == StatusCompleted && result.Markdown == "" {
				t.Error("completed poll lost its markdown")
			}
		})
	}
}

func TestHTTPProviderPollNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown job", http.StatusNotFound)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "k", discardLogger())
	_, f := provider.Poll(context.Background(), "gone")
	if f == nil {
		t.Fatal("expected a fault")
	}
	if f.Class != fault.Permanent {
		t.Errorf("404 poll classified %s, want permanent", f.Class)
	}
}
