package parse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veridian-health/docpipe/fault"
)

// Provider submits documents to the external parsing service and checks on
// them. Completion normally arrives through the webhook receiver; Poll covers
// lost webhooks.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (providerJobID string, f *fault.Fault)
	Poll(ctx context.Context, providerJobID string) (Result, *fault.Fault)
}

type SubmitRequest struct {
	Filename string
	MimeType string
	Content  []byte
	// IdempotencyKey is derived from the document's content hash so duplicate
	// submissions after a crash collapse into one provider job.
	IdempotencyKey string
	WebhookURL     string
	WebhookSecret  string
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Result struct {
	Status   Status
	Markdown string
	Error    string
}

// CompletionEvent is the internal form of a provider webhook callback.
type CompletionEvent struct {
	Status   Status
	Markdown string
	Error    string
}

// providerCallback is the wire shape the parsing provider POSTs to our
// webhook endpoint.
type providerCallback struct {
	Status   string `json:"status"`
	Markdown string `json:"markdown"`
	Error    string `json:"error"`
}

// NormalizeWebhookPayload converts a raw provider callback body into an
// internal completion event, rejecting anything malformed.
func NormalizeWebhookPayload(body []byte) (CompletionEvent, error) {
	var cb providerCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return CompletionEvent{}, fmt.Errorf("failed to unmarshal webhook payload: %w", err)
	}

	switch cb.Status {
	case "completed", "SUCCESS":
		if cb.Markdown == "" {
			return CompletionEvent{}, fmt.Errorf("completed callback carries no parsed text")
		}
		return CompletionEvent{Status: StatusCompleted, Markdown: cb.Markdown}, nil
	case "failed", "ERROR":
		return CompletionEvent{Status: StatusFailed, Error: cb.Error}, nil
	default:
		return CompletionEvent{}, fmt.Errorf("unknown callback status %q", cb.Status)
	}
}
