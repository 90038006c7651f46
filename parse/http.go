package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/veridian-health/docpipe/fault"
)

// ProviderHttpError carries the provider's status code and raw body for
// logging and fault classification.
type ProviderHttpError struct {
	StatusCode int
	RawBody    string
}

func (e *ProviderHttpError) Error() string {
	return fmt.Sprintf("parse provider error (HTTP %d): %s", e.StatusCode, e.RawBody)
}

// HTTPProvider talks to the async document-parsing service: multipart submit
// returns a provider job id, results arrive via webhook or polling.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPProvider(baseURL, apiKey string, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (p *HTTPProvider) Submit(ctx context.Context, req SubmitRequest) (string, *fault.Fault) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return "", fault.Permanentf("PARSE_SUBMIT_ENCODE", "failed to create multipart file: %v", err)
	}
	if _, err := part.Write(req.Content); err != nil {
		return "", fault.Permanentf("PARSE_SUBMIT_ENCODE", "failed to write file part: %v", err)
	}
	writer.WriteField("mime_type", req.MimeType)
	writer.WriteField("webhook_url", req.WebhookURL)
	writer.WriteField("webhook_secret", req.WebhookSecret)
	if err := writer.Close(); err != nil {
		return "", fault.Permanentf("PARSE_SUBMIT_ENCODE", "failed to finalize multipart body: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/parse", &body)
	if err != nil {
		return "", fault.Permanentf("PARSE_SUBMIT_REQUEST", "error creating request: %v", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fault.Transientf("PARSE_SUBMIT_UNREACHABLE", "error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		httpErr := &ProviderHttpError{StatusCode: resp.StatusCode, RawBody: string(raw)}
		p.logger.Error("Parse submission rejected",
			slog.Int("status_code", resp.StatusCode),
			slog.String("raw_body", httpErr.RawBody))
		return "", fault.FromHTTPStatus(resp.StatusCode, "PARSE_SUBMIT_REJECTED", httpErr)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fault.Transientf("PARSE_SUBMIT_DECODE", "failed to decode submit response: %v", err)
	}
	if sr.JobID == "" {
		return "", fault.Transientf("PARSE_SUBMIT_DECODE", "submit response carries no job id")
	}

	p.logger.Info("Submitted document to parse provider",
		slog.String("provider_job_id", sr.JobID),
		slog.String("filename", req.Filename))

	return sr.JobID, nil
}

type pollResponse struct {
	Status   string `json:"status"`
	Markdown string `json:"markdown"`
	Error    string `json:"error"`
}

func (p *HTTPProvider) Poll(ctx context.Context, providerJobID string) (Result, *fault.Fault) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/v1/parse/"+providerJobID, nil)
	if err != nil {
		return Result{}, fault.Permanentf("PARSE_POLL_REQUEST", "error creating request: %v", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fault.Transientf("PARSE_POLL_UNREACHABLE", "error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		httpErr := &ProviderHttpError{StatusCode: resp.StatusCode, RawBody: string(raw)}
		return Result{}, fault.FromHTTPStatus(resp.StatusCode, "PARSE_POLL_REJECTED", httpErr)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Result{}, fault.Transientf("PARSE_POLL_DECODE", "failed to decode poll response: %v", err)
	}

	switch pr.Status {
	case "pending", "processing":
		return Result{Status: StatusPending}, nil
	case "completed", "SUCCESS":
		return Result{Status: StatusCompleted, Markdown: pr.Markdown}, nil
	case "failed", "ERROR":
		return Result{Status: StatusFailed, Error: pr.Error}, nil
	default:
		return Result{}, fault.Transientf("PARSE_POLL_DECODE", "unknown provider status %q", pr.Status)
	}
}
