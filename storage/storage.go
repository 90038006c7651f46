package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/veridian-health/docpipe/fault"
)

// Paths are opaque hierarchical strings built by callers:
//   user/<user_id>/raw/<document_id>/<filename>
//   user/<user_id>/parsed/<document_id>.md
func RawPath(userID, documentID, filename string) string {
	return fmt.Sprintf("user/%s/raw/%s/%s", userID, documentID, filename)
}

func ParsedPath(userID, documentID string) string {
	return fmt.Sprintf("user/%s/parsed/%s.md", userID, documentID)
}

// Gateway is the blob-store client. Clients upload raw bytes through signed
// URLs; the pipeline writes parsed output server-side.
type Gateway struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewGateway(baseURL, serviceKey, bucket string, logger *slog.Logger) *Gateway {
	return &Gateway{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

type signResponse struct {
	URL string `json:"url"`
}

// CreateUploadTarget issues a write-once, time-limited signed upload URL for
// a path. Provider failures surface as a retryable StorageUnavailable fault.
func (g *Gateway) CreateUploadTarget(ctx context.Context, path, contentType string) (string, *fault.Fault) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/upload/sign/%s/%s", g.baseURL, g.bucket, path)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, nil)
	if err != nil {
		return "", fault.Permanentf("STORAGE_REQUEST", "error creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.serviceKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fault.Transientf("STORAGE_UNAVAILABLE", "error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		g.logger.Error("Signed URL issuance failed",
			slog.Int("status_code", resp.StatusCode),
			slog.String("path", path),
			slog.String("raw_body", string(raw)))
		return "", fault.Transientf("STORAGE_UNAVAILABLE",
			"storage returned status %d: %s", resp.StatusCode, string(raw))
	}

	var sr signResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fault.Transientf("STORAGE_UNAVAILABLE", "failed to decode sign response: %v", err)
	}
	if sr.URL == "" {
		return "", fault.Transientf("STORAGE_UNAVAILABLE", "sign response carries no url")
	}

	return g.baseURL + "/storage/v1" + sr.URL, nil
}

// Get downloads the object at path.
func (g *Gateway) Get(ctx context.Context, path string) ([]byte, *fault.Fault) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", g.baseURL, g.bucket, path)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fault.Permanentf("STORAGE_REQUEST", "error creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.serviceKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transientf("STORAGE_UNAVAILABLE", "error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// A missing object is usually a client still uploading through its
		// signed URL; retry with backoff rather than giving up. Only retry
		// exhaustion dead-letters the job.
		return nil, fault.Transientf("STORAGE_NOT_FOUND", "object %s not found", path)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fault.Transientf("STORAGE_UNAVAILABLE",
			"storage returned status %d: %s", resp.StatusCode, string(raw))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transientf("STORAGE_UNAVAILABLE", "failed to read object body: %v", err)
	}
	return data, nil
}

// Put writes an object server-side, upserting on re-runs.
func (g *Gateway) Put(ctx context.Context, path string, data []byte, contentType string) *fault.Fault {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", g.baseURL, g.bucket, path)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return fault.Permanentf("STORAGE_REQUEST", "error creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fault.Transientf("STORAGE_UNAVAILABLE", "error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		g.logger.Error("Object write failed",
			slog.Int("status_code", resp.StatusCode),
			slog.String("path", path),
			slog.String("raw_body", string(raw)))
		return fault.Transientf("STORAGE_UNAVAILABLE",
			"storage returned status %d: %s", resp.StatusCode, string(raw))
	}

	return nil
}
