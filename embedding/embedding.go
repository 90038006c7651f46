package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/time/rate"

	"github.com/veridian-health/docpipe/fault"
)

const Version = "1"

// EmbeddingHttpError carries the provider's status code and body for
// classification; a Retry-After hint is honored on 429.
type EmbeddingHttpError struct {
	StatusCode int
	RawBody    string
	RetryAfter time.Duration
}

func (e *EmbeddingHttpError) Error() string {
	return fmt.Sprintf("embedding provider error (HTTP %d): %s", e.StatusCode, e.RawBody)
}

// Adapter wraps the embedding provider with token-bucket rate limiting and
// transient-error retries.
type Adapter struct {
	apiURL     string
	apiKey     string
	model      string
	dim        int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	maxRetries int
	retryDelay time.Duration
}

func NewAdapter(apiURL, apiKey, model string, dim int, rps float64, logger *slog.Logger) *Adapter {
	return &Adapter{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		dim:        dim,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
		maxRetries: 3,
		retryDelay: 5 * time.Second,
	}
}

func (a *Adapter) Model() string {
	return a.model
}

func (a *Adapter) Dim() int {
	return a.dim
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int             `json:"index"`
		Embedding pgvector.Vector `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbedBatch turns one batch of chunk texts into vectors in a single provider
// call, retrying transient errors with backoff and honoring Retry-After.
func (a *Adapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, *fault.Fault) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastFault *fault.Fault
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fault.Transientf("EMBED_CANCELLED", "rate limiter wait: %v", err)
		}

		vectors, f := a.callProvider(ctx, texts)
		if f == nil {
			return vectors, nil
		}
		if f.Class == fault.Permanent {
			return nil, f
		}
		lastFault = f

		delay := a.retryDelay
		if httpErr, ok := f.Err.(*EmbeddingHttpError); ok && httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
		}

		if attempt < a.maxRetries {
			a.logger.Warn("Embedding attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("retry_delay", delay),
				slog.String("error", f.Error()))
			select {
			case <-ctx.Done():
				return nil, fault.Transientf("EMBED_CANCELLED", "context done: %v", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	a.logger.Error("Embedding failed after multiple attempts",
		slog.Int("attempts", a.maxRetries),
		slog.String("error", lastFault.Error()))
	return nil, lastFault
}

func (a *Adapter) callProvider(ctx context.Context, texts []string) ([]pgvector.Vector, *fault.Fault) {
	requestBody, err := json.Marshal(embeddingRequest{
		Input: texts,
		Model: a.model,
	})
	if err != nil {
		return nil, fault.Permanentf("EMBED_ENCODE", "failed to marshal embedding request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fault.Permanentf("EMBED_REQUEST", "failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fault.Transientf("EMBED_UNREACHABLE", "failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		httpErr := &EmbeddingHttpError{
			StatusCode: resp.StatusCode,
			RawBody:    string(body),
			RetryAfter: parseRetryAfter(resp),
		}
		return nil, fault.FromHTTPStatus(resp.StatusCode, "EMBED_REJECTED", httpErr)
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fault.Transientf("EMBED_DECODE", "failed to decode embedding response: %v", err)
	}

	if len(embeddingResp.Data) != len(texts) {
		return nil, fault.Transientf("EMBED_DECODE",
			"provider returned %d embeddings for %d inputs", len(embeddingResp.Data), len(texts))
	}

	// The provider indexes results; order by index so vectors line up with
	// the input texts.
	vectors := make([]pgvector.Vector, len(texts))
	for _, d := range embeddingResp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fault.Transientf("EMBED_DECODE", "embedding index %d out of range", d.Index)
		}
		if a.dim > 0 && len(d.Embedding.Slice()) != a.dim {
			return nil, fault.Permanentf("EMBED_DIM_MISMATCH",
				"provider returned %d-dim vector, expected %d", len(d.Embedding.Slice()), a.dim)
		}
		vectors[d.Index] = d.Embedding
	}

	return vectors, nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
