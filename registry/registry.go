package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/storage"
)

var (
	// ErrStageConflict means another process already moved the job; the
	// caller lost the race and should drop its work silently.
	ErrStageConflict = errors.New("stage conflict: job already advanced")
	ErrJobNotFound   = errors.New("job not found")
)

const jobColumns = `id, document_id, stage, state, retry_count, last_error,
	webhook_secret, provider_job_id, next_attempt_at, created_at, updated_at`

// Registry is the sole mutable shared resource of the pipeline. All
// cross-worker coordination funnels through its atomic operations.
type Registry struct {
	db     *pgxpool.Pool
	logger *slog.Logger
	policy RetryPolicy
}

func New(db *pgxpool.Pool, logger *slog.Logger, policy RetryPolicy) *Registry {
	return &Registry{
		db:     db,
		logger: logger,
		policy: policy,
	}
}

type NewUpload struct {
	UserID        string
	Filename      string
	MimeType      string
	ByteLength    int64
	ContentSHA256 string
}

type CreateResult struct {
	DocumentID  uuid.UUID
	JobID       uuid.UUID
	RawPath     string
	IsDuplicate bool
}

// CreateDocumentAndJob registers an upload, deduplicating on
// (user_id, content_sha256): re-uploading identical bytes resolves to the
// existing document and job instead of starting a second pipeline run.
func (r *Registry) CreateDocumentAndJob(ctx context.Context, up NewUpload) (CreateResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	docID := uuid.New()
	rawPath := storage.RawPath(up.UserID, docID.String(), up.Filename)
	tag, err := tx.Exec(ctx, `
		INSERT INTO ingest.documents (id, user_id, filename, mime_type, byte_length, content_sha256, raw_path, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued')
		ON CONFLICT (user_id, content_sha256) DO NOTHING`,
		docID, up.UserID, up.Filename, up.MimeType, up.ByteLength, up.ContentSHA256, rawPath)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to insert document: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Duplicate content for this user: hand back the existing run.
		var existingDoc, existingJob uuid.UUID
		err = tx.QueryRow(ctx,
			`SELECT id FROM ingest.documents WHERE user_id = $1 AND content_sha256 = $2`,
			up.UserID, up.ContentSHA256).Scan(&existingDoc)
		if err != nil {
			return CreateResult{}, fmt.Errorf("failed to look up duplicate document: %w", err)
		}
		err = tx.QueryRow(ctx,
			`SELECT id FROM ingest.upload_jobs WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1`,
			existingDoc).Scan(&existingJob)
		if err != nil {
			return CreateResult{}, fmt.Errorf("failed to look up duplicate job: %w", err)
		}
		if err := appendEventTx(ctx, tx, existingJob, existingDoc, EventInfo, CodeDuplicateUpload,
			map[string]interface{}{"filename": up.Filename}, ""); err != nil {
			return CreateResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return CreateResult{}, fmt.Errorf("failed to commit: %w", err)
		}
		return CreateResult{DocumentID: existingDoc, JobID: existingJob, IsDuplicate: true}, nil
	}

	jobID := uuid.New()
	secret, err := newWebhookSecret()
	if err != nil {
		return CreateResult{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ingest.upload_jobs (id, document_id, stage, state, webhook_secret)
		VALUES ($1, $2, 'queued', 'queued', $3)`,
		jobID, docID, secret)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := appendEventTx(ctx, tx, jobID, docID, EventInfo, CodeJobCreated,
		map[string]interface{}{"filename": up.Filename, "byte_length": up.ByteLength}, ""); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return CreateResult{DocumentID: docID, JobID: jobID, RawPath: rawPath}, nil
}

// ClaimNextJobs atomically claims up to limit ready jobs, transitioning them
// to working so no two orchestrator instances pick up the same job. Jobs left
// working past the lease by a crashed worker become claimable again; parsing
// jobs are exempt because they legitimately wait on the external provider.
func (r *Registry) ClaimNextJobs(ctx context.Context, limit int, lease time.Duration) ([]UploadJob, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		WITH claimable AS (
			SELECT id FROM ingest.upload_jobs
			WHERE stage NOT IN ('complete', 'failed', 'failed_parse', 'failed_chunking', 'failed_embedding')
			  AND (
				(state IN ('queued', 'retryable') AND next_attempt_at <= now())
				OR (state = 'working' AND stage <> 'parsing' AND updated_at < now() - make_interval(secs => $2))
			  )
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ingest.upload_jobs j
		SET state = 'working', updated_at = now()
		FROM claimable c
		WHERE j.id = c.id
		RETURNING %s`, prefixColumns("j.")),
		limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// AdvanceStage conditionally moves a job one step forward; ErrStageConflict
// means another process got there first. The document's processing_status is
// mirrored in the same transaction.
func (r *Registry) AdvanceStage(ctx context.Context, jobID uuid.UUID, from, to Stage) error {
	if !CanAdvance(from, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", from, to)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var docID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE ingest.upload_jobs
		SET stage = $3, state = $4, updated_at = now()
		WHERE id = $1 AND stage = $2
		RETURNING document_id`,
		jobID, from, to, stateForStage(to)).Scan(&docID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStageConflict
	}
	if err != nil {
		return fmt.Errorf("failed to advance stage: %w", err)
	}

	status := string(to)
	if to == StageComplete {
		status = DocStatusProcessed
	}
	_, err = tx.Exec(ctx,
		`UPDATE ingest.documents SET processing_status = $2, updated_at = now() WHERE id = $1`,
		docID, status)
	if err != nil {
		return fmt.Errorf("failed to mirror processing status: %w", err)
	}

	return tx.Commit(ctx)
}

// RecordFailure converts a stage fault into retry scheduling or a terminal
// failure stage, and returns the state the job landed in.
func (r *Registry) RecordFailure(ctx context.Context, jobID uuid.UUID, f *fault.Fault) (State, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var docID uuid.UUID
	var stage Stage
	var retryCount int
	err = tx.QueryRow(ctx,
		`SELECT document_id, stage, retry_count FROM ingest.upload_jobs WHERE id = $1 FOR UPDATE`,
		jobID).Scan(&docID, &stage, &retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load job for failure: %w", err)
	}

	jobErr := JobError{Code: f.Code, Class: f.Class.String(), Message: f.Error()}
	newCount := retryCount + 1

	if f.Class == fault.Permanent || r.policy.Exhausted(newCount) {
		failStage := FailureStageFor(stage)
		_, err = tx.Exec(ctx, `
			UPDATE ingest.upload_jobs
			SET stage = $2, state = 'deadletter', retry_count = $3, last_error = $4, updated_at = now()
			WHERE id = $1`,
			jobID, failStage, newCount, jobErr)
		if err != nil {
			return "", fmt.Errorf("failed to deadletter job: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE ingest.documents SET processing_status = $2, updated_at = now() WHERE id = $1`,
			docID, string(failStage))
		if err != nil {
			return "", fmt.Errorf("failed to mirror failure status: %w", err)
		}
		if err := appendEventTx(ctx, tx, jobID, docID, EventError, CodeJobDeadletter,
			map[string]interface{}{"stage": string(stage), "error": jobErr.Message}, ""); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("failed to commit: %w", err)
		}
		r.logger.Error("Job dead-lettered",
			slog.String("job_id", jobID.String()),
			slog.String("stage", string(stage)),
			slog.String("failure_stage", string(failStage)),
			slog.String("error", jobErr.Message))
		return StateDeadletter, nil
	}

	nextAttempt := timeProvider.Now().Add(r.policy.BackoffDelay(newCount))
	_, err = tx.Exec(ctx, `
		UPDATE ingest.upload_jobs
		SET state = 'retryable', retry_count = $2, last_error = $3, next_attempt_at = $4, updated_at = now()
		WHERE id = $1`,
		jobID, newCount, jobErr, nextAttempt)
	if err != nil {
		return "", fmt.Errorf("failed to schedule retry: %w", err)
	}
	if err := appendEventTx(ctx, tx, jobID, docID, EventWarn, CodeJobRetry,
		map[string]interface{}{"stage": string(stage), "retry_count": newCount, "error": jobErr.Message}, ""); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return StateRetryable, nil
}

// AppendEvent writes one audit-trail row. Events are append-only; nothing in
// the pipeline ever mutates or deletes them.
func (r *Registry) AppendEvent(ctx context.Context, jobID, docID uuid.UUID, typ EventType, code string, payload map[string]interface{}, correlationID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ingest.events (id, job_id, document_id, type, code, payload, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), jobID, docID, typ, code, payload, correlationID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx pgx.Tx, jobID, docID uuid.UUID, typ EventType, code string, payload map[string]interface{}, correlationID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ingest.events (id, job_id, document_id, type, code, payload, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), jobID, docID, typ, code, payload, correlationID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *Registry) GetJob(ctx context.Context, jobID uuid.UUID) (UploadJob, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM ingest.upload_jobs WHERE id = $1`, jobColumns), jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return UploadJob{}, ErrJobNotFound
	}
	return job, err
}

func (r *Registry) GetDocument(ctx context.Context, docID uuid.UUID) (Document, error) {
	var d Document
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, filename, mime_type, byte_length, content_sha256, raw_path, parsed_path, processing_status, created_at, updated_at
		FROM ingest.documents WHERE id = $1`, docID).
		Scan(&d.ID, &d.UserID, &d.Filename, &d.MimeType, &d.ByteLength, &d.ContentSHA256,
			&d.RawPath, &d.ParsedPath, &d.ProcessingStatus, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrJobNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to load document: %w", err)
	}
	return d, nil
}

// MarkParseSubmitted records the provider job id after a parse submission and
// refreshes the working lease; used both on first submission and resubmission
// after a retry.
func (r *Registry) MarkParseSubmitted(ctx context.Context, jobID uuid.UUID, providerJobID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.upload_jobs
		SET provider_job_id = $2, state = 'working', updated_at = now()
		WHERE id = $1`,
		jobID, providerJobID)
	if err != nil {
		return fmt.Errorf("failed to mark parse submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetParsedText stashes the provider's parsed output on the job. The webhook
// receiver writes it here so it can respond fast; the orchestrator moves it
// into blob storage at the parsed stage.
func (r *Registry) SetParsedText(ctx context.Context, jobID uuid.UUID, text string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE ingest.upload_jobs SET parsed_text = $2, updated_at = now() WHERE id = $1`,
		jobID, text)
	if err != nil {
		return fmt.Errorf("failed to set parsed text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *Registry) GetParsedText(ctx context.Context, jobID uuid.UUID) (string, error) {
	var text *string
	err := r.db.QueryRow(ctx,
		`SELECT parsed_text FROM ingest.upload_jobs WHERE id = $1`, jobID).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get parsed text: %w", err)
	}
	if text == nil {
		return "", nil
	}
	return *text, nil
}

// SetDocumentParsedPath records where the parsed markdown lives and drops the
// staging copy from the job row.
func (r *Registry) SetDocumentParsedPath(ctx context.Context, jobID uuid.UUID, parsedPath string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.documents d
		SET parsed_path = $2, updated_at = now()
		FROM ingest.upload_jobs j
		WHERE j.id = $1 AND d.id = j.document_id`,
		jobID, parsedPath)
	if err != nil {
		return fmt.Errorf("failed to set parsed path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	_, err = r.db.Exec(ctx,
		`UPDATE ingest.upload_jobs SET parsed_text = NULL WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to clear staged parse text: %w", err)
	}
	return nil
}

// StuckParsingJobs returns jobs waiting on the external parser longer than
// the timeout; the safety-net poller checks provider status for these in case
// the webhook was lost.
func (r *Registry) StuckParsingJobs(ctx context.Context, olderThan time.Duration, limit int) ([]UploadJob, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM ingest.upload_jobs
		WHERE stage = 'parsing' AND state = 'working'
		  AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at
		LIMIT $2`, jobColumns),
		olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck parsing jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ReplaceChunks swaps the full chunk set for a document in one transaction.
// Chunks are never partially updated, so reconstruction order stays intact.
func (r *Registry) ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []DocumentChunk) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `DELETE FROM ingest.document_chunks WHERE document_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	for _, c := range chunks {
		_, err = tx.Exec(ctx, `
			INSERT INTO ingest.document_chunks (id, document_id, chunk_ord, text, chunk_sha, chunker_name, chunker_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), docID, c.ChunkOrd, c.Text, c.ChunkSHA, c.ChunkerName, c.ChunkerVersion)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkOrd, err)
		}
	}

	return tx.Commit(ctx)
}

// UnembeddedChunks returns the chunks still missing a vector, in ordinal
// order, so the embedding stage can resume where it left off.
func (r *Registry) UnembeddedChunks(ctx context.Context, docID uuid.UUID) ([]DocumentChunk, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, document_id, chunk_ord, text, chunk_sha, chunker_name, chunker_version
		FROM ingest.document_chunks
		WHERE document_id = $1 AND embedding IS NULL
		ORDER BY chunk_ord`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unembedded chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DocumentChunk
	for rows.Next() {
		var c DocumentChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkOrd, &c.Text, &c.ChunkSHA, &c.ChunkerName, &c.ChunkerVersion); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetChunkEmbedding stores one chunk's vector and embedding provenance.
func (r *Registry) SetChunkEmbedding(ctx context.Context, docID uuid.UUID, chunkOrd int, vec pgvector.Vector, model, version string) error {
	dim := len(vec.Slice())
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.document_chunks
		SET embedding = $3, embed_model = $4, embed_version = $5, vector_dim = $6
		WHERE document_id = $1 AND chunk_ord = $2`,
		docID, chunkOrd, vec, model, version, dim)
	if err != nil {
		return fmt.Errorf("failed to set chunk embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %d not found for document %s", chunkOrd, docID)
	}
	return nil
}

// CountUnembeddedChunks is the embedded-stage check that every chunk got its
// vector before the job is marked complete.
func (r *Registry) CountUnembeddedChunks(ctx context.Context, docID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest.document_chunks WHERE document_id = $1 AND embedding IS NULL`,
		docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unembedded chunks: %w", err)
	}
	return n, nil
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func prefixColumns(prefix string) string {
	return prefix + "id, " + prefix + "document_id, " + prefix + "stage, " + prefix + "state, " +
		prefix + "retry_count, " + prefix + "last_error, " + prefix + "webhook_secret, " +
		prefix + "provider_job_id, " + prefix + "next_attempt_at, " + prefix + "created_at, " + prefix + "updated_at"
}

func scanJob(row pgx.Row) (UploadJob, error) {
	var j UploadJob
	err := row.Scan(&j.ID, &j.DocumentID, &j.Stage, &j.State, &j.RetryCount, &j.LastError,
		&j.WebhookSecret, &j.ProviderJobID, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return UploadJob{}, err
	}
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]UploadJob, error) {
	var jobs []UploadJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
