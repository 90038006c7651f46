package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The pipeline owns a dedicated schema so its tables stay isolated from the
// rest of the application database.
var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS ingest`,

	`CREATE TABLE IF NOT EXISTS ingest.documents (
		id                uuid PRIMARY KEY,
		user_id           text NOT NULL,
		filename          text NOT NULL,
		mime_type         text NOT NULL,
		byte_length       bigint NOT NULL,
		content_sha256    text NOT NULL,
		raw_path          text NOT NULL,
		parsed_path       text,
		processing_status text NOT NULL DEFAULT 'queued',
		created_at        timestamptz NOT NULL DEFAULT now(),
		updated_at        timestamptz NOT NULL DEFAULT now(),
		UNIQUE (user_id, content_sha256)
	)`,

	`CREATE TABLE IF NOT EXISTS ingest.upload_jobs (
		id              uuid PRIMARY KEY,
		document_id     uuid NOT NULL REFERENCES ingest.documents(id),
		stage           text NOT NULL DEFAULT 'queued',
		state           text NOT NULL DEFAULT 'queued',
		retry_count     int NOT NULL DEFAULT 0,
		last_error      jsonb,
		webhook_secret  text NOT NULL,
		provider_job_id text,
		parsed_text     text,
		next_attempt_at timestamptz NOT NULL DEFAULT now(),
		created_at      timestamptz NOT NULL DEFAULT now(),
		updated_at      timestamptz NOT NULL DEFAULT now()
	)`,

	// One live pipeline run per document.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_upload_jobs_one_active
		ON ingest.upload_jobs (document_id)
		WHERE state NOT IN ('done', 'deadletter')`,

	`CREATE INDEX IF NOT EXISTS idx_upload_jobs_claimable
		ON ingest.upload_jobs (state, next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS ingest.events (
		id             uuid PRIMARY KEY,
		job_id         uuid NOT NULL,
		document_id    uuid NOT NULL,
		type           text NOT NULL,
		code           text NOT NULL,
		payload        jsonb,
		correlation_id text,
		ts             timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_job ON ingest.events (job_id, ts)`,
}

// The chunk table is templated because the vector column needs the configured
// embedding dimension at creation time.
const chunkTableDDL = `CREATE TABLE IF NOT EXISTS ingest.document_chunks (
		id              uuid PRIMARY KEY,
		document_id     uuid NOT NULL REFERENCES ingest.documents(id),
		chunk_ord       int NOT NULL,
		text            text NOT NULL,
		chunk_sha       text NOT NULL,
		chunker_name    text NOT NULL,
		chunker_version text NOT NULL,
		embed_model     text,
		embed_version   text,
		vector_dim      int,
		embedding       vector(%d),
		UNIQUE (document_id, chunk_ord)
	)`

func migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(chunkTableDDL, embeddingDim)); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
