package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/veridian-health/docpipe/chunker"
	"github.com/veridian-health/docpipe/embedding"
	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/parse"
	"github.com/veridian-health/docpipe/registry"
	"github.com/veridian-health/docpipe/storage"
)

var allowedMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":    true,
	"text/markdown": true,
	"text/html":     true,
}

// stageQueued validates upload metadata. Violations are malformed input and
// terminal: no retry will fix a disallowed mime type.
func (o *Orchestrator) stageQueued(ctx context.Context, job registry.UploadJob) *fault.Fault {
	doc, err := o.reg.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to load document: %v", err)
	}

	if !allowedMimeTypes[doc.MimeType] {
		return fault.Permanentf("INPUT_MIME_REJECTED", "mime type %q is not allowed", doc.MimeType)
	}
	if doc.ByteLength <= 0 {
		return fault.Permanentf("INPUT_EMPTY", "document has no content")
	}
	if doc.ByteLength > o.opts.MaxUploadBytes {
		return fault.Permanentf("INPUT_TOO_LARGE",
			"document is %d bytes, limit is %d", doc.ByteLength, o.opts.MaxUploadBytes)
	}

	if err := o.advance(ctx, job, registry.StageQueued, registry.StageJobValidated); err != nil {
		return err
	}
	o.appendEvent(ctx, job, registry.EventInfo, registry.CodeJobValidated, nil)
	return nil
}

// stageSubmitParse hands the raw file to the parsing path. Locally
// extractable mime types complete synchronously; everything else goes to the
// external provider and waits for the webhook. firstSubmit distinguishes the
// job_validated entry from a resubmission after a parse retry.
func (o *Orchestrator) stageSubmitParse(ctx context.Context, job registry.UploadJob, firstSubmit bool) *fault.Fault {
	doc, err := o.reg.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to load document: %v", err)
	}

	raw, f := o.store.Get(ctx, doc.RawPath)
	if f != nil {
		return f
	}

	if o.local.CanExtract(doc.MimeType) {
		text, err := o.local.Extract(doc.MimeType, raw)
		if err != nil {
			return fault.Permanentf(registry.CodeParseFailed, "local extraction failed: %v", err)
		}
		if err := o.reg.SetParsedText(ctx, job.ID, text); err != nil {
			return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to stash parsed text: %v", err)
		}
		if firstSubmit {
			if f := o.advance(ctx, job, registry.StageJobValidated, registry.StageParsing); f != nil {
				return f
			}
		}
		if f := o.advance(ctx, job, registry.StageParsing, registry.StageParsed); f != nil {
			return f
		}
		o.appendEvent(ctx, job, registry.EventInfo, registry.CodeParseCompleted,
			map[string]interface{}{"source": "local"})
		return nil
	}

	providerJobID, f := o.provider.Submit(ctx, parse.SubmitRequest{
		Filename:       doc.Filename,
		MimeType:       doc.MimeType,
		Content:        raw,
		IdempotencyKey: doc.ContentSHA256,
		WebhookURL:     fmt.Sprintf("%s/webhook/parse/%s", o.opts.WebhookBaseURL, job.ID),
		WebhookSecret:  job.WebhookSecret,
	})
	if f != nil {
		return f
	}

	if firstSubmit {
		if f := o.advance(ctx, job, registry.StageJobValidated, registry.StageParsing); f != nil {
			return f
		}
	}
	if err := o.reg.MarkParseSubmitted(ctx, job.ID, providerJobID); err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to record parse submission: %v", err)
	}
	o.appendEvent(ctx, job, registry.EventInfo, registry.CodeParseSubmitted,
		map[string]interface{}{"provider_job_id": providerJobID})
	return nil
}

// stageStoreParsed validates the staged parse output and moves it into blob
// storage at the document's parsed path.
func (o *Orchestrator) stageStoreParsed(ctx context.Context, job registry.UploadJob) *fault.Fault {
	text, err := o.reg.GetParsedText(ctx, job.ID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to read parsed text: %v", err)
	}
	if strings.TrimSpace(text) == "" {
		return fault.Permanentf(registry.CodeParseFailed, "parse produced no text")
	}

	doc, err := o.reg.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to load document: %v", err)
	}

	parsedPath := storage.ParsedPath(doc.UserID, doc.ID.String())
	if f := o.store.Put(ctx, parsedPath, []byte(text), "text/markdown"); f != nil {
		return f
	}
	if err := o.reg.SetDocumentParsedPath(ctx, job.ID, parsedPath); err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to record parsed path: %v", err)
	}

	return o.advance(ctx, job, registry.StageParsed, registry.StageParseValidated)
}

// stageChunk runs the chunker over the parsed text and persists the full
// chunk set. Both the parse_validated entry and a chunking retry land here.
func (o *Orchestrator) stageChunk(ctx context.Context, job registry.UploadJob, fromParseValidated bool) *fault.Fault {
	doc, err := o.reg.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to load document: %v", err)
	}
	if doc.ParsedPath == nil {
		return fault.Permanentf("CHUNK_NO_PARSED_TEXT", "document has no parsed path")
	}

	parsed, f := o.store.Get(ctx, *doc.ParsedPath)
	if f != nil {
		return f
	}

	chunks := chunker.Split(string(parsed), o.opts.ChunkSize, o.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return fault.Permanentf("CHUNKS_EMPTY", "chunker produced no usable chunks")
	}

	if fromParseValidated {
		if f := o.advance(ctx, job, registry.StageParseValidated, registry.StageChunking); f != nil {
			return f
		}
	}

	rows := make([]registry.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = registry.DocumentChunk{
			DocumentID:     doc.ID,
			ChunkOrd:       c.Ord,
			Text:           c.Text,
			ChunkSHA:       c.SHA,
			ChunkerName:    chunker.Name,
			ChunkerVersion: chunker.Version,
		}
	}
	if err := o.reg.ReplaceChunks(ctx, doc.ID, rows); err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to persist chunks: %v", err)
	}

	if f := o.advance(ctx, job, registry.StageChunking, registry.StageChunked); f != nil {
		return f
	}
	o.appendEvent(ctx, job, registry.EventInfo, registry.CodeChunksWritten,
		map[string]interface{}{"chunk_count": len(chunks)})
	return nil
}

// stageEmbed fans chunk batches out to the embedding provider through the
// worker pool. Only chunks without a vector are fetched, so a retry resumes
// at the chunk ordinal where the previous attempt stopped.
func (o *Orchestrator) stageEmbed(ctx context.Context, job registry.UploadJob, fromChunked bool) *fault.Fault {
	if fromChunked {
		if f := o.advance(ctx, job, registry.StageChunked, registry.StageEmbedding); f != nil {
			return f
		}
	}

	pending, err := o.reg.UnembeddedChunks(ctx, job.DocumentID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to list unembedded chunks: %v", err)
	}

	if f := o.embedPending(ctx, job, pending); f != nil {
		return f
	}

	if f := o.advance(ctx, job, registry.StageEmbedding, registry.StageEmbedded); f != nil {
		return f
	}
	o.appendEvent(ctx, job, registry.EventInfo, registry.CodeEmbeddingsDone,
		map[string]interface{}{"chunk_count": len(pending)})
	return nil
}

func (o *Orchestrator) embedPending(ctx context.Context, job registry.UploadJob, pending []registry.DocumentChunk) *fault.Fault {
	batchSize := o.opts.EmbedBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		firstFault *fault.Fault
	)

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		wg.Add(1)
		submitErr := o.pool.Submit(func() {
			defer wg.Done()
			if f := o.embedBatch(ctx, job, batch); f != nil {
				mu.Lock()
				if firstFault == nil {
					firstFault = f
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstFault == nil {
				firstFault = fault.Transientf("EMBED_POOL", "failed to submit embedding batch: %v", submitErr)
			}
			mu.Unlock()
			// Let the batches already submitted finish before reporting.
			break
		}
	}

	wg.Wait()
	return firstFault
}

func (o *Orchestrator) embedBatch(ctx context.Context, job registry.UploadJob, batch []registry.DocumentChunk) *fault.Fault {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, f := o.embedder.EmbedBatch(ctx, texts)
	if f != nil {
		return f
	}

	for i, c := range batch {
		err := o.reg.SetChunkEmbedding(ctx, job.DocumentID, c.ChunkOrd, vectors[i], o.embedder.Model(), embedding.Version)
		if err != nil {
			return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to store embedding: %v", err)
		}
	}
	return nil
}

// stageFinalize double-checks every chunk carries a vector, then completes
// the job and marks the document processed.
func (o *Orchestrator) stageFinalize(ctx context.Context, job registry.UploadJob) *fault.Fault {
	missing, err := o.reg.CountUnembeddedChunks(ctx, job.DocumentID)
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to verify embeddings: %v", err)
	}
	if missing > 0 {
		return fault.Transientf("EMBED_INCOMPLETE", "%d chunks still lack embeddings", missing)
	}

	if f := o.advance(ctx, job, registry.StageEmbedded, registry.StageComplete); f != nil {
		return f
	}
	o.appendEvent(ctx, job, registry.EventInfo, registry.CodeJobComplete, nil)
	return nil
}

// advance wraps AdvanceStage: losing a concurrent race is not a failure, the
// other worker simply got there first.
func (o *Orchestrator) advance(ctx context.Context, job registry.UploadJob, from, to registry.Stage) *fault.Fault {
	err := o.reg.AdvanceStage(ctx, job.ID, from, to)
	if err == registry.ErrStageConflict {
		o.logger.Debug("Lost stage advancement race",
			slog.String("job_id", job.ID.String()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return nil
	}
	if err != nil {
		return fault.Transientf("REGISTRY_UNAVAILABLE", "failed to advance %s -> %s: %v", from, to, err)
	}
	return nil
}
