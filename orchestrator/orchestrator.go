package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/veridian-health/docpipe/fault"
	"github.com/veridian-health/docpipe/parse"
	"github.com/veridian-health/docpipe/registry"
)

// Registry is the slice of registry operations the orchestrator drives jobs
// through. All cross-worker coordination happens inside these calls.
type Registry interface {
	ClaimNextJobs(ctx context.Context, limit int, lease time.Duration) ([]registry.UploadJob, error)
	AdvanceStage(ctx context.Context, jobID uuid.UUID, from, to registry.Stage) error
	RecordFailure(ctx context.Context, jobID uuid.UUID, f *fault.Fault) (registry.State, error)
	AppendEvent(ctx context.Context, jobID, docID uuid.UUID, typ registry.EventType, code string, payload map[string]interface{}, correlationID string) error
	GetDocument(ctx context.Context, docID uuid.UUID) (registry.Document, error)
	MarkParseSubmitted(ctx context.Context, jobID uuid.UUID, providerJobID string) error
	SetParsedText(ctx context.Context, jobID uuid.UUID, text string) error
	GetParsedText(ctx context.Context, jobID uuid.UUID) (string, error)
	SetDocumentParsedPath(ctx context.Context, jobID uuid.UUID, parsedPath string) error
	StuckParsingJobs(ctx context.Context, olderThan time.Duration, limit int) ([]registry.UploadJob, error)
	ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []registry.DocumentChunk) error
	UnembeddedChunks(ctx context.Context, docID uuid.UUID) ([]registry.DocumentChunk, error)
	SetChunkEmbedding(ctx context.Context, docID uuid.UUID, chunkOrd int, vec pgvector.Vector, model, version string) error
	CountUnembeddedChunks(ctx context.Context, docID uuid.UUID) (int, error)
}

// BlobStore is the storage gateway surface the orchestrator needs.
type BlobStore interface {
	Get(ctx context.Context, path string) ([]byte, *fault.Fault)
	Put(ctx context.Context, path string, data []byte, contentType string) *fault.Fault
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, *fault.Fault)
	Model() string
}

// LocalExtractor is the synchronous fast path for mime types that never need
// the external parsing provider.
type LocalExtractor interface {
	CanExtract(mimeType string) bool
	Extract(mimeType string, data []byte) (string, error)
}

// Notifier is told about dead-lettered jobs so an operator can intervene.
type Notifier interface {
	JobDeadlettered(ctx context.Context, jobID, docID uuid.UUID, stage registry.Stage, reason string)
}

type noopNotifier struct{}

func (noopNotifier) JobDeadlettered(context.Context, uuid.UUID, uuid.UUID, registry.Stage, string) {}

type Options struct {
	PollInterval   time.Duration
	ClaimBatchSize int
	LeaseDuration  time.Duration
	ParseTimeout   time.Duration
	ChunkSize      int
	ChunkOverlap   float64
	EmbedBatchSize int
	WorkerPoolSize int
	MaxUploadBytes int64
	WebhookBaseURL string
}

// Orchestrator claims ready jobs and executes exactly the operation for each
// job's current stage. Multiple instances can run concurrently; exclusivity
// comes from the registry's claim semantics, not from anything in here.
type Orchestrator struct {
	opts     Options
	reg      Registry
	store    BlobStore
	provider parse.Provider
	local    LocalExtractor
	embedder Embedder
	notifier Notifier
	pool     *ants.Pool
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(opts Options, reg Registry, store BlobStore, provider parse.Provider, local LocalExtractor, embedder Embedder, notifier Notifier, logger *slog.Logger) (*Orchestrator, error) {
	if opts.WorkerPoolSize < 1 {
		opts.WorkerPoolSize = 1
	}
	pool, err := ants.NewPool(opts.WorkerPoolSize)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Orchestrator{
		opts:     opts,
		reg:      reg,
		store:    store,
		provider: provider,
		local:    local,
		embedder: embedder,
		notifier: notifier,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Start launches the claim loop and the safety-net parse poller. It returns
// immediately; Stop drains in-flight work.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.claimLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.parsePollLoop(ctx)
	}()

	o.logger.Info("Orchestrator started",
		slog.Duration("poll_interval", o.opts.PollInterval),
		slog.Int("claim_batch_size", o.opts.ClaimBatchSize))
}

// Stop cancels the loops, waits for in-flight jobs and releases the worker
// pool.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.pool.Release()
	o.logger.Info("Orchestrator stopped")
}

func (o *Orchestrator) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		o.claimAndProcess(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) claimAndProcess(ctx context.Context) {
	jobs, err := o.reg.ClaimNextJobs(ctx, o.opts.ClaimBatchSize, o.opts.LeaseDuration)
	if err != nil {
		// Infrastructure error: the jobs stay untouched and the next poll
		// cycle tries again.
		o.logger.Error("Failed to claim jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range jobs {
		job := job
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.processJob(ctx, job)
		}()
	}
}

// processJob runs one stage operation for a claimed job. Stage failures are
// converted to RecordFailure calls and never propagate; a single bad job must
// not stop the loop.
func (o *Orchestrator) processJob(ctx context.Context, job registry.UploadJob) {
	var f *fault.Fault

	switch job.Stage {
	case registry.StageQueued:
		f = o.stageQueued(ctx, job)
	case registry.StageJobValidated:
		f = o.stageSubmitParse(ctx, job, true)
	case registry.StageParsing:
		// Only reachable after a parse retry was scheduled: resubmit.
		f = o.stageSubmitParse(ctx, job, false)
	case registry.StageParsed:
		f = o.stageStoreParsed(ctx, job)
	case registry.StageParseValidated:
		f = o.stageChunk(ctx, job, true)
	case registry.StageChunking:
		f = o.stageChunk(ctx, job, false)
	case registry.StageChunked:
		f = o.stageEmbed(ctx, job, true)
	case registry.StageEmbedding:
		f = o.stageEmbed(ctx, job, false)
	case registry.StageEmbedded:
		f = o.stageFinalize(ctx, job)
	default:
		o.logger.Warn("Claimed job in unexpected stage",
			slog.String("job_id", job.ID.String()),
			slog.String("stage", string(job.Stage)))
		return
	}

	if f == nil {
		return
	}

	o.logger.Warn("Stage operation failed",
		slog.String("job_id", job.ID.String()),
		slog.String("stage", string(job.Stage)),
		slog.String("class", f.Class.String()),
		slog.String("error", f.Error()))

	state, err := o.reg.RecordFailure(ctx, job.ID, f)
	if err != nil {
		o.logger.Error("Failed to record stage failure",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if state == registry.StateDeadletter {
		o.notifier.JobDeadlettered(ctx, job.ID, job.DocumentID, job.Stage, f.Error())
	}
}

// parsePollLoop is the safety net for jobs stuck in parsing past the timeout:
// it polls the provider directly in case the completion webhook was lost.
func (o *Orchestrator) parsePollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := o.reg.StuckParsingJobs(ctx, o.opts.ParseTimeout, o.opts.ClaimBatchSize)
		if err != nil {
			o.logger.Error("Failed to query stuck parsing jobs", slog.String("error", err.Error()))
			continue
		}

		for _, job := range jobs {
			o.checkStuckParse(ctx, job)
		}
	}
}

func (o *Orchestrator) checkStuckParse(ctx context.Context, job registry.UploadJob) {
	if job.ProviderJobID == nil {
		o.failJob(ctx, job, fault.Transientf(registry.CodeParseTimeout,
			"no provider job id after %s in parsing", o.opts.ParseTimeout))
		return
	}

	res, f := o.provider.Poll(ctx, *job.ProviderJobID)
	if f != nil {
		o.failJob(ctx, job, f)
		return
	}

	switch res.Status {
	case parse.StatusCompleted:
		o.completeParse(ctx, job, res.Markdown)
	case parse.StatusFailed:
		o.failJob(ctx, job, fault.Permanentf(registry.CodeParseFailed,
			"provider reported parse failure: %s", res.Error))
	default:
		// Still pending past the timeout window: treat as a retryable
		// timeout so the job gets resubmitted with backoff.
		o.failJob(ctx, job, fault.Transientf(registry.CodeParseTimeout,
			"provider still pending after %s", o.opts.ParseTimeout))
	}
}

// completeParse is the poller-side producer of the "parse completed" event;
// the webhook receiver is the other. Both funnel through the same idempotent
// AdvanceStage transition so it never matters which arrives first.
func (o *Orchestrator) completeParse(ctx context.Context, job registry.UploadJob, markdown string) {
	if err := o.reg.SetParsedText(ctx, job.ID, markdown); err != nil {
		o.logger.Error("Failed to store polled parse result",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	err := o.reg.AdvanceStage(ctx, job.ID, registry.StageParsing, registry.StageParsed)
	if err == registry.ErrStageConflict {
		// Webhook won the race; nothing to do.
		return
	}
	if err != nil {
		o.logger.Error("Failed to advance polled parse completion",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	o.appendEvent(ctx, job, registry.EventInfo, registry.CodeParseCompleted,
		map[string]interface{}{"source": "poller"})
}

func (o *Orchestrator) failJob(ctx context.Context, job registry.UploadJob, f *fault.Fault) {
	state, err := o.reg.RecordFailure(ctx, job.ID, f)
	if err != nil {
		o.logger.Error("Failed to record failure",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if state == registry.StateDeadletter {
		o.notifier.JobDeadlettered(ctx, job.ID, job.DocumentID, job.Stage, f.Error())
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, job registry.UploadJob, typ registry.EventType, code string, payload map[string]interface{}) {
	if err := o.reg.AppendEvent(ctx, job.ID, job.DocumentID, typ, code, payload, job.ID.String()); err != nil {
		o.logger.Error("Failed to append event",
			slog.String("job_id", job.ID.String()),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
}
