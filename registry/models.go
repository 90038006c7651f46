package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Stage is a step in the linear document-processing state machine.
type Stage string

const (
	StageQueued         Stage = "queued"
	StageJobValidated   Stage = "job_validated"
	StageParsing        Stage = "parsing"
	StageParsed         Stage = "parsed"
	StageParseValidated Stage = "parse_validated"
	StageChunking       Stage = "chunking"
	StageChunked        Stage = "chunked"
	StageEmbedding      Stage = "embedding"
	StageEmbedded       Stage = "embedded"
	StageComplete       Stage = "complete"

	StageFailed          Stage = "failed"
	StageFailedParse     Stage = "failed_parse"
	StageFailedChunking  Stage = "failed_chunking"
	StageFailedEmbedding Stage = "failed_embedding"
)

// stageOrder defines the linear progression. Failure terminals sit outside
// the order; a job can only enter one via RecordFailure.
var stageOrder = map[Stage]int{
	StageQueued:         0,
	StageJobValidated:   1,
	StageParsing:        2,
	StageParsed:         3,
	StageParseValidated: 4,
	StageChunking:       5,
	StageChunked:        6,
	StageEmbedding:      7,
	StageEmbedded:       8,
	StageComplete:       9,
}

// CanAdvance reports whether from -> to is a single forward step along the
// linear stage order.
func CanAdvance(from, to Stage) bool {
	fi, ok1 := stageOrder[from]
	ti, ok2 := stageOrder[to]
	return ok1 && ok2 && ti == fi+1
}

// After reports whether s comes later than t in the linear order. Failure
// terminals count as after everything, so duplicate webhook deliveries for a
// finished job read as stale rather than premature.
func (s Stage) After(t Stage) bool {
	si, ok := stageOrder[s]
	if !ok {
		return s.IsTerminal()
	}
	return si > stageOrder[t]
}

// IsTerminal reports whether a stage ends the pipeline.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageComplete, StageFailed, StageFailedParse, StageFailedChunking, StageFailedEmbedding:
		return true
	}
	return false
}

// FailureStageFor maps the stage a job failed in to its terminal failure
// stage, which the document surfaces as processing_status.
func FailureStageFor(s Stage) Stage {
	switch s {
	case StageQueued:
		return StageFailed
	case StageJobValidated, StageParsing, StageParsed:
		return StageFailedParse
	case StageParseValidated, StageChunking:
		return StageFailedChunking
	case StageChunked, StageEmbedding, StageEmbedded:
		return StageFailedEmbedding
	}
	return StageFailed
}

// State is the liveness status of a job within its current stage.
type State string

const (
	StateQueued     State = "queued"
	StateWorking    State = "working"
	StateRetryable  State = "retryable"
	StateDeadletter State = "deadletter"
	StateDone       State = "done"
)

// stateForStage picks the state a job lands in after advancing to a stage.
// Parsing waits on the external provider, so the job holds its working state
// until the webhook or the safety-net poller moves it on.
func stateForStage(s Stage) State {
	switch s {
	case StageParsing:
		return StateWorking
	case StageComplete:
		return StateDone
	default:
		return StateQueued
	}
}

// Document processing status values beyond the stage mirror.
const (
	DocStatusProcessed = "processed"
)

type Document struct {
	ID               uuid.UUID
	UserID           string
	Filename         string
	MimeType         string
	ByteLength       int64
	ContentSHA256    string
	RawPath          string
	ParsedPath       *string
	ProcessingStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type UploadJob struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	Stage         Stage
	State         State
	RetryCount    int
	LastError     *JobError
	WebhookSecret string
	ProviderJobID *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobError is the structured last_error payload stored on a job.
type JobError struct {
	Code    string `json:"code"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

type EventType string

const (
	EventInfo  EventType = "info"
	EventWarn  EventType = "warn"
	EventError EventType = "error"
)

// Event codes recorded in the audit trail.
const (
	CodeJobCreated      = "JOB_CREATED"
	CodeJobValidated    = "JOB_VALIDATED"
	CodeParseSubmitted  = "PARSE_SUBMITTED"
	CodeParseCompleted  = "PARSE_COMPLETED"
	CodeParseFailed     = "PARSE_FAILED"
	CodeParseTimeout    = "PARSE_TIMEOUT"
	CodeChunksWritten   = "CHUNKS_WRITTEN"
	CodeEmbeddingsDone  = "EMBEDDINGS_WRITTEN"
	CodeJobComplete     = "JOB_COMPLETE"
	CodeJobRetry        = "JOB_RETRY"
	CodeJobDeadletter   = "JOB_DEADLETTER"
	CodeWebhookRejected = "WEBHOOK_REJECTED"
	CodeDuplicateUpload = "DUPLICATE_UPLOAD"
)

type Event struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	DocumentID    uuid.UUID
	Type          EventType
	Code          string
	Payload       map[string]interface{}
	CorrelationID string
	TS            time.Time
}

type DocumentChunk struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	ChunkOrd       int
	Text           string
	ChunkSHA       string
	ChunkerName    string
	ChunkerVersion string
	EmbedModel     *string
	EmbedVersion   *string
	VectorDim      *int
	Embedding      *pgvector.Vector
}
