package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veridian-health/docpipe/db"
	"github.com/veridian-health/docpipe/fault"
)

// These tests exercise the registry's SQL against a real database: claim
// exclusivity, lease reclaim and dedup cannot be verified against fakes.
// Point TEST_DATABASE_URL at a disposable database to run them; the tables
// are truncated per test.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database-backed registry tests")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, url, 4)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx,
		`TRUNCATE ingest.document_chunks, ingest.events, ingest.upload_jobs, ingest.documents CASCADE`)
	if err != nil {
		t.Fatalf("failed to reset test tables: %v", err)
	}
	return pool
}

func testUpload(user string) NewUpload {
	return NewUpload{
		UserID:        user,
		Filename:      "scan.pdf",
		MimeType:      "application/pdf",
		ByteLength:    1024,
		ContentSHA256: strings.Repeat("a", 64),
	}
}

func TestCreateDocumentAndJobDeduplicatesPerUser(t *testing.T) {
	ctx := context.Background()
	reg := New(testPool(t), discardLogger(), DefaultRetryPolicy(5))

	first, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if first.IsDuplicate {
		t.Error("first upload flagged duplicate")
	}
	if first.RawPath == "" {
		t.Error("first upload carries no raw path")
	}

	second, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("duplicate create failed: %v", err)
	}
	if !second.IsDuplicate {
		t.Error("identical re-upload not flagged duplicate")
	}
	if second.DocumentID != first.DocumentID || second.JobID != first.JobID {
		t.Error("duplicate did not resolve to the existing document and job")
	}

	// Same bytes from another user is an independent document.
	other, err := reg.CreateDocumentAndJob(ctx, testUpload("bob"))
	if err != nil {
		t.Fatalf("cross-user create failed: %v", err)
	}
	if other.IsDuplicate {
		t.Error("cross-user upload flagged duplicate")
	}
	if other.DocumentID == first.DocumentID {
		t.Error("dedup leaked across users")
	}
}

func TestClaimNextJobsSingleWinner(t *testing.T) {
	ctx := context.Background()
	reg := New(testPool(t), discardLogger(), DefaultRetryPolicy(5))

	created, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []UploadJob
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := reg.ClaimNextJobs(ctx, 5, time.Minute)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			mu.Lock()
			claimed = append(claimed, jobs...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != 1 {
		t.Fatalf("%d concurrent claimers won the job, want exactly 1", len(claimed))
	}
	if claimed[0].ID != created.JobID {
		t.Errorf("claimed job %s, want %s", claimed[0].ID, created.JobID)
	}
	if claimed[0].State != StateWorking {
		t.Errorf("claimed job state = %s, want working", claimed[0].State)
	}

	// While the lease holds, the job stays off the market.
	again, err := reg.ClaimNextJobs(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("leased working job re-claimed: %v", again)
	}
}

func TestClaimReclaimsStaleLease(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	reg := New(pool, discardLogger(), DefaultRetryPolicy(5))

	created, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := reg.ClaimNextJobs(ctx, 1, time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Simulate a worker that died holding the lease.
	_, err = pool.Exec(ctx,
		`UPDATE ingest.upload_jobs SET updated_at = now() - interval '10 minutes' WHERE id = $1`,
		created.JobID)
	if err != nil {
		t.Fatalf("failed to backdate lease: %v", err)
	}

	reclaimed, err := reg.ClaimNextJobs(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != created.JobID {
		t.Fatalf("stale working job not reclaimed: %v", reclaimed)
	}
}

func TestClaimLeavesParsingJobsAlone(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	reg := New(pool, discardLogger(), DefaultRetryPolicy(5))

	created, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// A parsing job legitimately waits on the external provider well past any
	// lease; the stuck-parse poller owns its timeout, not the claim loop.
	_, err = pool.Exec(ctx, `
		UPDATE ingest.upload_jobs
		SET stage = 'parsing', state = 'working', updated_at = now() - interval '10 minutes'
		WHERE id = $1`, created.JobID)
	if err != nil {
		t.Fatalf("failed to stage parsing job: %v", err)
	}

	jobs, err := reg.ClaimNextJobs(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("parsing job reclaimed by lease expiry: %v", jobs)
	}

	stuck, err := reg.StuckParsingJobs(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("stuck query failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != created.JobID {
		t.Errorf("stuck parsing job not surfaced to the poller: %v", stuck)
	}
}

func TestRecordFailureBackoffThenDeadletter(t *testing.T) {
	ctx := context.Background()
	pool := testPool(t)
	reg := New(pool, discardLogger(), DefaultRetryPolicy(1))

	created, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	state, err := reg.RecordFailure(ctx, created.JobID,
		fault.Transientf("STORAGE_NOT_FOUND", "not uploaded yet"))
	if err != nil {
		t.Fatalf("first failure failed: %v", err)
	}
	if state != StateRetryable {
		t.Fatalf("first transient failure landed in %s, want retryable", state)
	}

	job, err := reg.GetJob(ctx, created.JobID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if job.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", job.RetryCount)
	}
	if job.LastError == nil || job.LastError.Code != "STORAGE_NOT_FOUND" {
		t.Errorf("last_error = %+v", job.LastError)
	}
	if !job.NextAttemptAt.After(time.Now()) {
		t.Error("retryable job has no backoff window")
	}

	// Backoff window keeps it off the market.
	jobs, err := reg.ClaimNextJobs(ctx, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("job claimed inside its backoff window: %v", jobs)
	}

	// Second failure exhausts MaxRetries=1.
	state, err = reg.RecordFailure(ctx, created.JobID,
		fault.Transientf("STORAGE_NOT_FOUND", "still not uploaded"))
	if err != nil {
		t.Fatalf("second failure failed: %v", err)
	}
	if state != StateDeadletter {
		t.Fatalf("exhausted job landed in %s, want deadletter", state)
	}

	job, err = reg.GetJob(ctx, created.JobID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if job.Stage != StageFailed {
		t.Errorf("deadlettered stage = %s, want failed", job.Stage)
	}

	doc, err := reg.GetDocument(ctx, created.DocumentID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if doc.ProcessingStatus != string(StageFailed) {
		t.Errorf("processing_status = %s, want failed", doc.ProcessingStatus)
	}
}

func TestRecordFailurePermanentDeadlettersImmediately(t *testing.T) {
	ctx := context.Background()
	reg := New(testPool(t), discardLogger(), DefaultRetryPolicy(5))

	created, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	state, err := reg.RecordFailure(ctx, created.JobID,
		fault.Permanentf("INPUT_MIME_REJECTED", "mime type rejected"))
	if err != nil {
		t.Fatalf("failure failed: %v", err)
	}
	if state != StateDeadletter {
		t.Errorf("permanent failure landed in %s, want deadletter", state)
	}
}

func TestAdvanceStageConflictAndMirror(t *testing.T) {
	ctx := context.Background()
	reg := New(testPool(t), discardLogger(), DefaultRetryPolicy(5))

	created, err := reg.CreateDocumentAndJob(ctx, testUpload("alice"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := reg.AdvanceStage(ctx, created.JobID, StageQueued, StageJobValidated); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	doc, err := reg.GetDocument(ctx, created.DocumentID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if doc.ProcessingStatus != string(StageJobValidated) {
		t.Errorf("processing_status = %s, want job_validated", doc.ProcessingStatus)
	}

	// A second worker attempting the same transition loses the race.
	if err := reg.AdvanceStage(ctx, created.JobID, StageQueued, StageJobValidated); err != ErrStageConflict {
		t.Errorf("repeated advance returned %v, want ErrStageConflict", err)
	}

	// Skipping stages is rejected outright, not as a conflict.
	if err := reg.AdvanceStage(ctx, created.JobID, StageJobValidated, StageParsed); err == nil || err == ErrStageConflict {
		t.Errorf("stage skip returned %v, want validation error", err)
	}
}
