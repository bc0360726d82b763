package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fitsync/internal/database"
	"fitsync/internal/providers/garmin"
)

type submitCall struct {
	summaryType string
	from, to    int64
}

type fakeSubmitter struct {
	calls    []submitCall
	failures int // fail this many leading calls
}

func (f *fakeSubmitter) BackfillSummaries(ctx context.Context, tok garmin.Token, summaryType string, from, to int64) error {
	f.calls = append(f.calls, submitCall{summaryType, from, to})
	if len(f.calls) <= f.failures {
		return errors.New("upstream unavailable")
	}
	return nil
}

type fixedCreds struct {
	err error
}

func (f *fixedCreds) ValidCredential(ctx context.Context, userID int64, provider string) (*database.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	secret := "ts"
	return &database.Credential{UserID: userID, Provider: provider, AccessToken: "at", TokenSecret: &secret}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SubmitDelay = time.Millisecond
	return cfg
}

func setupScheduler(t *testing.T, submitter *fakeSubmitter, cfg Config) (*Scheduler, *database.DB) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewScheduler(db, &fixedCreds{}, submitter, cfg), db
}

func TestChunkWindows(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	t.Run("six months in three month chunks", func(t *testing.T) {
		windows := ChunkWindows(now, 6, 3, 6)
		if len(windows) != 2 {
			t.Fatalf("Expected 2 windows, got %d", len(windows))
		}
		if windows[0].End != now.Unix() {
			t.Errorf("Expected first window to end now, got %d", windows[0].End)
		}
		// Contiguous, no gaps
		if windows[1].End != windows[0].Start {
			t.Errorf("Expected contiguous windows, got gap between %d and %d", windows[1].End, windows[0].Start)
		}
		if windows[1].Start != now.AddDate(0, -6, 0).Unix() {
			t.Errorf("Expected oldest window to reach 6 months back, got %d", windows[1].Start)
		}
	})

	t.Run("request beyond cap is clipped", func(t *testing.T) {
		capped := ChunkWindows(now, 24, 3, 6)
		uncapped := ChunkWindows(now, 6, 3, 6)
		if len(capped) != len(uncapped) {
			t.Fatalf("Expected capped request to match 6 months, got %d windows", len(capped))
		}
		if capped[len(capped)-1].Start != uncapped[len(uncapped)-1].Start {
			t.Error("Expected capped request to reach exactly the cap")
		}
	})

	t.Run("partial final chunk", func(t *testing.T) {
		windows := ChunkWindows(now, 4, 3, 6)
		if len(windows) != 2 {
			t.Fatalf("Expected 2 windows, got %d", len(windows))
		}
		if windows[1].Start != now.AddDate(0, -4, 0).Unix() {
			t.Errorf("Expected final chunk clipped to 4 months back, got %d", windows[1].Start)
		}
	})

	t.Run("zero months", func(t *testing.T) {
		if windows := ChunkWindows(now, 0, 3, 6); windows != nil {
			t.Errorf("Expected no windows, got %v", windows)
		}
	})
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	limit := time.Hour

	if got := Backoff(0, base, limit); got != 30*time.Second {
		t.Errorf("Expected 30s for retry 0, got %v", got)
	}
	if got := Backoff(2, base, limit); got != 2*time.Minute {
		t.Errorf("Expected 2m for retry 2, got %v", got)
	}

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := Backoff(i, base, limit)
		if d < prev {
			t.Errorf("Expected monotonic backoff, got %v after %v at retry %d", d, prev, i)
		}
		if d > limit {
			t.Errorf("Expected backoff capped at %v, got %v", limit, d)
		}
		prev = d
	}
	if Backoff(50, base, limit) != limit {
		t.Error("Expected deep retries to sit at the cap")
	}
}

func TestInitiate(t *testing.T) {
	submitter := &fakeSubmitter{}
	scheduler, db := setupScheduler(t, submitter, testConfig())

	result, err := scheduler.Initiate(context.Background(), 1, 6)
	if err != nil {
		t.Fatalf("Failed to initiate backfill: %v", err)
	}
	if result.TotalPeriods != 2 || result.SuccessfulPeriods != 2 {
		t.Errorf("Expected 2 submitted chunks, got %+v", result)
	}
	if len(result.Results) != 2 {
		t.Fatalf("Expected per-chunk outcomes, got %d", len(result.Results))
	}
	for _, o := range result.Results {
		if !o.Submitted {
			t.Errorf("Expected chunk %d-%d to be submitted", o.PeriodStart, o.PeriodEnd)
		}
	}
	if len(submitter.calls) != 2 {
		t.Errorf("Expected 2 submissions, got %d", len(submitter.calls))
	}

	rows, err := db.BackfillRequestsByUser(1)
	if err != nil {
		t.Fatalf("Failed to list requests: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Status != database.BackfillStatusInProgress {
			t.Errorf("Expected in_progress after submission, got %s", r.Status)
		}
		if r.MaxRetries != 3 {
			t.Errorf("Expected max retries 3, got %d", r.MaxRetries)
		}
	}

	// Re-initiation is refused and creates nothing
	if _, err := scheduler.Initiate(context.Background(), 1, 6); !errors.Is(err, ErrAlreadyRequested) {
		t.Errorf("Expected ErrAlreadyRequested, got %v", err)
	}
	rows, _ = db.BackfillRequestsByUser(1)
	if len(rows) != 2 {
		t.Errorf("Expected still 2 rows, got %d", len(rows))
	}
}

func TestInitiatePartialFailure(t *testing.T) {
	submitter := &fakeSubmitter{failures: 1}
	scheduler, db := setupScheduler(t, submitter, testConfig())

	result, err := scheduler.Initiate(context.Background(), 1, 6)
	if err != nil {
		t.Fatalf("Expected per-chunk failures to be non-fatal, got %v", err)
	}
	if result.TotalPeriods != 2 || result.SuccessfulPeriods != 1 {
		t.Errorf("Expected 2 chunks with 1 submitted, got %+v", result)
	}

	rows, _ := db.BackfillRequestsByUser(1)
	var errored, inProgress int
	for _, r := range rows {
		switch r.Status {
		case database.BackfillStatusError:
			errored++
			if r.ErrorMessage == nil {
				t.Error("Expected failure message on errored chunk")
			}
			if r.NextRetryAt == nil {
				t.Error("Expected errored chunk to be scheduled for retry")
			}
			if r.RetryCount != 0 {
				t.Errorf("Expected initial failure to consume no retry, got %d", r.RetryCount)
			}
		case database.BackfillStatusInProgress:
			inProgress++
		}
	}
	if errored != 1 || inProgress != 1 {
		t.Errorf("Expected 1 errored and 1 in_progress, got %d/%d", errored, inProgress)
	}
}

func TestReconcileSelfHeals(t *testing.T) {
	submitter := &fakeSubmitter{}
	scheduler, db := setupScheduler(t, submitter, testConfig())

	req := &database.BackfillRequest{
		ID: "chunk_1", UserID: 1, SummaryType: "activities",
		PeriodStart: 1000, PeriodEnd: 2000, MaxRetries: 3,
	}
	if err := db.CreateBackfillRequest(req); err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	// The webhook delivered data for the window while the row sat pending
	db.UpsertActivity("garmin", &database.RawActivity{
		UserID: 1, ProviderActivityID: "g_1", Name: "Run", ActivityType: "RUNNING", StartDate: 1500,
	})

	scheduler.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	result, err := scheduler.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if result.Completed != 1 || result.Retried != 0 || result.TimedOut != 0 {
		t.Errorf("Expected 1 completed, got %+v", result)
	}

	row, _ := db.GetBackfillRequest("chunk_1")
	if row.Status != database.BackfillStatusCompleted {
		t.Errorf("Expected completed, got %s", row.Status)
	}
	if row.ActivitiesProcessed == nil || *row.ActivitiesProcessed != 1 {
		t.Errorf("Expected 1 activity processed, got %v", row.ActivitiesProcessed)
	}
	if len(submitter.calls) != 0 {
		t.Error("Expected no resubmission for a self-healed chunk")
	}
}

func TestReconcileRetriesStuckPending(t *testing.T) {
	submitter := &fakeSubmitter{}
	scheduler, db := setupScheduler(t, submitter, testConfig())

	req := &database.BackfillRequest{
		ID: "chunk_1", UserID: 1, SummaryType: "activities",
		PeriodStart: 1000, PeriodEnd: 2000, MaxRetries: 3,
	}
	db.CreateBackfillRequest(req)

	reconcileAt := time.Now().Add(2 * time.Hour)
	scheduler.SetClock(func() time.Time { return reconcileAt })

	result, err := scheduler.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if result.Retried != 1 {
		t.Errorf("Expected 1 retried, got %+v", result)
	}
	if len(submitter.calls) != 1 {
		t.Errorf("Expected 1 resubmission, got %d", len(submitter.calls))
	}

	row, _ := db.GetBackfillRequest("chunk_1")
	if row.Status != database.BackfillStatusInProgress {
		t.Errorf("Expected in_progress after resubmission, got %s", row.Status)
	}
	if row.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", row.RetryCount)
	}
	if row.NextRetryAt == nil || *row.NextRetryAt <= reconcileAt.Unix() {
		t.Errorf("Expected next retry in the future, got %v", row.NextRetryAt)
	}
}

func TestReconcileRetrySubmissionFails(t *testing.T) {
	submitter := &fakeSubmitter{failures: 100}
	scheduler, db := setupScheduler(t, submitter, testConfig())

	db.CreateBackfillRequest(&database.BackfillRequest{
		ID: "chunk_1", UserID: 1, SummaryType: "activities",
		PeriodStart: 1000, PeriodEnd: 2000, MaxRetries: 3,
	})

	scheduler.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	result, err := scheduler.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if result.Retried != 1 {
		t.Errorf("Expected the failed attempt to still count as retried, got %+v", result)
	}

	row, _ := db.GetBackfillRequest("chunk_1")
	if row.Status != database.BackfillStatusError {
		t.Errorf("Expected error status, got %s", row.Status)
	}
	if row.RetryCount != 1 {
		t.Errorf("Expected retry to be consumed, got %d", row.RetryCount)
	}
	if row.ErrorMessage == nil {
		t.Error("Expected failure message to be recorded")
	}
}

func TestReconcileTimesOutExhaustedChunks(t *testing.T) {
	submitter := &fakeSubmitter{}
	scheduler, db := setupScheduler(t, submitter, testConfig())

	db.CreateBackfillRequest(&database.BackfillRequest{
		ID: "chunk_1", UserID: 1, SummaryType: "activities",
		PeriodStart: 1000, PeriodEnd: 2000, MaxRetries: 3,
	})
	db.MarkBackfillInProgress("chunk_1")
	// Retries already exhausted by earlier passes
	db.MarkBackfillRetry("chunk_1", 3, time.Now(), database.BackfillStatusInProgress, nil)

	scheduler.SetClock(func() time.Time { return time.Now().Add(7 * time.Hour) })

	result, err := scheduler.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if result.TimedOut != 1 {
		t.Errorf("Expected 1 timed out, got %+v", result)
	}
	if len(submitter.calls) != 0 {
		t.Error("Expected no resubmission of an exhausted chunk")
	}

	row, _ := db.GetBackfillRequest("chunk_1")
	if !row.Terminal() {
		t.Errorf("Expected terminal row, got %+v", row)
	}
}

func TestStatusGrouping(t *testing.T) {
	scheduler, db := setupScheduler(t, &fakeSubmitter{}, testConfig())

	db.CreateBackfillRequest(&database.BackfillRequest{
		ID: "a", UserID: 1, SummaryType: "activities", PeriodStart: 1, PeriodEnd: 2, MaxRetries: 3,
	})
	db.CreateBackfillRequest(&database.BackfillRequest{
		ID: "b", UserID: 1, SummaryType: "activities", PeriodStart: 2, PeriodEnd: 3, MaxRetries: 3,
	})
	db.MarkBackfillCompleted("b", 5)
	db.CreateBackfillRequest(&database.BackfillRequest{
		ID: "c", UserID: 1, SummaryType: "activities", PeriodStart: 3, PeriodEnd: 4, MaxRetries: 3,
	})
	db.MarkBackfillTimedOut("c", 3)

	counts, err := scheduler.Status(1)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if counts["pending"] != 1 || counts["completed"] != 1 || counts["terminal"] != 1 {
		t.Errorf("Expected 1/1/1 pending/completed/terminal, got %v", counts)
	}
}
