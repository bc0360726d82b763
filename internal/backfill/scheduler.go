package backfill

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fitsync/internal/config"
	"fitsync/internal/database"
	"fitsync/internal/metrics"
	"fitsync/internal/providers/garmin"
)

// ErrAlreadyRequested means the user already has backfill rows. Initiation
// is a one-shot operation; existing rows are never duplicated.
var ErrAlreadyRequested = errors.New("user already has backfill records")

// ProviderSubmitter submits one asynchronous backfill chunk upstream.
// Satisfied by garmin.Client.
type ProviderSubmitter interface {
	BackfillSummaries(ctx context.Context, tok garmin.Token, summaryType string, from, to int64) error
}

// CredentialSource supplies usable credentials. Satisfied by oauth.Manager.
type CredentialSource interface {
	ValidCredential(ctx context.Context, userID int64, provider string) (*database.Credential, error)
}

// Config holds the backfill tuning knobs
type Config struct {
	MaxMonths           int
	ChunkMonths         int
	MaxRetries          int
	SummaryTypes        []string
	SubmitDelay         time.Duration
	PendingThreshold    time.Duration
	InProgressThreshold time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxMonths:           6,
		ChunkMonths:         3,
		MaxRetries:          3,
		SummaryTypes:        []string{"activities"},
		SubmitDelay:         2 * time.Second,
		PendingThreshold:    time.Hour,
		InProgressThreshold: 6 * time.Hour,
		BackoffBase:         30 * time.Second,
		BackoffCap:          time.Hour,
	}
}

// FromAppConfig builds the backfill config from loaded application config
func FromAppConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	c.MaxMonths = cfg.BackfillMaxMonths
	c.ChunkMonths = cfg.BackfillChunkMonths
	c.MaxRetries = cfg.BackfillMaxRetries
	c.SubmitDelay = cfg.BackfillSubmitDelay
	c.PendingThreshold = cfg.BackfillPendingThreshold
	c.InProgressThreshold = cfg.BackfillInProgressThreshold
	c.BackoffBase = cfg.BackfillBackoffBase
	c.BackoffCap = cfg.BackfillBackoffCap
	return c
}

// Window is one backfill chunk period, unix seconds, end exclusive
type Window struct {
	Start int64
	End   int64
}

// ChunkWindows splits the requested history into chunk windows walking
// backward from now. The reach is capped at maxMonths.
func ChunkWindows(now time.Time, monthsBack, chunkMonths, maxMonths int) []Window {
	if monthsBack <= 0 {
		return nil
	}
	if monthsBack > maxMonths {
		monthsBack = maxMonths
	}

	floor := now.AddDate(0, -monthsBack, 0)

	var windows []Window
	end := now
	for end.After(floor) {
		start := end.AddDate(0, -chunkMonths, 0)
		if start.Before(floor) {
			start = floor
		}
		windows = append(windows, Window{Start: start.Unix(), End: end.Unix()})
		end = start
	}
	return windows
}

// Backoff returns the retry delay for the given attempt: base doubled per
// retry, capped. Monotonic in retryCount.
func Backoff(retryCount int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Scheduler creates backfill chunks, submits them upstream with a serialized
// pace, and reconciles rows that got stuck
type Scheduler struct {
	db       *database.DB
	creds    CredentialSource
	provider ProviderSubmitter
	cfg      Config
	limiter  *rate.Limiter
	clock    func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a backfill scheduler
func NewScheduler(db *database.DB, creds CredentialSource, provider ProviderSubmitter, cfg Config) *Scheduler {
	return &Scheduler{
		db:       db,
		creds:    creds,
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.SubmitDelay), 1),
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

// ChunkOutcome describes one created chunk and whether its submission
// reached the provider
type ChunkOutcome struct {
	SummaryType string `json:"summaryType"`
	PeriodStart int64  `json:"periodStart"`
	PeriodEnd   int64  `json:"periodEnd"`
	Submitted   bool   `json:"submitted"`
}

// InitiateResult summarizes one backfill initiation
type InitiateResult struct {
	Results           []ChunkOutcome `json:"results"`
	TotalPeriods      int            `json:"totalPeriods"`
	SuccessfulPeriods int            `json:"successfulPeriods"`
}

// Initiate creates and submits the backfill chunks for a user. A user with
// existing rows gets ErrAlreadyRequested and no new rows.
func (s *Scheduler) Initiate(ctx context.Context, userID int64, monthsBack int) (*InitiateResult, error) {
	has, err := s.db.HasBackfillRequests(userID)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, ErrAlreadyRequested
	}

	cred, err := s.creds.ValidCredential(ctx, userID, database.ProviderGarmin)
	if err != nil {
		return nil, err
	}

	windows := ChunkWindows(s.clock(), monthsBack, s.cfg.ChunkMonths, s.cfg.MaxMonths)

	result := &InitiateResult{}
	for _, w := range windows {
		for _, summaryType := range s.cfg.SummaryTypes {
			req := &database.BackfillRequest{
				ID:          uuid.NewString(),
				UserID:      userID,
				SummaryType: summaryType,
				PeriodStart: w.Start,
				PeriodEnd:   w.End,
				MaxRetries:  s.cfg.MaxRetries,
			}
			if err := s.db.CreateBackfillRequest(req); err != nil {
				return result, err
			}
			result.TotalPeriods++

			outcome := ChunkOutcome{
				SummaryType: summaryType,
				PeriodStart: w.Start,
				PeriodEnd:   w.End,
			}

			// A failed chunk is recorded on its row; the rest still submit
			if err := s.submit(ctx, cred, req); err != nil {
				s.recordSubmitFailure(req, 0, err)
				result.Results = append(result.Results, outcome)
				continue
			}
			if err := s.db.MarkBackfillInProgress(req.ID); err != nil {
				s.logger.Error("failed to mark backfill in progress", "id", req.ID, "error", err)
			}
			outcome.Submitted = true
			result.SuccessfulPeriods++
			result.Results = append(result.Results, outcome)
		}
	}

	s.logger.Info("backfill initiated",
		"user_id", userID, "chunks", result.TotalPeriods, "submitted", result.SuccessfulPeriods)
	return result, nil
}

// submit sends one chunk upstream. Submissions across all chunks are
// serialized through the limiter so the provider sees a steady pace.
func (s *Scheduler) submit(ctx context.Context, cred *database.Credential, req *database.BackfillRequest) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	tok := garmin.Token{AccessToken: cred.AccessToken}
	if cred.TokenSecret != nil {
		tok.TokenSecret = *cred.TokenSecret
	}

	err := s.provider.BackfillSummaries(ctx, tok, req.SummaryType, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		metrics.BackfillSubmissionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	metrics.BackfillSubmissionsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

func (s *Scheduler) recordSubmitFailure(req *database.BackfillRequest, retryCount int, cause error) {
	next := s.clock().Add(Backoff(retryCount, s.cfg.BackoffBase, s.cfg.BackoffCap))
	if err := s.db.MarkBackfillError(req.ID, cause.Error(), next); err != nil {
		s.logger.Error("failed to record backfill error", "id", req.ID, "error", err)
	}
	s.logger.Warn("backfill chunk submission failed",
		"id", req.ID, "user_id", req.UserID, "error", cause)
}

// ReconcileResult summarizes one reconciliation pass
type ReconcileResult struct {
	Retried   int `json:"retried"`
	TimedOut  int `json:"timedOut"`
	Completed int `json:"completed"`
}

// Reconcile scans for stuck backfill rows and repairs them: rows whose data
// already arrived are completed, exhausted rows become terminal, the rest
// are resubmitted with backoff. Failures on one row never stop the pass.
func (s *Scheduler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	now := s.clock()
	result := &ReconcileResult{}

	stuckPending, err := s.db.StuckPending(now.Add(-s.cfg.PendingThreshold))
	if err != nil {
		return nil, err
	}
	stuckInProgress, err := s.db.StuckInProgress(now.Add(-s.cfg.InProgressThreshold))
	if err != nil {
		return nil, err
	}
	retryable, err := s.db.RetryableErrors(now)
	if err != nil {
		return nil, err
	}

	for _, req := range stuckPending {
		s.reconcileOne(ctx, req, result)
	}
	for _, req := range stuckInProgress {
		s.reconcileOne(ctx, req, result)
	}
	for _, req := range retryable {
		s.reconcileOne(ctx, req, result)
	}

	s.logger.Info("backfill reconciliation finished",
		"retried", result.Retried, "timed_out", result.TimedOut, "completed", result.Completed)
	return result, nil
}

func (s *Scheduler) reconcileOne(ctx context.Context, req *database.BackfillRequest, result *ReconcileResult) {
	// Self-heal: the webhook may have delivered the data while the row
	// looked stuck
	count, err := s.db.CountActivitiesInPeriod(database.ProviderGarmin, req.UserID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		s.logger.Error("failed to count activities for backfill chunk", "id", req.ID, "error", err)
		return
	}
	if count > 0 {
		if err := s.db.MarkBackfillCompleted(req.ID, count); err != nil {
			s.logger.Error("failed to complete backfill chunk", "id", req.ID, "error", err)
			return
		}
		metrics.BackfillReconciledTotal.WithLabelValues(metrics.BackfillOutcomeSelfHealed).Inc()
		result.Completed++
		return
	}

	if req.RetryCount >= req.MaxRetries {
		if err := s.db.MarkBackfillTimedOut(req.ID, req.MaxRetries); err != nil {
			s.logger.Error("failed to time out backfill chunk", "id", req.ID, "error", err)
			return
		}
		metrics.BackfillReconciledTotal.WithLabelValues(metrics.BackfillOutcomeTimedOut).Inc()
		result.TimedOut++
		return
	}

	cred, err := s.creds.ValidCredential(ctx, req.UserID, database.ProviderGarmin)
	if err != nil {
		s.logger.Warn("skipping backfill retry, no usable credential",
			"id", req.ID, "user_id", req.UserID, "error", err)
		return
	}

	retryCount := req.RetryCount + 1
	nextRetryAt := s.clock().Add(Backoff(retryCount, s.cfg.BackoffBase, s.cfg.BackoffCap))

	status := database.BackfillStatusInProgress
	var message *string
	if err := s.submit(ctx, cred, req); err != nil {
		status = database.BackfillStatusError
		msg := err.Error()
		message = &msg
	}

	if err := s.db.MarkBackfillRetry(req.ID, retryCount, nextRetryAt, status, message); err != nil {
		s.logger.Error("failed to record backfill retry", "id", req.ID, "error", err)
		return
	}
	metrics.BackfillReconciledTotal.WithLabelValues(metrics.BackfillOutcomeRetried).Inc()
	result.Retried++
}

// Status returns a user's backfill rows grouped by state for reporting.
// Terminal rows report as "terminal" rather than their raw error status.
func (s *Scheduler) Status(userID int64) (map[string]int, error) {
	rows, err := s.db.BackfillRequestsByUser(userID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range rows {
		if r.Terminal() {
			counts["terminal"]++
			continue
		}
		counts[r.Status]++
	}
	return counts, nil
}
