package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/metrics"
)

// Backfill request states. A row in BackfillStatusError with
// retry_count == max_retries is terminal and never auto-retried.
const (
	BackfillStatusPending    = "pending"
	BackfillStatusInProgress = "in_progress"
	BackfillStatusCompleted  = "completed"
	BackfillStatusError      = "error"
)

// BackfillRequest is one chunk of a historical backfill window
type BackfillRequest struct {
	ID                  string
	UserID              int64
	SummaryType         string
	PeriodStart         int64
	PeriodEnd           int64
	Status              string
	RetryCount          int
	MaxRetries          int
	NextRetryAt         *int64
	RequestedAt         int64
	CompletedAt         *int64
	ActivitiesProcessed *int64
	ErrorMessage        *string
}

// Terminal reports whether the request has exhausted its retries
func (r *BackfillRequest) Terminal() bool {
	return r.Status == BackfillStatusError && r.RetryCount >= r.MaxRetries
}

const backfillColumns = `id, user_id, summary_type, period_start, period_end, status,
	retry_count, max_retries, next_retry_at, requested_at, completed_at,
	activities_processed, error_message`

func scanBackfillRequest(scan func(dest ...any) error) (*BackfillRequest, error) {
	var r BackfillRequest
	err := scan(
		&r.ID, &r.UserID, &r.SummaryType, &r.PeriodStart, &r.PeriodEnd, &r.Status,
		&r.RetryCount, &r.MaxRetries, &r.NextRetryAt, &r.RequestedAt, &r.CompletedAt,
		&r.ActivitiesProcessed, &r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateBackfillRequest inserts a new pending backfill chunk
func (db *DB) CreateBackfillRequest(r *BackfillRequest) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateBackfill))
	defer timer.ObserveDuration()

	if r.Status == "" {
		r.Status = BackfillStatusPending
	}
	r.RequestedAt = time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO backfill_requests (
			id, user_id, summary_type, period_start, period_end, status,
			retry_count, max_retries, requested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.SummaryType, r.PeriodStart, r.PeriodEnd, r.Status,
		r.RetryCount, r.MaxRetries, r.RequestedAt)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateBackfill).Inc()
		return fmt.Errorf("failed to create backfill request: %w", err)
	}

	metrics.BackfillRequestsCreated.Inc()
	return nil
}

// GetBackfillRequest retrieves a backfill request by id
func (db *DB) GetBackfillRequest(id string) (*BackfillRequest, error) {
	row := db.conn.QueryRow(`
		SELECT `+backfillColumns+` FROM backfill_requests WHERE id = ?
	`, id)

	r, err := scanBackfillRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get backfill request: %w", err)
	}
	return r, nil
}

// HasBackfillRequests reports whether the user has any backfill rows.
// Used as the idempotent resubmission guard.
func (db *DB) HasBackfillRequests(userID int64) (bool, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM backfill_requests WHERE user_id = ?
	`, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count backfill requests: %w", err)
	}
	return count > 0, nil
}

// MarkBackfillInProgress transitions a request to in_progress after submission
func (db *DB) MarkBackfillInProgress(id string) error {
	return db.updateBackfill(`
		UPDATE backfill_requests
		SET status = ?, error_message = NULL
		WHERE id = ?
	`, BackfillStatusInProgress, id)
}

// MarkBackfillCompleted transitions a request to completed
func (db *DB) MarkBackfillCompleted(id string, activitiesProcessed int64) error {
	return db.updateBackfill(`
		UPDATE backfill_requests
		SET status = ?, completed_at = ?, activities_processed = ?, error_message = NULL
		WHERE id = ?
	`, BackfillStatusCompleted, time.Now().Unix(), activitiesProcessed, id)
}

// MarkBackfillError records a failure without consuming a retry.
// next_retry_at schedules the row for the reconciliation pass.
func (db *DB) MarkBackfillError(id, message string, nextRetryAt time.Time) error {
	return db.updateBackfill(`
		UPDATE backfill_requests
		SET status = ?, error_message = ?, next_retry_at = ?
		WHERE id = ?
	`, BackfillStatusError, message, nextRetryAt.Unix(), id)
}

// MarkBackfillRetry records a reconciliation retry attempt: the retry counter
// advances and the next attempt is scheduled. The status reflects whether the
// resubmission itself succeeded.
func (db *DB) MarkBackfillRetry(id string, retryCount int, nextRetryAt time.Time, status string, message *string) error {
	return db.updateBackfill(`
		UPDATE backfill_requests
		SET retry_count = ?, next_retry_at = ?, status = ?, error_message = ?
		WHERE id = ?
	`, retryCount, nextRetryAt.Unix(), status, message, id)
}

// MarkBackfillTimedOut makes a request terminal after exhausting retries
func (db *DB) MarkBackfillTimedOut(id string, maxRetries int) error {
	return db.updateBackfill(`
		UPDATE backfill_requests
		SET status = ?, retry_count = ?, error_message = 'timed out after max retries'
		WHERE id = ?
	`, BackfillStatusError, maxRetries, id)
}

func (db *DB) updateBackfill(query string, args ...any) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateBackfill))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfill).Inc()
		return fmt.Errorf("failed to update backfill request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("backfill request not found")
	}
	return nil
}

// StuckPending returns pending requests older than the cutoff
func (db *DB) StuckPending(cutoff time.Time) ([]*BackfillRequest, error) {
	return db.scanBackfillRequests(`
		SELECT `+backfillColumns+`
		FROM backfill_requests
		WHERE status = ? AND requested_at < ?
		ORDER BY requested_at ASC
	`, BackfillStatusPending, cutoff.Unix())
}

// StuckInProgress returns in_progress requests older than the cutoff
func (db *DB) StuckInProgress(cutoff time.Time) ([]*BackfillRequest, error) {
	return db.scanBackfillRequests(`
		SELECT `+backfillColumns+`
		FROM backfill_requests
		WHERE status = ? AND requested_at < ?
		ORDER BY requested_at ASC
	`, BackfillStatusInProgress, cutoff.Unix())
}

// RetryableErrors returns errored requests whose next_retry_at has elapsed
// and that have retries remaining
func (db *DB) RetryableErrors(now time.Time) ([]*BackfillRequest, error) {
	return db.scanBackfillRequests(`
		SELECT `+backfillColumns+`
		FROM backfill_requests
		WHERE status = ?
		  AND retry_count < max_retries
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
	`, BackfillStatusError, now.Unix())
}

// BackfillRequestsByUser returns all of a user's backfill rows, oldest first
func (db *DB) BackfillRequestsByUser(userID int64) ([]*BackfillRequest, error) {
	return db.scanBackfillRequests(`
		SELECT `+backfillColumns+`
		FROM backfill_requests
		WHERE user_id = ?
		ORDER BY requested_at ASC, period_start ASC
	`, userID)
}

func (db *DB) scanBackfillRequests(query string, args ...any) ([]*BackfillRequest, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpScanBackfill))
	defer timer.ObserveDuration()

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpScanBackfill).Inc()
		return nil, fmt.Errorf("failed to scan backfill requests: %w", err)
	}
	defer rows.Close()

	var requests []*BackfillRequest
	for rows.Next() {
		r, err := scanBackfillRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backfill row: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate backfill rows: %w", err)
	}
	return requests, nil
}
