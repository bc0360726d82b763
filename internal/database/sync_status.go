package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/metrics"
)

// Sync status values
const (
	SyncStatusCompleted  = "completed"
	SyncStatusInProgress = "in_progress"
	SyncStatusError      = "error"
)

// SyncStatus tracks the incremental sync cursor for one (user, provider)
type SyncStatus struct {
	UserID                int64
	Provider              string
	LastSyncAt            *int64
	LastActivityDate      *int64 // incremental cursor
	TotalActivitiesSynced int64
	Status                string
	ErrorMessage          *string
}

// GetSyncStatus retrieves the sync status row for (user, provider).
// Returns nil if the user has never synced the provider.
func (db *DB) GetSyncStatus(userID int64, provider string) (*SyncStatus, error) {
	var s SyncStatus
	err := db.conn.QueryRow(`
		SELECT user_id, provider, last_sync_at, last_activity_date,
		       total_activities_synced, status, error_message
		FROM sync_status
		WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(
		&s.UserID, &s.Provider, &s.LastSyncAt, &s.LastActivityDate,
		&s.TotalActivitiesSynced, &s.Status, &s.ErrorMessage,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return &s, nil
}

// MarkSyncInProgress creates or updates the status row to in_progress
func (db *DB) MarkSyncInProgress(userID int64, provider string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertSyncStatus))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`
		INSERT INTO sync_status (user_id, provider, status)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			status = excluded.status,
			error_message = NULL
	`, userID, provider, SyncStatusInProgress)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSyncStatus).Inc()
		return fmt.Errorf("failed to mark sync in progress: %w", err)
	}
	return nil
}

// CompleteSync records a successful sync run. The cursor only advances when
// lastActivityDate is non-nil; a run that synced nothing keeps the old cursor.
func (db *DB) CompleteSync(userID int64, provider string, lastActivityDate *int64, synced int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertSyncStatus))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO sync_status (
			user_id, provider, last_sync_at, last_activity_date,
			total_activities_synced, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_activity_date = COALESCE(excluded.last_activity_date, sync_status.last_activity_date),
			total_activities_synced = sync_status.total_activities_synced + ?,
			status = excluded.status,
			error_message = NULL
	`, userID, provider, now, lastActivityDate, synced, SyncStatusCompleted, synced)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSyncStatus).Inc()
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	return nil
}

// MarkSyncError records a failed sync run. The cursor is untouched so a
// later run resumes from the last successful point.
func (db *DB) MarkSyncError(userID int64, provider, message string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertSyncStatus))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`
		INSERT INTO sync_status (user_id, provider, status, error_message)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message
	`, userID, provider, SyncStatusError, message)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertSyncStatus).Inc()
		return fmt.Errorf("failed to mark sync error: %w", err)
	}
	return nil
}
