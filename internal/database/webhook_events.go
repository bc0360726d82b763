package database

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/metrics"
)

// InsertWebhookEvent appends a delivery to the raw webhook log.
// Returns false when the event key was already recorded, which identifies
// duplicate deliveries without rejecting them.
func (db *DB) InsertWebhookEvent(provider, eventKey, kind string, rawJSON []byte) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertWebhookEvent))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`
		INSERT INTO webhook_events (provider, event_key, kind, raw_json, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, event_key) DO NOTHING
	`, provider, eventKey, kind, string(rawJSON), time.Now().Unix())

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertWebhookEvent).Inc()
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CountWebhookEvents returns the number of logged deliveries for a provider
func (db *DB) CountWebhookEvents(provider string) (int64, error) {
	var count int64
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM webhook_events WHERE provider = ?
	`, provider).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook events: %w", err)
	}
	return count, nil
}
