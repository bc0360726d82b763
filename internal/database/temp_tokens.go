package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/metrics"
)

// TempToken is ephemeral authorization state: a server-issued CSRF state
// plus the provider-specific secret needed to finish the exchange (PKCE
// verifier or OAuth1.0 request token pair). Created at redirect time,
// consumed exactly once, deleted on use or expiry.
type TempToken struct {
	ID               int64
	Provider         string
	State            string
	CodeVerifier     *string
	OAuthToken       *string
	OAuthTokenSecret *string
	ExpiresAt        int64
	CreatedAt        int64
}

// InsertTempToken stores a new pending authorization attempt
func (db *DB) InsertTempToken(t *TempToken) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertTempToken))
	defer timer.ObserveDuration()

	t.CreatedAt = time.Now().Unix()

	result, err := db.conn.Exec(`
		INSERT INTO oauth_temp_tokens (
			provider, state, code_verifier, oauth_token, oauth_token_secret,
			expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Provider, t.State, t.CodeVerifier, t.OAuthToken, t.OAuthTokenSecret,
		t.ExpiresAt, t.CreatedAt)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertTempToken).Inc()
		return 0, fmt.Errorf("failed to insert temp token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get temp token id: %w", err)
	}
	t.ID = id
	return id, nil
}

// LatestTempToken returns the most recent unexpired temp token for a
// provider, or nil if none exists. Only the newest row is trusted.
func (db *DB) LatestTempToken(provider string) (*TempToken, error) {
	var t TempToken
	err := db.conn.QueryRow(`
		SELECT id, provider, state, code_verifier, oauth_token, oauth_token_secret,
		       expires_at, created_at
		FROM oauth_temp_tokens
		WHERE provider = ? AND expires_at > ?
		ORDER BY id DESC
		LIMIT 1
	`, provider, time.Now().Unix()).Scan(
		&t.ID, &t.Provider, &t.State, &t.CodeVerifier, &t.OAuthToken, &t.OAuthTokenSecret,
		&t.ExpiresAt, &t.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest temp token: %w", err)
	}
	return &t, nil
}

// ConsumeTempToken deletes a temp token by id.
// Returns false if the token was already consumed, which guards replay.
func (db *DB) ConsumeTempToken(id int64) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpConsumeTempToken))
	defer timer.ObserveDuration()

	result, err := db.conn.Exec(`DELETE FROM oauth_temp_tokens WHERE id = ?`, id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpConsumeTempToken).Inc()
		return false, fmt.Errorf("failed to consume temp token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// PurgeTempTokens removes all pending authorization state for a provider.
// Called after a CSRF mismatch so the user must restart authorization.
func (db *DB) PurgeTempTokens(provider string) error {
	_, err := db.conn.Exec(`DELETE FROM oauth_temp_tokens WHERE provider = ?`, provider)
	if err != nil {
		return fmt.Errorf("failed to purge temp tokens: %w", err)
	}
	return nil
}

// DeleteExpiredTempTokens removes temp tokens past their expiry
func (db *DB) DeleteExpiredTempTokens() (int64, error) {
	result, err := db.conn.Exec(`
		DELETE FROM oauth_temp_tokens WHERE expires_at <= ?
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired temp tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
