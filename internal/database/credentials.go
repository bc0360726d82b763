package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/metrics"
)

// Provider identifiers. These double as the source tags on unified activities.
const (
	ProviderStrava = "strava"
	ProviderGarmin = "garmin"
)

// Credential represents stored OAuth material for one (user, provider) pair
type Credential struct {
	ID           int64
	UserID       int64
	Provider     string
	AccessToken  string
	RefreshToken *string
	TokenSecret  *string
	Scope        *string
	ExpiresAt    *int64 // nil for non-expiring OAuth1.0 credentials
	CreatedAt    int64
	UpdatedAt    int64
}

// Expired reports whether the credential has passed its expiry.
// Credentials without an expiry never expire.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && *c.ExpiresAt <= now.Unix()
}

// UpsertCredential inserts or replaces the credential for (user, provider)
func (db *DB) UpsertCredential(c *Credential) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertCredential))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO provider_credentials (
			user_id, provider, access_token, refresh_token, token_secret,
			scope, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_secret = excluded.token_secret,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.TokenSecret,
		c.Scope, c.ExpiresAt, now, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertCredential).Inc()
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the credential for (user, provider).
// Returns nil if the user has not connected the provider.
func (db *DB) GetCredential(userID int64, provider string) (*Credential, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCredential))
	defer timer.ObserveDuration()

	var c Credential
	err := db.conn.QueryRow(`
		SELECT id, user_id, provider, access_token, refresh_token, token_secret,
		       scope, expires_at, created_at, updated_at
		FROM provider_credentials
		WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.TokenSecret,
		&c.Scope, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCredential).Inc()
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// GetCredentialByAccessToken resolves a credential by its provider access
// token. Webhook payloads identify the user this way.
func (db *DB) GetCredentialByAccessToken(provider, accessToken string) (*Credential, error) {
	var c Credential
	err := db.conn.QueryRow(`
		SELECT id, user_id, provider, access_token, refresh_token, token_secret,
		       scope, expires_at, created_at, updated_at
		FROM provider_credentials
		WHERE provider = ? AND access_token = ?
	`, provider, accessToken).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.TokenSecret,
		&c.Scope, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential by access token: %w", err)
	}
	return &c, nil
}

// UpdateCredentialTokens updates the token material after a refresh
func (db *DB) UpdateCredentialTokens(userID int64, provider, accessToken string, refreshToken *string, expiresAt *int64) error {
	result, err := db.conn.Exec(`
		UPDATE provider_credentials
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE user_id = ? AND provider = ?
	`, accessToken, refreshToken, expiresAt, time.Now().Unix(), userID, provider)

	if err != nil {
		return fmt.Errorf("failed to update credential tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential not found")
	}

	return nil
}

// DeleteCredential removes the credential for (user, provider)
func (db *DB) DeleteCredential(userID int64, provider string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteCredential))
	defer timer.ObserveDuration()

	_, err := db.conn.Exec(`
		DELETE FROM provider_credentials WHERE user_id = ? AND provider = ?
	`, userID, provider)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteCredential).Inc()
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ResolveAPIToken resolves an API bearer token to a user id
func (db *DB) ResolveAPIToken(token string) (int64, bool, error) {
	var userID int64
	err := db.conn.QueryRow(`
		SELECT user_id FROM api_tokens WHERE token = ?
	`, token).Scan(&userID)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve api token: %w", err)
	}
	return userID, true, nil
}

// InsertAPIToken registers an API bearer token for a user
func (db *DB) InsertAPIToken(token string, userID int64) error {
	_, err := db.conn.Exec(`
		INSERT INTO api_tokens (token, user_id, created_at) VALUES (?, ?, ?)
	`, token, userID, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to insert api token: %w", err)
	}
	return nil
}
