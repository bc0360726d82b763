package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"fitsync/internal/config"
	"fitsync/internal/database"
	"fitsync/internal/providers/garmin"
	"fitsync/internal/providers/strava"
)

var (
	// ErrNotConnected means the user has no credential for the provider
	ErrNotConnected = errors.New("provider not connected")

	// ErrCredentialExpired means the stored credential is past its expiry
	// and could not be refreshed
	ErrCredentialExpired = errors.New("credential expired")

	// ErrNoPendingAuth means no unexpired authorization attempt exists
	ErrNoPendingAuth = errors.New("no pending authorization")

	// ErrStateMismatch means the callback state did not match the stored
	// state. All pending state for the provider is purged when this happens.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrMissingVerifier means the stored authorization attempt has no PKCE
	// verifier, so the code exchange cannot be completed
	ErrMissingVerifier = errors.New("missing code verifier")
)

// stateTTL bounds how long a pending authorization attempt stays valid
const stateTTL = 10 * time.Minute

const stravaScope = "activity:read_all"

// Manager drives the authorization flows for both providers and owns the
// credential lifecycle afterwards. The database is the only state it keeps.
type Manager struct {
	db     *database.DB
	cfg    *config.Config
	strava *strava.Client
	garmin *garmin.Client
	logger *slog.Logger
	notify func(userID int64, provider string)
}

// NewManager creates an authorization manager. notify is invoked after a
// flow completes so the caller can kick off the user's initial sync; it may
// be nil.
func NewManager(db *database.DB, cfg *config.Config, stravaClient *strava.Client, garminClient *garmin.Client, notify func(userID int64, provider string)) *Manager {
	return &Manager{
		db:     db,
		cfg:    cfg,
		strava: stravaClient,
		garmin: garminClient,
		logger: slog.Default(),
		notify: notify,
	}
}

// StartAuth begins an authorization flow and returns the URL to redirect the
// user to. State (and, for garmin, the PKCE verifier) is persisted server
// side; the newest row wins if the user restarts the flow.
func (m *Manager) StartAuth(ctx context.Context, provider, origin string) (string, error) {
	state := uuid.NewString()
	redirectURI := m.cfg.ResolveRedirectURI(origin)
	expiresAt := time.Now().Add(stateTTL).Unix()

	switch provider {
	case database.ProviderStrava:
		_, err := m.db.InsertTempToken(&database.TempToken{
			Provider:  database.ProviderStrava,
			State:     state,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return "", err
		}
		return m.strava.AuthorizationURL(redirectURI, state, stravaScope), nil

	case database.ProviderGarmin:
		verifier, challenge, err := pkcePair()
		if err != nil {
			return "", err
		}
		_, err = m.db.InsertTempToken(&database.TempToken{
			Provider:     database.ProviderGarmin,
			State:        state,
			CodeVerifier: &verifier,
			ExpiresAt:    expiresAt,
		})
		if err != nil {
			return "", err
		}
		return m.garmin.AuthorizationURL(redirectURI, state, challenge), nil

	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}

// CompleteStrava finishes the Strava authorization-code flow
func (m *Manager) CompleteStrava(ctx context.Context, userID int64, code, state string) error {
	tt, err := m.validateState(database.ProviderStrava, state)
	if err != nil {
		return err
	}

	resp, err := m.strava.ExchangeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("strava code exchange failed: %w", err)
	}

	expiresAt := resp.ExpiresAt
	if expiresAt == 0 {
		expiresAt = time.Now().Unix() + resp.ExpiresIn
	}

	err = m.db.UpsertCredential(&database.Credential{
		UserID:       userID,
		Provider:     database.ProviderStrava,
		AccessToken:  resp.AccessToken,
		RefreshToken: &resp.RefreshToken,
		Scope:        strPtr(stravaScope),
		ExpiresAt:    &expiresAt,
	})
	if err != nil {
		return err
	}

	return m.finishFlow(tt.ID, userID, database.ProviderStrava)
}

// CompleteGarmin finishes the Garmin PKCE flow. The verifier stored at
// StartAuth time is required for the exchange.
func (m *Manager) CompleteGarmin(ctx context.Context, userID int64, code, state, origin string) error {
	tt, err := m.validateState(database.ProviderGarmin, state)
	if err != nil {
		return err
	}
	if tt.CodeVerifier == nil {
		return ErrMissingVerifier
	}

	resp, err := m.garmin.ExchangeCode(ctx, code, *tt.CodeVerifier, m.cfg.ResolveRedirectURI(origin))
	if err != nil {
		return fmt.Errorf("garmin code exchange failed: %w", err)
	}

	expiresAt := time.Now().Unix() + resp.ExpiresIn

	var scope *string
	if resp.Scope != "" {
		scope = &resp.Scope
	}

	err = m.db.UpsertCredential(&database.Credential{
		UserID:       userID,
		Provider:     database.ProviderGarmin,
		AccessToken:  resp.AccessToken,
		RefreshToken: &resp.RefreshToken,
		Scope:        scope,
		ExpiresAt:    &expiresAt,
	})
	if err != nil {
		return err
	}

	tok := garmin.Token{AccessToken: resp.AccessToken}
	perms := m.garmin.FetchUserPermissions(ctx, tok)
	if !slices.Contains(perms.Permissions, "ACTIVITY_EXPORT") {
		m.logger.Warn("garmin account connected without activity export consent",
			"user_id", userID, "permissions", perms.Permissions)
	}
	if garminUserID, err := m.garmin.FetchUserID(ctx, tok); err != nil {
		m.logger.Warn("failed to resolve garmin user id", "user_id", userID, "error", err)
	} else {
		m.logger.Info("garmin account linked", "user_id", userID, "garmin_user_id", garminUserID)
	}

	return m.finishFlow(tt.ID, userID, database.ProviderGarmin)
}

// validateState resolves the newest pending attempt and checks the callback
// state against it. A mismatch purges every pending row for the provider so
// the flow must be restarted from scratch.
func (m *Manager) validateState(provider, state string) (*database.TempToken, error) {
	tt, err := m.db.LatestTempToken(provider)
	if err != nil {
		return nil, err
	}
	if tt == nil {
		return nil, ErrNoPendingAuth
	}
	if tt.State != state {
		m.logger.Warn("oauth state mismatch, purging pending state", "provider", provider)
		if err := m.db.PurgeTempTokens(provider); err != nil {
			m.logger.Error("failed to purge temp tokens", "provider", provider, "error", err)
		}
		return nil, ErrStateMismatch
	}
	return tt, nil
}

// finishFlow consumes the temp token and signals the initial sync. A false
// consume means a concurrent callback already finished this attempt.
func (m *Manager) finishFlow(tempTokenID, userID int64, provider string) error {
	consumed, err := m.db.ConsumeTempToken(tempTokenID)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrNoPendingAuth
	}

	m.logger.Info("provider connected", "user_id", userID, "provider", provider)
	if m.notify != nil {
		m.notify(userID, provider)
	}
	return nil
}

// ValidCredential returns a usable credential for (user, provider),
// refreshing it first when it has expired and carries a refresh token.
// Expired credentials are never returned.
func (m *Manager) ValidCredential(ctx context.Context, userID int64, provider string) (*database.Credential, error) {
	cred, err := m.db.GetCredential(userID, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotConnected
	}
	if !cred.Expired(time.Now()) {
		return cred, nil
	}
	if cred.RefreshToken == nil {
		return nil, ErrCredentialExpired
	}

	if err := m.refresh(ctx, cred); err != nil {
		m.logger.Warn("credential refresh failed", "user_id", userID, "provider", provider, "error", err)
		return nil, ErrCredentialExpired
	}
	return m.db.GetCredential(userID, provider)
}

func (m *Manager) refresh(ctx context.Context, cred *database.Credential) error {
	switch cred.Provider {
	case database.ProviderStrava:
		resp, err := m.strava.RefreshToken(ctx, *cred.RefreshToken)
		if err != nil {
			return err
		}
		expiresAt := resp.ExpiresAt
		if expiresAt == 0 {
			expiresAt = time.Now().Unix() + resp.ExpiresIn
		}
		refreshToken := resp.RefreshToken
		if refreshToken == "" {
			refreshToken = *cred.RefreshToken
		}
		return m.db.UpdateCredentialTokens(cred.UserID, cred.Provider, resp.AccessToken, &refreshToken, &expiresAt)

	case database.ProviderGarmin:
		resp, err := m.garmin.RefreshToken(ctx, *cred.RefreshToken)
		if err != nil {
			return err
		}
		expiresAt := time.Now().Unix() + resp.ExpiresIn
		refreshToken := resp.RefreshToken
		if refreshToken == "" {
			refreshToken = *cred.RefreshToken
		}
		return m.db.UpdateCredentialTokens(cred.UserID, cred.Provider, resp.AccessToken, &refreshToken, &expiresAt)

	default:
		return fmt.Errorf("unknown provider: %s", cred.Provider)
	}
}

// Disconnect removes the stored credential for (user, provider)
func (m *Manager) Disconnect(userID int64, provider string) error {
	return m.db.DeleteCredential(userID, provider)
}

// pkcePair generates an S256 verifier/challenge pair
func pkcePair() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func strPtr(s string) *string { return &s }
