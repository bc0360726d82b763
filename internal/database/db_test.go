package database

import (
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string    { return &s }
func int64Ptr(i int64) *int64    { return &i }
func floatPtr(f float64) *float64 { return &f }

func TestCredentialLifecycle(t *testing.T) {
	db := setupTestDB(t)

	t.Run("UpsertAndGet", func(t *testing.T) {
		expires := time.Now().Add(6 * time.Hour).Unix()
		cred := &Credential{
			UserID:       1,
			Provider:     ProviderStrava,
			AccessToken:  "access_1",
			RefreshToken: strPtr("refresh_1"),
			Scope:        strPtr("activity:read_all"),
			ExpiresAt:    &expires,
		}
		if err := db.UpsertCredential(cred); err != nil {
			t.Fatalf("Failed to upsert credential: %v", err)
		}

		got, err := db.GetCredential(1, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get credential: %v", err)
		}
		if got == nil {
			t.Fatal("Expected credential, got nil")
		}
		if got.AccessToken != "access_1" {
			t.Errorf("Expected access token 'access_1', got %s", got.AccessToken)
		}
		if got.ExpiresAt == nil || *got.ExpiresAt != expires {
			t.Errorf("Expected expires_at %d, got %v", expires, got.ExpiresAt)
		}
	})

	t.Run("UpsertReplacesExisting", func(t *testing.T) {
		expires := time.Now().Add(time.Hour).Unix()
		cred := &Credential{
			UserID:      1,
			Provider:    ProviderStrava,
			AccessToken: "access_2",
			ExpiresAt:   &expires,
		}
		if err := db.UpsertCredential(cred); err != nil {
			t.Fatalf("Failed to upsert credential: %v", err)
		}

		got, err := db.GetCredential(1, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get credential: %v", err)
		}
		if got.AccessToken != "access_2" {
			t.Errorf("Expected replaced access token 'access_2', got %s", got.AccessToken)
		}

		// Still exactly one row per (user, provider)
		var count int
		if err := db.Conn().QueryRow(
			`SELECT COUNT(*) FROM provider_credentials WHERE user_id = 1 AND provider = ?`,
			ProviderStrava).Scan(&count); err != nil {
			t.Fatalf("Failed to count credentials: %v", err)
		}
		if count != 1 {
			t.Errorf("Expected 1 credential row, got %d", count)
		}
	})

	t.Run("GetByAccessToken", func(t *testing.T) {
		got, err := db.GetCredentialByAccessToken(ProviderStrava, "access_2")
		if err != nil {
			t.Fatalf("Failed to get credential by token: %v", err)
		}
		if got == nil || got.UserID != 1 {
			t.Fatalf("Expected user 1, got %+v", got)
		}

		missing, err := db.GetCredentialByAccessToken(ProviderStrava, "no_such_token")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if missing != nil {
			t.Error("Expected nil for unknown token")
		}
	})

	t.Run("Expired", func(t *testing.T) {
		now := time.Now()
		past := now.Add(-time.Minute).Unix()
		future := now.Add(time.Minute).Unix()

		expired := &Credential{ExpiresAt: &past}
		if !expired.Expired(now) {
			t.Error("Expected credential with past expiry to be expired")
		}

		valid := &Credential{ExpiresAt: &future}
		if valid.Expired(now) {
			t.Error("Expected credential with future expiry to be valid")
		}

		nonExpiring := &Credential{}
		if nonExpiring.Expired(now) {
			t.Error("Expected credential without expiry to never expire")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := db.DeleteCredential(1, ProviderStrava); err != nil {
			t.Fatalf("Failed to delete credential: %v", err)
		}
		got, err := db.GetCredential(1, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get credential: %v", err)
		}
		if got != nil {
			t.Error("Expected credential to be deleted")
		}
	})
}

func TestAPITokens(t *testing.T) {
	db := setupTestDB(t)

	if err := db.InsertAPIToken("tok_abc", 42); err != nil {
		t.Fatalf("Failed to insert api token: %v", err)
	}

	userID, found, err := db.ResolveAPIToken("tok_abc")
	if err != nil {
		t.Fatalf("Failed to resolve api token: %v", err)
	}
	if !found || userID != 42 {
		t.Errorf("Expected user 42, got %d (found=%v)", userID, found)
	}

	_, found, err = db.ResolveAPIToken("tok_missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if found {
		t.Error("Expected unknown token to not resolve")
	}
}

func TestTempTokenLifecycle(t *testing.T) {
	db := setupTestDB(t)

	future := time.Now().Add(10 * time.Minute).Unix()

	t.Run("LatestWinsAndConsumeOnce", func(t *testing.T) {
		first := &TempToken{Provider: ProviderGarmin, State: "state_1", CodeVerifier: strPtr("v1"), ExpiresAt: future}
		if _, err := db.InsertTempToken(first); err != nil {
			t.Fatalf("Failed to insert temp token: %v", err)
		}
		second := &TempToken{Provider: ProviderGarmin, State: "state_2", CodeVerifier: strPtr("v2"), ExpiresAt: future}
		if _, err := db.InsertTempToken(second); err != nil {
			t.Fatalf("Failed to insert temp token: %v", err)
		}

		latest, err := db.LatestTempToken(ProviderGarmin)
		if err != nil {
			t.Fatalf("Failed to get latest temp token: %v", err)
		}
		if latest == nil || latest.State != "state_2" {
			t.Fatalf("Expected newest temp token, got %+v", latest)
		}

		consumed, err := db.ConsumeTempToken(latest.ID)
		if err != nil {
			t.Fatalf("Failed to consume temp token: %v", err)
		}
		if !consumed {
			t.Error("Expected first consume to succeed")
		}

		// Second consume of the same row must report replay
		consumed, err = db.ConsumeTempToken(latest.ID)
		if err != nil {
			t.Fatalf("Failed to consume temp token: %v", err)
		}
		if consumed {
			t.Error("Expected second consume to fail")
		}
	})

	t.Run("ExpiredTokensIgnored", func(t *testing.T) {
		if err := db.PurgeTempTokens(ProviderGarmin); err != nil {
			t.Fatalf("Failed to purge temp tokens: %v", err)
		}

		past := time.Now().Add(-time.Minute).Unix()
		expired := &TempToken{Provider: ProviderGarmin, State: "stale", ExpiresAt: past}
		if _, err := db.InsertTempToken(expired); err != nil {
			t.Fatalf("Failed to insert temp token: %v", err)
		}

		latest, err := db.LatestTempToken(ProviderGarmin)
		if err != nil {
			t.Fatalf("Failed to get latest temp token: %v", err)
		}
		if latest != nil {
			t.Errorf("Expected expired token to be ignored, got %+v", latest)
		}

		deleted, err := db.DeleteExpiredTempTokens()
		if err != nil {
			t.Fatalf("Failed to delete expired temp tokens: %v", err)
		}
		if deleted != 1 {
			t.Errorf("Expected 1 expired token deleted, got %d", deleted)
		}
	})

	t.Run("PurgeClearsProvider", func(t *testing.T) {
		tok := &TempToken{Provider: ProviderStrava, State: "s", ExpiresAt: future}
		if _, err := db.InsertTempToken(tok); err != nil {
			t.Fatalf("Failed to insert temp token: %v", err)
		}
		if err := db.PurgeTempTokens(ProviderStrava); err != nil {
			t.Fatalf("Failed to purge temp tokens: %v", err)
		}
		latest, err := db.LatestTempToken(ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get latest temp token: %v", err)
		}
		if latest != nil {
			t.Error("Expected purge to remove all provider tokens")
		}
	})
}

func TestSyncStatus(t *testing.T) {
	db := setupTestDB(t)

	t.Run("MissingStatusIsNil", func(t *testing.T) {
		status, err := db.GetSyncStatus(7, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get sync status: %v", err)
		}
		if status != nil {
			t.Error("Expected nil status for never-synced user")
		}
	})

	t.Run("CompleteAdvancesCursor", func(t *testing.T) {
		if err := db.MarkSyncInProgress(7, ProviderStrava); err != nil {
			t.Fatalf("Failed to mark in progress: %v", err)
		}

		cursor := time.Now().Add(-time.Hour).Unix()
		if err := db.CompleteSync(7, ProviderStrava, &cursor, 5); err != nil {
			t.Fatalf("Failed to complete sync: %v", err)
		}

		status, err := db.GetSyncStatus(7, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get sync status: %v", err)
		}
		if status.Status != SyncStatusCompleted {
			t.Errorf("Expected status completed, got %s", status.Status)
		}
		if status.LastActivityDate == nil || *status.LastActivityDate != cursor {
			t.Errorf("Expected cursor %d, got %v", cursor, status.LastActivityDate)
		}
		if status.TotalActivitiesSynced != 5 {
			t.Errorf("Expected total 5, got %d", status.TotalActivitiesSynced)
		}
	})

	t.Run("EmptySyncKeepsCursor", func(t *testing.T) {
		before, _ := db.GetSyncStatus(7, ProviderStrava)

		if err := db.CompleteSync(7, ProviderStrava, nil, 0); err != nil {
			t.Fatalf("Failed to complete sync: %v", err)
		}

		after, err := db.GetSyncStatus(7, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get sync status: %v", err)
		}
		if after.LastActivityDate == nil || *after.LastActivityDate != *before.LastActivityDate {
			t.Errorf("Expected cursor to stay %v, got %v", before.LastActivityDate, after.LastActivityDate)
		}
		if after.TotalActivitiesSynced != 5 {
			t.Errorf("Expected total to stay 5, got %d", after.TotalActivitiesSynced)
		}
	})

	t.Run("ErrorKeepsCursor", func(t *testing.T) {
		if err := db.MarkSyncError(7, ProviderStrava, "upstream 500"); err != nil {
			t.Fatalf("Failed to mark sync error: %v", err)
		}

		status, err := db.GetSyncStatus(7, ProviderStrava)
		if err != nil {
			t.Fatalf("Failed to get sync status: %v", err)
		}
		if status.Status != SyncStatusError {
			t.Errorf("Expected status error, got %s", status.Status)
		}
		if status.ErrorMessage == nil || *status.ErrorMessage != "upstream 500" {
			t.Errorf("Expected error message, got %v", status.ErrorMessage)
		}
		if status.LastActivityDate == nil {
			t.Error("Expected cursor to survive an error")
		}
	})
}
