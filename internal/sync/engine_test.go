package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fitsync/internal/database"
	"fitsync/internal/providers/garmin"
	"fitsync/internal/providers/strava"
)

type stubCreds struct {
	cred *database.Credential
	err  error
}

func (s *stubCreds) ValidCredential(ctx context.Context, userID int64, provider string) (*database.Credential, error) {
	return s.cred, s.err
}

type syncEnv struct {
	db       *database.DB
	engine   *Engine
	notified []int64
}

func setupSyncEnv(t *testing.T, creds *stubCreds, handler http.Handler) *syncEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	stravaClient := strava.NewClient("id", "secret")
	stravaClient.SetBaseURLs(server.URL, server.URL+"/oauth/token", server.URL+"/oauth/authorize")
	garminClient := garmin.NewClient("ck", "cs", "gid", "gsecret")
	garminClient.SetBaseURLs(server.URL, server.URL+"/oauth/token", server.URL+"/oauth/request_token", server.URL+"/oauth2Confirm")

	env := &syncEnv{db: db}
	env.engine = NewEngine(db, creds, stravaClient, garminClient, func(userID int64) {
		env.notified = append(env.notified, userID)
	})
	return env
}

func stravaCred() *stubCreds {
	return &stubCreds{cred: &database.Credential{
		UserID: 1, Provider: "strava", AccessToken: "at",
	}}
}

func TestSyncStravaFullThenIncremental(t *testing.T) {
	var afterSeen []string
	env := setupSyncEnv(t, stravaCred(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		afterSeen = append(afterSeen, r.URL.Query().Get("after"))
		if len(afterSeen) > 1 {
			fmt.Fprint(w, `[]`)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 10, "name": "Run A", "type": "Run", "start_date": "2025-08-02T06:00:00Z"},
			{"id": 11, "name": "Ride B", "type": "Ride", "start_date": "2025-08-01T06:00:00Z"},
		})
	}))

	result, err := env.engine.Sync(context.Background(), 1, "strava")
	if err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	if result.Synced != 2 || result.Total != 2 {
		t.Errorf("Expected 2 synced / 2 total, got %+v", result)
	}
	if result.IsIncremental {
		t.Error("Expected first run to be a full sync")
	}
	if afterSeen[0] != "" {
		t.Errorf("Expected no after param on first sync, got %s", afterSeen[0])
	}

	count, _ := env.db.CountActivities("strava", 1, database.ActivityFilters{})
	if count != 2 {
		t.Errorf("Expected 2 rows, got %d", count)
	}

	// Cursor advanced to the newest start date
	status, _ := env.db.GetSyncStatus(1, "strava")
	wantCursor := mustUnix(t, "2025-08-02T06:00:00Z")
	if status.LastActivityDate == nil || *status.LastActivityDate != wantCursor {
		t.Errorf("Expected cursor %d, got %v", wantCursor, status.LastActivityDate)
	}

	result, err = env.engine.Sync(context.Background(), 1, "strava")
	if err != nil {
		t.Fatalf("Failed to sync incrementally: %v", err)
	}
	if !result.IsIncremental {
		t.Error("Expected second run to be incremental")
	}
	if result.Synced != 0 || result.Total != 2 {
		t.Errorf("Expected 0 synced / 2 total, got %+v", result)
	}
	if afterSeen[1] != fmt.Sprintf("%d", wantCursor) {
		t.Errorf("Expected after=%d, got %s", wantCursor, afterSeen[1])
	}

	// Empty run keeps the cursor
	status, _ = env.db.GetSyncStatus(1, "strava")
	if status.LastActivityDate == nil || *status.LastActivityDate != wantCursor {
		t.Errorf("Expected cursor unchanged, got %v", status.LastActivityDate)
	}

	if len(env.notified) != 1 {
		t.Errorf("Expected exactly one derivation signal, got %d", len(env.notified))
	}
}

func TestSyncStravaPagination(t *testing.T) {
	env := setupSyncEnv(t, stravaCred(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "1" {
			full := make([]map[string]any, stravaPageSize)
			for i := range full {
				full[i] = map[string]any{
					"id":         i + 1,
					"name":       fmt.Sprintf("Activity %d", i+1),
					"type":       "Run",
					"start_date": "2025-08-01T06:00:00Z",
				}
			}
			json.NewEncoder(w).Encode(full)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 9999, "name": "Last", "type": "Run", "start_date": "2025-07-01T06:00:00Z"},
		})
	}))

	result, err := env.engine.Sync(context.Background(), 1, "strava")
	if err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	if result.Synced != int64(stravaPageSize)+1 {
		t.Errorf("Expected %d synced, got %d", stravaPageSize+1, result.Synced)
	}
}

func TestSyncErrorKeepsCursor(t *testing.T) {
	var fail bool
	env := setupSyncEnv(t, stravaCred(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Authorization Error"}`))
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "name": "Run", "type": "Run", "start_date": "2025-08-01T06:00:00Z"},
		})
	}))

	if _, err := env.engine.Sync(context.Background(), 1, "strava"); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	before, _ := env.db.GetSyncStatus(1, "strava")

	fail = true
	if _, err := env.engine.Sync(context.Background(), 1, "strava"); err == nil {
		t.Fatal("Expected sync to fail")
	}

	after, _ := env.db.GetSyncStatus(1, "strava")
	if after.Status != database.SyncStatusError {
		t.Errorf("Expected error status, got %s", after.Status)
	}
	if after.ErrorMessage == nil {
		t.Error("Expected error message to be recorded")
	}
	if *after.LastActivityDate != *before.LastActivityDate {
		t.Errorf("Expected cursor unchanged after failure, got %d -> %d",
			*before.LastActivityDate, *after.LastActivityDate)
	}
}

func TestSyncGarmin(t *testing.T) {
	secret := "ts"
	creds := &stubCreds{cred: &database.Credential{
		UserID: 1, Provider: "garmin", AccessToken: "at_legacy", TokenSecret: &secret,
	}}

	env := setupSyncEnv(t, creds, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uploadStartTimeInSeconds") == "" {
			t.Error("Expected an upload window")
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"summaryId":          "g_1",
				"activityName":       "Trail Run",
				"activityType":       "RUNNING",
				"startTimeInSeconds": 1754000000,
				"durationInSeconds":  3600,
			},
			{"summaryId": "g_2", "startTimeInSeconds": 1753000000},
		})
	}))

	result, err := env.engine.Sync(context.Background(), 1, "garmin")
	if err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	if result.Synced != 2 {
		t.Errorf("Expected 2 synced, got %d", result.Synced)
	}

	status, _ := env.db.GetSyncStatus(1, "garmin")
	if status.LastActivityDate == nil || *status.LastActivityDate != 1754000000 {
		t.Errorf("Expected cursor 1754000000, got %v", status.LastActivityDate)
	}

	// Activity with no name normalizes to empty, not a failure
	count, _ := env.db.CountActivities("garmin", 1, database.ActivityFilters{})
	if count != 2 {
		t.Errorf("Expected 2 rows, got %d", count)
	}
}

func TestSyncCredentialErrorsPassThrough(t *testing.T) {
	sentinel := errors.New("credential gone")
	env := setupSyncEnv(t, &stubCreds{err: sentinel}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Expected no provider call without a credential")
	}))

	_, err := env.engine.Sync(context.Background(), 1, "strava")
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected credential error to pass through, got %v", err)
	}

	// No status row is created before the credential check passes
	status, _ := env.db.GetSyncStatus(1, "strava")
	if status != nil {
		t.Errorf("Expected no status row, got %+v", status)
	}
}

func mustUnix(t *testing.T, s string) int64 {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("Failed to parse time: %v", err)
	}
	return ts.Unix()
}
