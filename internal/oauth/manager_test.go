package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fitsync/internal/config"
	"fitsync/internal/database"
	"fitsync/internal/providers/garmin"
	"fitsync/internal/providers/strava"
)

type testEnv struct {
	db       *database.DB
	manager  *Manager
	notified []int64
}

func setupEnv(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stravaClient := strava.NewClient("sid", "ssecret")
	garminClient := garmin.NewClient("ck", "cs", "gid", "gsecret")
	if handler != nil {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		stravaClient.SetBaseURLs(server.URL, server.URL+"/oauth/token", server.URL+"/oauth/authorize")
		garminClient.SetBaseURLs(server.URL, server.URL+"/oauth/token", server.URL+"/oauth/request_token", server.URL+"/oauth2Confirm")
	}

	env := &testEnv{db: db}
	env.manager = NewManager(db, &config.Config{DevRedirectURI: "http://localhost:3000/auth/callback"},
		stravaClient, garminClient, func(userID int64, provider string) {
			env.notified = append(env.notified, userID)
		})
	return env
}

func tokenHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at_new",
			"refresh_token": "rt_new",
			"expires_at":    time.Now().Add(6 * time.Hour).Unix(),
			"expires_in":    21600,
		})
	})
}

func TestStartAuthStoresState(t *testing.T) {
	env := setupEnv(t, nil)

	t.Run("strava", func(t *testing.T) {
		u, err := env.manager.StartAuth(context.Background(), "strava", "")
		if err != nil {
			t.Fatalf("Failed to start auth: %v", err)
		}

		tt, err := env.db.LatestTempToken("strava")
		if err != nil || tt == nil {
			t.Fatalf("Expected stored temp token, got %v, %v", tt, err)
		}
		if !strings.Contains(u, "state="+tt.State) {
			t.Errorf("Expected auth URL to carry stored state, got %s", u)
		}
		if tt.CodeVerifier != nil {
			t.Error("Expected no verifier for strava")
		}
	})

	t.Run("garmin", func(t *testing.T) {
		u, err := env.manager.StartAuth(context.Background(), "garmin", "")
		if err != nil {
			t.Fatalf("Failed to start auth: %v", err)
		}

		tt, err := env.db.LatestTempToken("garmin")
		if err != nil || tt == nil {
			t.Fatalf("Expected stored temp token, got %v, %v", tt, err)
		}
		if tt.CodeVerifier == nil || *tt.CodeVerifier == "" {
			t.Fatal("Expected a PKCE verifier to be stored")
		}
		if !strings.Contains(u, "code_challenge=") || !strings.Contains(u, "code_challenge_method=S256") {
			t.Errorf("Expected PKCE params in auth URL, got %s", u)
		}
		// The challenge is derived, never the raw verifier
		if strings.Contains(u, *tt.CodeVerifier) {
			t.Error("Expected verifier to stay server side")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		if _, err := env.manager.StartAuth(context.Background(), "polar", ""); err == nil {
			t.Error("Expected error for unknown provider")
		}
	})
}

func TestCompleteStravaFlow(t *testing.T) {
	env := setupEnv(t, tokenHandler(t))

	if _, err := env.manager.StartAuth(context.Background(), "strava", ""); err != nil {
		t.Fatalf("Failed to start auth: %v", err)
	}
	tt, _ := env.db.LatestTempToken("strava")

	if err := env.manager.CompleteStrava(context.Background(), 1, "the_code", tt.State); err != nil {
		t.Fatalf("Failed to complete flow: %v", err)
	}

	cred, err := env.db.GetCredential(1, "strava")
	if err != nil || cred == nil {
		t.Fatalf("Expected stored credential, got %v, %v", cred, err)
	}
	if cred.AccessToken != "at_new" {
		t.Errorf("Expected access token at_new, got %s", cred.AccessToken)
	}
	if cred.ExpiresAt == nil || *cred.ExpiresAt <= time.Now().Unix() {
		t.Errorf("Expected future expiry, got %v", cred.ExpiresAt)
	}

	// Temp token consumed exactly once
	if remaining, _ := env.db.LatestTempToken("strava"); remaining != nil {
		t.Error("Expected temp token to be consumed")
	}
	if err := env.manager.CompleteStrava(context.Background(), 1, "the_code", tt.State); !errors.Is(err, ErrNoPendingAuth) {
		t.Errorf("Expected ErrNoPendingAuth on replay, got %v", err)
	}

	if len(env.notified) != 1 || env.notified[0] != 1 {
		t.Errorf("Expected initial sync signal for user 1, got %v", env.notified)
	}
}

func TestCompleteGarminFlow(t *testing.T) {
	var sentVerifier string
	env := setupEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			r.ParseForm()
			sentVerifier = r.Form.Get("code_verifier")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "g_at",
				"refresh_token": "g_rt",
				"expires_in":    86400,
				"scope":         "ACTIVITY_EXPORT",
			})
		case "/user/permissions":
			json.NewEncoder(w).Encode([]string{"ACTIVITY_EXPORT"})
		case "/user/id":
			json.NewEncoder(w).Encode(map[string]string{"userId": "garmin_u1"})
		default:
			t.Errorf("Unexpected upstream path %s", r.URL.Path)
		}
	}))

	if _, err := env.manager.StartAuth(context.Background(), "garmin", ""); err != nil {
		t.Fatalf("Failed to start auth: %v", err)
	}
	tt, _ := env.db.LatestTempToken("garmin")

	if err := env.manager.CompleteGarmin(context.Background(), 2, "g_code", tt.State, ""); err != nil {
		t.Fatalf("Failed to complete flow: %v", err)
	}

	if sentVerifier == "" || sentVerifier != *tt.CodeVerifier {
		t.Errorf("Expected stored verifier to be sent, got %q", sentVerifier)
	}

	cred, _ := env.db.GetCredential(2, "garmin")
	if cred == nil || cred.AccessToken != "g_at" {
		t.Fatalf("Expected stored garmin credential, got %+v", cred)
	}
	if cred.Scope == nil || *cred.Scope != "ACTIVITY_EXPORT" {
		t.Errorf("Expected scope to be stored, got %v", cred.Scope)
	}
}

func TestStateMismatchPurges(t *testing.T) {
	env := setupEnv(t, tokenHandler(t))

	if _, err := env.manager.StartAuth(context.Background(), "strava", ""); err != nil {
		t.Fatalf("Failed to start auth: %v", err)
	}

	err := env.manager.CompleteStrava(context.Background(), 1, "code", "wrong_state")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("Expected ErrStateMismatch, got %v", err)
	}

	// Mismatch invalidates everything; the flow must restart
	if tt, _ := env.db.LatestTempToken("strava"); tt != nil {
		t.Error("Expected pending state to be purged after mismatch")
	}
	if cred, _ := env.db.GetCredential(1, "strava"); cred != nil {
		t.Error("Expected no credential after mismatch")
	}
	if len(env.notified) != 0 {
		t.Error("Expected no sync signal after mismatch")
	}
}

func TestCompleteWithoutStart(t *testing.T) {
	env := setupEnv(t, tokenHandler(t))

	err := env.manager.CompleteStrava(context.Background(), 1, "code", "state")
	if !errors.Is(err, ErrNoPendingAuth) {
		t.Errorf("Expected ErrNoPendingAuth, got %v", err)
	}
}

func TestNewestStateWins(t *testing.T) {
	env := setupEnv(t, tokenHandler(t))

	if _, err := env.manager.StartAuth(context.Background(), "strava", ""); err != nil {
		t.Fatalf("Failed to start auth: %v", err)
	}
	first, _ := env.db.LatestTempToken("strava")

	if _, err := env.manager.StartAuth(context.Background(), "strava", ""); err != nil {
		t.Fatalf("Failed to restart auth: %v", err)
	}

	// Only the newest attempt is honored; the older state now mismatches
	err := env.manager.CompleteStrava(context.Background(), 1, "code", first.State)
	if !errors.Is(err, ErrStateMismatch) {
		t.Errorf("Expected ErrStateMismatch for stale state, got %v", err)
	}
}

func TestValidCredential(t *testing.T) {
	env := setupEnv(t, tokenHandler(t))

	t.Run("not connected", func(t *testing.T) {
		_, err := env.manager.ValidCredential(context.Background(), 1, "strava")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("unexpired passes through", func(t *testing.T) {
		expires := time.Now().Add(time.Hour).Unix()
		env.db.UpsertCredential(&database.Credential{
			UserID: 1, Provider: "strava", AccessToken: "at_live", ExpiresAt: &expires,
		})

		cred, err := env.manager.ValidCredential(context.Background(), 1, "strava")
		if err != nil {
			t.Fatalf("Expected valid credential, got %v", err)
		}
		if cred.AccessToken != "at_live" {
			t.Errorf("Expected at_live, got %s", cred.AccessToken)
		}
	})

	t.Run("expired with refresh token refreshes", func(t *testing.T) {
		expired := time.Now().Add(-time.Hour).Unix()
		rt := "rt_old"
		env.db.UpsertCredential(&database.Credential{
			UserID: 2, Provider: "strava", AccessToken: "at_old", RefreshToken: &rt, ExpiresAt: &expired,
		})

		cred, err := env.manager.ValidCredential(context.Background(), 2, "strava")
		if err != nil {
			t.Fatalf("Expected refresh to succeed, got %v", err)
		}
		if cred.AccessToken != "at_new" {
			t.Errorf("Expected refreshed token, got %s", cred.AccessToken)
		}
		if cred.Expired(time.Now()) {
			t.Error("Expected refreshed credential to be unexpired")
		}
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		expired := time.Now().Add(-time.Hour).Unix()
		env.db.UpsertCredential(&database.Credential{
			UserID: 3, Provider: "strava", AccessToken: "at_old", ExpiresAt: &expired,
		})

		_, err := env.manager.ValidCredential(context.Background(), 3, "strava")
		if !errors.Is(err, ErrCredentialExpired) {
			t.Errorf("Expected ErrCredentialExpired, got %v", err)
		}
	})

	t.Run("oauth1 credential never expires", func(t *testing.T) {
		secret := "ts"
		env.db.UpsertCredential(&database.Credential{
			UserID: 4, Provider: "garmin", AccessToken: "at_legacy", TokenSecret: &secret,
		})

		cred, err := env.manager.ValidCredential(context.Background(), 4, "garmin")
		if err != nil {
			t.Fatalf("Expected legacy credential to be valid, got %v", err)
		}
		if cred.TokenSecret == nil {
			t.Error("Expected token secret to survive")
		}
	})
}
