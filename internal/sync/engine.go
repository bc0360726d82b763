package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/database"
	"fitsync/internal/metrics"
	"fitsync/internal/providers/garmin"
	"fitsync/internal/providers/strava"
)

const (
	stravaPageSize = 100

	// garminFullWindow bounds the first pull for a user with no cursor
	garminFullWindow = 30 * 24 * time.Hour
)

// CredentialSource supplies usable credentials, refreshing expired ones.
// Satisfied by oauth.Manager.
type CredentialSource interface {
	ValidCredential(ctx context.Context, userID int64, provider string) (*database.Credential, error)
}

// Result summarizes one sync run
type Result struct {
	Synced        int64 `json:"synced"`
	Total         int64 `json:"total"`
	IsIncremental bool  `json:"isIncremental"`
}

// Engine pulls activities from providers into the local tables, advancing
// the per-user incremental cursor on success
type Engine struct {
	db     *database.DB
	creds  CredentialSource
	strava *strava.Client
	garmin *garmin.Client
	logger *slog.Logger
	notify func(userID int64)
}

// NewEngine creates a sync engine. notify is invoked after a run that
// upserted at least one activity; it may be nil.
func NewEngine(db *database.DB, creds CredentialSource, stravaClient *strava.Client, garminClient *garmin.Client, notify func(userID int64)) *Engine {
	return &Engine{
		db:     db,
		creds:  creds,
		strava: stravaClient,
		garmin: garminClient,
		logger: slog.Default(),
		notify: notify,
	}
}

// Sync runs one sync for (user, provider). Activities commit per page; a
// mid-run failure keeps what was already upserted and leaves the cursor at
// the last successful run.
func (e *Engine) Sync(ctx context.Context, userID int64, provider string) (*Result, error) {
	cred, err := e.creds.ValidCredential(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	prev, err := e.db.GetSyncStatus(userID, provider)
	if err != nil {
		return nil, err
	}

	var cursor int64
	var prevTotal int64
	if prev != nil {
		prevTotal = prev.TotalActivitiesSynced
		if prev.LastActivityDate != nil {
			cursor = *prev.LastActivityDate
		}
	}
	incremental := cursor > 0

	mode := metrics.SyncModeFull
	if incremental {
		mode = metrics.SyncModeIncremental
	}

	if err := e.db.MarkSyncInProgress(userID, provider); err != nil {
		return nil, err
	}

	timer := prometheus.NewTimer(metrics.SyncDuration.WithLabelValues(provider))
	defer timer.ObserveDuration()

	var synced, maxStart int64
	switch provider {
	case database.ProviderStrava:
		synced, maxStart, err = e.pullStrava(ctx, userID, cred.AccessToken, cursor)
	case database.ProviderGarmin:
		synced, maxStart, err = e.pullGarmin(ctx, userID, cred, cursor)
	default:
		err = fmt.Errorf("unknown provider: %s", provider)
	}

	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(provider, mode, metrics.ResultError).Inc()
		if markErr := e.db.MarkSyncError(userID, provider, err.Error()); markErr != nil {
			e.logger.Error("failed to record sync error", "user_id", userID, "provider", provider, "error", markErr)
		}
		return nil, fmt.Errorf("sync failed: %w", err)
	}

	var newCursor *int64
	if maxStart > 0 {
		newCursor = &maxStart
	}
	if err := e.db.CompleteSync(userID, provider, newCursor, synced); err != nil {
		return nil, err
	}

	metrics.SyncRunsTotal.WithLabelValues(provider, mode, metrics.ResultSuccess).Inc()
	metrics.SyncActivitiesTotal.WithLabelValues(provider).Add(float64(synced))
	e.logger.Info("sync completed",
		"user_id", userID, "provider", provider, "mode", mode, "synced", synced)

	if synced > 0 && e.notify != nil {
		e.notify(userID)
	}

	return &Result{
		Synced:        synced,
		Total:         prevTotal + synced,
		IsIncremental: incremental,
	}, nil
}

// pullStrava walks pages newest-first until a short page, upserting as it
// goes. after is the incremental cursor; zero pulls everything.
func (e *Engine) pullStrava(ctx context.Context, userID int64, accessToken string, after int64) (synced, maxStart int64, err error) {
	for page := 1; ; page++ {
		activities, err := e.strava.ListActivities(ctx, accessToken, after, page, stravaPageSize)
		if err != nil {
			return synced, maxStart, err
		}

		for _, a := range activities {
			start := a.StartDateUnix()
			if err := e.db.UpsertActivity(database.ProviderStrava, &database.RawActivity{
				UserID:             userID,
				ProviderActivityID: fmt.Sprintf("%d", a.ID),
				Name:               a.Name,
				ActivityType:       a.Type,
				StartDate:          start,
				Distance:           a.Distance,
				MovingTime:         a.MovingTime,
				ElapsedTime:        a.ElapsedTime,
				AverageSpeed:       a.AverageSpeed,
				MaxSpeed:           a.MaxSpeed,
				AverageHeartrate:   a.AverageHeartrate,
				MaxHeartrate:       a.MaxHeartrate,
				Calories:           a.Calories,
				ElevationGain:      a.TotalElevationGain,
			}); err != nil {
				return synced, maxStart, err
			}
			synced++
			if start > maxStart {
				maxStart = start
			}
		}

		if len(activities) < stravaPageSize {
			return synced, maxStart, nil
		}
	}
}

// pullGarmin pulls one upload window. With a cursor the window starts there;
// without one it covers the recent default window.
func (e *Engine) pullGarmin(ctx context.Context, userID int64, cred *database.Credential, cursor int64) (synced, maxStart int64, err error) {
	now := time.Now()
	from := cursor
	if from == 0 {
		from = now.Add(-garminFullWindow).Unix()
	}

	tok := garmin.Token{AccessToken: cred.AccessToken}
	if cred.TokenSecret != nil {
		tok.TokenSecret = *cred.TokenSecret
	}

	activities, err := e.garmin.ListActivities(ctx, tok, from, now.Unix())
	if err != nil {
		return 0, 0, err
	}

	for _, a := range activities {
		raw := garminRawActivity(userID, &a)
		if err := e.db.UpsertActivity(database.ProviderGarmin, raw); err != nil {
			return synced, maxStart, err
		}
		synced++
		if raw.StartDate > maxStart {
			maxStart = raw.StartDate
		}
	}
	return synced, maxStart, nil
}

// garminRawActivity normalizes a Garmin summary into the shared row shape
func garminRawActivity(userID int64, a *garmin.Activity) *database.RawActivity {
	raw := &database.RawActivity{
		UserID:             userID,
		ProviderActivityID: a.SummaryID,
		Distance:           a.Distance,
		MovingTime:         a.Duration,
		ElapsedTime:        a.Duration,
		AverageSpeed:       a.AverageSpeed,
		MaxSpeed:           a.MaxSpeed,
		AverageHeartrate:   a.AverageHeartRate,
		MaxHeartrate:       a.MaxHeartRate,
		Calories:           a.ActiveKilocalories,
		ElevationGain:      a.ElevationGain,
	}
	if a.ActivityName != nil {
		raw.Name = *a.ActivityName
	}
	if a.ActivityType != nil {
		raw.ActivityType = *a.ActivityType
	}
	if a.StartTime != nil {
		raw.StartDate = *a.StartTime
	}
	return raw
}
