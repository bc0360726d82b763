package training

import (
	"context"
	"errors"
	"log/slog"

	"fitsync/internal/database"
	"fitsync/internal/metrics"
)

// derivationWindow bounds how many recent activities per source one pass
// considers
const derivationWindow = 200

// Metrics is the per-activity input handed to the scorer
type Metrics struct {
	Sport            string
	DurationSeconds  int64
	Distance         *float64
	AverageSpeed     *float64
	MaxSpeed         *float64
	AverageHeartrate *float64
	MaxHeartrate     *float64
	Calories         *float64
	ElevationGain    *float64
}

// ScoreFunc computes a performance score from activity metrics. The pipeline
// treats it as a black box.
type ScoreFunc func(m Metrics) float64

// DefaultScore is a duration-weighted score with bonuses for intensity
// signals when they are present
func DefaultScore(m Metrics) float64 {
	score := float64(m.DurationSeconds) / 60.0

	if m.Distance != nil && m.DurationSeconds > 0 {
		// meters per second, scaled so a brisk pace roughly doubles the base
		score += (*m.Distance / float64(m.DurationSeconds)) * float64(m.DurationSeconds) / 120.0
	}
	if m.AverageHeartrate != nil {
		score += *m.AverageHeartrate / 10.0
	}
	if m.ElevationGain != nil {
		score += *m.ElevationGain / 50.0
	}
	return score
}

// Result summarizes one derivation pass
type Result struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Skipped   int `json:"skipped"`
}

// Pipeline derives training sessions from raw activities, exactly one
// session per source activity
type Pipeline struct {
	db     *database.DB
	score  ScoreFunc
	logger *slog.Logger
}

// NewPipeline creates a derivation pipeline
func NewPipeline(db *database.DB, score ScoreFunc) *Pipeline {
	return &Pipeline{db: db, score: score, logger: slog.Default()}
}

// DeriveMissing derives sessions for a user's recent activities that have
// none yet. A failing activity is counted as skipped and the pass continues.
func (p *Pipeline) DeriveMissing(ctx context.Context, userID int64) (*Result, error) {
	result := &Result{}

	for _, source := range []string{database.ProviderGarmin, database.ProviderStrava} {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		activities, err := p.db.ListActivities(source, userID, database.ActivityFilters{}, derivationWindow)
		if err != nil {
			return result, err
		}

		derived, err := p.db.DerivedSourceIDs(userID, source)
		if err != nil {
			return result, err
		}

		for _, a := range activities {
			result.Total++
			if derived[a.ProviderActivityID] {
				result.Skipped++
				continue
			}

			session := p.derive(userID, source, a)
			if err := p.db.InsertTrainingSession(session); err != nil {
				if !errors.Is(err, database.ErrDuplicateSession) {
					p.logger.Warn("failed to derive training session",
						"source", source, "activity_id", a.ProviderActivityID, "error", err)
					metrics.TrainingDerivationErrors.Inc()
				}
				result.Skipped++
				continue
			}
			metrics.TrainingSessionsDerived.Inc()
			result.Processed++
		}
	}

	if result.Processed > 0 {
		p.logger.Info("training sessions derived",
			"user_id", userID, "processed", result.Processed, "skipped", result.Skipped)
	}
	return result, nil
}

func (p *Pipeline) derive(userID int64, source string, a *database.RawActivity) *database.TrainingSession {
	var duration int64
	if a.MovingTime != nil {
		duration = *a.MovingTime
	} else if a.ElapsedTime != nil {
		duration = *a.ElapsedTime
	}

	score := p.score(Metrics{
		Sport:            a.ActivityType,
		DurationSeconds:  duration,
		Distance:         a.Distance,
		AverageSpeed:     a.AverageSpeed,
		MaxSpeed:         a.MaxSpeed,
		AverageHeartrate: a.AverageHeartrate,
		MaxHeartrate:     a.MaxHeartrate,
		Calories:         a.Calories,
		ElevationGain:    a.ElevationGain,
	})

	return &database.TrainingSession{
		UserID:           userID,
		Source:           source,
		SourceActivityID: a.ProviderActivityID,
		SessionDate:      a.StartDate,
		Sport:            a.ActivityType,
		DurationSeconds:  duration,
		Distance:         a.Distance,
		PerformanceScore: score,
	}
}
