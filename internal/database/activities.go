package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fitsync/internal/metrics"
)

// RawActivity is the normalized per-provider activity shape. Both provider
// tables share it; per-source adapters fill it from provider payloads.
// Optional metrics are pointers so absent upstream values stay NULL.
type RawActivity struct {
	UserID             int64
	ProviderActivityID string
	Name               string
	ActivityType       string
	StartDate          int64
	Distance           *float64
	MovingTime         *int64
	ElapsedTime        *int64
	AverageSpeed       *float64
	MaxSpeed           *float64
	AverageHeartrate   *float64
	MaxHeartrate       *float64
	Calories           *float64
	ElevationGain      *float64
}

// ActivityFilters narrows activity queries. Zero values mean "no filter".
type ActivityFilters struct {
	ActivityType string
	From         *int64 // inclusive
	To           *int64 // inclusive
	Query        string // case-insensitive substring match on name
}

func activityTable(source string) (string, error) {
	switch source {
	case ProviderStrava:
		return "strava_activities", nil
	case ProviderGarmin:
		return "garmin_activities", nil
	default:
		return "", fmt.Errorf("unknown activity source: %s", source)
	}
}

func (f ActivityFilters) whereClause() (string, []any) {
	clauses := []string{"user_id = ?"}
	var args []any

	if f.ActivityType != "" {
		clauses = append(clauses, "activity_type = ?")
		args = append(args, f.ActivityType)
	}
	if f.From != nil {
		clauses = append(clauses, "start_date >= ?")
		args = append(args, *f.From)
	}
	if f.To != nil {
		clauses = append(clauses, "start_date <= ?")
		args = append(args, *f.To)
	}
	if f.Query != "" {
		// SQLite LIKE is case-insensitive for ASCII
		clauses = append(clauses, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Query)+"%")
	}

	return strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// UpsertActivity inserts or overwrites an activity row. The conflict key is
// (user_id, provider_activity_id); a repeated delivery overwrites with the
// latest values rather than being skipped.
func (db *DB) UpsertActivity(source string, a *RawActivity) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertActivity))
	defer timer.ObserveDuration()

	table, err := activityTable(source)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	_, err = db.conn.Exec(`
		INSERT INTO `+table+` (
			user_id, provider_activity_id, name, activity_type, start_date,
			distance, moving_time, elapsed_time, average_speed, max_speed,
			average_heartrate, max_heartrate, calories, elevation_gain,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider_activity_id) DO UPDATE SET
			name = excluded.name,
			activity_type = excluded.activity_type,
			start_date = excluded.start_date,
			distance = excluded.distance,
			moving_time = excluded.moving_time,
			elapsed_time = excluded.elapsed_time,
			average_speed = excluded.average_speed,
			max_speed = excluded.max_speed,
			average_heartrate = excluded.average_heartrate,
			max_heartrate = excluded.max_heartrate,
			calories = excluded.calories,
			elevation_gain = excluded.elevation_gain,
			updated_at = excluded.updated_at
	`, a.UserID, a.ProviderActivityID, a.Name, a.ActivityType, a.StartDate,
		a.Distance, a.MovingTime, a.ElapsedTime, a.AverageSpeed, a.MaxSpeed,
		a.AverageHeartrate, a.MaxHeartrate, a.Calories, a.ElevationGain,
		now, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertActivity).Inc()
		return fmt.Errorf("failed to upsert %s activity: %w", source, err)
	}
	return nil
}

// ListActivities returns up to limit filtered activities for a source,
// newest first
func (db *DB) ListActivities(source string, userID int64, f ActivityFilters, limit int) ([]*RawActivity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListActivities))
	defer timer.ObserveDuration()

	table, err := activityTable(source)
	if err != nil {
		return nil, err
	}

	where, filterArgs := f.whereClause()
	args := append([]any{userID}, filterArgs...)
	args = append(args, limit)

	rows, err := db.conn.Query(`
		SELECT user_id, provider_activity_id, name, activity_type, start_date,
		       distance, moving_time, elapsed_time, average_speed, max_speed,
		       average_heartrate, max_heartrate, calories, elevation_gain
		FROM `+table+`
		WHERE `+where+`
		ORDER BY start_date DESC, provider_activity_id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListActivities).Inc()
		return nil, fmt.Errorf("failed to list %s activities: %w", source, err)
	}
	defer rows.Close()

	var activities []*RawActivity
	for rows.Next() {
		var a RawActivity
		if err := rows.Scan(
			&a.UserID, &a.ProviderActivityID, &a.Name, &a.ActivityType, &a.StartDate,
			&a.Distance, &a.MovingTime, &a.ElapsedTime, &a.AverageSpeed, &a.MaxSpeed,
			&a.AverageHeartrate, &a.MaxHeartrate, &a.Calories, &a.ElevationGain,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		activities = append(activities, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity rows: %w", err)
	}
	return activities, nil
}

// CountActivities returns the exact filtered count for a source
func (db *DB) CountActivities(source string, userID int64, f ActivityFilters) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCountActivities))
	defer timer.ObserveDuration()

	table, err := activityTable(source)
	if err != nil {
		return 0, err
	}

	where, filterArgs := f.whereClause()
	args := append([]any{userID}, filterArgs...)

	var count int64
	err = db.conn.QueryRow(`
		SELECT COUNT(*) FROM `+table+` WHERE `+where,
		args...).Scan(&count)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCountActivities).Inc()
		return 0, fmt.Errorf("failed to count %s activities: %w", source, err)
	}
	return count, nil
}

// CountActivitiesInPeriod counts a user's activities for a source within an
// inclusive start_date window. Backfill reconciliation uses this to detect
// chunks whose data already arrived.
func (db *DB) CountActivitiesInPeriod(source string, userID, from, to int64) (int64, error) {
	f := ActivityFilters{From: &from, To: &to}
	return db.CountActivities(source, userID, f)
}

// ActivityTypes returns the distinct activity types observed for a source,
// case-sensitive, sorted ascending
func (db *DB) ActivityTypes(source string, userID int64) ([]string, error) {
	table, err := activityTable(source)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(`
		SELECT DISTINCT activity_type FROM `+table+`
		WHERE user_id = ? AND activity_type != ''
		ORDER BY activity_type ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s activity types: %w", source, err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan activity type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity types: %w", err)
	}
	return types, nil
}
