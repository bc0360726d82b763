package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"fitsync/internal/metrics"
)

// TrainingSession is a derived record computed from exactly one raw activity
type TrainingSession struct {
	ID               int64
	UserID           int64
	Source           string
	SourceActivityID string
	SessionDate      int64
	Sport            string
	DurationSeconds  int64
	Distance         *float64
	PerformanceScore float64
	CreatedAt        int64
}

// InsertTrainingSession inserts a derived session. Returns ErrDuplicateSession
// if the source activity has already been derived.
func (db *DB) InsertTrainingSession(s *TrainingSession) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertSession))
	defer timer.ObserveDuration()

	s.CreatedAt = time.Now().Unix()

	_, err := db.conn.Exec(`
		INSERT INTO training_sessions (
			user_id, source, source_activity_id, session_date, sport,
			duration_seconds, distance, performance_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.UserID, s.Source, s.SourceActivityID, s.SessionDate, s.Sport,
		s.DurationSeconds, s.Distance, s.PerformanceScore, s.CreatedAt)

	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return ErrDuplicateSession
		}
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpInsertSession).Inc()
		return fmt.Errorf("failed to insert training session: %w", err)
	}
	return nil
}

// ErrDuplicateSession indicates the source activity was already derived
var ErrDuplicateSession = fmt.Errorf("training session already derived for source activity")

// DerivedSourceIDs returns the set of source activity ids already derived
// for a user and source
func (db *DB) DerivedSourceIDs(userID int64, source string) (map[string]bool, error) {
	rows, err := db.conn.Query(`
		SELECT source_activity_id FROM training_sessions
		WHERE user_id = ? AND source = ?
	`, userID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to get derived source ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source ids: %w", err)
	}
	return ids, nil
}

// ListTrainingSessions returns a user's derived sessions, newest first
func (db *DB) ListTrainingSessions(userID int64, limit int) ([]*TrainingSession, error) {
	rows, err := db.conn.Query(`
		SELECT id, user_id, source, source_activity_id, session_date, sport,
		       duration_seconds, distance, performance_score, created_at
		FROM training_sessions
		WHERE user_id = ?
		ORDER BY session_date DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list training sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*TrainingSession
	for rows.Next() {
		var s TrainingSession
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.Source, &s.SourceActivityID, &s.SessionDate, &s.Sport,
			&s.DurationSeconds, &s.Distance, &s.PerformanceScore, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan training session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate training sessions: %w", err)
	}
	return sessions, nil
}
