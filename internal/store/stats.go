package store

import (
	"fmt"
	"time"
)

// StatEventType classifies a recorded build event for reporting.
type StatEventType string

const (
	StatEventRequest   StatEventType = "request"
	StatEventCacheHit  StatEventType = "cache_hit"
	StatEventFailure   StatEventType = "failure"
	StatEventSucceeded StatEventType = "build_completed"
)

// RecordEvent appends a build-stat row used by the reporting queries below.
// cacheHit mirrors BuildRecord.CacheHit so cache-ratio reports don't need to
// join back into builds.
func (s *Store) RecordEvent(eventType StatEventType, release, target, profileID string, duration time.Duration, cacheHit bool) error {
	_, err := s.db.Exec(`
		INSERT INTO build_stats (timestamp, event_type, release, target, profile_id, duration_seconds, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, time.Now().UTC().Format("2006-01-02 15:04:05.999999999"), eventType, release, target, profileID, int64(duration.Seconds()), cacheHit)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// StatsPerDay returns event counts grouped by day for the trailing window.
func (s *Store) StatsPerDay(days int) (map[string]map[StatEventType]int, error) {
	rows, err := s.db.Query(`
		SELECT DATE(timestamp) AS day, event_type, COUNT(*) AS n
		FROM build_stats
		WHERE timestamp >= datetime('now', '-' || ? || ' days')
		GROUP BY day, event_type
		ORDER BY day DESC
	`, days)
	if err != nil {
		return nil, fmt.Errorf("stats per day: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[StatEventType]int)
	for rows.Next() {
		var day string
		var eventType StatEventType
		var n int
		if err := rows.Scan(&day, &eventType, &n); err != nil {
			return nil, err
		}
		if out[day] == nil {
			out[day] = make(map[StatEventType]int)
		}
		out[day][eventType] = n
	}
	return out, rows.Err()
}

// StatsByRelease returns event counts grouped by release over the trailing
// window, the generalized form of the teacher's per-version report.
func (s *Store) StatsByRelease(weeks int) (map[string]map[StatEventType]int, error) {
	rows, err := s.db.Query(`
		SELECT release, event_type, COUNT(*) AS n
		FROM build_stats
		WHERE timestamp >= datetime('now', '-' || ? || ' weeks') AND release != ''
		GROUP BY release, event_type
		ORDER BY release
	`, weeks)
	if err != nil {
		return nil, fmt.Errorf("stats by release: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[StatEventType]int)
	for rows.Next() {
		var release string
		var eventType StatEventType
		var n int
		if err := rows.Scan(&release, &eventType, &n); err != nil {
			return nil, err
		}
		if out[release] == nil {
			out[release] = make(map[StatEventType]int)
		}
		out[release][eventType] = n
	}
	return out, rows.Err()
}

// CacheHitTrend returns, per day, the fraction of completed builds that
// were served from cache. It folds the teacher's diff_packages trend report
// into the generalized cache-hit ratio this domain cares about.
func (s *Store) CacheHitTrend(days int) (map[string]float64, error) {
	rows, err := s.db.Query(`
		SELECT DATE(timestamp) AS day,
		       SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END) AS hits,
		       COUNT(*) AS total
		FROM build_stats
		WHERE timestamp >= datetime('now', '-' || ? || ' days') AND event_type IN (?, ?)
		GROUP BY day
		ORDER BY day DESC
	`, days, StatEventSucceeded, StatEventCacheHit)
	if err != nil {
		return nil, fmt.Errorf("cache hit trend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var day string
		var hits, total int
		if err := rows.Scan(&day, &hits, &total); err != nil {
			return nil, err
		}
		if total == 0 {
			out[day] = 0
			continue
		}
		out[day] = float64(hits) / float64(total)
	}
	return out, rows.Err()
}

// PruneStatsOlderThan deletes build_stats rows past the retention window.
func (s *Store) PruneStatsOlderThan(days int) error {
	_, err := s.db.Exec(`DELETE FROM build_stats WHERE timestamp < datetime('now', '-' || ? || ' days')`, days)
	return err
}
