package db

import (
	"fmt"

	"github.com/k-okoli/type-of-faith/internal/events"
)

// RecordRaceResults stores one race's final standings in a single
// transaction. Implements results.Storage. Re-running for the same race id
// overwrites rather than duplicates rows.
func (d *DB) RecordRaceResults(lobbyID, raceID string, results []events.Result) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO races (id, lobby_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, raceID, lobbyID); err != nil {
		return fmt.Errorf("inserting race: %w", err)
	}

	for _, r := range results {
		var timeSeconds any
		if r.Finished {
			timeSeconds = r.Time
		}
		if _, err := tx.Exec(`
			INSERT INTO race_results (race_id, user_id, username, place, wpm, accuracy, time_seconds, finished)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (race_id, user_id) DO UPDATE
			SET place = $4, wpm = $5, accuracy = $6, time_seconds = $7, finished = $8
		`, raceID, r.UserID, r.Username, r.Place, r.WPM, r.Accuracy, timeSeconds, r.Finished); err != nil {
			return fmt.Errorf("inserting result for %s: %w", r.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing race results: %w", err)
	}
	return nil
}

// RecordDailyScore appends a finished participant's run to the daily board.
func (d *DB) RecordDailyScore(userID string, wpm, accuracy int, t float64) error {
	_, err := d.conn.Exec(`
		INSERT INTO daily_scores (user_id, wpm, accuracy, time_seconds)
		VALUES ($1, $2, $3, $4)
	`, userID, wpm, accuracy, t)
	if err != nil {
		return fmt.Errorf("recording daily score: %w", err)
	}
	return nil
}

// DailyLeader is one row of the daily leaderboard.
type DailyLeader struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	WPM      int     `json:"wpm"`
	Accuracy int     `json:"accuracy"`
	Time     float64 `json:"time"`
}

// TopDailyScores returns today's best runs, one per user, fastest words per
// minute first.
func (d *DB) TopDailyScores(limit int) ([]DailyLeader, error) {
	rows, err := d.conn.Query(`
		SELECT DISTINCT ON (s.user_id)
			s.user_id, COALESCE(u.username, ''), s.wpm, s.accuracy, s.time_seconds
		FROM daily_scores s
		LEFT JOIN users u ON u.id::text = s.user_id
		WHERE s.scored_on = CURRENT_DATE
		ORDER BY s.user_id, s.wpm DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying daily scores: %w", err)
	}
	defer rows.Close()

	var leaders []DailyLeader
	for rows.Next() {
		var l DailyLeader
		if err := rows.Scan(&l.UserID, &l.Username, &l.WPM, &l.Accuracy, &l.Time); err != nil {
			return nil, fmt.Errorf("scanning daily score: %w", err)
		}
		leaders = append(leaders, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Re-rank across users after the per-user DISTINCT pass.
	for i := 0; i < len(leaders); i++ {
		for j := i + 1; j < len(leaders); j++ {
			if leaders[j].WPM > leaders[i].WPM {
				leaders[i], leaders[j] = leaders[j], leaders[i]
			}
		}
	}
	if limit > 0 && len(leaders) > limit {
		leaders = leaders[:limit]
	}
	return leaders, nil
}
