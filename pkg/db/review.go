package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetOrInitReviewState returns the review state of (userID, senseID),
// creating it with level 0 and no timestamps when absent. The user and
// sense must exist.
func (st *Store) GetOrInitReviewState(ctx context.Context, userID, senseID int64) (*UserSenseState, error) {
	var state *UserSenseState
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_sense_states (user_id, sense_id) VALUES (?, ?)
			ON CONFLICT(user_id, sense_id) DO NOTHING`, userID, senseID); err != nil {
			return err
		}
		var err error
		state, err = scanReviewState(tx.QueryRowContext(ctx, `
			SELECT user_id, sense_id, srs_level, last_seen_at, next_due_at
			FROM user_sense_states WHERE user_id = ? AND sense_id = ?`, userID, senseID))
		return err
	})
	if err != nil {
		return nil, wrapErr("review state", err)
	}
	return state, nil
}

// RecordReview stores observedAt as the last time the user saw the sense.
// srs_level and next_due_at are left unchanged: no scheduling policy is
// applied here.
func (st *Store) RecordReview(ctx context.Context, userID, senseID int64, observedAt time.Time) error {
	seen := observedAt
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_sense_states (user_id, sense_id, last_seen_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id, sense_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
			userID, senseID, nullableTime(&seen))
		return err
	})
	return wrapErr("record review", err)
}

// ListReviewStates returns all review states of a user ordered by sense id.
func (st *Store) ListReviewStates(ctx context.Context, userID int64) ([]UserSenseState, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT user_id, sense_id, srs_level, last_seen_at, next_due_at
		FROM user_sense_states WHERE user_id = ? ORDER BY sense_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list review states: %w", err)
	}
	defer rows.Close()
	var out []UserSenseState
	for rows.Next() {
		s, err := scanReviewState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review state: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanReviewState(r rowScanner) (*UserSenseState, error) {
	var s UserSenseState
	var last, next sql.NullTime
	if err := r.Scan(&s.UserID, &s.SenseID, &s.SRSLevel, &last, &next); err != nil {
		return nil, err
	}
	s.LastSeenAt = timePtr(last)
	s.NextDueAt = timePtr(next)
	return &s, nil
}
