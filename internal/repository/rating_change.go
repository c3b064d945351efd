package repository

import (
	"context"
	"database/sql"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"sixmans/internal/domain"
)

type RatingChangeRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewRatingChangeRepository(sqlDB *sql.DB, logger zerolog.Logger) *RatingChangeRepository {
	return &RatingChangeRepository{db: sqlDB, logger: logger}
}

// ListByParticipant returns a participant's most recent rating changes,
// newest first, optionally restricted to one pool.
func (r *RatingChangeRepository) ListByParticipant(ctx context.Context, participantID string, pool domain.Pool, limit int) ([]domain.RatingChange, error) {
	query := `
		SELECT id, match_id, participant_id, pool, old_rating, new_rating, delta, is_win, streak_after, created_at
		FROM rating_changes WHERE participant_id = ?`
	args := []any{participantID}
	if pool != "" {
		query += ` AND pool = ?`
		args = append(args, pool)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rating changes for %s: %w", participantID, err)
	}
	defer rows.Close()

	var out []domain.RatingChange
	for rows.Next() {
		var rc domain.RatingChange
		err := rows.Scan(&rc.ID, &rc.MatchID, &rc.ParticipantID, &rc.Pool,
			&rc.OldRating, &rc.NewRating, &rc.Delta, &rc.IsWin, &rc.StreakAfter, &rc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rating change: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// insertRatingChange writes one record, minting an id when the caller did
// not. Shared with the match completion transaction.
func insertRatingChange(ctx context.Context, ex execer, rc *domain.RatingChange) error {
	if rc.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate nanoid: %w", err)
		}
		rc.ID = id
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO rating_changes (id, match_id, participant_id, pool, old_rating, new_rating, delta, is_win, streak_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rc.ID, rc.MatchID, rc.ParticipantID, rc.Pool,
		rc.OldRating, rc.NewRating, rc.Delta, rc.IsWin, rc.StreakAfter, rc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rating change for %s: %w", rc.ParticipantID, err)
	}
	return nil
}
