package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sixmans/internal/domain"
)

type ParticipantRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewParticipantRepository(sqlDB *sql.DB, logger zerolog.Logger) *ParticipantRepository {
	return &ParticipantRepository{db: sqlDB, logger: logger}
}

const participantColumns = `id, display_name,
	ranked_rating, ranked_wins, ranked_losses, ranked_streak,
	ranked_longest_win_streak, ranked_longest_loss_streak, ranked_recent_results,
	global_rating, global_wins, global_losses, global_streak,
	global_longest_win_streak, global_longest_loss_streak, global_recent_results,
	promotion_from_tier, promotion_to_tier, promotion_games_at,
	created_at, updated_at`

// GetOrNew loads a participant, falling back to the default starting record
// when none is stored yet. Participants are only persisted once their first
// match completes.
func (r *ParticipantRepository) GetOrNew(ctx context.Context, id, displayName string) (*domain.Participant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)

	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Debug().Str("participant_id", id).Msg("participant not stored yet, using defaults")
		return domain.NewParticipant(id, displayName), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant %s: %w", id, err)
	}
	if displayName != "" && p.DisplayName != displayName {
		p.DisplayName = displayName
	}
	return p, nil
}

func (r *ParticipantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	return upsertParticipant(ctx, r.db, p)
}

// Leaderboard returns the stored participants ordered by the pool's
// rating. Placeholder records from force-formed matches are excluded.
func (r *ParticipantRepository) Leaderboard(ctx context.Context, pool domain.Pool, limit int) ([]domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id NOT LIKE ? ORDER BY ranked_rating DESC, ranked_wins DESC LIMIT ?`
	if pool == domain.PoolGlobal {
		query = `SELECT ` + participantColumns + ` FROM participants WHERE id NOT LIKE ? ORDER BY global_rating DESC, global_wins DESC LIMIT ?`
	}

	rows, err := r.db.QueryContext(ctx, query, domain.PlaceholderPrefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func upsertParticipant(ctx context.Context, ex execer, p *domain.Participant) error {
	rankedForm, err := marshalResults(p.Ranked.RecentResults)
	if err != nil {
		return err
	}
	globalForm, err := marshalResults(p.Global.RecentResults)
	if err != nil {
		return err
	}

	var promoFrom, promoTo sql.NullString
	var promoGames sql.NullInt64
	if p.LastPromotion != nil {
		promoFrom = sql.NullString{String: string(p.LastPromotion.FromTier), Valid: true}
		promoTo = sql.NullString{String: string(p.LastPromotion.ToTier), Valid: true}
		promoGames = sql.NullInt64{Int64: int64(p.LastPromotion.GamesPlayedAt), Valid: true}
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			ranked_rating = excluded.ranked_rating,
			ranked_wins = excluded.ranked_wins,
			ranked_losses = excluded.ranked_losses,
			ranked_streak = excluded.ranked_streak,
			ranked_longest_win_streak = excluded.ranked_longest_win_streak,
			ranked_longest_loss_streak = excluded.ranked_longest_loss_streak,
			ranked_recent_results = excluded.ranked_recent_results,
			global_rating = excluded.global_rating,
			global_wins = excluded.global_wins,
			global_losses = excluded.global_losses,
			global_streak = excluded.global_streak,
			global_longest_win_streak = excluded.global_longest_win_streak,
			global_longest_loss_streak = excluded.global_longest_loss_streak,
			global_recent_results = excluded.global_recent_results,
			promotion_from_tier = excluded.promotion_from_tier,
			promotion_to_tier = excluded.promotion_to_tier,
			promotion_games_at = excluded.promotion_games_at,
			updated_at = excluded.updated_at`,
		p.ID, p.DisplayName,
		p.Ranked.Rating, p.Ranked.Wins, p.Ranked.Losses, p.Ranked.Streak,
		p.Ranked.LongestWinStreak, p.Ranked.LongestLossStreak, rankedForm,
		p.Global.Rating, p.Global.Wins, p.Global.Losses, p.Global.Streak,
		p.Global.LongestWinStreak, p.Global.LongestLossStreak, globalForm,
		promoFrom, promoTo, promoGames,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s: %w", p.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*domain.Participant, error) {
	var p domain.Participant
	var rankedForm, globalForm string
	var promoFrom, promoTo sql.NullString
	var promoGames sql.NullInt64
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&p.ID, &p.DisplayName,
		&p.Ranked.Rating, &p.Ranked.Wins, &p.Ranked.Losses, &p.Ranked.Streak,
		&p.Ranked.LongestWinStreak, &p.Ranked.LongestLossStreak, &rankedForm,
		&p.Global.Rating, &p.Global.Wins, &p.Global.Losses, &p.Global.Streak,
		&p.Global.LongestWinStreak, &p.Global.LongestLossStreak, &globalForm,
		&promoFrom, &promoTo, &promoGames,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Ranked.RecentResults, err = unmarshalResults(rankedForm); err != nil {
		return nil, err
	}
	if p.Global.RecentResults, err = unmarshalResults(globalForm); err != nil {
		return nil, err
	}
	if promoFrom.Valid && promoTo.Valid && promoGames.Valid {
		p.LastPromotion = &domain.Promotion{
			FromTier:      domain.Tier(promoFrom.String),
			ToTier:        domain.Tier(promoTo.String),
			GamesPlayedAt: int(promoGames.Int64),
		}
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return &p, nil
}

func marshalResults(results []bool) (string, error) {
	if results == nil {
		results = []bool{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode recent results: %w", err)
	}
	return string(raw), nil
}

func unmarshalResults(raw string) ([]bool, error) {
	if raw == "" {
		return nil, nil
	}
	var results []bool
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, fmt.Errorf("failed to decode recent results: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results, nil
}
