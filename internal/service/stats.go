package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/repository"
)

// LeaderboardRow is one participant's standing in a pool.
type LeaderboardRow struct {
	Rank          int         `json:"rank"`
	ParticipantID string      `json:"participantId"`
	DisplayName   string      `json:"displayName"`
	Rating        int         `json:"rating"`
	Tier          domain.Tier `json:"tier"`
	Wins          int         `json:"wins"`
	Losses        int         `json:"losses"`
	Streak        int         `json:"streak"`
}

// ParticipantStats is the full profile served by the participant endpoint:
// both pools, streak records, current ranked tier and recent changes.
type ParticipantStats struct {
	domain.Participant
	RankedTier    domain.Tier           `json:"rankedTier"`
	RecentChanges []domain.RatingChange `json:"recentChanges,omitempty"`
}

type StatsService struct {
	participantRepo *repository.ParticipantRepository
	ratingRepo      *repository.RatingChangeRepository
	logger          zerolog.Logger
}

func NewStatsService(participantRepo *repository.ParticipantRepository, ratingRepo *repository.RatingChangeRepository, logger zerolog.Logger) *StatsService {
	return &StatsService{participantRepo: participantRepo, ratingRepo: ratingRepo, logger: logger}
}

// Leaderboard lists the top participants of a pool by rating. Limits are
// clamped to [1, MaxLeaderboardLimit] with a default of 20.
func (s *StatsService) Leaderboard(ctx context.Context, pool domain.Pool, limit int) ([]LeaderboardRow, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	if limit <= 0 {
		limit = constants.DefaultLeaderboardLimit
	}
	if limit > constants.MaxLeaderboardLimit {
		limit = constants.MaxLeaderboardLimit
	}

	participants, err := s.participantRepo.Leaderboard(ctx, pool, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("pool", string(pool)).Msg("failed to load leaderboard")
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}

	rows := make([]LeaderboardRow, len(participants))
	for i, p := range participants {
		pr := p.PoolRating(pool)
		rows[i] = LeaderboardRow{
			Rank:          i + 1,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Rating:        pr.Rating,
			Tier:          domain.TierFor(pr.Rating),
			Wins:          pr.Wins,
			Losses:        pr.Losses,
			Streak:        pr.Streak,
		}
	}
	return rows, nil
}

// Participant returns a profile for any id; ids that never completed a
// match come back with the default starting record.
func (s *StatsService) Participant(ctx context.Context, id string) (*ParticipantStats, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	p, err := s.participantRepo.GetOrNew(ctx, id, "")
	if err != nil {
		s.logger.Error().Err(err).Str("participant_id", id).Msg("failed to load participant")
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}

	recent, err := s.ratingRepo.ListByParticipant(ctx, id, "", domain.RecentFormSize)
	if err != nil {
		s.logger.Error().Err(err).Str("participant_id", id).Msg("failed to load rating history")
		return nil, fmt.Errorf("failed to load rating history: %w", err)
	}

	return &ParticipantStats{
		Participant:   *p,
		RankedTier:    domain.TierFor(p.Ranked.Rating),
		RecentChanges: recent,
	}, nil
}
