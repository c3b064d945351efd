package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/monitoring"
	"sixmans/internal/ranksync"
	"sixmans/internal/rating"
	"sixmans/internal/repository"
)

// ReportService turns a participant's win/loss report into the terminal
// state of a match: rating deltas for all six participants, updated
// records, tier changes, and the completion events.
type ReportService struct {
	registry        *MatchService
	matchRepo       *repository.MatchRepository
	participantRepo *repository.ParticipantRepository
	ranks           ranksync.Queue
	bus             *events.Bus
	logger          zerolog.Logger
}

func NewReportService(registry *MatchService, matchRepo *repository.MatchRepository, participantRepo *repository.ParticipantRepository, ranks ranksync.Queue, bus *events.Bus, logger zerolog.Logger) *ReportService {
	return &ReportService{
		registry:        registry,
		matchRepo:       matchRepo,
		participantRepo: participantRepo,
		ranks:           ranks,
		bus:             bus,
		logger:          logger,
	}
}

// tierChange captures a ranked tier crossing detected at completion.
type tierChange struct {
	participantID string
	from, to      domain.Tier
	promotion     bool
}

// Report finalizes a match from one participant's result. The reporter's
// team wins on "win" and loses on "loss"; the other team mirrors it.
func (s *ReportService) Report(ctx context.Context, matchID, reporterID string, result domain.Result, score string) (*domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	if result != domain.ResultWin && result != domain.ResultLoss {
		return nil, fmt.Errorf("result must be %s or %s, got %q: %w", domain.ResultWin, domain.ResultLoss, result, domain.ErrInvalidResult)
	}

	m, err := s.lookup(ctx, matchID)
	if err != nil {
		return nil, err
	}

	if m.Status.Terminal() {
		return nil, domain.ErrAlreadyReported
	}
	if !m.HasParticipant(reporterID) {
		return nil, domain.ErrNotAParticipant
	}
	if m.Status != domain.StatusInProgress {
		return nil, &domain.InvalidTransitionError{MatchID: matchID, From: m.Status, To: domain.StatusCompleted}
	}

	reporterTeam := m.TeamOf(reporterID)
	winnerTeam := reporterTeam
	if result == domain.ResultLoss {
		winnerTeam = 3 - reporterTeam
	}

	s.logger.Info().
		Str("match_id", matchID).
		Str("reporter_id", reporterID).
		Str("result", string(result)).
		Int("winner_team", winnerTeam).
		Msg("processing match report")

	participants, err := s.loadParticipants(ctx, m)
	if err != nil {
		return nil, err
	}

	changes, tierChanges := s.applyResult(m, participants, winnerTeam)

	completed, err := s.registry.Complete(ctx, matchID, winnerTeam, score, changes, participants)
	if err != nil {
		// the registry entry disappearing between lookup and completion
		// means another report won the race
		if errors.Is(err, domain.ErrMatchNotFound) {
			return nil, domain.ErrAlreadyReported
		}
		return nil, err
	}

	s.bus.Publish(events.TypeMatchCompleted, events.MatchCompleted{
		MatchID:       matchID,
		WinnerTeam:    winnerTeam,
		RatingChanges: completed.RatingChanges,
	})
	for _, tc := range tierChanges {
		t := events.TypeParticipantDemoted
		if tc.promotion {
			t = events.TypeParticipantPromoted
		}
		s.bus.Publish(t, events.TierChanged{ParticipantID: tc.participantID, FromTier: tc.from, ToTier: tc.to})
	}

	for _, c := range completed.RatingChanges {
		monitoring.ObserveRatingDelta(c.Delta)
	}

	if m.Pool == domain.PoolRanked {
		s.syncRanks(ctx, completed, tierChanges)
	}

	s.logger.Info().
		Str("match_id", matchID).
		Int("winner_team", winnerTeam).
		Str("score", score).
		Int("tier_changes", len(tierChanges)).
		Msg("match report committed")
	return completed, nil
}

// lookup finds the match in the registry first and falls back to the
// store. An in_progress match found only in the store (a restart raced
// the reconciler) is restored so the report can proceed.
func (s *ReportService) lookup(ctx context.Context, matchID string) (*domain.Match, error) {
	if m, ok := s.registry.Get(matchID); ok {
		return m, nil
	}

	stored, err := s.matchRepo.Get(ctx, matchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		s.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to load match")
		return nil, fmt.Errorf("failed to load match: %w", err)
	}

	if stored.Status == domain.StatusInProgress {
		s.registry.Restore(stored)
	}
	return stored, nil
}

func (s *ReportService) loadParticipants(ctx context.Context, m *domain.Match) ([]*domain.Participant, error) {
	participants := make([]*domain.Participant, len(m.Participants))
	for i, mp := range m.Participants {
		p, err := s.participantRepo.GetOrNew(ctx, mp.ParticipantID, mp.DisplayName)
		if err != nil {
			s.logger.Error().Err(err).Str("participant_id", mp.ParticipantID).Msg("failed to load participant")
			return nil, fmt.Errorf("failed to load participant %s: %w", mp.ParticipantID, err)
		}
		participants[i] = p
	}
	return participants, nil
}

// applyResult computes every rating change and mutates the participants
// to their post-match state. Order matters: deltas for all six are
// derived from the pre-match team averages before any mutation.
func (s *ReportService) applyResult(m *domain.Match, participants []*domain.Participant, winnerTeam int) ([]domain.RatingChange, []tierChange) {
	pool := m.Pool
	now := time.Now().UTC()

	var team1Sum, team2Sum float64
	for i, mp := range m.Participants {
		r := float64(participants[i].PoolRating(pool).Rating)
		if mp.Team == 1 {
			team1Sum += r
		} else {
			team2Sum += r
		}
	}
	team1Avg := team1Sum / domain.TeamSize
	team2Avg := team2Sum / domain.TeamSize

	changes := make([]domain.RatingChange, len(m.Participants))
	var tierChanges []tierChange

	for i, mp := range m.Participants {
		p := participants[i]
		pr := p.PoolRating(pool)

		isWin := mp.Team == winnerTeam
		streakAfter := rating.NextStreak(pr.Streak, isWin)
		games := pr.GamesPlayed() + 1

		ownAvg, oppAvg := team1Avg, team2Avg
		if mp.Team == 2 {
			ownAvg, oppAvg = team2Avg, team1Avg
		}

		var promo *domain.Promotion
		if pool == domain.PoolRanked {
			promo = p.LastPromotion
		}

		delta := rating.Delta(rating.Input{
			Rating:        pr.Rating,
			OwnTeamAvg:    ownAvg,
			OppTeamAvg:    oppAvg,
			GamesPlayed:   games,
			IsWin:         isWin,
			StreakAfter:   streakAfter,
			RecentResults: pr.RecentResults,
			LastPromotion: promo,
		})

		oldRating := pr.Rating
		newRating := oldRating + delta
		changes[i] = domain.RatingChange{
			MatchID:       m.ID,
			ParticipantID: mp.ParticipantID,
			Pool:          pool,
			OldRating:     oldRating,
			NewRating:     newRating,
			Delta:         delta,
			IsWin:         isWin,
			StreakAfter:   streakAfter,
			CreatedAt:     now,
		}

		pr.Rating = newRating
		if isWin {
			pr.Wins++
		} else {
			pr.Losses++
		}
		pr.Streak = streakAfter
		if streakAfter > pr.LongestWinStreak {
			pr.LongestWinStreak = streakAfter
		}
		if -streakAfter > pr.LongestLossStreak {
			pr.LongestLossStreak = -streakAfter
		}
		pr.RecentResults = append(pr.RecentResults, isWin)
		if len(pr.RecentResults) > domain.RecentFormSize {
			pr.RecentResults = pr.RecentResults[len(pr.RecentResults)-domain.RecentFormSize:]
		}
		p.UpdatedAt = now

		if pool == domain.PoolRanked {
			oldTier, newTier := domain.TierFor(oldRating), domain.TierFor(newRating)
			switch {
			case newTier != oldTier && delta > 0:
				p.LastPromotion = &domain.Promotion{FromTier: oldTier, ToTier: newTier, GamesPlayedAt: games}
				tierChanges = append(tierChanges, tierChange{participantID: mp.ParticipantID, from: oldTier, to: newTier, promotion: true})
			case newTier != oldTier && delta < 0:
				p.LastPromotion = nil
				tierChanges = append(tierChanges, tierChange{participantID: mp.ParticipantID, from: oldTier, to: newTier})
			}
		}
	}

	return changes, tierChanges
}

// syncRanks pushes one update per participant onto the rank-sync queue.
// Failures are logged and swallowed; role sync lags rather than blocking
// completions.
func (s *ReportService) syncRanks(ctx context.Context, m *domain.Match, tierChanges []tierChange) {
	changed := make(map[string]tierChange, len(tierChanges))
	for _, tc := range tierChanges {
		changed[tc.participantID] = tc
	}

	for _, c := range m.RatingChanges {
		update := ranksync.Update{
			ParticipantID: c.ParticipantID,
			Queue:         m.Queue,
			OldRating:     c.OldRating,
			NewRating:     c.NewRating,
			OldTier:       domain.TierFor(c.OldRating),
			NewTier:       domain.TierFor(c.NewRating),
			OccurredAt:    c.CreatedAt,
		}
		if tc, ok := changed[c.ParticipantID]; ok {
			update.IsPromotion = tc.promotion
			update.IsDemotion = !tc.promotion
		}

		rctx, cancel := context.WithTimeout(ctx, constants.RanksyncTimeout)
		if err := s.ranks.Enqueue(rctx, update); err != nil {
			s.logger.Warn().Err(err).Str("participant_id", c.ParticipantID).Msg("failed to enqueue rank update")
		}
		cancel()
	}
}
