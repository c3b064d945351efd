package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/rating"
)

func TestReportValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reports.Report(ctx, "whatever", userID(1), "draw", "")
	require.ErrorIs(t, err, domain.ErrInvalidResult)

	_, err = env.reports.Report(ctx, "missing1", userID(1), domain.ResultWin, "")
	require.ErrorIs(t, err, domain.ErrMatchNotFound)

	match := env.startedMatch(t, "na")

	_, err = env.reports.Report(ctx, match.ID, "stranger", domain.ResultWin, "")
	require.ErrorIs(t, err, domain.ErrNotAParticipant)
}

func TestReportRejectsUnstartedMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match, err := env.registry.Create(ctx, "na", domain.PoolRanked, directEntries(6))
	require.NoError(t, err)

	_, err = env.reports.Report(ctx, match.ID, userID(1), domain.ResultWin, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusForming, invalid.From)
}

func TestReportWinCompletesMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.startedMatch(t, "na")
	reporter := match.TeamIDs(1)[0]

	completed, err := env.reports.Report(ctx, match.ID, reporter, domain.ResultWin, "13-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, completed.Status)
	assert.Equal(t, 1, completed.WinnerTeam, "the reporter's team wins on a win report")
	assert.Equal(t, "13-7", completed.Score)
	require.Len(t, completed.RatingChanges, domain.MatchSize)

	for _, c := range completed.RatingChanges {
		assert.Equal(t, domain.PoolRanked, c.Pool)
		assert.Equal(t, c.OldRating+c.Delta, c.NewRating)
		mag := c.Delta
		if mag < 0 {
			mag = -mag
		}
		assert.GreaterOrEqual(t, mag, rating.MinDelta)
		assert.LessOrEqual(t, mag, rating.MaxDelta)

		// six fresh players, even teams: exact placement deltas
		if completed.TeamOf(c.ParticipantID) == 1 {
			assert.True(t, c.IsWin)
			assert.Equal(t, 110, c.Delta)
			assert.Equal(t, 1, c.StreakAfter)
		} else {
			assert.False(t, c.IsWin)
			assert.Equal(t, -80, c.Delta)
			assert.Equal(t, -1, c.StreakAfter)
		}
	}

	stored, err := env.matchRepo.Get(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.WinnerTeam)
	require.NotNil(t, stored.CompletedAt)
	assert.Len(t, stored.RatingChanges, domain.MatchSize)

	winner, err := env.participantRepo.GetOrNew(ctx, reporter, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RankedStartRating+110, winner.Ranked.Rating)
	assert.Equal(t, 1, winner.Ranked.Wins)
	assert.Equal(t, 1, winner.Ranked.Streak)
	assert.Equal(t, 1, winner.Ranked.LongestWinStreak)
	assert.Equal(t, []bool{true}, winner.Ranked.RecentResults)

	loser, err := env.participantRepo.GetOrNew(ctx, completed.TeamIDs(2)[0], "")
	require.NoError(t, err)
	assert.Equal(t, domain.RankedStartRating-80, loser.Ranked.Rating)
	assert.Equal(t, 1, loser.Ranked.Losses)
	assert.Equal(t, -1, loser.Ranked.Streak)
	assert.Equal(t, 1, loser.Ranked.LongestLossStreak)

	// participants are free again
	_, ok := env.registry.MatchIDFor(reporter)
	assert.False(t, ok)

	// a +110 placement win carries fresh players over the Rank B floor
	require.NotNil(t, winner.LastPromotion)
	assert.Equal(t, domain.TierC, winner.LastPromotion.FromTier)
	assert.Equal(t, domain.TierB, winner.LastPromotion.ToTier)
	assert.Equal(t, 1, winner.LastPromotion.GamesPlayedAt)
	assert.Nil(t, loser.LastPromotion, "staying in tier sets no protection")

	require.Eventually(t, func() bool {
		return len(env.recorder.ofType(events.TypeMatchCompleted)) == 1 &&
			len(env.recorder.ofType(events.TypeParticipantPromoted)) == domain.TeamSize
	}, time.Second, 5*time.Millisecond)

	// every ranked completion feeds the rank-sync queue
	updates := env.ranks.all()
	require.Len(t, updates, domain.MatchSize)
	for _, u := range updates {
		assert.Equal(t, "na", u.Queue)
		assert.Equal(t, domain.TierFor(u.OldRating), u.OldTier)
		assert.Equal(t, domain.TierFor(u.NewRating), u.NewTier)
		if completed.TeamOf(u.ParticipantID) == 1 {
			assert.True(t, u.IsPromotion)
		} else {
			assert.False(t, u.IsPromotion)
			assert.False(t, u.IsDemotion, "dropping within a tier is not a demotion")
		}
	}
}

func TestReportLossCreditsOpposingTeam(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.startedMatch(t, "na")
	reporter := match.TeamIDs(2)[0]

	completed, err := env.reports.Report(ctx, match.ID, reporter, domain.ResultLoss, "7-13")
	require.NoError(t, err)
	assert.Equal(t, 1, completed.WinnerTeam, "a loss report credits the other team")
}

func TestReportSecondReportConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.startedMatch(t, "na")
	reporter := match.TeamIDs(1)[0]

	_, err := env.reports.Report(ctx, match.ID, reporter, domain.ResultWin, "13-2")
	require.NoError(t, err)

	rated, err := env.participantRepo.GetOrNew(ctx, reporter, "")
	require.NoError(t, err)

	_, err = env.reports.Report(ctx, match.ID, match.TeamIDs(2)[0], domain.ResultWin, "13-2")
	require.ErrorIs(t, err, domain.ErrAlreadyReported)

	// the conflicting report changed nothing
	after, err := env.participantRepo.GetOrNew(ctx, reporter, "")
	require.NoError(t, err)
	assert.Equal(t, rated.Ranked.Rating, after.Ranked.Rating)
	assert.Equal(t, rated.Ranked.Wins, after.Ranked.Wins)
}

func TestReportGlobalPoolScoresGlobalRatings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.startedMatch(t, "global")
	reporter := match.TeamIDs(1)[0]

	completed, err := env.reports.Report(ctx, match.ID, reporter, domain.ResultWin, "")
	require.NoError(t, err)

	for _, c := range completed.RatingChanges {
		assert.Equal(t, domain.PoolGlobal, c.Pool)
	}

	winner, err := env.participantRepo.GetOrNew(ctx, reporter, "")
	require.NoError(t, err)
	assert.Equal(t, domain.GlobalStartRating+110, winner.Global.Rating)
	assert.Equal(t, domain.RankedStartRating, winner.Ranked.Rating, "global matches never touch ranked ratings")
	assert.Zero(t, winner.Ranked.GamesPlayed())

	assert.Empty(t, env.ranks.all(), "global matches skip rank sync")
	assert.Empty(t, env.recorder.ofType(events.TypeParticipantPromoted))
}

func TestReportPromotionSetsProtection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// user-1 sits just below Rank B with ten games behind them
	seeded := domain.NewParticipant(userID(1), "User 1")
	seeded.Ranked.Rating = 1095
	seeded.Ranked.Wins = 5
	seeded.Ranked.Losses = 5
	require.NoError(t, env.participantRepo.Upsert(ctx, seeded))

	match := env.startedMatch(t, "na")
	_, err := env.reports.Report(ctx, match.ID, userID(1), domain.ResultWin, "13-10")
	require.NoError(t, err)

	promoted, err := env.participantRepo.GetOrNew(ctx, userID(1), "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, promoted.Ranked.Rating, domain.TierBMinRating)
	require.NotNil(t, promoted.LastPromotion)
	assert.Equal(t, domain.TierC, promoted.LastPromotion.FromTier)
	assert.Equal(t, domain.TierB, promoted.LastPromotion.ToTier)
	assert.Equal(t, 11, promoted.LastPromotion.GamesPlayedAt, "protection counts the promoting match")

	// user-1's fresh teammates promote off their placement win too, so
	// look for user-1's event specifically
	require.Eventually(t, func() bool {
		for _, ev := range env.recorder.ofType(events.TypeParticipantPromoted) {
			if p, ok := ev.Payload.(events.TierChanged); ok && p.ParticipantID == userID(1) && p.ToTier == domain.TierB {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var found bool
	for _, u := range env.ranks.all() {
		if u.ParticipantID == userID(1) {
			found = true
			assert.True(t, u.IsPromotion)
			assert.Equal(t, domain.TierC, u.OldTier)
			assert.Equal(t, domain.TierB, u.NewTier)
		}
	}
	assert.True(t, found, "the promoted participant reaches rank sync")
}

func TestReportDemotionClearsProtection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// user-1 sits exactly on the Rank B floor, recently promoted
	seeded := domain.NewParticipant(userID(1), "User 1")
	seeded.Ranked.Rating = domain.TierBMinRating
	seeded.Ranked.Wins = 6
	seeded.Ranked.Losses = 4
	seeded.LastPromotion = &domain.Promotion{FromTier: domain.TierC, ToTier: domain.TierB, GamesPlayedAt: 8}
	require.NoError(t, env.participantRepo.Upsert(ctx, seeded))

	match := env.startedMatch(t, "na")
	_, err := env.reports.Report(ctx, match.ID, userID(1), domain.ResultLoss, "")
	require.NoError(t, err)

	demoted, err := env.participantRepo.GetOrNew(ctx, userID(1), "")
	require.NoError(t, err)
	assert.Less(t, demoted.Ranked.Rating, domain.TierBMinRating)
	assert.Nil(t, demoted.LastPromotion, "demotion clears promotion protection")

	require.Eventually(t, func() bool {
		evs := env.recorder.ofType(events.TypeParticipantDemoted)
		if len(evs) != 1 {
			return false
		}
		payload, ok := evs[0].Payload.(events.TierChanged)
		return ok && payload.ParticipantID == userID(1) && payload.ToTier == domain.TierC
	}, time.Second, 5*time.Millisecond)

	for _, u := range env.ranks.all() {
		if u.ParticipantID == userID(1) {
			assert.True(t, u.IsDemotion)
		}
	}
}

func TestReportStreaksAccumulateAcrossMatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		match := env.startedMatch(t, "na")
		// user-1 reports a win from their own perspective, whichever team
		// they landed on
		_, err := env.reports.Report(ctx, match.ID, userID(1), domain.ResultWin, "")
		require.NoError(t, err)
	}

	p, err := env.participantRepo.GetOrNew(ctx, userID(1), "")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Ranked.Wins)
	assert.Equal(t, 2, p.Ranked.Streak)
	assert.Equal(t, 2, p.Ranked.LongestWinStreak)
	assert.Equal(t, []bool{true, true}, p.Ranked.RecentResults)
}

func TestReportRecoversMatchLostFromMemory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	match := env.startedMatch(t, "na")
	reporter := match.TeamIDs(1)[0]

	// a restart wiped the registry; the row is still in_progress
	env.registry.Remove(match.ID)

	completed, err := env.reports.Report(ctx, match.ID, reporter, domain.ResultWin, "13-11")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, completed.Status)

	stored, err := env.matchRepo.Get(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	_, ok := env.registry.Get(match.ID)
	assert.False(t, ok, "completion leaves nothing behind in the registry")
}
