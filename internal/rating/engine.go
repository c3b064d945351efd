// Package rating computes the signed rating delta applied to one
// participant for one completed match. The computation is pure: everything
// it needs arrives in Input, nothing is read from storage or clocks.
//
// The pipeline is a chain of multipliers over a base change: placement
// interpolation and tenure decay pick the base, then opposition strength,
// streak amplification, momentum, promotion protection and tier-boundary
// buffering scale it. The final value is rounded and clamped to
// [MinDelta, MaxDelta], negated on a loss.
package rating

import (
	"math"

	"sixmans/internal/domain"
)

const (
	// StandardBase is the per-match change once placement is over.
	StandardBase      = 25.0
	PlacementWinBase  = 110.0
	PlacementLossBase = 80.0
	PlacementGames    = 15

	decayRate  = 0.1
	decayFloor = 0.6

	oppositionDivisor = 400.0
	oppositionMin     = 0.5
	oppositionMax     = 1.5

	streakThreshold = 3
	streakStep      = 0.1
	streakCap       = 2.0

	momentumGate = 10
	hotRate      = 0.7
	coldRate     = 0.3
	hotBonus     = 1.2
	mercyDivisor = 1.1

	protectionGames  = 3
	protectionFactor = 0.5

	boundaryBuffer    = 50
	boundaryLossFloor = 0.7
	boundaryWinBoost  = 1.2
)

// MinDelta and MaxDelta bound the magnitude of every committed change.
const (
	MinDelta = 15
	MaxDelta = 200
)

// Input carries one pool's state for the participant being scored.
// GamesPlayed includes the match being scored; StreakAfter is the streak
// with this result applied; RecentResults are the results before this
// match, most recent last.
type Input struct {
	Rating        int
	OwnTeamAvg    float64
	OppTeamAvg    float64
	GamesPlayed   int
	IsWin         bool
	StreakAfter   int
	RecentResults []bool
	LastPromotion *domain.Promotion
}

// Delta returns the signed rating change for the result described by in.
func Delta(in Input) int {
	change := baseChange(in.GamesPlayed, in.IsWin)
	change *= oppositionMultiplier(in.OwnTeamAvg, in.OppTeamAvg, in.IsWin)
	change *= streakMultiplier(in.StreakAfter, in.IsWin)

	if in.GamesPlayed > momentumGate {
		rate := winRate(in.RecentResults)
		switch {
		case in.IsWin && rate >= hotRate:
			change *= hotBonus
		case !in.IsWin && rate <= coldRate:
			change /= mercyDivisor
		}
	}

	if !in.IsWin && protectedByPromotion(in.GamesPlayed, in.LastPromotion) {
		change *= protectionFactor
	}

	change *= boundaryMultiplier(in.Rating, in.IsWin)

	delta := int(math.Round(change))
	if delta < MinDelta {
		delta = MinDelta
	}
	if delta > MaxDelta {
		delta = MaxDelta
	}
	if !in.IsWin {
		delta = -delta
	}
	return delta
}

// NextStreak applies a result to a signed streak: wins extend positive
// streaks and reset negative ones, losses mirror that.
func NextStreak(current int, isWin bool) int {
	if isWin {
		if current > 0 {
			return current + 1
		}
		return 1
	}
	if current < 0 {
		return current - 1
	}
	return -1
}

// baseChange interpolates the placement base down to StandardBase across
// the placement window, then decays exponentially with tenure, floored so
// veterans keep at least 60% of the standard change.
func baseChange(games int, isWin bool) float64 {
	if games < 1 {
		games = 1
	}
	placement := PlacementLossBase
	if isWin {
		placement = PlacementWinBase
	}
	if games <= PlacementGames {
		t := float64(games-1) / float64(PlacementGames-1)
		return placement + (StandardBase-placement)*t
	}
	decay := math.Exp(-decayRate * float64(games-PlacementGames))
	if decay < decayFloor {
		decay = decayFloor
	}
	return StandardBase * decay
}

// oppositionMultiplier rewards upsets: beating a stronger opponent scales
// the gain up, losing to a weaker one scales the loss up.
func oppositionMultiplier(ownAvg, oppAvg float64, isWin bool) float64 {
	factor := 1 + (oppAvg-ownAvg)/oppositionDivisor
	if factor < oppositionMin {
		factor = oppositionMin
	}
	if factor > oppositionMax {
		factor = oppositionMax
	}
	if isWin {
		return factor
	}
	return 2 - factor
}

// streakMultiplier only fires when the result extends a streak of at least
// streakThreshold in its own direction.
func streakMultiplier(streakAfter int, isWin bool) float64 {
	if isWin != (streakAfter > 0) {
		return 1.0
	}
	length := streakAfter
	if length < 0 {
		length = -length
	}
	if length < streakThreshold {
		return 1.0
	}
	m := 1.0 + streakStep*float64(length-streakThreshold)
	if m > streakCap {
		m = streakCap
	}
	return m
}

func winRate(results []bool) float64 {
	window := results
	if len(window) > domain.RecentFormSize {
		window = window[len(window)-domain.RecentFormSize:]
	}
	if len(window) == 0 {
		return 0
	}
	wins := 0
	for _, won := range window {
		if won {
			wins++
		}
	}
	return float64(wins) / float64(len(window))
}

// protectedByPromotion is true while the participant is within the
// protection window after their last promotion.
func protectedByPromotion(gamesIncludingThis int, promo *domain.Promotion) bool {
	if promo == nil {
		return false
	}
	gamesSince := gamesIncludingThis - 1 - promo.GamesPlayedAt
	return gamesSince >= 0 && gamesSince < protectionGames
}

// boundaryMultiplier softens losses just above a tier threshold and boosts
// wins just below one, proportionally to how close the rating sits.
func boundaryMultiplier(rating int, isWin bool) float64 {
	for _, threshold := range []int{domain.TierBMinRating, domain.TierAMinRating} {
		if isWin {
			if rating < threshold && rating > threshold-boundaryBuffer {
				distance := float64(threshold-rating) / boundaryBuffer
				return boundaryWinBoost - (boundaryWinBoost-1.0)*distance
			}
		} else {
			if rating >= threshold && rating < threshold+boundaryBuffer {
				distance := float64(rating-threshold) / boundaryBuffer
				return boundaryLossFloor + (1.0-boundaryLossFloor)*distance
			}
		}
	}
	return 1.0
}
