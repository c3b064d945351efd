package domain

import (
	"fmt"
	"strings"
	"time"
)

type Pool string

const (
	PoolRanked Pool = "ranked"
	PoolGlobal Pool = "global"
)

// Starting ratings per pool for participants without a stored record.
const (
	RankedStartRating = 1000
	GlobalStartRating = 300
)

// ParsePool validates a pool name from the edge.
func ParsePool(s string) (Pool, error) {
	switch Pool(s) {
	case PoolRanked:
		return PoolRanked, nil
	case PoolGlobal:
		return PoolGlobal, nil
	default:
		return "", fmt.Errorf("pool must be %s or %s, got %q: %w", PoolRanked, PoolGlobal, s, ErrInvalidResult)
	}
}

type Tier string

const (
	TierA Tier = "Rank A"
	TierB Tier = "Rank B"
	TierC Tier = "Rank C"
)

// Tier thresholds. A participant is Rank B at 1100 and Rank A at 1600.
const (
	TierBMinRating = 1100
	TierAMinRating = 1600
)

func TierFor(rating int) Tier {
	switch {
	case rating >= TierAMinRating:
		return TierA
	case rating >= TierBMinRating:
		return TierB
	default:
		return TierC
	}
}

type MatchStatus string

const (
	StatusForming    MatchStatus = "forming"
	StatusSelecting  MatchStatus = "selecting"
	StatusInProgress MatchStatus = "in_progress"
	StatusCompleted  MatchStatus = "completed"
	StatusCancelled  MatchStatus = "cancelled"
)

// Rank orders statuses for monotonic transition checks. Terminal states
// share the highest rank.
func (s MatchStatus) Rank() int {
	switch s {
	case StatusForming:
		return 0
	case StatusSelecting:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusCancelled:
		return 3
	default:
		return -1
	}
}

func (s MatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Strategy string

const (
	StrategyRandom   Strategy = "random"
	StrategyCaptains Strategy = "captains"
)

type Result string

const (
	ResultWin  Result = "win"
	ResultLoss Result = "loss"
)

const (
	MatchSize = 6
	TeamSize  = 3
)

// RecentFormSize is how many trailing results feed the momentum rule.
const RecentFormSize = 10

// PlaceholderPrefix marks synthetic participants injected by force-form.
// Placeholders never vote and never captain a draft.
const PlaceholderPrefix = "placeholder-"

func IsPlaceholder(participantID string) bool {
	return strings.HasPrefix(participantID, PlaceholderPrefix)
}

// PoolRating is one pool's view of a participant. Ranked and global pools
// never interact.
type PoolRating struct {
	Rating            int    `json:"rating"`
	Wins              int    `json:"wins"`
	Losses            int    `json:"losses"`
	Streak            int    `json:"streak"` // positive = win streak, negative = loss streak
	LongestWinStreak  int    `json:"longestWinStreak"`
	LongestLossStreak int    `json:"longestLossStreak"`
	RecentResults     []bool `json:"recentResults,omitempty"` // most recent last, capped at RecentFormSize
}

func (pr *PoolRating) GamesPlayed() int {
	return pr.Wins + pr.Losses
}

// Promotion records a ranked tier promotion so the engine can protect the
// games immediately after it.
type Promotion struct {
	FromTier      Tier `json:"fromTier"`
	ToTier        Tier `json:"toTier"`
	GamesPlayedAt int  `json:"gamesPlayedAt"` // ranked games played at the moment of promotion
}

type Participant struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"displayName"`
	Ranked        PoolRating `json:"ranked"`
	Global        PoolRating `json:"global"`
	LastPromotion *Promotion `json:"lastPromotion,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// NewParticipant returns the default record used until the first completed
// match persists one.
func NewParticipant(id, displayName string) *Participant {
	now := time.Now().UTC()
	return &Participant{
		ID:          id,
		DisplayName: displayName,
		Ranked:      PoolRating{Rating: RankedStartRating},
		Global:      PoolRating{Rating: GlobalStartRating},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p *Participant) PoolRating(pool Pool) *PoolRating {
	if pool == PoolGlobal {
		return &p.Global
	}
	return &p.Ranked
}

type QueueEntry struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	Queue         string    `json:"queueName"`
	JoinedAt      time.Time `json:"joinedAt"`
}

type MatchParticipant struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Team          int    `json:"team"` // 0 until teams are assigned, then 1 or 2
}

type RatingChange struct {
	ID            string    `json:"id"` // nanoid
	MatchID       string    `json:"matchId"`
	ParticipantID string    `json:"participantId"`
	Pool          Pool      `json:"pool"`
	OldRating     int       `json:"oldRating"`
	NewRating     int       `json:"newRating"`
	Delta         int       `json:"delta"`
	IsWin         bool      `json:"isWin"`
	StreakAfter   int       `json:"streakAfter"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Match struct {
	ID            string             `json:"id"` // 8-char nanoid
	Queue         string             `json:"queueName"`
	Pool          Pool               `json:"pool"`
	Status        MatchStatus        `json:"status"`
	Participants  []MatchParticipant `json:"participants"` // join order, exactly MatchSize
	WinnerTeam    int                `json:"winnerTeam"`   // 0 until completed
	Score         string             `json:"score,omitempty"`
	RatingChanges []RatingChange     `json:"ratingChanges,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
}

func (m *Match) ParticipantIDs() []string {
	ids := make([]string, len(m.Participants))
	for i, p := range m.Participants {
		ids[i] = p.ParticipantID
	}
	return ids
}

func (m *Match) HasParticipant(participantID string) bool {
	for _, p := range m.Participants {
		if p.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// TeamOf returns 1 or 2, or 0 when the participant is unknown or teams are
// not assigned yet.
func (m *Match) TeamOf(participantID string) int {
	for _, p := range m.Participants {
		if p.ParticipantID == participantID {
			return p.Team
		}
	}
	return 0
}

func (m *Match) Team(team int) []MatchParticipant {
	members := make([]MatchParticipant, 0, TeamSize)
	for _, p := range m.Participants {
		if p.Team == team {
			members = append(members, p)
		}
	}
	return members
}

func (m *Match) TeamIDs(team int) []string {
	members := m.Team(team)
	ids := make([]string, len(members))
	for i, p := range members {
		ids[i] = p.ParticipantID
	}
	return ids
}

func (m *Match) TeamsAssigned() bool {
	if len(m.Participants) != MatchSize {
		return false
	}
	for _, p := range m.Participants {
		if p.Team == 0 {
			return false
		}
	}
	return true
}
