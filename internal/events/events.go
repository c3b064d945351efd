// Package events carries the outbound notifications the matchmaking core
// emits to its collaborators (chat layer, role sync, dashboards). Consumers
// are best-effort: publishing never blocks or fails match processing.
package events

import (
	"time"

	"sixmans/internal/domain"
)

type Type string

const (
	TypeQueueSizeChanged    Type = "queue-size-changed"
	TypeQueueEntryExpired   Type = "queue-entry-expired"
	TypeMatchCreated        Type = "match-created"
	TypeVoteResult          Type = "vote-result"
	TypeTeamsAssigned       Type = "teams-assigned"
	TypeMatchCompleted      Type = "match-completed"
	TypeParticipantPromoted Type = "participant-promoted"
	TypeParticipantDemoted  Type = "participant-demoted"
)

type Event struct {
	Type       Type      `json:"type"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}

type QueueSizeChanged struct {
	Queue string `json:"queueName"`
	Size  int    `json:"count"`
}

type QueueEntryExpired struct {
	Queue         string `json:"queueName"`
	ParticipantID string `json:"participantId"`
}

type MatchCreated struct {
	MatchID        string   `json:"matchId"`
	Queue          string   `json:"queueName"`
	ParticipantIDs []string `json:"participantIds"`
}

type VoteResult struct {
	MatchID  string          `json:"matchId"`
	Strategy domain.Strategy `json:"winningStrategy"`
}

type TeamsAssigned struct {
	MatchID string   `json:"matchId"`
	Team1   []string `json:"team1"`
	Team2   []string `json:"team2"`
}

type MatchCompleted struct {
	MatchID       string                `json:"matchId"`
	WinnerTeam    int                   `json:"winnerTeam"`
	RatingChanges []domain.RatingChange `json:"ratingChanges"`
}

// TierChanged backs both the promoted and demoted event types.
type TierChanged struct {
	ParticipantID string      `json:"participantId"`
	FromTier      domain.Tier `json:"fromTier"`
	ToTier        domain.Tier `json:"toTier"`
}
