package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/monitoring"
	"sixmans/internal/repository"
)

// matchEntry pairs a live match with its own mutex so matches progress
// independently; the registry mutex only guards the index maps.
type matchEntry struct {
	mu    sync.Mutex
	match *domain.Match
}

// MatchService is the in-memory registry of non-terminal matches and the
// owner of their state machine. Every mutation is persisted before the
// in-memory copy is considered committed.
type MatchService struct {
	matchRepo *repository.MatchRepository
	bus       *events.Bus
	logger    zerolog.Logger

	mu            sync.RWMutex
	matches       map[string]*matchEntry
	byParticipant map[string]string
	byQueue       map[string][]string
}

func NewMatchService(matchRepo *repository.MatchRepository, bus *events.Bus, logger zerolog.Logger) *MatchService {
	return &MatchService{
		matchRepo:     matchRepo,
		bus:           bus,
		logger:        logger,
		matches:       make(map[string]*matchEntry),
		byParticipant: make(map[string]string),
		byQueue:       make(map[string][]string),
	}
}

// Create persists a forming match for exactly MatchSize queue entries,
// deleting their queue rows in the same transaction, and indexes it.
func (s *MatchService) Create(ctx context.Context, queue string, pool domain.Pool, entries []domain.QueueEntry) (*domain.Match, error) {
	if len(entries) != domain.MatchSize {
		return nil, fmt.Errorf("%w, got %d", domain.ErrInsufficientParticipants, len(entries))
	}

	s.mu.RLock()
	for _, e := range entries {
		if mid, ok := s.byParticipant[e.ParticipantID]; ok {
			s.mu.RUnlock()
			return nil, &domain.AlreadyInMatchError{MatchID: mid}
		}
	}
	s.mu.RUnlock()

	id, err := gonanoid.New(constants.MatchIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate match id: %w", err)
	}

	participants := make([]domain.MatchParticipant, len(entries))
	entryIDs := make([]string, len(entries))
	for i, e := range entries {
		participants[i] = domain.MatchParticipant{ParticipantID: e.ParticipantID, DisplayName: e.DisplayName}
		entryIDs[i] = e.ParticipantID
	}

	match := &domain.Match{
		ID:           id,
		Queue:        queue,
		Pool:         pool,
		Status:       domain.StatusForming,
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.matchRepo.Create(ctx, match, entryIDs); err != nil {
		s.logger.Error().Err(err).Str("match_id", id).Str("queue", queue).Msg("failed to persist match")
		return nil, fmt.Errorf("failed to persist match: %w", err)
	}

	s.mu.Lock()
	s.matches[id] = &matchEntry{match: match}
	for _, p := range participants {
		s.byParticipant[p.ParticipantID] = id
	}
	s.byQueue[queue] = append(s.byQueue[queue], id)
	s.mu.Unlock()

	monitoring.MatchOpened(queue)
	s.bus.Publish(events.TypeMatchCreated, events.MatchCreated{
		MatchID:        id,
		Queue:          queue,
		ParticipantIDs: match.ParticipantIDs(),
	})

	s.logger.Info().
		Str("match_id", id).
		Str("queue", queue).
		Str("pool", string(pool)).
		Strs("participant_ids", match.ParticipantIDs()).
		Msg("match created")

	return copyMatch(match), nil
}

// AssignTeams splits the six participants into two teams of three. Legal
// only while the match is forming or selecting; the split must be a
// partition of the original participants.
func (s *MatchService) AssignTeams(ctx context.Context, matchID string, team1, team2 []string) (*domain.Match, error) {
	entry, ok := s.entry(matchID)
	if !ok {
		return nil, domain.ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	m := entry.match

	if m.Status != domain.StatusForming && m.Status != domain.StatusSelecting {
		return nil, fmt.Errorf("cannot assign teams while %s: %w", m.Status, domain.ErrInvalidTransition)
	}
	if err := validateTeams(m, team1, team2); err != nil {
		return nil, err
	}

	prev := append([]domain.MatchParticipant(nil), m.Participants...)
	assignment := make(map[string]int, domain.MatchSize)
	for _, id := range team1 {
		assignment[id] = 1
	}
	for _, id := range team2 {
		assignment[id] = 2
	}
	for i := range m.Participants {
		m.Participants[i].Team = assignment[m.Participants[i].ParticipantID]
	}

	if err := s.matchRepo.SaveTeams(ctx, m); err != nil {
		m.Participants = prev
		s.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to persist team assignment")
		return nil, fmt.Errorf("failed to persist team assignment: %w", err)
	}

	s.bus.Publish(events.TypeTeamsAssigned, events.TeamsAssigned{
		MatchID: matchID,
		Team1:   m.TeamIDs(1),
		Team2:   m.TeamIDs(2),
	})

	s.logger.Info().
		Str("match_id", matchID).
		Strs("team1", m.TeamIDs(1)).
		Strs("team2", m.TeamIDs(2)).
		Msg("teams assigned")

	return copyMatch(m), nil
}

// Advance moves the match along the forming → selecting → in_progress
// chain (forming may jump straight to in_progress for random teams).
func (s *MatchService) Advance(ctx context.Context, matchID string, to domain.MatchStatus) error {
	entry, ok := s.entry(matchID)
	if !ok {
		return domain.ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	m := entry.match

	from := m.Status
	if !legalTransition(from, to) {
		return &domain.InvalidTransitionError{MatchID: matchID, From: from, To: to}
	}

	m.Status = to
	if err := s.matchRepo.UpdateStatus(ctx, matchID, to); err != nil {
		m.Status = from
		s.logger.Error().Err(err).Str("match_id", matchID).Str("to", string(to)).Msg("failed to persist status change")
		return fmt.Errorf("failed to persist status change: %w", err)
	}

	s.logger.Info().Str("match_id", matchID).Str("from", string(from)).Str("to", string(to)).Msg("match advanced")
	return nil
}

// Complete finalizes an in_progress match: winner, score and rating
// changes are committed in one transaction together with the participant
// upserts, then the match leaves the registry. This is the single gate
// that makes a second report of the same match fail with AlreadyReported.
func (s *MatchService) Complete(ctx context.Context, matchID string, winnerTeam int, score string, changes []domain.RatingChange, participants []*domain.Participant) (*domain.Match, error) {
	entry, ok := s.entry(matchID)
	if !ok {
		return nil, domain.ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	m := entry.match

	switch m.Status {
	case domain.StatusCompleted, domain.StatusCancelled:
		return nil, domain.ErrAlreadyReported
	case domain.StatusInProgress:
	default:
		return nil, &domain.InvalidTransitionError{MatchID: matchID, From: m.Status, To: domain.StatusCompleted}
	}

	snapshot := *m
	now := time.Now().UTC()
	m.Status = domain.StatusCompleted
	m.WinnerTeam = winnerTeam
	m.Score = score
	m.RatingChanges = changes
	m.CompletedAt = &now

	if err := s.matchRepo.Complete(ctx, m, participants); err != nil {
		*m = snapshot
		s.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to persist match completion")
		return nil, fmt.Errorf("failed to persist match completion: %w", err)
	}

	completed := copyMatch(m)
	s.Remove(matchID)

	monitoring.MatchCompleted(m.Queue)
	monitoring.MatchClosed()

	s.logger.Info().
		Str("match_id", matchID).
		Int("winner_team", winnerTeam).
		Str("queue", m.Queue).
		Msg("match completed")

	return completed, nil
}

// Cancel terminates a forming or selecting match without a result. Used
// by the admin force-stop path only.
func (s *MatchService) Cancel(ctx context.Context, matchID string) error {
	entry, ok := s.entry(matchID)
	if !ok {
		return domain.ErrMatchNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	m := entry.match

	from := m.Status
	if from != domain.StatusForming && from != domain.StatusSelecting {
		return &domain.InvalidTransitionError{MatchID: matchID, From: from, To: domain.StatusCancelled}
	}

	m.Status = domain.StatusCancelled
	if err := s.matchRepo.UpdateStatus(ctx, matchID, domain.StatusCancelled); err != nil {
		m.Status = from
		s.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to persist match cancellation")
		return fmt.Errorf("failed to persist match cancellation: %w", err)
	}

	s.Remove(matchID)
	monitoring.MatchClosed()

	s.logger.Info().Str("match_id", matchID).Str("queue", m.Queue).Msg("match cancelled")
	return nil
}

// Remove detaches the match and all of its participant index entries.
func (s *MatchService) Remove(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.matches[matchID]
	if !ok {
		return
	}
	delete(s.matches, matchID)

	for _, p := range entry.match.Participants {
		if s.byParticipant[p.ParticipantID] == matchID {
			delete(s.byParticipant, p.ParticipantID)
		}
	}

	queue := entry.match.Queue
	ids := s.byQueue[queue]
	for i, id := range ids {
		if id == matchID {
			s.byQueue[queue] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byQueue[queue]) == 0 {
		delete(s.byQueue, queue)
	}
}

// Get returns a copy of a live match.
func (s *MatchService) Get(matchID string) (*domain.Match, bool) {
	entry, ok := s.entry(matchID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copyMatch(entry.match), true
}

// Lookup returns the live match when the registry holds it, otherwise
// the stored one (terminal matches live only in the store).
func (s *MatchService) Lookup(ctx context.Context, matchID string) (*domain.Match, error) {
	if m, ok := s.Get(matchID); ok {
		return m, nil
	}
	m, err := s.matchRepo.Get(ctx, matchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		s.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to load match")
		return nil, fmt.Errorf("failed to load match: %w", err)
	}
	return m, nil
}

// MatchIDFor reports the non-terminal match a participant is part of.
func (s *MatchService) MatchIDFor(participantID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byParticipant[participantID]
	return id, ok
}

// ActiveForQueue returns copies of the queue's live matches, oldest first.
func (s *MatchService) ActiveForQueue(queue string) []*domain.Match {
	s.mu.RLock()
	ids := append([]string(nil), s.byQueue[queue]...)
	s.mu.RUnlock()

	matches := make([]*domain.Match, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.Get(id); ok {
			matches = append(matches, m)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	return matches
}

// Restore indexes a match recovered from the store without persisting
// anything. It refuses to overwrite a live entry or steal a participant
// already attached to another match, so memory never regresses.
func (s *MatchService) Restore(match *domain.Match) bool {
	if match.Status.Terminal() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[match.ID]; ok {
		return false
	}
	for _, p := range match.Participants {
		if _, ok := s.byParticipant[p.ParticipantID]; ok {
			return false
		}
	}

	c := copyMatch(match)
	s.matches[match.ID] = &matchEntry{match: c}
	for _, p := range c.Participants {
		s.byParticipant[p.ParticipantID] = match.ID
	}
	s.byQueue[c.Queue] = append(s.byQueue[c.Queue], match.ID)

	monitoring.MatchRestored()
	s.logger.Info().Str("match_id", match.ID).Str("status", string(match.Status)).Msg("match restored into registry")
	return true
}

func (s *MatchService) entry(matchID string) (*matchEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.matches[matchID]
	return entry, ok
}

func legalTransition(from, to domain.MatchStatus) bool {
	switch from {
	case domain.StatusForming:
		return to == domain.StatusSelecting || to == domain.StatusInProgress
	case domain.StatusSelecting:
		return to == domain.StatusInProgress
	default:
		return false
	}
}

func validateTeams(m *domain.Match, team1, team2 []string) error {
	if len(team1) != domain.TeamSize || len(team2) != domain.TeamSize {
		return fmt.Errorf("teams must hold %d participants each: %w", domain.TeamSize, domain.ErrInvalidTransition)
	}
	seen := make(map[string]bool, domain.MatchSize)
	for _, id := range append(append([]string(nil), team1...), team2...) {
		if !m.HasParticipant(id) {
			return fmt.Errorf("%s is not part of match %s: %w", id, m.ID, domain.ErrInvalidTransition)
		}
		if seen[id] {
			return fmt.Errorf("%s appears twice in the team split: %w", id, domain.ErrInvalidTransition)
		}
		seen[id] = true
	}
	return nil
}

func copyMatch(m *domain.Match) *domain.Match {
	c := *m
	c.Participants = append([]domain.MatchParticipant(nil), m.Participants...)
	if m.RatingChanges != nil {
		c.RatingChanges = append([]domain.RatingChange(nil), m.RatingChanges...)
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
