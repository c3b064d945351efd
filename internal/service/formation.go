package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/monitoring"
)

// Prompter delivers the private vote and pick prompts of the formation
// protocol. A PromptPick error marks the captain unreachable.
type Prompter interface {
	PromptVote(ctx context.Context, match *domain.Match, window time.Duration) error
	PromptPick(ctx context.Context, match *domain.Match, captainID string, pool []domain.MatchParticipant, count int, window time.Duration) error
}

type sessionPhase int

const (
	phaseVote sessionPhase = iota
	phasePick
	phaseDone
)

// formationSession is the shared state between one match's formation
// goroutine and the HTTP submissions feeding it.
type formationSession struct {
	matchID string

	mu         sync.Mutex
	phase      sessionPhase
	voters     map[string]bool // eligible (non-placeholder) participant ids
	votes      map[string]domain.Strategy
	voteClosed bool
	allVoted   chan struct{}

	captainID string
	pickCount int
	pool      []domain.MatchParticipant
	pickCh    chan []string

	cancel     chan struct{}
	cancelOnce sync.Once
}

func newFormationSession(match *domain.Match) *formationSession {
	voters := make(map[string]bool, domain.MatchSize)
	for _, p := range match.Participants {
		if !domain.IsPlaceholder(p.ParticipantID) {
			voters[p.ParticipantID] = true
		}
	}
	return &formationSession{
		matchID:  match.ID,
		phase:    phaseVote,
		voters:   voters,
		votes:    make(map[string]domain.Strategy, domain.MatchSize),
		allVoted: make(chan struct{}),
		pickCh:   make(chan []string, 1),
		cancel:   make(chan struct{}),
	}
}

func (s *formationSession) abort() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// tally closes the vote and applies strict majority; ties and empty
// ballots fall to random.
func (s *formationSession) tally() domain.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phaseDone

	var random, captains int
	for _, v := range s.votes {
		if v == domain.StrategyCaptains {
			captains++
		} else {
			random++
		}
	}
	if captains > random {
		return domain.StrategyCaptains
	}
	return domain.StrategyRandom
}

func (s *formationSession) beginPick(captainID string, pool []domain.MatchParticipant, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phasePick
	s.captainID = captainID
	s.pool = pool
	s.pickCount = count
	// drop a submission that raced the previous window's timeout
	select {
	case <-s.pickCh:
	default:
	}
}

func (s *formationSession) endPick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phaseDone
	s.captainID = ""
	s.pool = nil
	s.pickCount = 0
}

type pickOutcome int

const (
	pickSubmitted pickOutcome = iota
	pickTimedOut
	pickUnreachable
	pickCancelled
)

type draftOutcome int

const (
	draftAssigned draftOutcome = iota
	draftFallback
	draftCancelled
)

// FormationService runs the team formation protocol: a strategy vote,
// then either a random split or a captain draft, one goroutine per match.
type FormationService struct {
	registry *MatchService
	prompter Prompter
	bus      *events.Bus
	logger   zerolog.Logger

	// Overridable in tests; production values come from constants.
	VoteWindow time.Duration
	PickWindow time.Duration

	mu       sync.Mutex
	sessions map[string]*formationSession
}

func NewFormationService(registry *MatchService, prompter Prompter, bus *events.Bus, logger zerolog.Logger) *FormationService {
	return &FormationService{
		registry:   registry,
		prompter:   prompter,
		bus:        bus,
		logger:     logger,
		VoteWindow: constants.VoteWindow,
		PickWindow: constants.PickWindow,
		sessions:   make(map[string]*formationSession),
	}
}

// Start launches the protocol for a forming or selecting match. Starting
// a match that already has a live session is a no-op, so recovery paths
// may call it freely. Recovered matches restart from the vote.
func (f *FormationService) Start(match *domain.Match) {
	f.mu.Lock()
	if _, ok := f.sessions[match.ID]; ok {
		f.mu.Unlock()
		return
	}
	sess := newFormationSession(match)
	f.sessions[match.ID] = sess
	f.mu.Unlock()

	f.logger.Info().
		Str("match_id", match.ID).
		Str("queue", match.Queue).
		Int("eligible_voters", len(sess.voters)).
		Msg("formation started")

	go f.run(match, sess)
}

// Cancel aborts a live session without assigning teams.
func (f *FormationService) Cancel(matchID string) {
	if sess, ok := f.session(matchID); ok {
		sess.abort()
	}
}

// HasSession reports whether the match has a live formation goroutine.
func (f *FormationService) HasSession(matchID string) bool {
	_, ok := f.session(matchID)
	return ok
}

// SubmitVote records one participant's strategy vote. A later vote from
// the same participant replaces the earlier one; the vote resolves early
// once every eligible participant has voted.
func (f *FormationService) SubmitVote(ctx context.Context, matchID, participantID string, choice domain.Strategy) error {
	if choice != domain.StrategyRandom && choice != domain.StrategyCaptains {
		return fmt.Errorf("vote must be %s or %s: %w", domain.StrategyRandom, domain.StrategyCaptains, domain.ErrInvalidResult)
	}

	sess, ok := f.session(matchID)
	if !ok {
		if _, exists := f.registry.Get(matchID); exists {
			return fmt.Errorf("match %s is not voting: %w", matchID, domain.ErrInvalidTransition)
		}
		return domain.ErrMatchNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.phase != phaseVote {
		return fmt.Errorf("match %s is not voting: %w", matchID, domain.ErrInvalidTransition)
	}
	if !sess.voters[participantID] {
		return domain.ErrNotAParticipant
	}

	sess.votes[participantID] = choice
	f.logger.Debug().
		Str("match_id", matchID).
		Str("participant_id", participantID).
		Str("choice", string(choice)).
		Int("votes", len(sess.votes)).
		Msg("vote recorded")

	if len(sess.votes) == len(sess.voters) && !sess.voteClosed {
		sess.voteClosed = true
		close(sess.allVoted)
	}
	return nil
}

// SubmitPick feeds a captain's draft selection into the open pick window.
// Rejected picks do not consume the window.
func (f *FormationService) SubmitPick(ctx context.Context, matchID, captainID string, pickIDs []string) error {
	sess, ok := f.session(matchID)
	if !ok {
		if _, exists := f.registry.Get(matchID); exists {
			return fmt.Errorf("match %s is not drafting: %w", matchID, domain.ErrInvalidTransition)
		}
		return domain.ErrMatchNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.phase != phasePick {
		return fmt.Errorf("match %s is not drafting: %w", matchID, domain.ErrInvalidTransition)
	}
	if captainID != sess.captainID {
		return fmt.Errorf("it is not %s's turn to pick: %w", captainID, domain.ErrInvalidResult)
	}
	if len(pickIDs) != sess.pickCount {
		return fmt.Errorf("captain must pick exactly %d: %w", sess.pickCount, domain.ErrInvalidResult)
	}
	seen := make(map[string]bool, len(pickIDs))
	for _, id := range pickIDs {
		if seen[id] {
			return fmt.Errorf("%s picked twice: %w", id, domain.ErrInvalidResult)
		}
		seen[id] = true
		if !inPool(sess.pool, id) {
			return fmt.Errorf("%s is not in the remaining pool: %w", id, domain.ErrInvalidResult)
		}
	}

	select {
	case sess.pickCh <- append([]string(nil), pickIDs...):
	default:
		return fmt.Errorf("a pick was already submitted for this turn: %w", domain.ErrInvalidResult)
	}

	f.logger.Debug().
		Str("match_id", matchID).
		Str("captain_id", captainID).
		Strs("pick_ids", pickIDs).
		Msg("pick recorded")
	return nil
}

func (f *FormationService) run(match *domain.Match, sess *formationSession) {
	defer f.teardown(match.ID)

	strategy, cancelled := f.runVote(match, sess)
	if cancelled {
		f.logger.Info().Str("match_id", match.ID).Msg("formation cancelled during vote")
		return
	}

	f.bus.Publish(events.TypeVoteResult, events.VoteResult{MatchID: match.ID, Strategy: strategy})
	f.logger.Info().Str("match_id", match.ID).Str("strategy", string(strategy)).Msg("vote resolved")

	if strategy == domain.StrategyCaptains {
		switch f.runCaptains(match, sess) {
		case draftAssigned:
			return
		case draftCancelled:
			f.logger.Info().Str("match_id", match.ID).Msg("formation cancelled during draft")
			return
		case draftFallback:
			// unreachable captain or broken draft: the whole match falls
			// back to random teams
		}
	}

	f.assignRandom(match)
}

func (f *FormationService) runVote(match *domain.Match, sess *formationSession) (domain.Strategy, bool) {
	if len(sess.voters) == 0 {
		f.logger.Info().Str("match_id", match.ID).Msg("no eligible voters, defaulting to random teams")
		return sess.tally(), false
	}

	pctx, pcancel := context.WithTimeout(context.Background(), constants.WebhookTimeout)
	if err := f.prompter.PromptVote(pctx, match, f.VoteWindow); err != nil {
		f.logger.Warn().Err(err).Str("match_id", match.ID).Msg("failed to deliver vote prompt")
	}
	pcancel()

	timer := time.NewTimer(f.VoteWindow)
	defer timer.Stop()

	select {
	case <-sess.allVoted:
		f.logger.Debug().Str("match_id", match.ID).Msg("all participants voted")
	case <-timer.C:
		f.logger.Info().Str("match_id", match.ID).Msg("vote window expired")
	case <-sess.cancel:
		return "", true
	}
	return sess.tally(), false
}

func (f *FormationService) runCaptains(match *domain.Match, sess *formationSession) draftOutcome {
	current, ok := f.registry.Get(match.ID)
	if !ok {
		return draftCancelled
	}
	if current.Status == domain.StatusForming {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
		err := f.registry.Advance(ctx, match.ID, domain.StatusSelecting)
		cancel()
		if err != nil {
			f.logger.Error().Err(err).Str("match_id", match.ID).Msg("failed to advance match to selecting")
			return draftFallback
		}
	}

	order := rand.Perm(len(match.Participants))
	captain1 := match.Participants[order[0]]
	captain2 := match.Participants[order[1]]
	pool := make([]domain.MatchParticipant, 0, domain.MatchSize-2)
	for _, i := range order[2:] {
		pool = append(pool, match.Participants[i])
	}

	if domain.IsPlaceholder(captain1.ParticipantID) || domain.IsPlaceholder(captain2.ParticipantID) {
		f.logger.Info().Str("match_id", match.ID).Msg("placeholder drawn as captain, falling back to random teams")
		monitoring.FormationFallback("placeholder_captain")
		return draftFallback
	}

	f.logger.Info().
		Str("match_id", match.ID).
		Str("captain1", captain1.ParticipantID).
		Str("captain2", captain2.ParticipantID).
		Msg("captains drawn")

	team1 := []string{captain1.ParticipantID}
	team2 := []string{captain2.ParticipantID}

	picks, out := f.promptAndCollect(match, sess, captain1.ParticipantID, pool, 1)
	switch out {
	case pickCancelled:
		return draftCancelled
	case pickUnreachable:
		monitoring.FormationFallback("captain_unreachable")
		return draftFallback
	case pickTimedOut:
		picks = randomPicks(pool, 1)
		monitoring.FormationFallback("pick_timeout")
		f.logger.Info().Str("match_id", match.ID).Str("captain_id", captain1.ParticipantID).Strs("pick_ids", picks).Msg("pick window expired, picking at random")
	}
	team1 = append(team1, picks...)
	pool = withoutIDs(pool, picks)

	picks, out = f.promptAndCollect(match, sess, captain2.ParticipantID, pool, 2)
	switch out {
	case pickCancelled:
		return draftCancelled
	case pickUnreachable:
		monitoring.FormationFallback("captain_unreachable")
		return draftFallback
	case pickTimedOut:
		picks = randomPicks(pool, 2)
		monitoring.FormationFallback("pick_timeout")
		f.logger.Info().Str("match_id", match.ID).Str("captain_id", captain2.ParticipantID).Strs("pick_ids", picks).Msg("pick window expired, picking at random")
	}
	team2 = append(team2, picks...)
	pool = withoutIDs(pool, picks)

	// the last participant joins captain 1's team
	team1 = append(team1, pool[0].ParticipantID)

	if !f.assignTeams(match.ID, team1, team2) {
		return draftFallback
	}
	return draftAssigned
}

func (f *FormationService) promptAndCollect(match *domain.Match, sess *formationSession, captainID string, pool []domain.MatchParticipant, count int) ([]string, pickOutcome) {
	sess.beginPick(captainID, pool, count)
	defer sess.endPick()

	pctx, pcancel := context.WithTimeout(context.Background(), constants.WebhookTimeout)
	err := f.prompter.PromptPick(pctx, match, captainID, pool, count, f.PickWindow)
	pcancel()
	if err != nil {
		f.logger.Warn().Err(err).Str("match_id", match.ID).Str("captain_id", captainID).Msg("captain unreachable")
		return nil, pickUnreachable
	}

	timer := time.NewTimer(f.PickWindow)
	defer timer.Stop()

	select {
	case ids := <-sess.pickCh:
		return ids, pickSubmitted
	case <-timer.C:
		return nil, pickTimedOut
	case <-sess.cancel:
		return nil, pickCancelled
	}
}

func (f *FormationService) assignRandom(match *domain.Match) {
	ids := match.ParticipantIDs()
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	f.assignTeams(match.ID, ids[:domain.TeamSize], ids[domain.TeamSize:])
}

// assignTeams persists the split and moves the match to in_progress.
func (f *FormationService) assignTeams(matchID string, team1, team2 []string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseTimeout)
	defer cancel()

	if _, err := f.registry.AssignTeams(ctx, matchID, team1, team2); err != nil {
		f.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to assign teams")
		return false
	}
	if err := f.registry.Advance(ctx, matchID, domain.StatusInProgress); err != nil {
		f.logger.Error().Err(err).Str("match_id", matchID).Msg("failed to start match")
		return false
	}
	return true
}

func (f *FormationService) session(matchID string) (*formationSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[matchID]
	return sess, ok
}

func (f *FormationService) teardown(matchID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, matchID)
}

func inPool(pool []domain.MatchParticipant, id string) bool {
	for _, p := range pool {
		if p.ParticipantID == id {
			return true
		}
	}
	return false
}

func randomPicks(pool []domain.MatchParticipant, n int) []string {
	ids := make([]string, 0, n)
	for _, i := range rand.Perm(len(pool))[:n] {
		ids = append(ids, pool[i].ParticipantID)
	}
	return ids
}

func withoutIDs(pool []domain.MatchParticipant, ids []string) []domain.MatchParticipant {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]domain.MatchParticipant, 0, len(pool))
	for _, p := range pool {
		if !drop[p.ParticipantID] {
			out = append(out, p)
		}
	}
	return out
}
