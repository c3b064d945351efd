package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"sixmans/internal/config"
	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/monitoring"
	"sixmans/internal/repository"
)

// JoinResult reports the queue state after a successful join. Match is
// non-nil when this join crossed the six-player threshold.
type JoinResult struct {
	Queue string        `json:"queueName"`
	Size  int           `json:"count"`
	Match *domain.Match `json:"match,omitempty"`
}

// QueueStatus is the waiting list plus the queue's live matches.
type QueueStatus struct {
	Queue   string              `json:"queueName"`
	Waiting []domain.QueueEntry `json:"waiting"`
	Matches []*domain.Match     `json:"matches"`
}

// QueueService owns the per-queue FIFO waiting lists. One mutex covers
// every mutation, so exactly one match forms per threshold crossing.
// Entries are written through to the queue_entries table for recovery.
type QueueService struct {
	queueRepo *repository.QueueEntryRepository
	registry  *MatchService
	formation *FormationService
	bus       *events.Bus
	logger    zerolog.Logger

	globalQueues map[string]bool

	mu            sync.Mutex
	waiting       map[string][]*domain.QueueEntry
	byParticipant map[string]string
}

func NewQueueService(cfg *config.Config, queueRepo *repository.QueueEntryRepository, registry *MatchService, formation *FormationService, bus *events.Bus, logger zerolog.Logger) *QueueService {
	global := make(map[string]bool, len(cfg.GlobalQueues))
	for _, q := range cfg.GlobalQueues {
		global[q] = true
	}
	return &QueueService{
		queueRepo:     queueRepo,
		registry:      registry,
		formation:     formation,
		bus:           bus,
		logger:        logger,
		globalQueues:  global,
		waiting:       make(map[string][]*domain.QueueEntry),
		byParticipant: make(map[string]string),
	}
}

// PoolFor maps a queue name to the rating pool its matches score against.
func (s *QueueService) PoolFor(queue string) domain.Pool {
	if s.globalQueues[queue] {
		return domain.PoolGlobal
	}
	return domain.PoolRanked
}

// Join adds a participant to a queue. A participant holds at most one
// queue entry across all queues and may not queue while part of a live
// match. Crossing six waiting players forms a match from the six oldest
// entries and starts team formation.
func (s *QueueService) Join(ctx context.Context, participantID, displayName, queue string) (*JoinResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	if mid, ok := s.registry.MatchIDFor(participantID); ok {
		monitoring.QueueOperation("join", "rejected")
		return nil, &domain.AlreadyInMatchError{MatchID: mid}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.byParticipant[participantID]; ok {
		monitoring.QueueOperation("join", "rejected")
		return nil, fmt.Errorf("already waiting in %s: %w", q, domain.ErrAlreadyQueued)
	}

	entry := &domain.QueueEntry{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Queue:         queue,
		JoinedAt:      time.Now().UTC(),
	}
	if err := s.queueRepo.Insert(ctx, entry); err != nil {
		monitoring.QueueOperation("join", "error")
		s.logger.Error().Err(err).Str("participant_id", participantID).Str("queue", queue).Msg("failed to persist queue entry")
		return nil, fmt.Errorf("failed to persist queue entry: %w", err)
	}

	s.waiting[queue] = append(s.waiting[queue], entry)
	s.byParticipant[participantID] = queue

	res := &JoinResult{Queue: queue, Size: len(s.waiting[queue])}
	s.logger.Info().
		Str("participant_id", participantID).
		Str("queue", queue).
		Int("queue_size", res.Size).
		Msg("participant joined queue")

	if res.Size >= domain.MatchSize {
		match, err := s.formMatchLocked(ctx, queue)
		if err != nil {
			s.logger.Error().Err(err).Str("queue", queue).Msg("failed to form match, entries kept waiting")
		} else {
			res.Match = match
			res.Size = len(s.waiting[queue])
		}
	}

	monitoring.SetQueueWaiting(queue, res.Size)
	monitoring.QueueOperation("join", "ok")
	s.bus.Publish(events.TypeQueueSizeChanged, events.QueueSizeChanged{Queue: queue, Size: res.Size})
	return res, nil
}

// Leave removes a participant's waiting entry. Participants already in a
// formed match get MatchInProgress with the match id instead, whether or
// not they still look queued to the caller.
func (s *QueueService) Leave(ctx context.Context, participantID, queue string) error {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	if mid, ok := s.registry.MatchIDFor(participantID); ok {
		monitoring.QueueOperation("leave", "rejected")
		return &domain.MatchInProgressError{MatchID: mid}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.byParticipant[participantID]; !ok || q != queue {
		monitoring.QueueOperation("leave", "rejected")
		return domain.ErrNotQueued
	}

	if err := s.queueRepo.Delete(ctx, participantID); err != nil {
		monitoring.QueueOperation("leave", "error")
		s.logger.Error().Err(err).Str("participant_id", participantID).Msg("failed to delete queue entry")
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}

	s.removeWaitingLocked(queue, participantID)
	size := len(s.waiting[queue])

	monitoring.SetQueueWaiting(queue, size)
	monitoring.QueueOperation("leave", "ok")
	s.bus.Publish(events.TypeQueueSizeChanged, events.QueueSizeChanged{Queue: queue, Size: size})

	s.logger.Info().
		Str("participant_id", participantID).
		Str("queue", queue).
		Int("queue_size", size).
		Msg("participant left queue")
	return nil
}

// Status returns the waiting list in FIFO order plus the queue's live
// matches.
func (s *QueueService) Status(ctx context.Context, queue string) (*QueueStatus, error) {
	s.mu.Lock()
	entries := s.waiting[queue]
	waiting := make([]domain.QueueEntry, len(entries))
	for i, e := range entries {
		waiting[i] = *e
	}
	s.mu.Unlock()

	return &QueueStatus{
		Queue:   queue,
		Waiting: waiting,
		Matches: s.registry.ActiveForQueue(queue),
	}, nil
}

// ForceForm pads the waiting list to six with placeholder participants
// and forms a match through the normal path. Admin only.
func (s *QueueService) ForceForm(ctx context.Context, queue string) (*domain.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	var placeholders []*domain.QueueEntry
	for i := len(s.waiting[queue]); i < domain.MatchSize; i++ {
		suffix, err := gonanoid.New(constants.MatchIDLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate placeholder id: %w", err)
		}
		entry := &domain.QueueEntry{
			ParticipantID: domain.PlaceholderPrefix + suffix,
			DisplayName:   fmt.Sprintf("Placeholder %d", i+1),
			Queue:         queue,
			JoinedAt:      time.Now().UTC(),
		}
		if err := s.queueRepo.Insert(ctx, entry); err != nil {
			s.logger.Error().Err(err).Str("queue", queue).Msg("failed to persist placeholder entry")
			return nil, fmt.Errorf("failed to persist placeholder entry: %w", err)
		}
		s.waiting[queue] = append(s.waiting[queue], entry)
		s.byParticipant[entry.ParticipantID] = queue
		placeholders = append(placeholders, entry)
	}

	s.logger.Info().Str("queue", queue).Int("placeholders", len(placeholders)).Msg("force-forming match")

	match, err := s.formMatchLocked(ctx, queue)
	if err != nil {
		for _, p := range placeholders {
			s.removeWaitingLocked(queue, p.ParticipantID)
			if derr := s.queueRepo.Delete(ctx, p.ParticipantID); derr != nil {
				s.logger.Warn().Err(derr).Str("participant_id", p.ParticipantID).Msg("failed to remove placeholder entry")
			}
		}
		return nil, err
	}

	size := len(s.waiting[queue])
	monitoring.SetQueueWaiting(queue, size)
	s.bus.Publish(events.TypeQueueSizeChanged, events.QueueSizeChanged{Queue: queue, Size: size})
	return match, nil
}

// ForceStop clears the waiting list and cancels every forming or
// selecting match on the queue. In-progress matches are untouched.
// Returns the cleared-entry and cancelled-match counts.
func (s *QueueService) ForceStop(ctx context.Context, queue string) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	s.mu.Lock()
	entries := s.waiting[queue]
	for _, e := range entries {
		if err := s.queueRepo.Delete(ctx, e.ParticipantID); err != nil {
			s.logger.Warn().Err(err).Str("participant_id", e.ParticipantID).Msg("failed to delete queue entry during force-stop")
		}
		delete(s.byParticipant, e.ParticipantID)
	}
	delete(s.waiting, queue)
	cleared := len(entries)
	s.mu.Unlock()

	if cleared > 0 {
		monitoring.SetQueueWaiting(queue, 0)
		s.bus.Publish(events.TypeQueueSizeChanged, events.QueueSizeChanged{Queue: queue, Size: 0})
	}

	cancelled := 0
	for _, m := range s.registry.ActiveForQueue(queue) {
		if m.Status != domain.StatusForming && m.Status != domain.StatusSelecting {
			continue
		}
		s.formation.Cancel(m.ID)
		if err := s.registry.Cancel(ctx, m.ID); err != nil {
			s.logger.Error().Err(err).Str("match_id", m.ID).Msg("failed to cancel match during force-stop")
			continue
		}
		cancelled++
	}

	s.logger.Info().
		Str("queue", queue).
		Int("cleared", cleared).
		Int("cancelled", cancelled).
		Msg("queue force-stopped")
	return cleared, cancelled, nil
}

// ExpireIdle removes entries that joined before the cutoff, emitting a
// queue-entry-expired and a queue-size-changed event per removal.
func (s *QueueService) ExpireIdle(ctx context.Context, cutoff time.Time) int {
	type expiredEntry struct {
		entry domain.QueueEntry
		size  int // queue size right after this removal
	}

	s.mu.Lock()
	var expired []expiredEntry
	for queue, entries := range s.waiting {
		kept := make([]*domain.QueueEntry, 0, len(entries))
		size := len(entries)
		for _, e := range entries {
			if e.JoinedAt.Before(cutoff) {
				size--
				expired = append(expired, expiredEntry{entry: *e, size: size})
				delete(s.byParticipant, e.ParticipantID)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			continue
		}
		if len(kept) == 0 {
			delete(s.waiting, queue)
		} else {
			s.waiting[queue] = kept
		}
		monitoring.SetQueueWaiting(queue, len(kept))
	}
	s.mu.Unlock()

	for _, ex := range expired {
		if err := s.queueRepo.Delete(ctx, ex.entry.ParticipantID); err != nil {
			s.logger.Warn().Err(err).Str("participant_id", ex.entry.ParticipantID).Msg("failed to delete expired queue entry")
		}
		monitoring.QueueOperation("expire", "ok")
		s.bus.Publish(events.TypeQueueEntryExpired, events.QueueEntryExpired{
			Queue:         ex.entry.Queue,
			ParticipantID: ex.entry.ParticipantID,
		})
		s.bus.Publish(events.TypeQueueSizeChanged, events.QueueSizeChanged{Queue: ex.entry.Queue, Size: ex.size})
		s.logger.Info().
			Str("participant_id", ex.entry.ParticipantID).
			Str("queue", ex.entry.Queue).
			Time("joined_at", ex.entry.JoinedAt).
			Msg("idle queue entry expired")
	}
	return len(expired)
}

// Restore mirrors a stored queue entry back into memory after a restart.
// Entries for participants already queued or already in a match are
// skipped; memory wins. No events fire and no match forms from restores.
func (s *QueueService) Restore(entry domain.QueueEntry) bool {
	if _, ok := s.registry.MatchIDFor(entry.ParticipantID); ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byParticipant[entry.ParticipantID]; ok {
		return false
	}

	e := entry
	s.waiting[entry.Queue] = append(s.waiting[entry.Queue], &e)
	sort.Slice(s.waiting[entry.Queue], func(i, j int) bool {
		return s.waiting[entry.Queue][i].JoinedAt.Before(s.waiting[entry.Queue][j].JoinedAt)
	})
	s.byParticipant[entry.ParticipantID] = entry.Queue
	monitoring.SetQueueWaiting(entry.Queue, len(s.waiting[entry.Queue]))

	s.logger.Info().
		Str("participant_id", entry.ParticipantID).
		Str("queue", entry.Queue).
		Msg("queue entry restored")
	return true
}

// formMatchLocked pops the six oldest entries and hands them to the
// registry. The waiting list is only touched after the match persisted,
// so a failed creation leaves every entry in place. Caller holds s.mu.
func (s *QueueService) formMatchLocked(ctx context.Context, queue string) (*domain.Match, error) {
	entries := s.waiting[queue]
	if len(entries) < domain.MatchSize {
		return nil, fmt.Errorf("%w, got %d", domain.ErrInsufficientParticipants, len(entries))
	}

	batch := make([]domain.QueueEntry, domain.MatchSize)
	for i, e := range entries[:domain.MatchSize] {
		batch[i] = *e
	}

	match, err := s.registry.Create(ctx, queue, s.PoolFor(queue), batch)
	if err != nil {
		return nil, err
	}

	rest := append([]*domain.QueueEntry(nil), entries[domain.MatchSize:]...)
	if len(rest) == 0 {
		delete(s.waiting, queue)
	} else {
		s.waiting[queue] = rest
	}
	for _, e := range batch {
		delete(s.byParticipant, e.ParticipantID)
	}

	s.formation.Start(match)
	return match, nil
}

func (s *QueueService) removeWaitingLocked(queue, participantID string) {
	entries := s.waiting[queue]
	for i, e := range entries {
		if e.ParticipantID == participantID {
			s.waiting[queue] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(s.waiting[queue]) == 0 {
		delete(s.waiting, queue)
	}
	delete(s.byParticipant, participantID)
}
