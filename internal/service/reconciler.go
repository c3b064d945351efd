package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/repository"
)

// Reconciler periodically repairs the in-memory state from the store:
// matches and queue entries that survived a restart are mirrored back,
// and idle queue entries are swept out. Memory always wins over the
// store; the loop only ever adds what memory is missing.
type Reconciler struct {
	matchRepo *repository.MatchRepository
	queueRepo *repository.QueueEntryRepository
	registry  *MatchService
	queues    *QueueService
	formation *FormationService
	logger    zerolog.Logger

	// Overridable in tests; production values come from constants.
	Interval      time.Duration
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

func NewReconciler(matchRepo *repository.MatchRepository, queueRepo *repository.QueueEntryRepository, registry *MatchService, queues *QueueService, formation *FormationService, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		matchRepo:     matchRepo,
		queueRepo:     queueRepo,
		registry:      registry,
		queues:        queues,
		formation:     formation,
		logger:        logger,
		Interval:      constants.ReconcileInterval,
		SweepInterval: constants.IdleSweepInterval,
		IdleTimeout:   constants.QueueIdleTimeout,
	}
}

// Run blocks until ctx is cancelled. One reconcile pass runs immediately
// so a restarted process recovers its state before serving traffic.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().
		Dur("interval", r.Interval).
		Dur("sweep_interval", r.SweepInterval).
		Msg("reconciler started")

	r.Reconcile(ctx)

	ticker := time.NewTicker(r.Interval)
	sweep := time.NewTicker(r.SweepInterval)
	defer ticker.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-sweep.C:
			r.Sweep(ctx)
		}
	}
}

// Reconcile loads the store's live state and inserts whatever the
// registry and queues are missing. Formation restarts from the vote for
// any forming or selecting match without a live session.
func (r *Reconciler) Reconcile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	var matches []*domain.Match
	var entries []domain.QueueEntry

	g.Go(func() error {
		var err error
		matches, err = r.matchRepo.ListActive(gCtx)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = r.queueRepo.List(gCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		r.logger.Error().Err(err).Msg("failed to load stored state for reconciliation")
		return
	}

	restoredMatches := 0
	for _, m := range matches {
		if r.registry.Restore(m) {
			restoredMatches++
		}
		if m.Status != domain.StatusForming && m.Status != domain.StatusSelecting {
			continue
		}
		live, ok := r.registry.Get(m.ID)
		if !ok || live.Status == domain.StatusInProgress {
			continue
		}
		if !r.formation.HasSession(m.ID) {
			r.formation.Start(live)
		}
	}

	restoredEntries := 0
	for _, e := range entries {
		if r.queues.Restore(e) {
			restoredEntries++
		}
	}

	if restoredMatches > 0 || restoredEntries > 0 {
		r.logger.Info().
			Int("restored_matches", restoredMatches).
			Int("restored_entries", restoredEntries).
			Msg("state restored from store")
		return
	}
	r.logger.Debug().Int("active_matches", len(matches)).Int("queue_entries", len(entries)).Msg("reconcile pass clean")
}

// Sweep expires queue entries older than the idle timeout.
func (r *Reconciler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-r.IdleTimeout)
	if n := r.queues.ExpireIdle(ctx, cutoff); n > 0 {
		r.logger.Info().Int("expired", n).Time("cutoff", cutoff).Msg("idle queue entries swept")
	}
}
