package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"sixmans/internal/config"
	"sixmans/internal/database"
	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/ranksync"
	"sixmans/internal/repository"
)

// eventRecorder captures everything the bus dispatches so tests can
// assert on emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type pickPromptCall struct {
	matchID   string
	captainID string
	poolIDs   []string
	count     int
}

// fakePrompter records prompts; pickErr simulates an unreachable captain.
type fakePrompter struct {
	mu          sync.Mutex
	votePrompts []string
	pickPrompts []pickPromptCall
	pickErr     error
}

func (f *fakePrompter) PromptVote(_ context.Context, match *domain.Match, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votePrompts = append(f.votePrompts, match.ID)
	return nil
}

func (f *fakePrompter) PromptPick(_ context.Context, match *domain.Match, captainID string, pool []domain.MatchParticipant, count int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pickErr != nil {
		return f.pickErr
	}
	ids := make([]string, len(pool))
	for i, p := range pool {
		ids[i] = p.ParticipantID
	}
	f.pickPrompts = append(f.pickPrompts, pickPromptCall{matchID: match.ID, captainID: captainID, poolIDs: ids, count: count})
	return nil
}

func (f *fakePrompter) votePromptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.votePrompts)
}

func (f *fakePrompter) pickPrompt(i int) (pickPromptCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.pickPrompts) {
		return pickPromptCall{}, false
	}
	return f.pickPrompts[i], true
}

// fakeRanks records rank-sync updates in memory.
type fakeRanks struct {
	mu      sync.Mutex
	updates []ranksync.Update
}

func (f *fakeRanks) Enqueue(_ context.Context, u ranksync.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeRanks) Close() error { return nil }

func (f *fakeRanks) all() []ranksync.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ranksync.Update(nil), f.updates...)
}

type testEnv struct {
	cfg      *config.Config
	recorder *eventRecorder
	prompter *fakePrompter
	ranks    *fakeRanks

	bus             *events.Bus
	matchRepo       *repository.MatchRepository
	queueRepo       *repository.QueueEntryRepository
	participantRepo *repository.ParticipantRepository
	ratingRepo      *repository.RatingChangeRepository

	registry  *MatchService
	formation *FormationService
	queues    *QueueService
	reports   *ReportService
	stats     *StatsService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, filepath.Join(t.TempDir(), "sixmans.db"))
}

// newTestEnvAt builds a service stack over an existing database file, so
// tests can model a process restart by pointing a second stack at the
// first one's data.
func newTestEnvAt(t *testing.T, dbPath string) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	cfg := &config.Config{
		DBPath:       dbPath,
		GlobalQueues: []string{"global"},
	}

	db, err := database.New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		cfg:      cfg,
		recorder: &eventRecorder{},
		prompter: &fakePrompter{},
		ranks:    &fakeRanks{},
	}

	env.bus = events.NewBus(log)
	env.bus.Subscribe(env.recorder.handle)
	env.bus.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.bus.Stop(ctx)
	})

	env.matchRepo = repository.NewMatchRepository(db, log)
	env.queueRepo = repository.NewQueueEntryRepository(db, log)
	env.participantRepo = repository.NewParticipantRepository(db, log)
	env.ratingRepo = repository.NewRatingChangeRepository(db, log)

	env.registry = NewMatchService(env.matchRepo, env.bus, log)
	env.formation = NewFormationService(env.registry, env.prompter, env.bus, log)
	env.formation.VoteWindow = 100 * time.Millisecond
	env.formation.PickWindow = 100 * time.Millisecond
	env.queues = NewQueueService(cfg, env.queueRepo, env.registry, env.formation, env.bus, log)
	env.reports = NewReportService(env.registry, env.matchRepo, env.participantRepo, env.ranks, env.bus, log)
	env.stats = NewStatsService(env.participantRepo, env.ratingRepo, log)
	return env
}

func userID(i int) string { return fmt.Sprintf("user-%d", i) }

// joinSix fills the queue with users 1..6 and returns the formed match.
func (e *testEnv) joinSix(t *testing.T, queue string) *domain.Match {
	t.Helper()
	var match *domain.Match
	for i := 1; i <= domain.MatchSize; i++ {
		res, err := e.queues.Join(context.Background(), userID(i), fmt.Sprintf("User %d", i), queue)
		require.NoError(t, err)
		if res.Match != nil {
			match = res.Match
		}
	}
	require.NotNil(t, match, "sixth join should form a match")
	return match
}

// waitForStatus polls the registry until the match reaches the wanted
// status. Terminal statuses are read from the store instead.
func (e *testEnv) waitForStatus(t *testing.T, matchID string, status domain.MatchStatus) *domain.Match {
	t.Helper()
	var got *domain.Match
	require.Eventually(t, func() bool {
		m, err := e.registry.Lookup(context.Background(), matchID)
		if err != nil {
			return false
		}
		got = m
		return m.Status == status
	}, 5*time.Second, 5*time.Millisecond, "match %s never reached %s", matchID, status)
	return got
}

// startedMatch forms a match and lets the vote time out so it lands in
// in_progress with random teams.
func (e *testEnv) startedMatch(t *testing.T, queue string) *domain.Match {
	t.Helper()
	match := e.joinSix(t, queue)
	return e.waitForStatus(t, match.ID, domain.StatusInProgress)
}

// directEntries builds synthetic queue entries without touching the
// queue service, for registry-level tests.
func directEntries(n int) []domain.QueueEntry {
	entries := make([]domain.QueueEntry, n)
	for i := range entries {
		entries[i] = domain.QueueEntry{
			ParticipantID: userID(i + 1),
			DisplayName:   fmt.Sprintf("User %d", i+1),
			Queue:         "na",
			JoinedAt:      time.Now().UTC(),
		}
	}
	return entries
}
