package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sixmans/internal/config"
	"sixmans/internal/database"
	"sixmans/internal/domain"
	"sixmans/internal/events"
	"sixmans/internal/ranksync"
	"sixmans/internal/repository"
	"sixmans/internal/service"
)

// recordingPrompter captures pick prompts so tests can play the captain.
type recordingPrompter struct {
	mu    sync.Mutex
	picks []struct {
		captainID string
		poolIDs   []string
		count     int
	}
}

func (p *recordingPrompter) PromptVote(context.Context, *domain.Match, time.Duration) error {
	return nil
}

func (p *recordingPrompter) PromptPick(_ context.Context, _ *domain.Match, captainID string, pool []domain.MatchParticipant, count int, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(pool))
	for i, mp := range pool {
		ids[i] = mp.ParticipantID
	}
	p.picks = append(p.picks, struct {
		captainID string
		poolIDs   []string
		count     int
	}{captainID, ids, count})
	return nil
}

func (p *recordingPrompter) pick(i int) (string, []string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.picks) {
		return "", nil, false
	}
	return p.picks[i].captainID, p.picks[i].poolIDs, true
}

type testServer struct {
	mux       *http.ServeMux
	registry  *service.MatchService
	formation *service.FormationService
	prompter  *recordingPrompter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	cfg := &config.Config{
		DBPath:       filepath.Join(t.TempDir(), "sixmans.db"),
		GlobalQueues: []string{"global"},
	}

	db, err := database.New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(log)
	bus.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	matchRepo := repository.NewMatchRepository(db, log)
	queueRepo := repository.NewQueueEntryRepository(db, log)
	participantRepo := repository.NewParticipantRepository(db, log)
	ratingRepo := repository.NewRatingChangeRepository(db, log)

	prompter := &recordingPrompter{}
	registry := service.NewMatchService(matchRepo, bus, log)
	formation := service.NewFormationService(registry, prompter, bus, log)
	formation.VoteWindow = 100 * time.Millisecond
	formation.PickWindow = 100 * time.Millisecond
	queues := service.NewQueueService(cfg, queueRepo, registry, formation, bus, log)
	reports := service.NewReportService(registry, matchRepo, participantRepo, ranksync.Noop{}, bus, log)
	stats := service.NewStatsService(participantRepo, ratingRepo, log)

	srv := NewMatchmakerServer(queues, registry, formation, reports, stats, log)
	return &testServer{
		mux:       srv.Routes(),
		registry:  registry,
		formation: formation,
		prompter:  prompter,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	return ts.doRaw(t, method, path, rd)
}

func (ts *testServer) doRaw(t *testing.T, method, path string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed), "body: %s", rec.Body.String())
	}
	return rec.Code, parsed
}

func (ts *testServer) join(t *testing.T, queue, participantID string) (int, map[string]any) {
	t.Helper()
	return ts.do(t, http.MethodPost, "/api/queues/"+queue+"/join", map[string]string{
		"participantId": participantID,
		"displayName":   strings.ToUpper(participantID),
	})
}

// joinSix fills the queue over HTTP and returns the formed match id.
func (ts *testServer) joinSix(t *testing.T, queue string) string {
	t.Helper()
	var matchID string
	for i := 1; i <= domain.MatchSize; i++ {
		code, body := ts.join(t, queue, fmt.Sprintf("user-%d", i))
		require.Equal(t, http.StatusOK, code, "join %d: %v", i, body)
		if id, ok := body["matchId"].(string); ok {
			matchID = id
		}
	}
	require.NotEmpty(t, matchID, "sixth join should return the match id")
	return matchID
}

func (ts *testServer) waitInProgress(t *testing.T, matchID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, ok := ts.registry.Get(matchID)
		return ok && m.Status == domain.StatusInProgress
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServerQueueLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.join(t, "na", "user-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "na", body["queueName"])
	assert.Equal(t, float64(1), body["count"])

	code, body = ts.join(t, "na", "user-1")
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_queued", body["error"])
	assert.NotEmpty(t, body["message"])

	code, body = ts.do(t, http.MethodGet, "/api/queues/na", nil)
	require.Equal(t, http.StatusOK, code)
	waiting, ok := body["waiting"].([]any)
	require.True(t, ok)
	assert.Len(t, waiting, 1)

	code, body = ts.do(t, http.MethodPost, "/api/queues/na/leave", map[string]string{"participantId": "user-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["left"])

	code, body = ts.do(t, http.MethodPost, "/api/queues/na/leave", map[string]string{"participantId": "user-1"})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "not_queued", body["error"])

	matchID := ts.joinSix(t, "na")

	// joining or leaving while matched is a conflict that names the match
	code, body = ts.join(t, "eu", "user-2")
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_in_match", body["error"])
	assert.Equal(t, matchID, body["matchId"])

	code, body = ts.do(t, http.MethodPost, "/api/queues/na/leave", map[string]string{"participantId": "user-3"})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "match_in_progress", body["error"])
	assert.Equal(t, matchID, body["matchId"])
}

func TestServerJoinValidation(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.doRaw(t, http.MethodPost, "/api/queues/na/join", strings.NewReader("{not json"))
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/queues/na/join", map[string]string{"displayName": "No ID"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestServerMatchDetail(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/matches/missing1", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "match_not_found", body["error"])

	matchID := ts.joinSix(t, "na")
	ts.waitInProgress(t, matchID)

	code, body = ts.do(t, http.MethodGet, "/api/matches/"+matchID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, matchID, body["id"])
	assert.Equal(t, string(domain.StatusInProgress), body["status"])
	participants, ok := body["participants"].([]any)
	require.True(t, ok)
	assert.Len(t, participants, domain.MatchSize)
}

func TestServerVoteAndPickFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.formation.VoteWindow = 3 * time.Second
	ts.formation.PickWindow = 3 * time.Second

	matchID := ts.joinSix(t, "na")

	code, body := ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/vote", map[string]string{
		"participantId": "user-1", "choice": "banana",
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/vote", map[string]string{
		"participantId": "stranger", "choice": "captains",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "not_a_participant", body["error"])

	for i := 1; i <= domain.MatchSize; i++ {
		code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/vote", map[string]string{
			"participantId": fmt.Sprintf("user-%d", i), "choice": "captains",
		})
		require.Equal(t, http.StatusOK, code, "vote %d: %v", i, body)
		assert.Equal(t, true, body["accepted"])
	}

	var captain1 string
	var pool1 []string
	require.Eventually(t, func() bool {
		c, p, ok := ts.prompter.pick(0)
		captain1, pool1 = c, p
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	// someone who is not the captain cannot pick
	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/picks", map[string]any{
		"captainId": pool1[0], "participantIds": []string{pool1[1]},
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/picks", map[string]any{
		"captainId": captain1, "participantIds": []string{pool1[0]},
	})
	require.Equal(t, http.StatusOK, code, "first pick: %v", body)

	var captain2 string
	var pool2 []string
	require.Eventually(t, func() bool {
		c, p, ok := ts.prompter.pick(1)
		captain2, pool2 = c, p
		return ok
	}, 3*time.Second, 5*time.Millisecond)

	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/picks", map[string]any{
		"captainId": captain2, "participantIds": []string{pool2[0], pool2[1]},
	})
	require.Equal(t, http.StatusOK, code, "second pick: %v", body)

	ts.waitInProgress(t, matchID)

	code, body = ts.do(t, http.MethodGet, "/api/matches/"+matchID, nil)
	require.Equal(t, http.StatusOK, code)
	participants := body["participants"].([]any)
	teams := map[float64]int{}
	for _, raw := range participants {
		p := raw.(map[string]any)
		teams[p["team"].(float64)]++
	}
	assert.Equal(t, domain.TeamSize, teams[1])
	assert.Equal(t, domain.TeamSize, teams[2])
}

func TestServerReportFlow(t *testing.T) {
	ts := newTestServer(t)

	matchID := ts.joinSix(t, "na")
	ts.waitInProgress(t, matchID)

	code, body := ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/report", map[string]string{
		"participantId": "user-1", "result": "draw",
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/report", map[string]string{
		"participantId": "stranger", "result": "win",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "not_a_participant", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/report", map[string]string{
		"participantId": "user-1", "result": "win", "score": "13-8",
	})
	require.Equal(t, http.StatusOK, code, "report: %v", body)
	assert.Equal(t, string(domain.StatusCompleted), body["status"])
	assert.Equal(t, "13-8", body["score"])
	changes, ok := body["ratingChanges"].([]any)
	require.True(t, ok)
	assert.Len(t, changes, domain.MatchSize)

	code, body = ts.do(t, http.MethodPost, "/api/matches/"+matchID+"/report", map[string]string{
		"participantId": "user-2", "result": "win",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_reported", body["error"])

	// stats surfaces reflect the completion
	code, body = ts.do(t, http.MethodGet, "/api/participants/user-1", nil)
	require.Equal(t, http.StatusOK, code)
	ranked, ok := body["ranked"].(map[string]any)
	require.True(t, ok)
	assert.NotEqual(t, float64(domain.RankedStartRating), ranked["rating"])
	recent, ok := body["recentChanges"].([]any)
	require.True(t, ok)
	assert.Len(t, recent, 1)

	code, body = ts.do(t, http.MethodGet, "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, code)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, domain.MatchSize)
	first := entries[0].(map[string]any)
	assert.Equal(t, float64(1), first["rank"])

	code, _ = ts.do(t, http.MethodGet, "/api/leaderboard?pool=global", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodGet, "/api/leaderboard?pool=banana", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	code, body = ts.do(t, http.MethodGet, "/api/leaderboard?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestServerAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.formation.VoteWindow = 5 * time.Second

	// force-forming an empty queue fields a full placeholder match
	code, body := ts.do(t, http.MethodPost, "/api/admin/queues/na/force-form", nil)
	require.Equal(t, http.StatusOK, code)
	match, ok := body["match"].(map[string]any)
	require.True(t, ok)
	participants := match["participants"].([]any)
	assert.Len(t, participants, domain.MatchSize)

	// two waiting players plus a padded match, then stop everything
	code, _ = ts.join(t, "eu", "eu-1")
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.join(t, "eu", "eu-2")
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, "/api/admin/queues/eu/force-form", nil)
	require.Equal(t, http.StatusOK, code)
	forced := body["match"].(map[string]any)
	assert.Equal(t, string(domain.StatusForming), forced["status"], "real players hold the vote open")

	code, _ = ts.join(t, "eu", "eu-3")
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, "/api/admin/queues/eu/force-stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["cleared"])
	assert.Equal(t, float64(1), body["cancelledMatches"])
}

func TestServerHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
