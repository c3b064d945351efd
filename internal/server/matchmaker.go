// Package server exposes the matchmaking command surface over HTTP.
// Handlers translate between JSON and the service layer; every domain
// error maps onto the 400/404/409 taxonomy in writeError.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sixmans/internal/domain"
	"sixmans/internal/service"
)

type MatchmakerServer struct {
	queues    *service.QueueService
	registry  *service.MatchService
	formation *service.FormationService
	reports   *service.ReportService
	stats     *service.StatsService
	logger    zerolog.Logger
}

func NewMatchmakerServer(queues *service.QueueService, registry *service.MatchService, formation *service.FormationService, reports *service.ReportService, stats *service.StatsService, logger zerolog.Logger) *MatchmakerServer {
	return &MatchmakerServer{
		queues:    queues,
		registry:  registry,
		formation: formation,
		reports:   reports,
		stats:     stats,
		logger:    logger,
	}
}

// Routes builds the full route table. Middleware is applied by the
// caller around the returned mux.
func (s *MatchmakerServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/queues/{queue}/join", s.handleJoin)
	mux.HandleFunc("POST /api/queues/{queue}/leave", s.handleLeave)
	mux.HandleFunc("GET /api/queues/{queue}", s.handleQueueStatus)

	mux.HandleFunc("GET /api/matches/{id}", s.handleMatch)
	mux.HandleFunc("POST /api/matches/{id}/vote", s.handleVote)
	mux.HandleFunc("POST /api/matches/{id}/picks", s.handlePicks)
	mux.HandleFunc("POST /api/matches/{id}/report", s.handleReport)

	mux.HandleFunc("POST /api/admin/queues/{queue}/force-form", s.handleForceForm)
	mux.HandleFunc("POST /api/admin/queues/{queue}/force-stop", s.handleForceStop)

	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/participants/{id}", s.handleParticipant)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *MatchmakerServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	var req struct {
		ParticipantID string `json:"participantId"`
		DisplayName   string `json:"displayName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ParticipantID == "" {
		s.writeError(w, r, fmt.Errorf("participantId is required: %w", domain.ErrInvalidResult))
		return
	}

	res, err := s.queues.Join(r.Context(), req.ParticipantID, req.DisplayName, queue)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{"queued": true, "queueName": res.Queue, "count": res.Size}
	if res.Match != nil {
		resp["matchId"] = res.Match.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *MatchmakerServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ParticipantID == "" {
		s.writeError(w, r, fmt.Errorf("participantId is required: %w", domain.ErrInvalidResult))
		return
	}

	if err := s.queues.Leave(r.Context(), req.ParticipantID, queue); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"left": true, "queueName": queue})
}

func (s *MatchmakerServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queues.Status(r.Context(), r.PathValue("queue"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *MatchmakerServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	match, err := s.registry.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (s *MatchmakerServer) handleVote(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	var req struct {
		ParticipantID string `json:"participantId"`
		Choice        string `json:"choice"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.formation.SubmitVote(r.Context(), matchID, req.ParticipantID, domain.Strategy(req.Choice)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "matchId": matchID})
}

func (s *MatchmakerServer) handlePicks(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	var req struct {
		CaptainID      string   `json:"captainId"`
		ParticipantIDs []string `json:"participantIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.formation.SubmitPick(r.Context(), matchID, req.CaptainID, req.ParticipantIDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "matchId": matchID})
}

func (s *MatchmakerServer) handleReport(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	var req struct {
		ParticipantID string `json:"participantId"`
		Result        string `json:"result"`
		Score         string `json:"score"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	match, err := s.reports.Report(r.Context(), matchID, req.ParticipantID, domain.Result(req.Result), req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (s *MatchmakerServer) handleForceForm(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	match, err := s.queues.ForceForm(r.Context(), queue)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queueName": queue, "match": match})
}

func (s *MatchmakerServer) handleForceStop(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	cleared, cancelled, err := s.queues.ForceStop(r.Context(), queue)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queueName":        queue,
		"cleared":          cleared,
		"cancelledMatches": cancelled,
	})
}

func (s *MatchmakerServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	pool := domain.PoolRanked
	if raw := r.URL.Query().Get("pool"); raw != "" {
		parsed, err := domain.ParsePool(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pool = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("limit must be a number: %w", domain.ErrInvalidResult))
			return
		}
		limit = parsed
	}

	rows, err := s.stats.Leaderboard(r.Context(), pool, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": pool, "entries": rows})
}

func (s *MatchmakerServer) handleParticipant(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Participant(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *MatchmakerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// writeError maps domain errors onto the HTTP taxonomy: validation → 400,
// unknown ids → 404, conflicts → 409. Typed errors contribute the
// conflicting match id to the body.
func (s *MatchmakerServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	body := map[string]any{}

	var inMatch *domain.AlreadyInMatchError
	var inProgress *domain.MatchInProgressError

	switch {
	case errors.As(err, &inMatch):
		status, code = http.StatusConflict, "already_in_match"
		body["matchId"] = inMatch.MatchID
	case errors.As(err, &inProgress):
		status, code = http.StatusConflict, "match_in_progress"
		body["matchId"] = inProgress.MatchID
	case errors.Is(err, domain.ErrInvalidResult):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrInsufficientParticipants):
		status, code = http.StatusBadRequest, "insufficient_participants"
	case errors.Is(err, domain.ErrMatchNotFound):
		status, code = http.StatusNotFound, "match_not_found"
	case errors.Is(err, domain.ErrAlreadyQueued):
		status, code = http.StatusConflict, "already_queued"
	case errors.Is(err, domain.ErrAlreadyInMatch):
		status, code = http.StatusConflict, "already_in_match"
	case errors.Is(err, domain.ErrNotQueued):
		status, code = http.StatusConflict, "not_queued"
	case errors.Is(err, domain.ErrMatchInProgress):
		status, code = http.StatusConflict, "match_in_progress"
	case errors.Is(err, domain.ErrAlreadyReported):
		status, code = http.StatusConflict, "already_reported"
	case errors.Is(err, domain.ErrNotAParticipant):
		status, code = http.StatusConflict, "not_a_participant"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		body["error"] = code
		body["message"] = "internal server error"
		writeJSON(w, status, body)
		return
	}

	body["error"] = code
	body["message"] = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", domain.ErrInvalidResult)
	}
	return nil
}
