// Package notify delivers outbound notifications to the chat-layer
// collaborator over a configured webhook. It forwards every bus event and
// carries the private vote/pick prompts of the team-formation protocol.
// When no webhook URL is configured the notifier is inert: events are
// dropped and prompts succeed silently.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"sixmans/internal/config"
	"sixmans/internal/constants"
	"sixmans/internal/domain"
	"sixmans/internal/events"
)

type Webhook struct {
	url    string
	client *fasthttp.Client
	logger zerolog.Logger
}

func NewWebhook(cfg *config.Config, logger zerolog.Logger) *Webhook {
	return &Webhook{
		url: cfg.WebhookURL,
		client: &fasthttp.Client{
			MaxConnsPerHost:     100,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		logger: logger,
	}
}

func (w *Webhook) Enabled() bool {
	return w.url != ""
}

// envelope is the wire shape every webhook delivery uses, for bus events
// and formation prompts alike.
type envelope struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	Ts      time.Time `json:"ts"`
}

// HandleEvent is the bus subscriber. Delivery failures are logged and
// dropped; consumers are best-effort by contract.
func (w *Webhook) HandleEvent(ev events.Event) {
	if !w.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.WebhookTimeout)
	defer cancel()

	if err := w.post(ctx, envelope{Type: string(ev.Type), Payload: ev.Payload, Ts: ev.OccurredAt}); err != nil {
		w.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("webhook delivery failed")
	}
}

type votePrompt struct {
	MatchID        string   `json:"matchId"`
	Queue          string   `json:"queueName"`
	ParticipantIDs []string `json:"participantIds"`
	Options        []string `json:"options"`
	WindowSeconds  int      `json:"windowSeconds"`
}

type pickPrompt struct {
	MatchID       string   `json:"matchId"`
	CaptainID     string   `json:"captainId"`
	PoolIDs       []string `json:"poolIds"`
	Count         int      `json:"count"`
	WindowSeconds int      `json:"windowSeconds"`
}

// PromptVote announces the strategy vote to the match participants.
// A delivery failure here is non-fatal: the vote window still runs and
// resolves by timeout.
func (w *Webhook) PromptVote(ctx context.Context, match *domain.Match, window time.Duration) error {
	if !w.Enabled() {
		return nil
	}
	return w.post(ctx, envelope{
		Type: "vote-prompt",
		Payload: votePrompt{
			MatchID:        match.ID,
			Queue:          match.Queue,
			ParticipantIDs: match.ParticipantIDs(),
			Options:        []string{string(domain.StrategyRandom), string(domain.StrategyCaptains)},
			WindowSeconds:  int(window.Seconds()),
		},
		Ts: time.Now().UTC(),
	})
}

// PromptPick asks one captain for their draft selection. An error return
// marks the captain unreachable, which makes the protocol fall back to
// random teams for the whole match.
func (w *Webhook) PromptPick(ctx context.Context, match *domain.Match, captainID string, pool []domain.MatchParticipant, count int, window time.Duration) error {
	if !w.Enabled() {
		return nil
	}
	poolIDs := make([]string, len(pool))
	for i, p := range pool {
		poolIDs[i] = p.ParticipantID
	}
	return w.post(ctx, envelope{
		Type: "pick-prompt",
		Payload: pickPrompt{
			MatchID:       match.ID,
			CaptainID:     captainID,
			PoolIDs:       poolIDs,
			Count:         count,
			WindowSeconds: int(window.Seconds()),
		},
		Ts: time.Now().UTC(),
	})
}

func (w *Webhook) post(ctx context.Context, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if ok {
		err = w.client.DoDeadline(req, resp, deadline)
	} else {
		err = w.client.Do(req, resp)
	}
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
