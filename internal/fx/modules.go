package fx

import (
	"sixmans/internal/config"
	"sixmans/internal/database"
	"sixmans/internal/events"
	"sixmans/internal/logger"
	"sixmans/internal/notify"
	"sixmans/internal/ranksync"
	"sixmans/internal/repository"
	"sixmans/internal/server"
	"sixmans/internal/service"

	"go.uber.org/fx"
)

// ProvidePrompter hands the webhook notifier to the formation protocol
// as its prompt channel.
func ProvidePrompter(w *notify.Webhook) service.Prompter {
	return w
}

var Module = fx.Options(
	fx.Provide(logger.New),
	fx.Provide(config.Load),
	fx.Provide(database.New),
	// repos
	fx.Provide(repository.NewParticipantRepository),
	fx.Provide(repository.NewMatchRepository),
	fx.Provide(repository.NewQueueEntryRepository),
	fx.Provide(repository.NewRatingChangeRepository),
	// outbound
	fx.Provide(events.NewBus),
	fx.Provide(notify.NewWebhook),
	fx.Provide(ProvidePrompter),
	fx.Provide(ranksync.New),
	// svc
	fx.Provide(service.NewMatchService),
	fx.Provide(service.NewFormationService),
	fx.Provide(service.NewQueueService),
	fx.Provide(service.NewReportService),
	fx.Provide(service.NewStatsService),
	fx.Provide(service.NewReconciler),
	// server
	fx.Provide(server.NewMatchmakerServer),
)
