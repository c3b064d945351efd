package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"sixmans/internal/config"
	"sixmans/internal/constants"
	"sixmans/internal/events"
	fxmodules "sixmans/internal/fx"
	"sixmans/internal/middleware"
	"sixmans/internal/notify"
	"sixmans/internal/ranksync"
	"sixmans/internal/server"
	"sixmans/internal/service"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		fxmodules.Module,
		fx.Invoke(runServer),
	).Run()
}

func runServer(
	lc fx.Lifecycle,
	matchmaker *server.MatchmakerServer,
	bus *events.Bus,
	webhook *notify.Webhook,
	reconciler *service.Reconciler,
	ranks ranksync.Queue,
	cfg *config.Config,
	db *sql.DB,
	logger zerolog.Logger,
) {
	// subscribers must be registered before the dispatcher starts
	bus.Subscribe(webhook.HandleEvent)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := middleware.RequestID(logger)(c.Handler(matchmaker.Routes()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: handler,
	}

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			bus.Start()
			go reconciler.Run(reconcileCtx)
			go func() {
				logger.Info().Str("addr", srv.Addr).Msg("server starting")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()

			stopReconciler()

			shutdownErr := srv.Shutdown(shutdownCtx)
			if shutdownErr != nil {
				logger.Error().Err(shutdownErr).Msg("server shutdown failed")
			}

			if err := bus.Stop(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("event bus did not drain in time")
			}
			if err := ranks.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing rank sync queue")
			}
			if err := db.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing database connection")
			}

			if shutdownErr != nil {
				return shutdownErr
			}
			logger.Info().Msg("server stopped gracefully")
			return nil
		},
	})
}
