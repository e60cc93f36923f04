package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/Freeeeeet/gym_trial_bot/internal/app"
	"github.com/Freeeeeet/gym_trial_bot/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, Telegram bot and background sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger, err := app.NewLogger(cfg.Environment)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting gym trial bot",
			zap.String("http_addr", cfg.HTTPAddr),
			zap.String("schedule", cfg.ScheduleCSV),
			zap.Bool("whatsapp", cfg.WhatsAppEnabled()),
			zap.Bool("telegram", cfg.TelegramToken != ""),
			zap.Bool("google_calendar", cfg.GoogleCalendarEnabled()))

		application, err := app.New(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to start", zap.Error(err))
			return err
		}
		defer func() {
			if err := application.Close(); err != nil {
				logger.Warn("Error during close", zap.Error(err))
			}
		}()

		if err := application.Run(ctx); err != nil {
			return err
		}
		logger.Info("Stopped gracefully")
		return nil
	},
}
