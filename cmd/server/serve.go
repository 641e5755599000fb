package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirchat/mir-backend/internal/api"
	"github.com/mirchat/mir-backend/internal/api/handlers"
	"github.com/mirchat/mir-backend/internal/config"
	"github.com/mirchat/mir-backend/internal/database"
	"github.com/mirchat/mir-backend/internal/dependency"
)

const shutdownTimeout = 30 * time.Second

var (
	serveMigrate   bool
	serveAccessLog bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server, write-behind writers and session pruner",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply pending migrations before starting (postgres only)")
	serveCmd.Flags().BoolVar(&serveAccessLog, "access-log", true, "Log every HTTP request")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if serveMigrate && cfg.Storage.Driver == config.StoragePostgres {
		if err := database.RunMigrations(cfg.Database); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := dependency.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close connections")
		}
	}()

	app := api.NewApp(c.Services(), api.Options{
		Webhook: handlers.WebhookConfig{
			VerifyToken: cfg.WhatsApp.VerifyToken,
			AppSecret:   cfg.WhatsApp.AppSecret,
		},
		RateLimit:    cfg.Server.RateLimit,
		AllowOrigins: cfg.Server.AllowOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		JWT:          c.JWT(),
		Logger:       logger,
		AccessLog:    serveAccessLog,
	})
	if cfg.WhatsApp.AppSecret == "" {
		logger.Warn("whatsapp.app_secret is not set; webhook signatures are not verified")
	}

	// Writers and the pruner outlive the HTTP server so that updates from
	// in-flight background tasks still reach storage.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var bg errgroup.Group
	bg.Go(func() error { return c.UserWriter().Run(bgCtx) })
	bg.Go(func() error { return c.ChatLogWriter().Run(bgCtx) })
	bg.Go(func() error { return c.Pruner().Run(bgCtx) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Server.Addr()).Info("Server starting")
		return app.Listen(cfg.Server.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown incomplete")
		}
		if err := c.Supervisor().Wait(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Background tasks still running at shutdown")
		}
		stopBackground()
		return nil
	})

	err = g.Wait()
	stopBackground()
	if bgErr := bg.Wait(); bgErr != nil && !errors.Is(bgErr, context.Canceled) {
		logger.WithError(bgErr).Error("Background worker failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
