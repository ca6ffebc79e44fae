package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/shadowpanel/backend/internal/analytics"
	"github.com/shadowpanel/backend/internal/config"
	"github.com/shadowpanel/backend/internal/database"
	"github.com/shadowpanel/backend/internal/handlers"
	"github.com/shadowpanel/backend/internal/logging"
	"github.com/shadowpanel/backend/internal/middleware"
	"github.com/shadowpanel/backend/internal/models"
	"github.com/shadowpanel/backend/internal/outline"
	"github.com/shadowpanel/backend/internal/services"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogJSON)

	if err := database.Connect(cfg); err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer database.Close()

	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if err := seedAdminUser(cfg); err != nil {
		log.Fatal().Err(err).Msg("admin seed failed")
	}

	client := outline.NewClient(cfg.RemoteTimeout)

	recorder := services.NewUsageRecorder(database.DB, client, cfg.SnapshotInterval)
	reset := services.NewQuotaResetService(database.DB, client, cfg.ReconcileInterval)
	alerts := services.NewUsageAlertService(
		database.DB, services.NewEmailSender(cfg),
		cfg.AlertInterval, cfg.UsageWarnPercent, cfg.AlertCooldown,
	)
	recorder.Start()
	reset.Start()
	alerts.Start()

	app := buildApp(cfg, client, recorder, reset)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		log.Info().Str("addr", addr).Msg("api listening")
		if err := app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	recorder.Stop()
	reset.Stop()
	alerts.Stop()
	if err := app.Shutdown(); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

func buildApp(cfg *config.Config, client services.CounterClient, recorder *services.UsageRecorder, reset *services.QuotaResetService) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "shadowpanel",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(cfg)
	usageHandler := handlers.NewUsageHandler(analytics.NewService(database.DB), recorder, reset)
	keyHandler := handlers.NewKeyHandler(cfg, reset, client)

	api := app.Group("/api")
	api.Post("/auth/login", authHandler.Login)

	protected := api.Group("", middleware.AuthRequired(cfg))
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)

	protected.Get("/usage/top-consumers", usageHandler.TopConsumers)
	protected.Get("/usage/anomalies", usageHandler.Anomalies)
	protected.Get("/usage/forecast/:keyID", usageHandler.Forecast)
	protected.Get("/usage/history/:keyID", usageHandler.History)
	protected.Post("/usage/snapshot-run", usageHandler.SnapshotRun)
	protected.Post("/usage/reconcile-run", usageHandler.ReconcileRun)

	protected.Put("/keys/:id/data-limit", keyHandler.SetDataLimit)
	protected.Delete("/keys/:id/data-limit", keyHandler.RemoveDataLimit)
	protected.Post("/keys/:id/reset-usage", keyHandler.ResetUsage)

	return app
}

// seedAdminUser creates the admin account on first boot.
func seedAdminUser(cfg *config.Config) error {
	var count int64
	if err := database.DB.Model(&models.User{}).
		Where("username = ?", cfg.AdminUsername).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := models.User{
		Username:     cfg.AdminUsername,
		PasswordHash: string(hash),
		IsActive:     true,
	}
	if err := database.DB.Create(&user).Error; err != nil {
		return err
	}
	log.Info().Str("username", cfg.AdminUsername).Msg("admin user created")
	return nil
}
