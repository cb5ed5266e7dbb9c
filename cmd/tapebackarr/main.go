package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/api"
	"github.com/RoseOO/TapeBackarr/internal/auth"
	"github.com/RoseOO/TapeBackarr/internal/backup"
	"github.com/RoseOO/TapeBackarr/internal/config"
	"github.com/RoseOO/TapeBackarr/internal/database"
	"github.com/RoseOO/TapeBackarr/internal/dispatcher"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
	"github.com/RoseOO/TapeBackarr/internal/notifications"
	"github.com/RoseOO/TapeBackarr/internal/scheduler"
	"github.com/RoseOO/TapeBackarr/internal/store"
	"github.com/RoseOO/TapeBackarr/internal/tape"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	configPath := flag.String("config", "/etc/tapebackarr/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TapeBackarr v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting TapeBackarr", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Database initialized", map[string]interface{}{"path": cfg.Database.Path})

	st := store.New(db)
	audit := logging.NewAuditLogger(db, logger)
	authService := auth.NewService(db)

	telegramService := notifications.NewTelegramService(notifications.TelegramConfig{
		Enabled:  cfg.Notifications.Telegram.Enabled,
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
	})
	if telegramService.IsEnabled() {
		logger.Info("Telegram notifications enabled", nil)
	}

	emailService := notifications.NewEmailService(notifications.EmailConfig{
		Enabled:    cfg.Notifications.Email.Enabled,
		SMTPHost:   cfg.Notifications.Email.SMTPHost,
		SMTPPort:   cfg.Notifications.Email.SMTPPort,
		Username:   cfg.Notifications.Email.Username,
		Password:   cfg.Notifications.Email.Password,
		FromEmail:  cfg.Notifications.Email.FromEmail,
		FromName:   cfg.Notifications.Email.FromName,
		ToEmails:   cfg.Notifications.Email.ToEmails,
		UseTLS:     cfg.Notifications.Email.UseTLS,
		SkipVerify: cfg.Notifications.Email.SkipVerify,
	})
	if emailService.IsEnabled() {
		logger.Info("Email notifications enabled", nil)
	}
	schedulerNotifier := notifications.NewSchedulerNotifier(telegramService, emailService)

	mover := tape.NewDeviceMover(cfg.Tape.DriveLetter, cfg.Tape.BlockSize, "")
	engine := backup.NewEngine(st, mover, backup.Config{
		WorkDir:           filepath.Join(cfg.Backup.CompressDir, "work"),
		FinalDir:          filepath.Join(cfg.Backup.CompressDir, "final"),
		MaxGroupBytes:     cfg.Backup.MaxGroupBytes,
		Codec:             cfg.Backup.Codec,
		CompressorRetries: cfg.Backup.CompressorRetries,
		TapeMoverInterval: time.Duration(cfg.Backup.TapeMoverInterval) * time.Second,
	}, logger)

	disp := dispatcher.New()
	disp.Register(models.ActionBackup, dispatcher.NewBackupHandler(st, engine, logger))
	disp.Register(models.ActionHealthCheck, dispatcher.NewTrivialHandler(models.ActionHealthCheck))
	disp.Register(models.ActionRetentionCheck, dispatcher.NewTrivialHandler(models.ActionRetentionCheck))
	disp.Register(models.ActionCleanup, dispatcher.NewTrivialHandler(models.ActionCleanup))
	disp.Register(models.ActionRecovery, dispatcher.NewTrivialHandler(models.ActionRecovery))
	disp.Register(models.ActionCustom, dispatcher.NewTrivialHandler(models.ActionCustom))

	tickInterval := time.Duration(cfg.Scheduler.TickInterval) * time.Second
	schedulerService := scheduler.NewService(st, disp, logger, audit, schedulerNotifier, tickInterval)

	server := api.NewServer(st, schedulerService, authService, logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Scheduler.UnlockAllOnStart {
		reset, err := schedulerService.UnlockAllTasks(ctx)
		if err != nil {
			logger.Error("Failed to unlock stale tasks on start", map[string]interface{}{"error": err.Error()})
		} else if reset > 0 {
			logger.Info("Unlocked stale tasks on start", map[string]interface{}{"count": reset})
		}
	}

	if cfg.Scheduler.Enabled {
		if err := schedulerService.Start(ctx); err != nil {
			logger.Error("Failed to start scheduler", map[string]interface{}{"error": err.Error()})
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // long timeout for tape operations
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", map[string]interface{}{"address": addr})
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	schedulerService.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("TapeBackarr shutdown complete", nil)
}
