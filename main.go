package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bk-agent/config"
	"bk-agent/monitoring"
	"bk-agent/optimization"
	"bk-agent/pkg/logging"
	"bk-agent/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize configuration first
	cfg := config.New()

	// Structured logger, optionally routed to LOG_FILE
	logCfg := logging.LoadConfigFromEnv()
	if err := logCfg.UseLogFile(cfg.LogFile); err != nil {
		log.Printf("Log file unavailable, staying on stdout: %v", err)
	}
	appLogger, err := logging.New("bk-agent", logCfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if cfg.BearerToken == "" {
		appLogger.Error("BK_BEARER_TOKEN not set")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		appLogger.Error("temp directory unavailable", "dir", cfg.TempDir, "error", err)
		os.Exit(1)
	}

	// Initialize global optimization pools
	optimization.InitGlobalPools()
	metrics := monitoring.NewMetricsCollector()

	client := services.NewCoordinatorClient(cfg, appLogger.ForComponent("api"))
	guard := services.NewURLGuard(appLogger.ForComponent("ssrf"))
	downloader := services.NewDownloader(cfg.TempDir, cfg.MaxURLDownloadBytes, guard, appLogger.ForComponent("downloader"))
	uploader := services.NewUploader(client, cfg.CDNBaseURL, appLogger.ForComponent("uploader"))
	alerts := services.NewAlertService(cfg.TelegramToken, cfg.TelegramChatID, cfg.FallbackWebhookURL, cfg.CDNBaseURL, appLogger.ForComponent("alerts"))

	// The agent implements ProcRegistry; wire the transcoder after it
	var transcoder *services.Transcoder
	pipeline := services.NewPipeline(cfg, client, downloader, uploader, nil, alerts, metrics, appLogger)
	agent := services.NewAgent(cfg, client, pipeline, alerts, metrics, appLogger)
	transcoder = services.NewTranscoder(cfg.FFmpegPath, cfg.CRFMap, cfg.TimeoutMinutes, cfg.ThumbnailScale, agent, appLogger.ForComponent("transcoder"))
	pipeline.SetTranscoder(transcoder)

	if err := transcoder.CheckBinary(); err != nil {
		appLogger.Error("FFmpeg not found", "path", cfg.FFmpegPath, "error", err)
		os.Exit(1)
	}

	services.CleanupOrphanFiles(cfg.TempDir, appLogger.ForComponent("cleanup"))

	watchdog := services.NewRAMWatchdog(cfg, agent, client, alerts, appLogger.ForComponent("watchdog"))
	commander := services.NewCommandService(cfg, agent, alerts, appLogger.ForComponent("c2"))
	loops := services.NewBackgroundLoops(cfg, agent, client, alerts, metrics, appLogger.ForComponent("loops"))
	recovery := services.NewRecoveryService(client, alerts, cfg.AutoResumeInterrupted, appLogger.ForComponent("recovery"))
	wakeup := services.NewWakeupServer(agent, cfg.BearerToken, cfg.WakeupPort, appLogger.ForComponent("wakeup"))

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLogger.Info("signal received, stopping agent gracefully", "signal", sig.String())
		agent.Stop()
		if err := wakeup.Shutdown(); err != nil {
			appLogger.Warn("wakeup server shutdown error", "error", err)
		}
	}()

	alerts.StartupOnline()
	recovery.RecoverInterruptedJobs()

	go func() {
		if err := wakeup.Listen(); err != nil {
			appLogger.Error("wakeup server failed", "error", err)
		}
	}()
	go watchdog.Run()
	go commander.Run()
	go loops.StealthHeartbeat()
	go loops.StatusReport()
	go loops.SamaritanPing()

	agent.Run()
}
