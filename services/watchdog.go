package services

import (
	"fmt"
	"log/slog"
	"time"

	"bk-agent/config"
)

// RAMWatchdog samples memory every 30s. Crossing the warning threshold
// sends a rate-limited anomaly alert; crossing the critical threshold
// latches ram_critical, kills active transcodes, posts interrupts and
// wakes the main loop so it can drain and stop.
type RAMWatchdog struct {
	agent    *Agent
	client   *CoordinatorClient
	alerts   *AlertService
	health   func(diskPath string) SystemHealth
	tempDir  string
	warnGB   float64
	critGB   float64
	interval time.Duration
	logger   *slog.Logger
}

func NewRAMWatchdog(cfg *config.Config, agent *Agent, client *CoordinatorClient, alerts *AlertService, logger *slog.Logger) *RAMWatchdog {
	return &RAMWatchdog{
		agent:    agent,
		client:   client,
		alerts:   alerts,
		health:   GetSystemHealth,
		tempDir:  cfg.TempDir,
		warnGB:   cfg.RAMWarningGB,
		critGB:   cfg.RAMCriticalGB,
		interval: 30 * time.Second,
		logger:   logger,
	}
}

// Run blocks until shutdown or the critical latch fires.
func (w *RAMWatchdog) Run() {
	var lastWarning time.Time
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.agent.Done():
			return
		case <-ticker.C:
		}

		used := w.health(w.tempDir).RAMUsedGB

		if used >= w.critGB {
			msg := "🔺 RAM CRITICAL: graceful shutdown (finish current jobs, then stop)"
			w.logger.Error("RAM critical threshold crossed",
				"ram_used_gb", fmt.Sprintf("%.1f", used), "critical_gb", w.critGB)
			w.agent.SetRAMCritical()
			if err := w.client.ReportSystemAlert("critical", msg); err != nil {
				w.logger.Warn("system alert report failed", "error", err)
			}
			w.alerts.Send(msg)
			w.agent.InterruptActiveJobs("ram_critical")
			w.agent.SignalWake()
			return
		}

		if used > w.warnGB && time.Since(lastWarning) > 5*time.Minute {
			msg := "⚠️ SYSTEM ANOMALY"
			if err := w.client.ReportSystemAlert("warning", msg); err != nil {
				w.logger.Warn("system alert report failed", "error", err)
			}
			w.alerts.Send(msg)
			lastWarning = time.Now()
			w.logger.Warn("RAM above warning threshold",
				"ram_used_gb", fmt.Sprintf("%.1f", used), "warning_gb", w.warnGB)
		}
	}
}
