package services

import (
	"fmt"
	"log/slog"
	"time"

	"bk-agent/config"
	"bk-agent/monitoring"
)

// BackgroundLoops are the low-frequency side actors: stealth heartbeat,
// routine status report and samaritan telemetry ping. Each one is run on
// its own goroutine and exits when the agent is done.
type BackgroundLoops struct {
	cfg     *config.Config
	agent   *Agent
	client  *CoordinatorClient
	alerts  *AlertService
	metrics *monitoring.MetricsCollector
	health  func(diskPath string) SystemHealth
	logger  *slog.Logger
}

func NewBackgroundLoops(cfg *config.Config, agent *Agent, client *CoordinatorClient, alerts *AlertService, metrics *monitoring.MetricsCollector, logger *slog.Logger) *BackgroundLoops {
	return &BackgroundLoops{
		cfg:     cfg,
		agent:   agent,
		client:  client,
		alerts:  alerts,
		metrics: metrics,
		health:  GetSystemHealth,
		logger:  logger,
	}
}

// StealthHeartbeat keeps the lease alive every 10 minutes regardless of
// polling tier. Silent on success, error log only on failure.
func (b *BackgroundLoops) StealthHeartbeat() {
	for b.sleep(b.cfg.StealthHeartbeatInterval) {
		if err := b.agent.SendHeartbeat("ACTIVE"); err != nil {
			b.logger.Error("stealth heartbeat failed", "error", err)
		}
	}
}

// StatusReport posts the routine node-stability line every 6 hours.
func (b *BackgroundLoops) StatusReport() {
	for b.sleep(b.cfg.StatusInterval) {
		health := b.health(b.cfg.TempDir)
		uptimeH := time.Since(b.agent.StartTime()).Hours()
		text := fmt.Sprintf(
			"💠 <b>ROUTINE CHECK: NODE STABILITY</b> | CPU: %%%d | RAM: %.1f/%.1f GB | DISK FREE: %.1f GB | UPTIME: %.1fh | STATUS: OPTIMAL",
			int(health.CPUPercent), health.RAMUsedGB, health.RAMTotalGB, health.DiskFreeGB, uptimeH,
		)
		b.alerts.Send(text)
	}
}

// SamaritanPing pushes telemetry every 5 minutes. Runs only when the
// shared secret is configured.
func (b *BackgroundLoops) SamaritanPing() {
	if b.cfg.SamaritanSecret == "" {
		b.logger.Debug("samaritan ping disabled (no secret)")
		return
	}
	for b.sleep(b.cfg.PingInterval) {
		health := b.health(b.cfg.TempDir)
		snap := b.agent.Snapshot()
		payload := PingPayload{
			CPU:         round1(health.CPUPercent),
			RAM:         round2(health.RAMUsedGB),
			UptimeHours: round2(time.Since(b.agent.StartTime()).Hours()),
			Jobs:        len(snap.ActiveJobIDs),
			Node:        "Primary Core",
			Timestamp:   time.Now().Format(time.RFC3339),
		}
		if err := b.client.SamaritanPing(b.cfg.SamaritanSecret, payload); err != nil {
			b.logger.Debug("samaritan ping failed", "error", err)
		}
	}
}

// sleep waits one interval and reports whether the loop should continue.
func (b *BackgroundLoops) sleep(d time.Duration) bool {
	select {
	case <-b.agent.Done():
		return false
	case <-time.After(d):
		return b.agent.Running()
	}
}

func round1(v float64) float64 { return float64(int(v*10+0.5)) / 10 }
func round2(v float64) float64 { return float64(int(v*100+0.5)) / 100 }
