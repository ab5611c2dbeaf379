package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, "https://v.bilgekarga.tr", cfg.APIBaseURL)
	assert.Equal(t, "/tmp/video-processing", cfg.TempDir)
	assert.Equal(t, 0, cfg.MaxConcurrentJobs)

	assert.Equal(t, 60*time.Second, cfg.ActiveWait)
	assert.Equal(t, 5*time.Minute, cfg.ActiveGearDuration)
	assert.Equal(t, time.Hour, cfg.IdleWait)
	assert.Equal(t, 2*time.Hour, cfg.IdleToDeepThreshold)
	assert.Equal(t, 6*time.Hour, cfg.Deep1Wait)
	assert.Equal(t, 24*time.Hour, cfg.Deep2Wait)

	assert.Equal(t, int64(5<<30), cfg.MaxURLDownloadBytes)
	assert.Equal(t, 28.0, cfg.RAMWarningGB)
	assert.Equal(t, 31.5, cfg.RAMCriticalGB)

	assert.Equal(t, 14, cfg.CRFMap["native"])
	assert.Equal(t, 16, cfg.CRFMap["ultra"])
	assert.Equal(t, 18, cfg.CRFMap["kucuk_dosya"])
}

func TestNewGeneratesWorkerID(t *testing.T) {
	cfg := New()
	assert.True(t, strings.HasPrefix(cfg.WorkerID, "hetner-"))
	assert.Len(t, cfg.WorkerID, len("hetner-")+8)

	t.Setenv("BK_WORKER_ID", "hetner-fixed")
	assert.Equal(t, "hetner-fixed", New().WorkerID)
}

func TestNewEnvOverrides(t *testing.T) {
	t.Setenv("ACTIVE_WAIT", "30")
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("MAX_URL_DOWNLOAD_BYTES", "1048576")
	t.Setenv("AUTO_RESUME_INTERRUPTED", "1")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://hooks.example/legacy")

	cfg := New()
	assert.Equal(t, 30*time.Second, cfg.ActiveWait)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, int64(1048576), cfg.MaxURLDownloadBytes)
	assert.True(t, cfg.AutoResumeInterrupted)
	assert.Equal(t, "https://hooks.example/legacy", cfg.FallbackWebhookURL)
}

func TestFallbackWebhookPrecedence(t *testing.T) {
	t.Setenv("FALLBACK_WEBHOOK_URL", "https://hooks.example/new")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://hooks.example/legacy")

	assert.Equal(t, "https://hooks.example/new", New().FallbackWebhookURL)
}
