package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	// Coordinator API
	APIBaseURL  string
	BearerToken string
	WorkerID    string

	// Transcoding
	FFmpegPath string
	TempDir    string

	// Parallel processing
	MaxConcurrentJobs int // 0 = size from CPU/RAM at startup

	// Polling tiers. No tier is ever shorter than ActiveWait.
	ActiveWait            time.Duration
	ActiveGearDuration    time.Duration
	IdleWait              time.Duration
	IdleHeartbeatInterval time.Duration
	IdleToDeepThreshold   time.Duration
	Deep1Wait             time.Duration
	Deep2Wait             time.Duration

	WakeupPort               int
	StealthHeartbeatInterval time.Duration

	// Processing limits
	MaxFileSize         int64
	MaxURLDownloadBytes int64
	TimeoutMinutes      int
	RAMWarningGB        float64
	RAMCriticalGB       float64

	// Legacy profile name -> CRF. New profiles (crf_10, crf_14, ...) carry
	// the number in the name.
	CRFMap map[string]int

	ThumbnailScale string
	CDNBaseURL     string

	// Samaritan: alerts, command channel, telemetry ping
	TelegramToken        string
	TelegramChatID       string
	TelegramPollInterval time.Duration
	SamaritanSecret      string
	StatusInterval       time.Duration
	PingInterval         time.Duration
	FallbackWebhookURL   string

	// Job recovery
	AutoResumeInterrupted bool

	// Logging
	LogLevel string
	LogFile  string
}

func New() *Config {
	workerID := getEnv("BK_WORKER_ID", "")
	if workerID == "" {
		workerID = "hetner-" + uuid.NewString()[:8]
	}

	return &Config{
		APIBaseURL:  getEnv("BK_API_BASE_URL", "https://v.bilgekarga.tr"),
		BearerToken: getEnv("BK_BEARER_TOKEN", ""),
		WorkerID:    workerID,
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		TempDir:     getEnv("TEMP_DIR", "/tmp/video-processing"),

		MaxConcurrentJobs: getInt("MAX_CONCURRENT_JOBS", 0),

		ActiveWait:            getSeconds("ACTIVE_WAIT", 60),
		ActiveGearDuration:    getSeconds("ACTIVE_GEAR_DURATION", 300),
		IdleWait:              getSeconds("IDLE_WAIT", 3600),
		IdleHeartbeatInterval: getSeconds("IDLE_HEARTBEAT_INTERVAL", 3600),
		IdleToDeepThreshold:   getSeconds("IDLE_TO_DEEP_THRESHOLD", 7200),
		Deep1Wait:             getSeconds("DEEP1_WAIT", 21600),
		Deep2Wait:             getSeconds("DEEP2_WAIT", 86400),

		WakeupPort:               getInt("WAKEUP_PORT", 8080),
		StealthHeartbeatInterval: getSeconds("STEALTH_HEARTBEAT_INTERVAL", 600),

		MaxFileSize:         getInt64("MAX_FILE_SIZE", 1<<30),
		MaxURLDownloadBytes: getInt64("MAX_URL_DOWNLOAD_BYTES", 5<<30),
		TimeoutMinutes:      getInt("TIMEOUT_MINUTES", 60),
		RAMWarningGB:        getFloat("RAM_WARNING_GB", 28.0),
		RAMCriticalGB:       getFloat("RAM_CRITICAL_GB", 31.5),

		CRFMap: map[string]int{
			"native":      14,
			"ultra":       16,
			"dengeli":     14,
			"kucuk_dosya": 18,
		},

		ThumbnailScale: getEnv("THUMBNAIL_SCALE", "360:-2"),
		CDNBaseURL:     getEnv("CDN_BASE_URL", "https://cdn.bilgekarga.tr"),

		TelegramToken:        getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID:       getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramPollInterval: getSeconds("TELEGRAM_POLL_INTERVAL", 5),
		SamaritanSecret:      getEnv("SAMARITAN_SECRET", ""),
		StatusInterval:       getSeconds("SAMARITAN_STATUS_INTERVAL", 21600),
		PingInterval:         getSeconds("SAMARITAN_PING_INTERVAL", 300),
		FallbackWebhookURL:   firstNonEmpty(os.Getenv("FALLBACK_WEBHOOK_URL"), os.Getenv("DISCORD_WEBHOOK_URL")),

		AutoResumeInterrupted: getBool("AUTO_RESUME_INTERRUPTED"),

		LogLevel: getEnv("LOG_LEVEL", "debug"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getInt(key, defaultSeconds)) * time.Second
}

func getBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes", "TRUE", "YES", "True", "Yes":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
