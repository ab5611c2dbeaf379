package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

type contextKey string

const (
	ContextKeyCorrelationID     = contextKey("correlation_id")
	ContextKeyJobID             = contextKey("job_id")
	ContextKeyOperationDuration = contextKey("operation_duration")
)

type AgentLogger struct {
	*slog.Logger
	config      *Config
	mu          sync.RWMutex
	serviceName string
	environment string
	levelVar    *slog.LevelVar
}

type Config struct {
	Level          slog.Level
	OutputFormat   string // "json" or "text"
	AddSource      bool
	EnableSampling bool
	SampleRate     float64
	EnableMetrics  bool
	Output         io.Writer // For testing, defaults to os.Stdout
}

func DefaultConfig() *Config {
	return &Config{
		Level:          slog.LevelInfo,
		OutputFormat:   "json",
		AddSource:      false,
		EnableSampling: false,
		SampleRate:     1.0,
		EnableMetrics:  false,
		Output:         os.Stdout,
	}
}

func New(serviceName string, cfg *Config) (*AgentLogger, error) {
	// Set default output if not specified
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	// Create level var for dynamic level changes
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.OutputFormat == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	// Wrap with custom handlers
	handler = NewUTCTimeHandler(handler)
	handler = NewContextualHandler(handler)

	if cfg.EnableSampling && cfg.SampleRate < 1.0 {
		handler = NewSamplingHandler(handler, cfg.SampleRate)
	}

	if cfg.EnableMetrics {
		handler = NewMetricsHandler(handler, serviceName)
	}

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}

	logger := slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("environment", environment),
		slog.Int("pid", os.Getpid()),
	)

	return &AgentLogger{
		Logger:      logger,
		config:      cfg,
		serviceName: serviceName,
		environment: environment,
		levelVar:    levelVar,
	}, nil
}

// SetLevel dynamically changes the log level
func (l *AgentLogger) SetLevel(level slog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levelVar.Set(level)
	l.config.Level = level
}

// GetLevel returns the current log level
func (l *AgentLogger) GetLevel() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

// Component-specific loggers
func (l *AgentLogger) ForJob(jobID int64) *slog.Logger {
	return l.With(
		slog.String("component", "pipeline"),
		slog.Int64("job_id", jobID),
	)
}

func (l *AgentLogger) ForComponent(name string) *slog.Logger {
	return l.With(slog.String("component", name))
}

func (l *AgentLogger) ForWorker(workerID string) *slog.Logger {
	return l.With(
		slog.String("component", "agent"),
		slog.String("worker_id", workerID),
	)
}

// LogRPC logs a coordinator RPC outcome
func (l *AgentLogger) LogRPC(ctx context.Context, method, endpoint string, statusCode int, duration time.Duration) {
	level := slog.LevelDebug
	if statusCode >= 500 || statusCode == 0 {
		level = slog.LevelError
	} else if statusCode >= 400 {
		level = slog.LevelWarn
	}

	l.LogAttrs(ctx, level, "coordinator rpc",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
		slog.String("type", "coordinator_rpc"),
	)
}
