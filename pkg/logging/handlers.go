package logging

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// UTCTimeHandler ensures all timestamps are in UTC
type UTCTimeHandler struct {
	slog.Handler
}

func NewUTCTimeHandler(h slog.Handler) *UTCTimeHandler {
	return &UTCTimeHandler{Handler: h}
}

func (h *UTCTimeHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Time = r.Time.UTC()
	return h.Handler.Handle(ctx, r)
}

func (h *UTCTimeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &UTCTimeHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *UTCTimeHandler) WithGroup(name string) slog.Handler {
	return &UTCTimeHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextualHandler adds correlation and job info from context
type ContextualHandler struct {
	slog.Handler
}

func NewContextualHandler(h slog.Handler) *ContextualHandler {
	return &ContextualHandler{Handler: h}
}

func (h *ContextualHandler) Handle(ctx context.Context, r slog.Record) error {
	// Extract correlation ID
	if corrID := ctx.Value(ContextKeyCorrelationID); corrID != nil {
		if id, ok := corrID.(string); ok && id != "" {
			r.Add("correlation_id", slog.StringValue(id))
		}
	}

	// Extract job ID
	if jobID := ctx.Value(ContextKeyJobID); jobID != nil {
		if id, ok := jobID.(int64); ok && id != 0 {
			r.Add("job_id", slog.Int64Value(id))
		}
	}

	return h.Handler.Handle(ctx, r)
}

func (h *ContextualHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextualHandler{
		Handler: h.Handler.WithAttrs(attrs),
	}
}

func (h *ContextualHandler) WithGroup(name string) slog.Handler {
	return &ContextualHandler{
		Handler: h.Handler.WithGroup(name),
	}
}

// SamplingHandler samples logs based on rate
type SamplingHandler struct {
	handler slog.Handler
	rate    float64
	counter uint64
	mu      sync.RWMutex
	rand    *rand.Rand
}

func NewSamplingHandler(handler slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{
		handler: handler,
		rate:    rate,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, record slog.Record) error {
	// Increment counter atomically
	count := atomic.AddUint64(&h.counter, 1)

	// Sample based on rate
	h.mu.RLock()
	shouldLog := h.rand.Float64() < h.rate
	rate := h.rate
	h.mu.RUnlock()

	if !shouldLog {
		return nil
	}

	// Add sampling metadata
	record.Add("sample_rate", slog.Float64Value(rate))
	record.Add("sample_count", slog.Uint64Value(count))

	return h.handler.Handle(ctx, record)
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{
		handler: h.handler.WithAttrs(attrs),
		rate:    h.rate,
		rand:    h.rand,
	}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{
		handler: h.handler.WithGroup(name),
		rate:    h.rate,
		rand:    h.rand,
	}
}

// MetricsHandler collects metrics about logging
type MetricsHandler struct {
	slog.Handler
	serviceName string
	counters    map[slog.Level]uint64
	mu          sync.RWMutex
}

func NewMetricsHandler(h slog.Handler, serviceName string) *MetricsHandler {
	return &MetricsHandler{
		Handler:     h,
		serviceName: serviceName,
		counters:    make(map[slog.Level]uint64),
	}
}

func (h *MetricsHandler) Handle(ctx context.Context, r slog.Record) error {
	// Increment counter for this log level
	h.mu.Lock()
	h.counters[r.Level]++
	count := h.counters[r.Level]
	h.mu.Unlock()

	// Add metrics metadata
	r.Add("log_count", slog.Uint64Value(count))

	return h.Handler.Handle(ctx, r)
}

func (h *MetricsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &MetricsHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		serviceName: h.serviceName,
		counters:    h.counters,
	}
}

func (h *MetricsHandler) WithGroup(name string) slog.Handler {
	return &MetricsHandler{
		Handler:     h.Handler.WithGroup(name),
		serviceName: h.serviceName,
		counters:    h.counters,
	}
}

func (h *MetricsHandler) GetMetrics() map[slog.Level]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[slog.Level]uint64)
	for level, count := range h.counters {
		result[level] = count
	}
	return result
}
