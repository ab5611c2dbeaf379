package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector keeps lifetime counters for the agent process. Everything
// is atomic so the pipeline, watchdog and status reporter can hit it without
// coordination.
type MetricsCollector struct {
	startTime time.Time

	claimsAttempted atomic.Int64
	claimsWon       atomic.Int64
	jobsCompleted   atomic.Int64
	jobsFailed      atomic.Int64
	jobsInterrupted atomic.Int64
	bytesDownloaded atomic.Int64
	bytesUploaded   atomic.Int64
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

func (m *MetricsCollector) RecordClaimAttempt()        { m.claimsAttempted.Add(1) }
func (m *MetricsCollector) RecordClaimWon()            { m.claimsWon.Add(1) }
func (m *MetricsCollector) RecordJobCompleted()        { m.jobsCompleted.Add(1) }
func (m *MetricsCollector) RecordJobFailed()           { m.jobsFailed.Add(1) }
func (m *MetricsCollector) RecordJobInterrupted()      { m.jobsInterrupted.Add(1) }
func (m *MetricsCollector) RecordBytesDownloaded(n int64) { m.bytesDownloaded.Add(n) }
func (m *MetricsCollector) RecordBytesUploaded(n int64)   { m.bytesUploaded.Add(n) }

// Snapshot is a point-in-time copy safe to serialize
type Snapshot struct {
	UptimeSeconds   int64 `json:"uptime_seconds"`
	ClaimsAttempted int64 `json:"claims_attempted"`
	ClaimsWon       int64 `json:"claims_won"`
	JobsCompleted   int64 `json:"jobs_completed"`
	JobsFailed      int64 `json:"jobs_failed"`
	JobsInterrupted int64 `json:"jobs_interrupted"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
}

func (m *MetricsCollector) GetSnapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:   int64(time.Since(m.startTime).Seconds()),
		ClaimsAttempted: m.claimsAttempted.Load(),
		ClaimsWon:       m.claimsWon.Load(),
		JobsCompleted:   m.jobsCompleted.Load(),
		JobsFailed:      m.jobsFailed.Load(),
		JobsInterrupted: m.jobsInterrupted.Load(),
		BytesDownloaded: m.bytesDownloaded.Load(),
		BytesUploaded:   m.bytesUploaded.Load(),
	}
}

func (m *MetricsCollector) Uptime() time.Duration {
	return time.Since(m.startTime)
}
