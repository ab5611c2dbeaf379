package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordClaimAttempt()
	m.RecordClaimAttempt()
	m.RecordClaimWon()
	m.RecordJobCompleted()
	m.RecordJobFailed()
	m.RecordJobInterrupted()
	m.RecordBytesDownloaded(1024)
	m.RecordBytesUploaded(2048)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(2), snap.ClaimsAttempted)
	assert.Equal(t, int64(1), snap.ClaimsWon)
	assert.Equal(t, int64(1), snap.JobsCompleted)
	assert.Equal(t, int64(1), snap.JobsFailed)
	assert.Equal(t, int64(1), snap.JobsInterrupted)
	assert.Equal(t, int64(1024), snap.BytesDownloaded)
	assert.Equal(t, int64(2048), snap.BytesUploaded)
	assert.GreaterOrEqual(t, m.Uptime().Nanoseconds(), int64(0))
}

func TestMetricsConcurrentRecording(t *testing.T) {
	m := NewMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordClaimAttempt()
			m.RecordBytesDownloaded(10)
		}()
	}
	wg.Wait()

	snap := m.GetSnapshot()
	assert.Equal(t, int64(50), snap.ClaimsAttempted)
	assert.Equal(t, int64(500), snap.BytesDownloaded)
}
