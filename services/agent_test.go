package services

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bk-agent/config"
	"bk-agent/monitoring"
	"bk-agent/pkg/logging"
)

func testAgentLogger(t *testing.T) *logging.AgentLogger {
	t.Helper()
	lcfg := logging.DefaultConfig()
	lcfg.Output = io.Discard
	logger, err := logging.New("bk-agent-test", lcfg)
	require.NoError(t, err)
	return logger
}

type agentHarness struct {
	agent    *Agent
	claims   *atomic.Int64
	fails    chan map[string]any
	hbStatus *atomic.Int64 // HTTP status the heartbeat endpoint answers with
}

func newAgentHarness(t *testing.T, jobOnClaim *Job) *agentHarness {
	t.Helper()
	h := &agentHarness{
		claims:   &atomic.Int64{},
		fails:    make(chan map[string]any, 4),
		hbStatus: &atomic.Int64{},
	}
	h.hbStatus.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs/claim":
			h.claims.Add(1)
			w.Header().Set("Content-Type", "application/json")
			if jobOnClaim == nil {
				io.WriteString(w, "{}")
				return
			}
			json.NewEncoder(w).Encode(jobOnClaim)
		case "/api/jobs/fail":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			h.fails <- body
			w.WriteHeader(http.StatusNoContent)
		case "/api/heartbeat":
			w.WriteHeader(int(h.hbStatus.Load()))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		APIBaseURL:            srv.URL,
		BearerToken:           "t",
		WorkerID:              "hetner-test",
		TempDir:               t.TempDir(),
		MaxConcurrentJobs:     2,
		ActiveWait:            10 * time.Millisecond,
		ActiveGearDuration:    time.Minute,
		IdleWait:              time.Hour,
		IdleHeartbeatInterval: time.Millisecond,
		IdleToDeepThreshold:   2 * time.Hour,
		Deep1Wait:             6 * time.Hour,
		Deep2Wait:             24 * time.Hour,
		MaxURLDownloadBytes:   5 << 30,
	}
	logger := testAgentLogger(t)
	client := NewCoordinatorClient(cfg, slog.Default())

	downloader := NewDownloader(cfg.TempDir, cfg.MaxURLDownloadBytes, allowAllPolicy{}, slog.Default())
	downloader.diskFree = func(string) (uint64, error) { return 1 << 40, nil }
	uploader := NewUploader(client, "https://cdn.test", slog.Default())
	alerts := NewAlertService("", "", "", "https://cdn.test", slog.Default())
	metrics := monitoring.NewMetricsCollector()
	pipeline := NewPipeline(cfg, client, downloader, uploader, nil, alerts, metrics, logger)

	h.agent = NewAgent(cfg, client, pipeline, alerts, metrics, logger)
	return h
}

func TestComputeMaxConcurrent(t *testing.T) {
	t.Run("override clamped high", func(t *testing.T) {
		h := newAgentHarness(t, nil)
		h.agent.cfg.MaxConcurrentJobs = 100
		assert.Equal(t, 16, h.agent.computeMaxConcurrent())
	})

	t.Run("override kept in range", func(t *testing.T) {
		h := newAgentHarness(t, nil)
		h.agent.cfg.MaxConcurrentJobs = 5
		assert.Equal(t, 5, h.agent.computeMaxConcurrent())
	})

	t.Run("ram bound wins on small machines", func(t *testing.T) {
		h := newAgentHarness(t, nil)
		h.agent.cfg.MaxConcurrentJobs = 0
		h.agent.health = func(string) SystemHealth {
			return SystemHealth{RAMAvailableGB: 4, RAMTotalGB: 8}
		}
		assert.Equal(t, 1, h.agent.computeMaxConcurrent())
	})

	t.Run("hard cap at eight", func(t *testing.T) {
		h := newAgentHarness(t, nil)
		h.agent.cfg.MaxConcurrentJobs = 0
		h.agent.health = func(string) SystemHealth {
			return SystemHealth{RAMAvailableGB: 1024}
		}
		n := h.agent.computeMaxConcurrent()
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 8)
	})
}

func TestWakeupCollapsesSleep(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	require.Equal(t, ModeIdle, a.Snapshot().Mode)
	a.Wakeup()

	snap := a.Snapshot()
	assert.Equal(t, ModeActive, snap.Mode)

	// The pending tier sleep must be interrupted, not waited out
	start := time.Now()
	a.waitForWake(5 * time.Second)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalWakeCoalesces(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	a.SignalWake()
	a.SignalWake()
	a.SignalWake()

	start := time.Now()
	a.waitForWake(5 * time.Second)
	assert.Less(t, time.Since(start), time.Second, "first wait consumes the signal")

	start = time.Now()
	a.waitForWake(100 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "burst collapses to one signal")
}

func TestTryClaimEnqueuesAndShiftsGear(t *testing.T) {
	job := &Job{ID: 77, CleanName: "v.mp4", Quality: "720p", ProcessingProfile: "crf_14", FileSizeInput: 100}
	h := newAgentHarness(t, job)
	a := h.agent

	a.tryClaim(time.Now(), 0)

	require.Len(t, a.jobQueue, 1)
	queued := <-a.jobQueue
	assert.Equal(t, int64(77), queued.ID)

	snap := a.Snapshot()
	assert.Equal(t, ModeActive, snap.Mode)
	a.mu.Lock()
	assert.True(t, a.activeGearUntil.After(time.Now()))
	a.mu.Unlock()
}

func TestTryClaimGearExpiryFallsBackToIdle(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	a.mu.Lock()
	a.mode = ModeActive
	a.activeGearUntil = time.Now().Add(-time.Second)
	a.mu.Unlock()

	a.tryClaim(time.Now(), 0)

	require.Equal(t, int64(1), h.claims.Load())
	assert.Equal(t, ModeIdle, a.Snapshot().Mode, "empty queue after gear expiry drops to idle")
}

func TestTryClaimAdmission(t *testing.T) {
	t.Run("paused suppresses the claim", func(t *testing.T) {
		h := newAgentHarness(t, &Job{ID: 1, FileSizeInput: 1})
		h.agent.SetPaused(true)
		h.agent.tryClaim(time.Now(), 0)
		assert.Zero(t, h.claims.Load())
		assert.Empty(t, h.agent.jobQueue)
	})

	t.Run("ram critical suppresses the claim", func(t *testing.T) {
		h := newAgentHarness(t, &Job{ID: 1, FileSizeInput: 1})
		h.agent.SetRAMCritical()
		h.agent.tryClaim(time.Now(), 0)
		assert.Zero(t, h.claims.Load())
	})

	t.Run("full pool suppresses the claim", func(t *testing.T) {
		h := newAgentHarness(t, &Job{ID: 1, FileSizeInput: 1})
		h.agent.tryClaim(time.Now(), h.agent.MaxConcurrent())
		assert.Zero(t, h.claims.Load())
	})

	t.Run("claim throttle holds between ticks", func(t *testing.T) {
		h := newAgentHarness(t, nil)
		now := time.Now()
		h.agent.tryClaim(now, 0)
		require.Equal(t, int64(1), h.claims.Load())
		h.agent.tryClaim(now.Add(time.Millisecond), 0)
		assert.Equal(t, int64(1), h.claims.Load(), "second claim inside the wait window")
		h.agent.tryClaim(now.Add(h.agent.cfg.ActiveWait), 0)
		assert.Equal(t, int64(2), h.claims.Load())
	})
}

func TestTryClaimDiskGuard(t *testing.T) {
	job := &Job{ID: 88, CleanName: "big.mp4", FileSizeInput: 1 << 30}
	h := newAgentHarness(t, job)
	h.agent.pipeline.downloader.diskFree = func(string) (uint64, error) { return 1000, nil }

	h.agent.tryClaim(time.Now(), 0)

	select {
	case body := <-h.fails:
		assert.Equal(t, float64(88), body["job_id"])
		assert.Equal(t, "claim", body["stage"])
		assert.Equal(t, msgDiskSpace, body["error_message"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fail report for the disk guard")
	}
	assert.Empty(t, h.agent.jobQueue, "job must not reach the queue")
}

func TestIdleHeartbeatEscalation(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent
	log := slog.Default()

	h.hbStatus.Store(http.StatusInternalServerError)
	now := time.Now()
	last := time.Time{}
	for i := 1; i <= 5; i++ {
		last = a.idleHeartbeat(now, last, log)
		now = now.Add(a.cfg.IdleHeartbeatInterval + time.Millisecond)
	}
	a.mu.Lock()
	count := a.heartbeatNoResponse
	a.mu.Unlock()
	assert.Equal(t, heartbeatNoResponseCap, count, "counter is capped")

	// At the cap the next tick sleeps the DEEP-2 interval
	tier := selectTier(now, ModeIdle, time.Time{}, now, count, a.cfg.IdleToDeepThreshold)
	assert.Equal(t, tierDeep2, tier)
	assert.Equal(t, a.cfg.Deep2Wait, a.tierWait(tier))

	// An answered 4xx resets the escalation
	h.hbStatus.Store(http.StatusForbidden)
	a.idleHeartbeat(now, last, log)
	a.mu.Lock()
	count = a.heartbeatNoResponse
	a.mu.Unlock()
	assert.Zero(t, count)

	tier = selectTier(now, ModeIdle, time.Time{}, now, count, a.cfg.IdleToDeepThreshold)
	assert.Equal(t, tierIdle, tier)
	assert.Equal(t, a.cfg.IdleWait, a.tierWait(tier))
}

func TestSelectTier(t *testing.T) {
	now := time.Now()
	deep := 2 * time.Hour
	tests := []struct {
		name       string
		mode       string
		gearUntil  time.Time
		lastJob    time.Time
		noResponse int
		want       pollTier
	}{
		{"active inside gear", ModeActive, now.Add(time.Minute), now, 0, tierActive},
		{"gear wins over escalation", ModeActive, now.Add(time.Minute), now.Add(-3 * time.Hour), 3, tierActive},
		{"gear expired drops out of active", ModeActive, now.Add(-time.Second), now, 0, tierIdle},
		{"idle with a recent job", ModeIdle, time.Time{}, now.Add(-time.Hour), 0, tierIdle},
		{"deep1 past the last-job threshold", ModeIdle, time.Time{}, now.Add(-3 * time.Hour), 0, tierDeep1},
		{"deep1 needs no unanswered heartbeats", ModeIdle, time.Time{}, now.Add(-3 * time.Hour), 2, tierDeep1},
		{"deep2 at the heartbeat cap", ModeIdle, time.Time{}, now.Add(-3 * time.Hour), 3, tierDeep2},
		{"deep2 even with a recent job", ModeIdle, time.Time{}, now, 3, tierDeep2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectTier(now, tt.mode, tt.gearUntil, tt.lastJob, tt.noResponse, deep)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTierWait(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	assert.Equal(t, a.cfg.ActiveWait, a.tierWait(tierActive))
	assert.Equal(t, a.cfg.IdleWait, a.tierWait(tierIdle))
	assert.Equal(t, a.cfg.Deep1Wait, a.tierWait(tierDeep1))
	assert.Equal(t, a.cfg.Deep2Wait, a.tierWait(tierDeep2))
}

func TestIdleHeartbeatIntervalGate(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent
	a.cfg.IdleHeartbeatInterval = time.Hour

	now := time.Now()
	got := a.idleHeartbeat(now, now.Add(-time.Minute), slog.Default())
	assert.Equal(t, now.Add(-time.Minute), got, "inside the interval nothing is sent")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	a.Stop()
	a.Stop()

	assert.False(t, a.Running())
	select {
	case <-a.Done():
	default:
		t.Fatal("done channel must be closed after Stop")
	}
}

func TestRunStopsOnStop(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	finished := make(chan struct{})
	go func() {
		a.Run()
		close(finished)
	}()

	time.Sleep(50 * time.Millisecond)
	a.Stop()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSnapshot(t *testing.T) {
	h := newAgentHarness(t, nil)
	a := h.agent

	a.registerJob(5, 1)
	a.registerJob(6, 2)
	a.SetPaused(true)

	snap := a.Snapshot()
	assert.Equal(t, "hetner-test", snap.WorkerID)
	assert.ElementsMatch(t, []int64{5, 6}, snap.ActiveJobIDs)
	assert.True(t, snap.Paused)
	assert.Equal(t, ModeIdle, snap.Mode)

	a.unregisterJob(5)
	a.unregisterJob(6)
	assert.Empty(t, a.Snapshot().ActiveJobIDs)
}
