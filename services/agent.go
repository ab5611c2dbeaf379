package services

import (
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"bk-agent/config"
	"bk-agent/monitoring"
	"bk-agent/pkg/logging"
)

// Agent modes. DEEP tiers are not separate modes; they are derived from
// last_job_time and the unanswered-heartbeat count.
const (
	ModeActive = "active"
	ModeIdle   = "idle"
)

// heartbeatNoResponseCap bounds the escalation counter; DEEP-2 is the last
// tier, counting past 3 changes nothing.
const heartbeatNoResponseCap = 3

// Agent owns the shared state and the main polling loop. One mutex guards
// mode, timers, job maps and the pause flag; running and ramCritical are
// monotonic and read lock-free.
type Agent struct {
	cfg      *config.Config
	client   *CoordinatorClient
	pipeline *Pipeline
	alerts   *AlertService
	metrics  *monitoring.MetricsCollector
	health   func(diskPath string) SystemHealth
	logger   *logging.AgentLogger

	mu                  sync.Mutex
	mode                string
	activeGearUntil     time.Time
	lastClaimTime       time.Time
	lastJobTime         time.Time
	heartbeatNoResponse int
	activeJobs          map[int64]string
	activeProcs         map[int64]*exec.Cmd
	interrupted         map[int64]bool
	paused              bool

	running     atomic.Bool
	ramCritical atomic.Bool

	maxConcurrent int
	jobQueue      chan *Job
	wake          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	startTime     time.Time
	workerWG      sync.WaitGroup
}

func NewAgent(cfg *config.Config, client *CoordinatorClient, pipeline *Pipeline, alerts *AlertService, metrics *monitoring.MetricsCollector, logger *logging.AgentLogger) *Agent {
	a := &Agent{
		cfg:         cfg,
		client:      client,
		pipeline:    pipeline,
		alerts:      alerts,
		metrics:     metrics,
		health:      GetSystemHealth,
		logger:      logger,
		mode:        ModeIdle,
		lastJobTime: time.Now(),
		activeJobs:  make(map[int64]string),
		activeProcs: make(map[int64]*exec.Cmd),
		interrupted: make(map[int64]bool),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		startTime:   time.Now(),
	}
	a.running.Store(true)
	a.maxConcurrent = a.computeMaxConcurrent()
	a.jobQueue = make(chan *Job, a.maxConcurrent)
	logger.ForWorker(cfg.WorkerID).Info("agent initialized", "max_concurrent", a.maxConcurrent)
	return a
}

// computeMaxConcurrent sizes the pool from CPU and RAM: ffmpeg needs about
// 4 GB per job, one CPU stays for the system, hard cap 8. Env override
// wins, clamped to [1,16].
func (a *Agent) computeMaxConcurrent() int {
	if a.cfg.MaxConcurrentJobs > 0 {
		n := a.cfg.MaxConcurrentJobs
		if n < 1 {
			n = 1
		}
		if n > 16 {
			n = 16
		}
		return n
	}
	health := a.health(a.cfg.TempDir)
	ramGB := health.RAMAvailableGB
	if ramGB <= 0 {
		ramGB = health.RAMTotalGB
	}
	cpus := runtime.NumCPU()
	if cpus <= 0 {
		cpus = 4
	}
	n := cpus - 1
	if n < 1 {
		n = 1
	}
	byRAM := 1
	if ramGB > 0 {
		byRAM = int(ramGB / 4)
		if byRAM < 1 {
			byRAM = 1
		}
	}
	if byRAM < n {
		n = byRAM
	}
	if n > 8 {
		n = 8
	}
	a.logger.Info("dynamic concurrency", "cpus", cpus, "ram_available_gb", ramGB, "max_concurrent", n)
	return n
}

// Run starts the worker pool and blocks in the main polling loop until
// Stop, SIGTERM semantics, or the critical-RAM drain clears running.
func (a *Agent) Run() {
	log := a.logger.ForWorker(a.cfg.WorkerID)
	log.Info("agent starting", "mode", "stealth idle + active gear")

	for i := 1; i <= a.maxConcurrent; i++ {
		a.workerWG.Add(1)
		go a.workerLoop(i)
	}

	var lastHeartbeat time.Time
	for a.running.Load() {
		now := time.Now()

		a.mu.Lock()
		if a.mode == ModeActive && !now.Before(a.activeGearUntil) {
			a.mode = ModeIdle
		}
		mode := a.mode
		gearUntil := a.activeGearUntil
		lastJob := a.lastJobTime
		active := len(a.activeJobs)
		noResponse := a.heartbeatNoResponse
		a.mu.Unlock()

		if a.ramCritical.Load() && active == 0 && len(a.jobQueue) == 0 {
			log.Info("graceful shutdown: no active jobs left, stopping")
			a.Stop()
			break
		}

		tier := selectTier(now, mode, gearUntil, lastJob, noResponse, a.cfg.IdleToDeepThreshold)
		wait := a.tierWait(tier)
		switch tier {
		case tierActive:
			a.mu.Lock()
			a.heartbeatNoResponse = 0
			a.mu.Unlock()
			if now.Sub(lastHeartbeat) >= 30*time.Second {
				if err := a.SendHeartbeat("ACTIVE"); err == nil {
					lastHeartbeat = now
				}
			}
			a.tryClaim(now, active)

		case tierDeep1, tierDeep2:
			lastHeartbeat = a.idleHeartbeat(now, lastHeartbeat, log)

		default:
			lastHeartbeat = a.idleHeartbeat(now, lastHeartbeat, log)
			log.Info("idle, next check scheduled", "wait_seconds", int(wait.Seconds()))
		}

		a.waitForWake(wait)
	}

	// Drain: one sentinel per worker, then wait for every in-flight job to
	// finish and post its terminal call. Workers re-check running after each
	// take, so the wait is bounded by the transcode deadline.
	for i := 0; i < a.maxConcurrent; i++ {
		select {
		case a.jobQueue <- nil:
		default:
		}
	}
	log.Info("waiting for workers to drain")
	a.workerWG.Wait()
	log.Info("agent stopped")
}

// pollTier is the sleep tier chosen for one main-loop tick.
type pollTier int

const (
	tierActive pollTier = iota
	tierIdle
	tierDeep1
	tierDeep2
)

// selectTier derives the tier from the escalation state. The active gear
// wins while it lasts; unanswered heartbeats outrank the last-job clock.
func selectTier(now time.Time, mode string, gearUntil, lastJob time.Time, noResponse int, deepThreshold time.Duration) pollTier {
	switch {
	case mode == ModeActive && now.Before(gearUntil):
		return tierActive
	case noResponse >= heartbeatNoResponseCap:
		return tierDeep2
	case now.Sub(lastJob) >= deepThreshold:
		return tierDeep1
	default:
		return tierIdle
	}
}

func (a *Agent) tierWait(tier pollTier) time.Duration {
	switch tier {
	case tierActive:
		return a.cfg.ActiveWait
	case tierDeep2:
		return a.cfg.Deep2Wait
	case tierDeep1:
		return a.cfg.Deep1Wait
	}
	return a.cfg.IdleWait
}

// tryClaim performs one claim attempt when the admission rule passes. The
// rule is evaluated and the enqueue recorded under the same lock hold.
func (a *Agent) tryClaim(now time.Time, active int) {
	a.mu.Lock()
	admit := !a.ramCritical.Load() && !a.paused &&
		active < a.maxConcurrent &&
		now.Sub(a.lastClaimTime) >= a.cfg.ActiveWait
	a.mu.Unlock()
	if !admit {
		return
	}

	a.client.MarkZombies()
	a.metrics.RecordClaimAttempt()
	job, err := a.client.ClaimJob()
	if err != nil {
		a.logger.Debug("claim failed", "error", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastClaimTime = now
	if job == nil {
		if !now.Before(a.activeGearUntil) {
			a.mode = ModeIdle
		}
		return
	}

	expected := a.pipeline.downloader.ExpectedJobSize(job)
	if !a.pipeline.downloader.HasDiskSpaceFor(expected) {
		go a.pipeline.fail(job.ID, msgDiskSpace, "claim", "")
		return
	}

	a.metrics.RecordClaimWon()
	select {
	case a.jobQueue <- job:
		a.lastJobTime = now
		a.activeGearUntil = now.Add(a.cfg.ActiveGearDuration)
		a.mode = ModeActive
	default:
		// Queue full should be unreachable given the admission rule
		a.logger.Warn("job queue full, releasing claim as interrupted", "job_id", job.ID)
		go a.client.InterruptJob(job.ID, "claim")
	}
}

// idleHeartbeat sends at the idle cadence and maintains the escalation
// counter: answered resets it, unanswered increments toward DEEP-2.
func (a *Agent) idleHeartbeat(now, lastHeartbeat time.Time, log *slog.Logger) time.Time {
	if now.Sub(lastHeartbeat) < a.cfg.IdleHeartbeatInterval {
		return lastHeartbeat
	}
	err := a.SendHeartbeat("IDLE")
	if err == nil || !errors.Is(err, ErrNoResponse) {
		// The coordinator answered, even if it was a 4xx
		a.mu.Lock()
		a.heartbeatNoResponse = 0
		a.mu.Unlock()
		return now
	}
	a.mu.Lock()
	if a.heartbeatNoResponse < heartbeatNoResponseCap {
		a.heartbeatNoResponse++
	}
	count := a.heartbeatNoResponse
	a.mu.Unlock()
	if count == 2 {
		log.Info("hibernation advisory: 2 unanswered heartbeats, 6h wait next")
	}
	if count >= 3 {
		log.Info("hibernation advisory: 3 unanswered heartbeats, 24h wait next")
	}
	return now
}

// workerLoop consumes jobs until the sentinel or running clears. The take
// is bounded at 60s so shutdown is always observed.
func (a *Agent) workerLoop(id int) {
	defer a.workerWG.Done()
	for a.running.Load() {
		select {
		case job := <-a.jobQueue:
			if job == nil {
				return
			}
			a.registerJob(job.ID, id)
			a.pipeline.Process(job)
			a.unregisterJob(job.ID)
		case <-time.After(60 * time.Second):
		}
	}
}

func (a *Agent) registerJob(jobID int64, worker int) {
	a.mu.Lock()
	a.activeJobs[jobID] = "worker-" + strconv.Itoa(worker)
	a.mu.Unlock()
}

func (a *Agent) unregisterJob(jobID int64) {
	a.mu.Lock()
	delete(a.activeJobs, jobID)
	delete(a.interrupted, jobID)
	a.mu.Unlock()
}

// RegisterProc and UnregisterProc implement ProcRegistry for the
// transcoder so the watchdog can terminate ffmpeg directly.
func (a *Agent) RegisterProc(jobID int64, cmd *exec.Cmd) {
	a.mu.Lock()
	a.activeProcs[jobID] = cmd
	a.mu.Unlock()
}

func (a *Agent) UnregisterProc(jobID int64) {
	a.mu.Lock()
	delete(a.activeProcs, jobID)
	a.mu.Unlock()
}

// Interrupted reports whether the job was taken over by an external
// interrupt. The owning worker must not post a second terminal call for
// it; jobs/interrupt is already on the wire.
func (a *Agent) Interrupted(jobID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupted[jobID]
}

// SendHeartbeat reports liveness. The error distinguishes a true
// no-response (transport failure, timeout, 5xx, matching ErrNoResponse)
// from an answered 4xx.
func (a *Agent) SendHeartbeat(status string) error {
	a.mu.Lock()
	active := len(a.activeJobs)
	var currentJob *int64
	for id := range a.activeJobs {
		v := id
		currentJob = &v
		break
	}
	a.mu.Unlock()

	return a.client.SendHeartbeat(Heartbeat{
		Status:       status,
		CurrentJobID: currentJob,
		ActiveJobs:   active,
		QueueSize:    len(a.jobQueue),
		IPAddress:    LocalIP(),
		Version:      config.Version,
	})
}

// Wakeup collapses the sleep hierarchy: mode active, gear window extended,
// claim throttle reset, pending sleep interrupted.
func (a *Agent) Wakeup() {
	a.mu.Lock()
	a.mode = ModeActive
	a.activeGearUntil = time.Now().Add(a.cfg.ActiveGearDuration)
	a.lastClaimTime = time.Time{}
	a.mu.Unlock()
	a.SignalWake()
}

// SignalWake interrupts the current tier sleep. The 1-buffered channel
// coalesces bursts and auto-resets on receive.
func (a *Agent) SignalWake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) waitForWake(d time.Duration) {
	select {
	case <-a.wake:
	case <-a.done:
	case <-time.After(d):
	}
}

// Stop clears running and releases every waiter. Idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.running.Store(false)
		close(a.done)
	})
	a.SignalWake()
}

// Done exposes shutdown to background loops.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) Running() bool {
	return a.running.Load()
}

// SetRAMCritical latches the critical flag. It never clears within the
// process lifetime.
func (a *Agent) SetRAMCritical() {
	a.ramCritical.Store(true)
}

func (a *Agent) RAMCritical() bool {
	return a.ramCritical.Load()
}

func (a *Agent) SetPaused(paused bool) {
	a.mu.Lock()
	a.paused = paused
	a.mu.Unlock()
}

func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// StatusSnapshot is the agent state surfaced by /status.
type StatusSnapshot struct {
	WorkerID     string
	ActiveJobIDs []int64
	QueueSize    int
	Paused       bool
	UptimeHours  float64
	Mode         string
}

func (a *Agent) Snapshot() StatusSnapshot {
	a.mu.Lock()
	ids := make([]int64, 0, len(a.activeJobs))
	for id := range a.activeJobs {
		ids = append(ids, id)
	}
	paused := a.paused
	mode := a.mode
	a.mu.Unlock()
	return StatusSnapshot{
		WorkerID:     a.cfg.WorkerID,
		ActiveJobIDs: ids,
		QueueSize:    len(a.jobQueue),
		Paused:       paused,
		UptimeHours:  time.Since(a.startTime).Hours(),
		Mode:         mode,
	}
}

// InterruptActiveJobs kills running ffmpeg processes (soft terminate, 5s
// grace, then kill) and posts a jobs/interrupt per active job so the
// coordinator can reschedule. Each job is marked interrupted before the
// kill so its worker skips the convert-failure report; jobs/interrupt
// stays the single terminal call.
func (a *Agent) InterruptActiveJobs(stage string) {
	a.mu.Lock()
	jobIDs := make([]int64, 0, len(a.activeJobs))
	for id := range a.activeJobs {
		jobIDs = append(jobIDs, id)
		a.interrupted[id] = true
	}
	procs := make(map[int64]*exec.Cmd, len(a.activeProcs))
	for id, cmd := range a.activeProcs {
		procs[id] = cmd
	}
	a.mu.Unlock()

	for jobID, cmd := range procs {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			a.logger.Warn("terminate failed, killing", "job_id", jobID, "error", err)
			cmd.Process.Kill()
			continue
		}
		a.logger.Info("SIGTERM sent to ffmpeg", "job_id", jobID, "pid", cmd.Process.Pid)
		if !waitForExit(cmd, 5*time.Second) {
			cmd.Process.Kill()
			a.logger.Info("SIGKILL sent to ffmpeg", "job_id", jobID, "pid", cmd.Process.Pid)
		}
	}

	for _, jobID := range jobIDs {
		if err := a.client.InterruptJob(jobID, stage); err != nil {
			a.logger.Warn("interrupt call failed", "job_id", jobID, "error", err)
		}
		a.metrics.RecordJobInterrupted()
	}
}

// waitForExit polls for the subprocess to leave without consuming its Wait
// (the owning worker still calls Wait).
func waitForExit(cmd *exec.Cmd, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cmd.ProcessState != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return cmd.ProcessState != nil
}

func (a *Agent) StartTime() time.Time {
	return a.startTime
}

func (a *Agent) MaxConcurrent() int {
	return a.maxConcurrent
}
