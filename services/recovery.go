package services

import (
	"fmt"
	"log/slog"
)

// RecoveryService runs once at startup: report interrupted jobs left over
// from a previous crash and optionally push them back to pending.
type RecoveryService struct {
	client     *CoordinatorClient
	alerts     *AlertService
	autoResume bool
	logger     *slog.Logger
}

func NewRecoveryService(client *CoordinatorClient, alerts *AlertService, autoResume bool, logger *slog.Logger) *RecoveryService {
	return &RecoveryService{
		client:     client,
		alerts:     alerts,
		autoResume: autoResume,
		logger:     logger,
	}
}

// RecoverInterruptedJobs is best effort; a coordinator hiccup here must
// not block startup.
func (r *RecoveryService) RecoverInterruptedJobs() {
	jobs, err := r.client.ListInterrupted(100)
	if err != nil {
		r.logger.Warn("interrupted jobs check failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	r.logger.Info("found interrupted jobs", "count", len(jobs))
	r.alerts.Send(fmt.Sprintf(
		"⚠️ <b>INTERRUPTED JOBS</b>: %d job(s) found. "+
			"Retry via dashboard or set AUTO_RESUME_INTERRUPTED=1 to auto-resume on next start.",
		len(jobs),
	))
	if !r.autoResume {
		return
	}
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	retried, err := r.client.RetryInterrupted(ids)
	if err != nil {
		r.logger.Warn("auto-resume failed", "error", err)
		return
	}
	if retried > 0 {
		r.logger.Info("auto-resumed interrupted jobs", "count", retried)
		r.alerts.Send(fmt.Sprintf("✅ Auto-resumed %d interrupted job(s).", retried))
	}
}
