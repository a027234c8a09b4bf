package sqlbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLeaseExpired is the failure reason of running jobs whose worker stopped
// updating them.
var ErrLeaseExpired = errors.New("lease expired: worker stopped reporting progress")

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned      int `json:"scanned"`      // Job records read
	Redispatched int `json:"redispatched"` // Pending jobs enqueued again
	Reindexed    int `json:"reindexed"`    // Stale pending jobs missing from their owner's index, re-added
	Expired      int `json:"expired"`      // Running jobs marked failed
	Errors       int `json:"errors"`       // Jobs skipped because of an error
}

// Reconciler repairs jobs left behind by partially failed creations and by
// workers that disappeared.
//
// A pending job older than PendingThreshold is added back to its owner's index
// if missing there, and enqueued again if missing from its host queue. A running job whose last
// update and heartbeat are older than LeaseTTL is marked failed with
// ErrLeaseExpired. Re-dispatches are throttled to ReconcileRate per second.
type Reconciler struct {
	backend   *JobBackend
	scanner   KeyScanner
	inspector QueueInspector
	config    *Config
	limiter   *rate.Limiter
	logger    *slog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a reconciler over the backend's store and queue.
func NewReconciler(backend *JobBackend, scanner KeyScanner, inspector QueueInspector, config *Config, logger *slog.Logger) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	limit := rate.Inf
	if config.ReconcileRate > 0 {
		limit = rate.Limit(config.ReconcileRate)
	}
	return &Reconciler{
		backend:   backend,
		scanner:   scanner,
		inspector: inspector,
		config:    config,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    loggerOrDefault(logger),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs a pass immediately and then every ReconcileInterval until Stop
// is called or ctx ends.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop stops the reconciler and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneCh)

	interval := r.config.ReconcileInterval
	if interval <= 0 {
		interval = DefaultConfig().ReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runAndLog(ctx)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAndLog(ctx)
		}
	}
}

func (r *Reconciler) runAndLog(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("reconciliation failed", "error", err)
		return
	}
	r.logger.Info("reconciliation finished",
		"scanned", report.Scanned,
		"redispatched", report.Redispatched,
		"reindexed", report.Reindexed,
		"expired", report.Expired,
		"errors", report.Errors)
}

// RunOnce performs one reconciliation pass over every job record.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := r.scanner.ScanKeys(ctx, r.backend.index, jobKeyPrefix)
	if err != nil {
		return nil, newJobError("reconcile", "", ErrStore, err)
	}

	report := &ReconcileReport{}
	now := time.Now()
	for _, key := range keys {
		jobID := strings.TrimPrefix(key, jobKeyPrefix)
		job, err := r.backend.Get(ctx, jobID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			report.Errors++
			r.logger.Warn("reconcile: failed to read job", "jobID", jobID, "error", err)
			continue
		}
		report.Scanned++

		switch job.Status {
		case JobStatusPending:
			err = r.reconcilePending(ctx, job, now, report)
		case JobStatusRunning:
			r.reconcileRunning(ctx, job, now, report)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			report.Errors++
			r.logger.Warn("reconcile: failed to repair job", "jobID", jobID, "error", err)
		}
	}
	return report, nil
}

func (r *Reconciler) reconcilePending(ctx context.Context, job *Job, now time.Time, report *ReconcileReport) error {
	if now.Sub(job.CreatedAt) < r.config.PendingThreshold {
		return nil
	}

	indexed, err := r.backend.indexer.List(ctx, job.Owner)
	if err != nil {
		return newJobError("reconcile", job.ID, ErrIndex, err)
	}
	if !slices.Contains(indexed, job.ID) {
		if err := r.backend.indexer.Add(ctx, job.Owner, job.ID); err != nil {
			return newJobError("reconcile", job.ID, ErrIndex, err)
		}
		report.Reindexed++
		r.logger.Info("re-indexed pending job", "jobID", job.ID, "owner", job.Owner)
	}

	if job.Host == "" {
		r.logger.Debug("reconcilePending: job has no host, cannot redispatch", "jobID", job.ID)
		return nil
	}
	queued, err := r.inspector.Queued(ctx, job.Host, job.ID)
	if err != nil {
		return newJobError("reconcile", job.ID, ErrDispatch, err)
	}
	if queued {
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := r.backend.producer.Enqueue(ctx, job.ID, job.Host); err != nil {
		return newJobError("reconcile", job.ID, ErrDispatch, fmt.Errorf("re-enqueue: %w", err))
	}
	r.backend.publisher.Publish(ctx, job.Host)
	report.Redispatched++
	r.logger.Info("re-dispatched pending job", "jobID", job.ID, "host", job.Host, "age", now.Sub(job.CreatedAt))
	return nil
}

func (r *Reconciler) reconcileRunning(ctx context.Context, job *Job, now time.Time, report *ReconcileReport) {
	if r.config.LeaseTTL <= 0 {
		return
	}
	last := job.UpdatedAt
	if job.HeartbeatAt.After(last) {
		last = job.HeartbeatAt
	}
	if now.Sub(last) <= r.config.LeaseTTL {
		return
	}
	// Conditional, so a job finished since the scan keeps its outcome.
	fields := map[string]string{FieldFailedReason: ErrLeaseExpired.Error()}
	if r.backend.apply(ctx, job, JobStatusRunning, JobStatusFailed, fields, EventFailed) {
		r.logger.Info("running job lease expired", "jobID", job.ID, "lastSeen", last)
		report.Expired++
	}
}
