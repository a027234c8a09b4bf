package sqlbatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor runs the query of a claimed job. A returned error marks the job
// as failed with the error message as its reason.
type Executor func(ctx context.Context, job *Job) error

// Worker claims jobs from the queue of one host, executes them and drives
// them through running to a terminal state.
//
// It polls its queue every PollInterval and additionally whenever a host
// notification for its host arrives. Stop and Drain implement graceful
// shutdown: stop claiming, then wait for executions in flight.
type Worker struct {
	backend    *JobBackend
	consumer   QueueConsumer
	subscriber Subscriber
	executor   Executor
	host       string
	config     *Config
	logger     *slog.Logger

	slots    chan struct{}
	inflight sync.WaitGroup
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker for host.
// subscriber may be nil, in which case the worker only polls.
func NewWorker(backend *JobBackend, consumer QueueConsumer, subscriber Subscriber, executor Executor, host string, config *Config, logger *slog.Logger) *Worker {
	cfg := DefaultConfig()
	if config != nil {
		cfg = &Config{}
		*cfg = *config
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		backend:    backend,
		consumer:   consumer,
		subscriber: subscriber,
		executor:   executor,
		host:       host,
		config:     cfg,
		logger:     loggerOrDefault(logger).With("host", host),
		slots:      make(chan struct{}, concurrency),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start subscribes to host notifications and starts the claim loop.
// It returns immediately after the loop is started.
func (w *Worker) Start(ctx context.Context) error {
	var notifications <-chan string
	if w.subscriber != nil {
		ch, err := w.subscriber.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to host notifications: %w", err)
		}
		notifications = ch
	}

	go w.processLoop(ctx, notifications)
	return nil
}

// Stop stops claiming new jobs and waits for the claim loop to exit.
// Executions already in flight keep running; use Drain to wait for them.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// Drain stops the worker and waits until every execution in flight has
// finished. It returns an error if ctx ends first.
func (w *Worker) Drain(ctx context.Context) error {
	w.Stop()

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain interrupted with jobs in flight: %w", ctx.Err())
	}
}

// processLoop claims jobs on every tick and on every notification for w.host.
func (w *Worker) processLoop(ctx context.Context, notifications <-chan string) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.claimJobs(ctx)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimJobs(ctx)
		case host, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if host == w.host {
				w.claimJobs(ctx)
			}
		}
	}
}

// claimJobs dequeues jobs while execution slots are free.
func (w *Worker) claimJobs(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		jobID, ok, err := w.consumer.Dequeue(ctx, w.host)
		if err != nil || !ok {
			<-w.slots
			if err != nil {
				w.logger.Warn("failed to dequeue job", "error", err)
			}
			return
		}

		w.inflight.Add(1)
		go func() {
			defer func() {
				<-w.slots
				w.inflight.Done()
			}()
			w.processJob(ctx, jobID)
		}()
	}
}

// processJob runs one dequeued job. The job runs only if Claim moves it from
// pending to running, so a job cancelled before or while being claimed, or
// one whose claim write failed, is never executed.
func (w *Worker) processJob(ctx context.Context, jobID string) {
	job, err := w.backend.Get(ctx, jobID)
	if err != nil {
		w.logger.Error("failed to load claimed job", "jobID", jobID, "error", err)
		return
	}
	if !w.backend.Claim(ctx, job) {
		w.logger.Debug("processJob: job not claimed", "jobID", jobID, "status", job.Status)
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeatLoop(execCtx, cancel, job)
	}()

	execErr := w.executor(execCtx, job)
	cancel()
	<-heartbeatDone

	// A job cancelled while running keeps its cancelled status.
	if !w.backend.Finish(ctx, job, execErr) {
		w.logger.Debug("processJob: job no longer running", "jobID", jobID)
	}
}

// heartbeatLoop refreshes the job lease until ctx ends, and cancels the
// execution if the job was cancelled meanwhile.
func (w *Worker) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, job *Job) {
	if w.config.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.backend.Heartbeat(ctx, job); err != nil {
				w.logger.Warn("failed to heartbeat job", "jobID", job.ID, "error", err)
			}
			current, err := w.backend.Get(ctx, job.ID)
			if err == nil && current.Status == JobStatusCancelled {
				w.logger.Info("job cancelled while running", "jobID", job.ID)
				cancel()
				return
			}
		}
	}
}
