package sqlbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const jobKeyPrefix = "batch:jobs:"

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// JobBackend owns job records and drives the job state machine.
//
// It keeps no job state between calls: every read goes to the metadata
// store, so any number of JobBackend instances may share one store.
// Transition outcomes are delivered on the channel returned by Events.
type JobBackend struct {
	store           MetadataStore
	producer        QueueProducer
	publisher       Publisher
	indexer         UserIndexer
	index           int
	listConcurrency int
	events          chan Event
	logger          *slog.Logger

	clockMu sync.Mutex
	lastNow time.Time
}

// NewJobBackend creates a job backend over the given collaborators.
// A nil config means DefaultConfig; a nil logger means slog.Default.
func NewJobBackend(store MetadataStore, producer QueueProducer, publisher Publisher, indexer UserIndexer, config *Config, logger *slog.Logger) *JobBackend {
	if config == nil {
		config = DefaultConfig()
	}
	buffer := config.EventBuffer
	if buffer < 0 {
		buffer = 0
	}
	concurrency := config.ListConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &JobBackend{
		store:           store,
		producer:        producer,
		publisher:       publisher,
		indexer:         indexer,
		index:           config.StoreIndex,
		listConcurrency: concurrency,
		events:          make(chan Event, buffer),
		logger:          loggerOrDefault(logger),
	}
}

// Events returns the lifecycle event channel. Transition operations block
// until their event is read or their context ends, so some goroutine must
// keep reading it (see ObserveEvents).
func (b *JobBackend) Events() <-chan Event {
	return b.events
}

// now returns the current UTC time, strictly after any time it returned before.
func (b *JobBackend) now() time.Time {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(b.lastNow) {
		t = b.lastNow.Add(time.Nanosecond)
	}
	b.lastNow = t
	return t
}

// Create records a new pending job, dispatches it to host, wakes the host's
// workers and indexes it for owner, in that order. Each step runs only if the
// previous one succeeded. A failure after the record write leaves the record
// in place; the reconciler picks up such jobs.
func (b *JobBackend) Create(ctx context.Context, owner, query, host string) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case owner == "":
		return nil, newJobError("create", "", ErrValidation, errors.New("owner is empty"))
	case query == "":
		return nil, newJobError("create", "", ErrValidation, errors.New("query is empty"))
	case host == "":
		return nil, newJobError("create", "", ErrValidation, errors.New("host is empty"))
	}

	jobID := uuid.NewString()
	now := formatTime(b.now())
	fields := map[string]string{
		FieldUser:      owner,
		FieldStatus:    string(JobStatusPending),
		FieldQuery:     query,
		FieldCreatedAt: now,
		FieldUpdatedAt: now,
		FieldHost:      host,
	}
	if err := b.store.WriteFields(ctx, b.index, jobKey(jobID), fields); err != nil {
		b.logger.Debug("Create: write error", "jobID", jobID, "error", err)
		return nil, newJobError("create", jobID, ErrStore, err)
	}

	if err := b.producer.Enqueue(ctx, jobID, host); err != nil {
		b.logger.Debug("Create: enqueue error", "jobID", jobID, "host", host, "error", err)
		return nil, newJobError("create", jobID, ErrDispatch, err)
	}
	b.logger.Debug("Create: enqueued", "jobID", jobID, "host", host)

	b.publisher.Publish(ctx, host)

	if err := b.indexer.Add(ctx, owner, jobID); err != nil {
		b.logger.Debug("Create: index error", "jobID", jobID, "owner", owner, "error", err)
		return nil, newJobError("create", jobID, ErrIndex, err)
	}

	return b.Get(ctx, jobID)
}

// Get reads a job in one batched store read.
func (b *JobBackend) Get(ctx context.Context, jobID string) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, newJobError("get", "", ErrValidation, errors.New("job id is empty"))
	}

	values, err := b.store.ReadFields(ctx, b.index, jobKey(jobID), jobFields)
	if err != nil {
		return nil, newJobError("get", jobID, ErrStore, err)
	}
	if len(values) != len(jobFields) {
		return nil, newJobError("get", jobID, ErrStore,
			fmt.Errorf("read returned %d values for %d fields", len(values), len(jobFields)))
	}
	return jobFromFields(jobID, values)
}

func jobFromFields(jobID string, values []*string) (*Job, error) {
	for i := 0; i < requiredJobFields; i++ {
		if values[i] == nil || *values[i] == "" {
			return nil, notFound(jobID)
		}
	}
	value := func(i int) string {
		if values[i] == nil {
			return ""
		}
		return *values[i]
	}

	createdAt, err := parseTime(value(3))
	if err != nil {
		return nil, newJobError("get", jobID, ErrStore, fmt.Errorf("invalid %s: %w", FieldCreatedAt, err))
	}
	updatedAt, err := parseTime(value(4))
	if err != nil {
		return nil, newJobError("get", jobID, ErrStore, fmt.Errorf("invalid %s: %w", FieldUpdatedAt, err))
	}
	var heartbeatAt time.Time
	if hb := value(7); hb != "" {
		if heartbeatAt, err = parseTime(hb); err != nil {
			return nil, newJobError("get", jobID, ErrStore, fmt.Errorf("invalid %s: %w", FieldHeartbeatAt, err))
		}
	}

	return &Job{
		ID:           jobID,
		Owner:        value(0),
		Status:       JobStatus(value(1)),
		Query:        value(2),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		FailedReason: value(5),
		Host:         value(6),
		HeartbeatAt:  heartbeatAt,
	}, nil
}

// List returns every job indexed for owner. Jobs are read concurrently, at
// most ListConcurrency at a time. If any read fails List returns that error
// and no jobs.
func (b *JobBackend) List(ctx context.Context, owner string) ([]*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, newJobError("list", "", ErrValidation, errors.New("owner is empty"))
	}

	jobIDs, err := b.indexer.List(ctx, owner)
	if err != nil {
		return nil, newJobError("list", "", ErrIndex, err)
	}
	b.logger.Debug("List: indexed jobs", "owner", owner, "count", len(jobIDs))

	jobs := make([]*Job, len(jobIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.listConcurrency)
	for i, jobID := range jobIDs {
		g.Go(func() error {
			job, err := b.Get(gctx, jobID)
			if err != nil {
				return err
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// SetRunning marks job as running. The outcome is delivered as an
// EventRunning or EventError event.
func (b *JobBackend) SetRunning(ctx context.Context, job *Job) {
	b.transition(ctx, job, JobStatusRunning, nil, EventRunning)
}

// SetDone marks job as done. The outcome is delivered as an EventDone or
// EventError event.
func (b *JobBackend) SetDone(ctx context.Context, job *Job) {
	b.transition(ctx, job, JobStatusDone, nil, EventDone)
}

// SetFailed marks job as failed with cause's message as the failure reason.
// The outcome is delivered as an EventFailed or EventError event.
func (b *JobBackend) SetFailed(ctx context.Context, job *Job, cause error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	b.transition(ctx, job, JobStatusFailed, map[string]string{FieldFailedReason: reason}, EventFailed)
}

// SetCancelled marks job as cancelled. The outcome is delivered as an
// EventCancelled or EventError event.
func (b *JobBackend) SetCancelled(ctx context.Context, job *Job) {
	b.transition(ctx, job, JobStatusCancelled, nil, EventCancelled)
}

// Claim moves job from pending to running and emits EventRunning. It reports
// false, without an event, if the job is no longer pending, for example
// because it was cancelled after the caller read it. A store failure emits
// EventError and also reports false.
func (b *JobBackend) Claim(ctx context.Context, job *Job) bool {
	return b.apply(ctx, job, JobStatusPending, JobStatusRunning, nil, EventRunning)
}

// Finish moves a running job to done, or to failed when execErr is non-nil.
// It reports false, without an event, if the job left running meanwhile
// (cancelled, or failed by the reconciler).
func (b *JobBackend) Finish(ctx context.Context, job *Job, execErr error) bool {
	if execErr != nil {
		return b.apply(ctx, job, JobStatusRunning, JobStatusFailed,
			map[string]string{FieldFailedReason: execErr.Error()}, EventFailed)
	}
	return b.apply(ctx, job, JobStatusRunning, JobStatusDone, nil, EventDone)
}

func (b *JobBackend) transition(ctx context.Context, job *Job, status JobStatus, extra map[string]string, success EventType) {
	b.apply(ctx, job, "", status, extra, success)
}

// apply writes status, unconditionally when from is empty and otherwise only
// while the stored status is from.
func (b *JobBackend) apply(ctx context.Context, job *Job, from, status JobStatus, extra map[string]string, success EventType) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	op := "set " + string(status)
	if job == nil || job.ID == "" {
		b.emit(ctx, Event{Type: EventError, Job: job, Err: newJobError(op, "", ErrValidation, errors.New("job has no id"))})
		return false
	}

	now := b.now()
	fields := map[string]string{
		FieldStatus:    string(status),
		FieldUpdatedAt: formatTime(now),
	}
	for k, v := range extra {
		fields[k] = v
	}

	applied := true
	var err error
	if from == "" {
		err = b.store.WriteFields(ctx, b.index, jobKey(job.ID), fields)
	} else {
		applied, err = b.swapStatus(ctx, job.ID, from, fields)
	}
	if err != nil {
		b.logger.Debug("transition: write error", "jobID", job.ID, "status", status, "error", err)
		b.emit(ctx, Event{Type: EventError, Job: job, Err: newJobError(op, job.ID, ErrStore, err)})
		return false
	}
	if !applied {
		b.logger.Debug("transition: job left status", "jobID", job.ID, "from", from, "status", status)
		return false
	}

	updated := *job
	updated.Status = status
	updated.UpdatedAt = now
	if reason, ok := extra[FieldFailedReason]; ok {
		updated.FailedReason = reason
	}
	b.logger.Debug("transition: persisted", "jobID", job.ID, "status", status)
	b.emit(ctx, Event{Type: success, Job: &updated})
	return true
}

// swapStatus writes fields only while the stored status is from. Stores that
// are not a FieldSwapper get a read followed by a write, which a concurrent
// writer can interleave.
func (b *JobBackend) swapStatus(ctx context.Context, jobID string, from JobStatus, fields map[string]string) (bool, error) {
	if swapper, ok := b.store.(FieldSwapper); ok {
		return swapper.SwapFields(ctx, b.index, jobKey(jobID), FieldStatus, string(from), fields)
	}
	values, err := b.store.ReadFields(ctx, b.index, jobKey(jobID), []string{FieldStatus})
	if err != nil {
		return false, err
	}
	if len(values) != 1 || values[0] == nil || *values[0] != string(from) {
		return false, nil
	}
	return true, b.store.WriteFields(ctx, b.index, jobKey(jobID), fields)
}

// Heartbeat records that a worker is still executing job. The reconciler
// treats running jobs without a recent heartbeat or update as orphaned.
func (b *JobBackend) Heartbeat(ctx context.Context, job *Job) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if job == nil || job.ID == "" {
		return newJobError("heartbeat", "", ErrValidation, errors.New("job has no id"))
	}
	fields := map[string]string{FieldHeartbeatAt: formatTime(b.now())}
	if err := b.store.WriteFields(ctx, b.index, jobKey(job.ID), fields); err != nil {
		return newJobError("heartbeat", job.ID, ErrStore, err)
	}
	return nil
}

// emit delivers evt, waiting for room in the event channel. An event that
// cannot be delivered before ctx ends is logged instead.
func (b *JobBackend) emit(ctx context.Context, evt Event) {
	evt.At = time.Now().UTC()
	select {
	case b.events <- evt:
	case <-ctx.Done():
		var jobID string
		if evt.Job != nil {
			jobID = evt.Job.ID
		}
		b.logger.Error("job event not delivered", "event", string(evt.Type), "jobID", jobID, "eventError", evt.Err, "error", ctx.Err())
	}
}
