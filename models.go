// Package sqlbatch provides the job backend of a batch SQL execution service:
// job identity, the job state machine, its persisted hash representation, and
// the create → enqueue → publish → index handshake that hands a submitted
// query to a worker host.
//
// The library supports:
//   - Pluggable metadata stores (Redis, BadgerDB, SQLite, in-memory)
//   - Pluggable host queues and host notification channels
//   - A per-user job index for job history
//   - Lifecycle events delivered over a bounded channel
//   - A worker with drain support and a reconciler for lost dispatches
//     and orphaned running jobs
//
// Example usage:
//
//	store := sqlbatch.NewInMemoryStore()
//	queue := sqlbatch.NewInMemoryQueue()
//	backend := sqlbatch.NewJobBackend(store, queue, queue, store, sqlbatch.DefaultConfig(), logger)
//
//	job, err := backend.Create(ctx, "alice", "SELECT 1", "hostA")
package sqlbatch

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job was created and dispatched but not claimed yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a worker has claimed the job and is executing it.
	JobStatusRunning JobStatus = "running"
	// JobStatusDone indicates the job finished successfully.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed indicates the job finished with an error.
	// FailedReason holds the error message.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled, either before
	// a worker claimed it or while it was running.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is expected from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Persisted field names. These are part of the record layout shared with
// every process reading the job store.
const (
	FieldUser         = "user"
	FieldStatus       = "status"
	FieldQuery        = "query"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"
	FieldFailedReason = "failed_reason"
	FieldHost         = "host"
	FieldHeartbeatAt  = "heartbeat_at"
)

// jobFields is the field list of a batched job read. The first five are
// required for a record to exist.
var jobFields = []string{
	FieldUser,
	FieldStatus,
	FieldQuery,
	FieldCreatedAt,
	FieldUpdatedAt,
	FieldFailedReason,
	FieldHost,
	FieldHeartbeatAt,
}

const requiredJobFields = 5

// Job represents one submitted SQL query and its tracked lifecycle.
type Job struct {
	ID           string    // Unique job identifier (uuid v4)
	Owner        string    // Submitting user
	Status       JobStatus // Current job status
	Query        string    // Submitted SQL text, never parsed here
	Host         string    // Host the job was dispatched to (empty for legacy records)
	CreatedAt    time.Time // When the job was created
	UpdatedAt    time.Time // Last state transition
	FailedReason string    // Error message if the job failed
	HeartbeatAt  time.Time // Last worker heartbeat (zero if none)
}

// timeLayout is the persisted timestamp format. Fixed-width so the
// textual form sorts the same way as the instant.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
