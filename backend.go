package sqlbatch

import (
	"context"
)

// MetadataStore is a hash-oriented key-value store. Every call is scoped to a
// logical database index. Implementations must be thread-safe; each
// WriteFields call must be atomic for its key.
type MetadataStore interface {
	// WriteFields sets the given fields of the hash stored at key.
	// Fields not named are left untouched.
	WriteFields(ctx context.Context, index int, key string, fields map[string]string) error

	// ReadFields returns the values of the named fields, aligned to names.
	// An absent field is returned as nil.
	ReadFields(ctx context.Context, index int, key string, names []string) ([]*string, error)
}

// FieldSwapper is implemented by metadata stores that can write a hash only
// while one of its fields holds an expected value. Every store in this
// package implements it; the job backend uses it to claim and finish jobs
// without overwriting a concurrent cancellation.
type FieldSwapper interface {
	// SwapFields sets fields on the hash at key if field currently equals
	// expect, as one atomic step. It reports whether the write happened.
	SwapFields(ctx context.Context, index int, key, field, expect string, fields map[string]string) (bool, error)
}

// KeyScanner enumerates keys of a MetadataStore. Only the reconciler needs it.
type KeyScanner interface {
	// ScanKeys returns every key in the logical database that starts with prefix.
	ScanKeys(ctx context.Context, index int, prefix string) ([]string, error)
}

// QueueProducer durably hands a job to the work queue of a host.
type QueueProducer interface {
	Enqueue(ctx context.Context, jobID string, host string) error
}

// QueueConsumer takes jobs from the work queue of a host.
type QueueConsumer interface {
	// Dequeue pops the next job identifier queued for host.
	// ok is false when the queue is empty.
	Dequeue(ctx context.Context, host string) (jobID string, ok bool, err error)
}

// QueueInspector reports whether a job is still waiting in a host queue.
type QueueInspector interface {
	Queued(ctx context.Context, host string, jobID string) (bool, error)
}

// Publisher wakes the workers of a host. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, host string)
}

// Subscriber receives host notifications sent through a Publisher.
type Subscriber interface {
	// Subscribe returns a channel of host names. The channel is closed
	// when ctx is done.
	Subscribe(ctx context.Context) (<-chan string, error)
}

// UserIndexer maintains the set of job identifiers created by each user.
type UserIndexer interface {
	// Add records jobID for owner. Adding an existing pair is a no-op.
	Add(ctx context.Context, owner string, jobID string) error

	// List returns every job identifier recorded for owner.
	List(ctx context.Context, owner string) ([]string, error)
}
