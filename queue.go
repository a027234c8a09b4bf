package sqlbatch

import (
	"context"
	"fmt"
	"sync"
)

// subscription is an active Subscribe call on an InMemoryQueue.
type subscription struct {
	id uint64
	ch chan string
}

// InMemoryQueue implements the host queue and host notification
// collaborators in process memory: QueueProducer, QueueConsumer,
// QueueInspector, Publisher and Subscriber.
type InMemoryQueue struct {
	mu            sync.Mutex
	queues        map[string][]string // host -> FIFO of job IDs
	subscriptions map[uint64]*subscription
	nextSubID     uint64
	published     []string
}

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		queues:        make(map[string][]string),
		subscriptions: make(map[uint64]*subscription),
	}
}

// Enqueue appends jobID to the queue of host.
func (q *InMemoryQueue) Enqueue(ctx context.Context, jobID string, host string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("job ID is empty")
	}
	if host == "" {
		return fmt.Errorf("host is empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[host] = append(q.queues[host], jobID)
	return nil
}

// Dequeue pops the oldest job queued for host.
func (q *InMemoryQueue) Dequeue(ctx context.Context, host string) (string, bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[host]
	if len(queue) == 0 {
		return "", false, nil
	}
	jobID := queue[0]
	q.queues[host] = queue[1:]
	return jobID, true, nil
}

// Queued reports whether jobID is waiting in the queue of host.
func (q *InMemoryQueue) Queued(ctx context.Context, host string, jobID string) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.queues[host] {
		if queued == jobID {
			return true, nil
		}
	}
	return false, nil
}

// Pending returns a copy of the queue of host.
func (q *InMemoryQueue) Pending(host string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyStringSlice(q.queues[host])
}

// Published returns every host published so far, in order.
func (q *InMemoryQueue) Published() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyStringSlice(q.published)
}

// Publish notifies every subscriber about host. A subscriber whose channel is
// full misses the notification; workers also poll their queue on a timer.
func (q *InMemoryQueue) Publish(_ context.Context, host string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, host)
	for _, sub := range q.subscriptions {
		select {
		case sub.ch <- host:
		default:
		}
	}
}

// Subscribe registers a subscriber until ctx is done.
func (q *InMemoryQueue) Subscribe(ctx context.Context) (<-chan string, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	sub := &subscription{id: q.nextSubID, ch: make(chan string, 16)}
	q.nextSubID++
	q.subscriptions[sub.id] = sub
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.subscriptions, sub.id)
		close(sub.ch)
		q.mu.Unlock()
	}()
	return sub.ch, nil
}
