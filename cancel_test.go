package sqlbatch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VsevolodSauta/sqlbatch"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// cancellingStore cancels a job right after a read of its record returns,
// so the reader acts on a status that is already stale.
type cancellingStore struct {
	*sqlbatch.InMemoryStore
	mu       sync.Mutex
	armedFor string
}

func (s *cancellingStore) cancelAfterNextRead(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armedFor = jobID
}

func (s *cancellingStore) ReadFields(ctx context.Context, index int, key string, names []string) ([]*string, error) {
	values, err := s.InMemoryStore.ReadFields(ctx, index, key, names)

	s.mu.Lock()
	fire := s.armedFor != "" && key == "batch:jobs:"+s.armedFor
	if fire {
		s.armedFor = ""
	}
	s.mu.Unlock()
	if fire {
		if werr := s.InMemoryStore.WriteFields(ctx, index, key, map[string]string{"status": "cancelled"}); werr != nil {
			return nil, werr
		}
	}
	return values, err
}

var _ = Describe("Cancellation", func() {
	var (
		store   *sqlbatch.InMemoryStore
		queue   *sqlbatch.InMemoryQueue
		backend *sqlbatch.JobBackend
		config  *sqlbatch.Config
		ctx     context.Context
		cancel  context.CancelFunc
		events  chan sqlbatch.Event
	)

	BeforeEach(func() {
		store = sqlbatch.NewInMemoryStore()
		queue = sqlbatch.NewInMemoryQueue()
		config = sqlbatch.DefaultConfig()
		config.PollInterval = 20 * time.Millisecond
		config.HeartbeatInterval = 20 * time.Millisecond
		backend = sqlbatch.NewJobBackend(store, queue, queue, store, config, testLogger())
		ctx, cancel = context.WithCancel(context.Background())

		events = make(chan sqlbatch.Event, 100)
		go sqlbatch.ObserveEvents(ctx, backend.Events(), testLogger(), sqlbatch.EventHandlerFunc(func(_ context.Context, evt sqlbatch.Event) {
			events <- evt
		}))
	})

	AfterEach(func() {
		cancel()
	})

	status := func(jobID string) func() sqlbatch.JobStatus {
		return func() sqlbatch.JobStatus {
			job, err := backend.Get(context.Background(), jobID)
			Expect(err).NotTo(HaveOccurred())
			return job.Status
		}
	}

	It("should skip a job cancelled before it was claimed", func() {
		job, err := backend.Create(ctx, "alice", "SELECT 1", "hostA")
		Expect(err).NotTo(HaveOccurred())

		backend.SetCancelled(ctx, job)
		Eventually(events).Should(Receive(WithTransform(func(e sqlbatch.Event) sqlbatch.EventType { return e.Type }, Equal(sqlbatch.EventCancelled))))

		var executed atomic.Int32
		worker := sqlbatch.NewWorker(backend, queue, queue, func(ctx context.Context, job *sqlbatch.Job) error {
			executed.Add(1)
			return nil
		}, "hostA", config, testLogger())
		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(func() []string { return queue.Pending("hostA") }).Should(BeEmpty())
		Consistently(executed.Load, 100*time.Millisecond).Should(BeZero())
		Expect(status(job.ID)()).To(Equal(sqlbatch.JobStatusCancelled))
	})

	It("should stop a running execution and keep the cancelled status", func() {
		job, err := backend.Create(ctx, "alice", "SELECT pg_sleep(60)", "hostA")
		Expect(err).NotTo(HaveOccurred())

		interrupted := make(chan struct{})
		worker := sqlbatch.NewWorker(backend, queue, queue, func(ctx context.Context, job *sqlbatch.Job) error {
			<-ctx.Done()
			close(interrupted)
			return ctx.Err()
		}, "hostA", config, testLogger())
		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(status(job.ID), 5*time.Second).Should(Equal(sqlbatch.JobStatusRunning))

		backend.SetCancelled(ctx, job)
		Eventually(interrupted, 5*time.Second).Should(BeClosed())

		drainCtx, drainCancel := context.WithTimeout(ctx, 5*time.Second)
		defer drainCancel()
		Expect(worker.Drain(drainCtx)).To(Succeed())

		Expect(status(job.ID)()).To(Equal(sqlbatch.JobStatusCancelled))
	})

	It("should not run a job cancelled between its read and its claim", func() {
		racy := &cancellingStore{InMemoryStore: sqlbatch.NewInMemoryStore()}
		racyBackend := sqlbatch.NewJobBackend(racy, queue, queue, racy, config, testLogger())
		go sqlbatch.ObserveEvents(ctx, racyBackend.Events(), testLogger())

		job, err := racyBackend.Create(ctx, "alice", "SELECT 1", "hostA")
		Expect(err).NotTo(HaveOccurred())
		racy.cancelAfterNextRead(job.ID)

		var executed atomic.Int32
		worker := sqlbatch.NewWorker(racyBackend, queue, queue, func(ctx context.Context, job *sqlbatch.Job) error {
			executed.Add(1)
			return nil
		}, "hostA", config, testLogger())
		Expect(worker.Start(ctx)).To(Succeed())
		defer worker.Stop()

		Eventually(func() []string { return queue.Pending("hostA") }).Should(BeEmpty())
		Consistently(executed.Load, 200*time.Millisecond).Should(BeZero())

		current, err := racyBackend.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(current.Status).To(Equal(sqlbatch.JobStatusCancelled))
	})

	It("should keep a cancellation that lands just before the job finishes", func() {
		config.HeartbeatInterval = time.Hour
		job, err := backend.Create(ctx, "alice", "SELECT 1", "hostA")
		Expect(err).NotTo(HaveOccurred())

		finished := make(chan struct{})
		worker := sqlbatch.NewWorker(backend, queue, queue, func(ctx context.Context, running *sqlbatch.Job) error {
			defer close(finished)
			backend.SetCancelled(ctx, running)
			return nil
		}, "hostA", config, testLogger())
		Expect(worker.Start(ctx)).To(Succeed())

		Eventually(finished, 5*time.Second).Should(BeClosed())
		drainCtx, drainCancel := context.WithTimeout(ctx, 5*time.Second)
		defer drainCancel()
		Expect(worker.Drain(drainCtx)).To(Succeed())

		Expect(status(job.ID)()).To(Equal(sqlbatch.JobStatusCancelled))
	})
})
