package sqlbatch_test

import (
	"context"
	"errors"
	"time"

	"github.com/VsevolodSauta/sqlbatch"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reconciler", func() {
	var (
		store   *faultyStore
		queue   *faultyQueue
		config  *sqlbatch.Config
		backend *sqlbatch.JobBackend
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		store = newFaultyStore()
		queue = newFaultyQueue()
		config = sqlbatch.DefaultConfig()
		config.PendingThreshold = 0
		config.ReconcileRate = 0
		backend = sqlbatch.NewJobBackend(store, queue, queue, store, config, testLogger())
		ctx, cancel = context.WithCancel(context.Background())
		go sqlbatch.ObserveEvents(ctx, backend.Events(), testLogger())
	})

	AfterEach(func() {
		cancel()
	})

	newReconciler := func() *sqlbatch.Reconciler {
		return sqlbatch.NewReconciler(backend, store, queue, config, testLogger())
	}

	// lostJob creates a job whose dispatch failed after its record was written.
	lostJob := func(owner string) string {
		queue.failEnqueues(errors.New("connection reset"))
		defer queue.failEnqueues(nil)

		_, err := backend.Create(ctx, owner, "SELECT 1", "hostA")
		Expect(err).To(MatchError(sqlbatch.ErrDispatch))
		var jobErr *sqlbatch.JobError
		Expect(errors.As(err, &jobErr)).To(BeTrue())
		return jobErr.JobID
	}

	writeJob := func(jobID string, status sqlbatch.JobStatus, updatedAt time.Time) {
		created := updatedAt.Add(-time.Minute).UTC().Format(time.RFC3339Nano)
		Expect(store.WriteFields(ctx, 5, "batch:jobs:"+jobID, map[string]string{
			"user":       "alice",
			"status":     string(status),
			"query":      "SELECT 1",
			"created_at": created,
			"updated_at": updatedAt.UTC().Format(time.RFC3339Nano),
			"host":       "hostA",
		})).To(Succeed())
	}

	It("should re-dispatch and re-index a pending job missing from its queue", func() {
		jobID := lostJob("alice")
		Expect(queue.Pending("hostA")).To(BeEmpty())

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Scanned).To(Equal(1))
		Expect(report.Redispatched).To(Equal(1))
		Expect(report.Reindexed).To(Equal(1))

		Expect(queue.Pending("hostA")).To(Equal([]string{jobID}))
		Expect(queue.Published()).To(Equal([]string{"hostA"}))

		jobs, err := backend.List(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))
		Expect(jobs[0].ID).To(Equal(jobID))
	})

	It("should not enqueue a pending job twice", func() {
		job, err := backend.Create(ctx, "alice", "SELECT 1", "hostA")
		Expect(err).NotTo(HaveOccurred())

		reconciler := newReconciler()
		for i := 0; i < 3; i++ {
			report, err := reconciler.RunOnce(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Redispatched).To(BeZero())
			Expect(report.Reindexed).To(BeZero())
		}
		Expect(queue.Pending("hostA")).To(Equal([]string{job.ID}))
	})

	It("should re-index a queued job whose index write failed, once", func() {
		store.failAdds(errors.New("connection reset"))
		_, err := backend.Create(ctx, "alice", "SELECT 1", "hostA")
		Expect(err).To(MatchError(sqlbatch.ErrIndex))
		store.failAdds(nil)
		Expect(queue.Pending("hostA")).To(HaveLen(1))

		reconciler := newReconciler()
		report, err := reconciler.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Reindexed).To(Equal(1))
		Expect(report.Redispatched).To(BeZero())

		jobs, err := backend.List(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(jobs).To(HaveLen(1))

		report, err = reconciler.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Reindexed).To(BeZero())
		Expect(queue.Pending("hostA")).To(HaveLen(1))
	})

	It("should leave young pending jobs alone", func() {
		config.PendingThreshold = time.Hour
		lostJob("alice")

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Scanned).To(Equal(1))
		Expect(report.Redispatched).To(BeZero())
		Expect(report.Reindexed).To(BeZero())
		Expect(queue.Pending("hostA")).To(BeEmpty())
	})

	It("should fail running jobs whose lease expired", func() {
		config.LeaseTTL = time.Minute
		writeJob("stale", sqlbatch.JobStatusRunning, time.Now().Add(-time.Hour))
		writeJob("fresh", sqlbatch.JobStatusRunning, time.Now())

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Expired).To(Equal(1))

		stale, err := backend.Get(ctx, "stale")
		Expect(err).NotTo(HaveOccurred())
		Expect(stale.Status).To(Equal(sqlbatch.JobStatusFailed))
		Expect(stale.FailedReason).To(Equal(sqlbatch.ErrLeaseExpired.Error()))

		fresh, err := backend.Get(ctx, "fresh")
		Expect(err).NotTo(HaveOccurred())
		Expect(fresh.Status).To(Equal(sqlbatch.JobStatusRunning))
	})

	It("should keep running jobs with a recent heartbeat", func() {
		config.LeaseTTL = time.Minute
		writeJob("busy", sqlbatch.JobStatusRunning, time.Now().Add(-time.Hour))
		Expect(backend.Heartbeat(ctx, &sqlbatch.Job{ID: "busy"})).To(Succeed())

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Expired).To(BeZero())

		busy, err := backend.Get(ctx, "busy")
		Expect(err).NotTo(HaveOccurred())
		Expect(busy.Status).To(Equal(sqlbatch.JobStatusRunning))
	})

	It("should not expire running jobs when the lease is disabled", func() {
		config.LeaseTTL = 0
		writeJob("stale", sqlbatch.JobStatusRunning, time.Now().Add(-24*time.Hour))

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Expired).To(BeZero())
	})

	It("should ignore terminal jobs and incomplete records", func() {
		writeJob("finished", sqlbatch.JobStatusDone, time.Now().Add(-time.Hour))
		Expect(store.WriteFields(ctx, 5, "batch:jobs:partial", map[string]string{"status": "pending"})).To(Succeed())

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Scanned).To(Equal(1))
		Expect(report.Redispatched).To(BeZero())
		Expect(report.Expired).To(BeZero())
		Expect(report.Errors).To(BeZero())
	})

	It("should count unreadable jobs as errors and continue", func() {
		jobID := lostJob("alice")
		writeJob("broken", sqlbatch.JobStatusRunning, time.Now())
		store.failReadsOf("broken")

		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Errors).To(Equal(1))
		Expect(report.Redispatched).To(Equal(1))
		Expect(queue.Pending("hostA")).To(Equal([]string{jobID}))
	})

	It("should throttle re-dispatches", func() {
		config.ReconcileRate = 20
		for i := 0; i < 5; i++ {
			lostJob("alice")
		}

		start := time.Now()
		report, err := newReconciler().RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Redispatched).To(Equal(5))
		// Burst of one, then four waits of 50ms.
		Expect(time.Since(start)).To(BeNumerically(">=", 150*time.Millisecond))
	})

	It("should run periodically until stopped", func() {
		config.ReconcileInterval = 20 * time.Millisecond
		reconciler := newReconciler()
		reconciler.Start(ctx)
		defer reconciler.Stop()

		jobID := lostJob("alice")
		Eventually(func() []string { return queue.Pending("hostA") }, 2*time.Second).Should(Equal([]string{jobID}))
	})
})
