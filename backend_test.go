package sqlbatch_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/VsevolodSauta/sqlbatch"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLogger creates a logger for tests (errors only)
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
}

func strPtr(s string) *string {
	return &s
}

// testStore is what every store adapter in this package implements.
type testStore interface {
	sqlbatch.MetadataStore
	sqlbatch.FieldSwapper
	sqlbatch.KeyScanner
	sqlbatch.UserIndexer
}

// MetadataStoreTestSuite runs the store contract against a store implementation
func MetadataStoreTestSuite(storeFactory func() (testStore, func())) {
	var store testStore
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		store, cleanup = storeFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("WriteFields and ReadFields", func() {
		It("should read back written fields aligned to the requested names", func() {
			err := store.WriteFields(ctx, 5, "batch:jobs:j1", map[string]string{
				"user":   "alice",
				"status": "pending",
			})
			Expect(err).NotTo(HaveOccurred())

			values, err := store.ReadFields(ctx, 5, "batch:jobs:j1", []string{"status", "missing", "user"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{strPtr("pending"), nil, strPtr("alice")}))
		})

		It("should return absent values for an unknown key", func() {
			values, err := store.ReadFields(ctx, 5, "batch:jobs:nope", []string{"user", "status"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{nil, nil}))
		})

		It("should leave fields that are not written untouched", func() {
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"a": "1", "b": "2"})).To(Succeed())
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"b": "3"})).To(Succeed())

			values, err := store.ReadFields(ctx, 5, "k", []string{"a", "b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{strPtr("1"), strPtr("3")}))
		})

		It("should keep an empty string distinct from an absent field", func() {
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"failed_reason": ""})).To(Succeed())

			values, err := store.ReadFields(ctx, 5, "k", []string{"failed_reason", "other"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values[0]).NotTo(BeNil())
			Expect(*values[0]).To(BeEmpty())
			Expect(values[1]).To(BeNil())
		})

		It("should isolate logical indexes", func() {
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"a": "1"})).To(Succeed())

			values, err := store.ReadFields(ctx, 6, "k", []string{"a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{nil}))
		})

		It("should handle concurrent writers on different keys", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					key := fmt.Sprintf("batch:jobs:c%d", i)
					Expect(store.WriteFields(ctx, 5, key, map[string]string{"n": fmt.Sprint(i)})).To(Succeed())
				}(i)
			}
			wg.Wait()

			for i := 0; i < 20; i++ {
				values, err := store.ReadFields(ctx, 5, fmt.Sprintf("batch:jobs:c%d", i), []string{"n"})
				Expect(err).NotTo(HaveOccurred())
				Expect(values).To(Equal([]*string{strPtr(fmt.Sprint(i))}))
			}
		})
	})

	Describe("SwapFields", func() {
		It("should write when the field holds the expected value", func() {
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"status": "pending"})).To(Succeed())

			swapped, err := store.SwapFields(ctx, 5, "k", "status", "pending", map[string]string{
				"status":     "running",
				"updated_at": "t1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(swapped).To(BeTrue())

			values, err := store.ReadFields(ctx, 5, "k", []string{"status", "updated_at"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{strPtr("running"), strPtr("t1")}))
		})

		It("should leave the hash untouched when the field differs", func() {
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"status": "cancelled"})).To(Succeed())

			swapped, err := store.SwapFields(ctx, 5, "k", "status", "pending", map[string]string{
				"status":     "running",
				"updated_at": "t1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(swapped).To(BeFalse())

			values, err := store.ReadFields(ctx, 5, "k", []string{"status", "updated_at"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{strPtr("cancelled"), nil}))
		})

		It("should not create a missing key", func() {
			swapped, err := store.SwapFields(ctx, 5, "missing", "status", "pending", map[string]string{"status": "running"})
			Expect(err).NotTo(HaveOccurred())
			Expect(swapped).To(BeFalse())

			values, err := store.ReadFields(ctx, 5, "missing", []string{"status"})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(Equal([]*string{nil}))
		})

		It("should let exactly one of several concurrent swaps win", func() {
			Expect(store.WriteFields(ctx, 5, "k", map[string]string{"status": "pending"})).To(Succeed())

			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					swapped, err := store.SwapFields(ctx, 5, "k", "status", "pending", map[string]string{
						"status": fmt.Sprintf("running-%d", i),
					})
					Expect(err).NotTo(HaveOccurred())
					if swapped {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			Expect(winners).To(Equal(1))
		})
	})

	Describe("ScanKeys", func() {
		It("should return each matching key once", func() {
			Expect(store.WriteFields(ctx, 5, "batch:jobs:a", map[string]string{"x": "1", "y": "2"})).To(Succeed())
			Expect(store.WriteFields(ctx, 5, "batch:jobs:b", map[string]string{"x": "1"})).To(Succeed())
			Expect(store.WriteFields(ctx, 5, "other:c", map[string]string{"x": "1"})).To(Succeed())
			Expect(store.WriteFields(ctx, 6, "batch:jobs:d", map[string]string{"x": "1"})).To(Succeed())

			keys, err := store.ScanKeys(ctx, 5, "batch:jobs:")
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(ConsistOf("batch:jobs:a", "batch:jobs:b"))
		})

		It("should return nothing for an empty index", func() {
			keys, err := store.ScanKeys(ctx, 9, "batch:jobs:")
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(BeEmpty())
		})
	})

	Describe("UserIndexer", func() {
		It("should list added jobs per owner", func() {
			Expect(store.Add(ctx, "alice", "j1")).To(Succeed())
			Expect(store.Add(ctx, "alice", "j2")).To(Succeed())
			Expect(store.Add(ctx, "bob", "j3")).To(Succeed())

			alice, err := store.List(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(alice).To(ConsistOf("j1", "j2"))

			bob, err := store.List(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(bob).To(ConsistOf("j3"))
		})

		It("should ignore duplicate adds", func() {
			Expect(store.Add(ctx, "alice", "j1")).To(Succeed())
			Expect(store.Add(ctx, "alice", "j1")).To(Succeed())

			ids, err := store.List(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"j1"}))
		})

		It("should return an empty list for an unknown owner", func() {
			ids, err := store.List(ctx, "nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(BeEmpty())
		})
	})
}

var _ = Describe("InMemoryStore", func() {
	MetadataStoreTestSuite(func() (testStore, func()) {
		store := sqlbatch.NewInMemoryStore()
		return store, func() { _ = store.Close() }
	})

	It("should reject operations after Close", func() {
		store := sqlbatch.NewInMemoryStore()
		Expect(store.Close()).To(Succeed())

		err := store.WriteFields(context.Background(), 5, "k", map[string]string{"a": "1"})
		Expect(err).To(HaveOccurred())
	})
})
