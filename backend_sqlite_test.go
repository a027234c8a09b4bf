//go:build sqlite
// +build sqlite

package sqlbatch_test

import (
	"os"

	"github.com/VsevolodSauta/sqlbatch"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SQLiteStore", func() {
	MetadataStoreTestSuite(func() (testStore, func()) {
		tmpFile, err := os.CreateTemp("", "test_sqlbatch_*.db")
		Expect(err).NotTo(HaveOccurred())
		tmpFile.Close()

		store, err := sqlbatch.NewSQLiteStore(tmpFile.Name())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.Remove(tmpFile.Name())
		}
	})
})
