// Command sqlbatchctl submits and inspects batch SQL jobs and runs the job
// reconciler against a shared job store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
