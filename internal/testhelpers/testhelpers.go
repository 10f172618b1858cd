// Package testhelpers provides helpers shared by this module's test
// suites, in particular for driving an Rpc instance's event loop from
// a test goroutine and waiting on its completion signals.
package testhelpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

// RunUntil drives step repeatedly (e.g. an Rpc's RunEventLoopOnce)
// until done reports true or timeout elapses, failing the test in the
// latter case. Tests use this instead of a fixed sleep so they run as
// fast as the simulated transport allows.
func RunUntil(t *testing.T, step func(), done func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !done() {
		if time.Now().After(deadline) {
			require.FailNow(t, "condition not met within timeout")
		}
		step()
	}
}
