package testutil

import (
	"testing"
	"time"
)

// WaitFor polls a condition function until it returns true or times out.
// It's useful for waiting on asynchronous operations in tests.
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "peer to reach CONNECTED", func() bool {
//	    return store.ConnectedCount() == 2
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	tickerInterval := 20 * time.Millisecond
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v)", message, timeout)
		}
	}
}
