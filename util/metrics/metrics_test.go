package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetConnectedPeers(t *testing.T) {
	SetConnectedPeers("n1", 3)
	if got := testutil.ToFloat64(ConnectedPeers.WithLabelValues("n1")); got != 3 {
		t.Errorf("ConnectedPeers = %v; want 3", got)
	}

	SetConnectedPeers("n1", 0)
	if got := testutil.ToFloat64(ConnectedPeers.WithLabelValues("n1")); got != 0 {
		t.Errorf("ConnectedPeers = %v; want 0", got)
	}
}

func TestRecordCounters(t *testing.T) {
	before := testutil.ToFloat64(ConnectAttemptsTotal.WithLabelValues("n2", "ring", "ok"))
	RecordConnectAttempt("n2", "ring", "ok")
	RecordConnectAttempt("n2", "ring", "ok")
	after := testutil.ToFloat64(ConnectAttemptsTotal.WithLabelValues("n2", "ring", "ok"))
	if after-before != 2 {
		t.Errorf("ConnectAttemptsTotal delta = %v; want 2", after-before)
	}

	before = testutil.ToFloat64(FloodMessagesTotal.WithLabelValues("n2", "deduped"))
	RecordFloodMessage("n2", "deduped")
	after = testutil.ToFloat64(FloodMessagesTotal.WithLabelValues("n2", "deduped"))
	if after-before != 1 {
		t.Errorf("FloodMessagesTotal delta = %v; want 1", after-before)
	}
}

func TestSetRingStable(t *testing.T) {
	SetRingStable("n3", true)
	if got := testutil.ToFloat64(RingStable.WithLabelValues("n3")); got != 1 {
		t.Errorf("RingStable = %v; want 1", got)
	}
	SetRingStable("n3", false)
	if got := testutil.ToFloat64(RingStable.WithLabelValues("n3")); got != 0 {
		t.Errorf("RingStable = %v; want 0", got)
	}
}
