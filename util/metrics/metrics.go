package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedPeers tracks the number of currently connected peers per node
	ConnectedPeers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gomesh_connected_peers",
			Help: "Number of peers currently in the CONNECTED phase",
		},
		[]string{"node"},
	)

	// ConnectAttemptsTotal tracks outbound connection attempts and their outcome
	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_connect_attempts_total",
			Help: "Total number of outbound connection attempts",
		},
		[]string{"node", "strategy", "result"},
	)

	// DisconnectsTotal tracks deliberate disconnects issued by strategies
	DisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_disconnects_total",
			Help: "Total number of deliberate disconnects, labeled by reason (churn, prune, rotation, cut_in)",
		},
		[]string{"node", "reason"},
	)

	// InboundTotal tracks inbound connection admissions and rejections
	InboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_inbound_total",
			Help: "Total number of inbound connection requests, labeled by decision",
		},
		[]string{"node", "decision"},
	)

	// GossipFramesTotal tracks gossip frames sent and received
	GossipFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_gossip_frames_total",
			Help: "Total number of topology gossip frames, labeled by direction",
		},
		[]string{"node", "direction"},
	)

	// GossipMergeChangesTotal counts merges that actually changed the local graph
	GossipMergeChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_gossip_merge_changes_total",
			Help: "Total number of gossip merges that modified the local network graph",
		},
		[]string{"node"},
	)

	// FloodMessagesTotal tracks flood envelope handling outcomes
	FloodMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_flood_messages_total",
			Help: "Total number of flood envelopes handled, labeled by outcome (delivered, forwarded, deduped, expired)",
		},
		[]string{"node", "outcome"},
	)

	// HealingCyclesTotal counts completed healing discovery/advertising cycles
	HealingCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomesh_healing_cycles_total",
			Help: "Total number of completed global healing cycles",
		},
		[]string{"node"},
	)

	// RingStable reports whether the ring strategy currently considers the overlay stable
	RingStable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gomesh_ring_stable",
			Help: "1 when the ring strategy considers its neighborhood stable, 0 otherwise",
		},
		[]string{"node"},
	)
)

// SetConnectedPeers sets the connected-peer gauge for a node
func SetConnectedPeers(node string, count int) {
	ConnectedPeers.WithLabelValues(node).Set(float64(count))
}

// RecordConnectAttempt increments the attempt counter for a node and strategy
func RecordConnectAttempt(node, strategy, result string) {
	ConnectAttemptsTotal.WithLabelValues(node, strategy, result).Inc()
}

// RecordDisconnect increments the deliberate-disconnect counter
func RecordDisconnect(node, reason string) {
	DisconnectsTotal.WithLabelValues(node, reason).Inc()
}

// RecordInbound increments the inbound admission counter
func RecordInbound(node, decision string) {
	InboundTotal.WithLabelValues(node, decision).Inc()
}

// RecordGossipFrame increments the gossip frame counter ("sent" or "received")
func RecordGossipFrame(node, direction string) {
	GossipFramesTotal.WithLabelValues(node, direction).Inc()
}

// RecordGossipMergeChange increments the merge-change counter
func RecordGossipMergeChange(node string) {
	GossipMergeChangesTotal.WithLabelValues(node).Inc()
}

// RecordFloodMessage increments the flood outcome counter
func RecordFloodMessage(node, outcome string) {
	FloodMessagesTotal.WithLabelValues(node, outcome).Inc()
}

// RecordHealingCycle increments the healing cycle counter
func RecordHealingCycle(node string) {
	HealingCyclesTotal.WithLabelValues(node).Inc()
}

// SetRingStable sets the ring stability gauge
func SetRingStable(node string, stable bool) {
	v := 0.0
	if stable {
		v = 1.0
	}
	RingStable.WithLabelValues(node).Set(v)
}
