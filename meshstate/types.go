package meshstate

import (
	"sort"
	"time"
)

// DeviceIdentity is the stable, human-sortable name a node chooses once per
// installation. It is the logical key in ring ordering and graph entries.
type DeviceIdentity string

// EndpointHandle is the ephemeral transport-level identifier for one physical
// connection attempt. It is not stable across reconnects.
type EndpointHandle string

// Phase is the connection state machine for a known peer.
type Phase int

const (
	PhaseDiscovered Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseError
	PhaseDisconnected
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseDiscovered:
		return "DISCOVERED"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnected:
		return "CONNECTED"
	case PhaseError:
		return "ERROR"
	case PhaseDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// DeviceState is one entry per known peer.
type DeviceState struct {
	Name       DeviceIdentity
	Endpoint   EndpointHandle
	Phase      Phase
	RetryCount int
	LastSeen   time.Time

	// ConnectingSince records when the peer entered CONNECTING, so the
	// watchdog can fail attempts the transport never reports back on.
	ConnectingSince time.Time
}

// NetworkGraph maps a device to the set of devices it is believed to be
// directly connected to. It is the gossiped, eventually-consistent view of
// the overlay; it is not necessarily accurate for any peer at any instant.
type NetworkGraph map[DeviceIdentity]map[DeviceIdentity]struct{}

// NewNetworkGraph returns an empty graph
func NewNetworkGraph() NetworkGraph {
	return make(NetworkGraph)
}

// AddEdge records a directed adjacency from a to b, creating vertices as needed.
func (g NetworkGraph) AddEdge(a, b DeviceIdentity) {
	if g[a] == nil {
		g[a] = make(map[DeviceIdentity]struct{})
	}
	g[a][b] = struct{}{}
}

// HasEdge reports whether a lists b as a neighbor.
func (g NetworkGraph) HasEdge(a, b DeviceIdentity) bool {
	_, ok := g[a][b]
	return ok
}

// Neighbors returns a's adjacency set as a sorted slice.
func (g NetworkGraph) Neighbors(a DeviceIdentity) []DeviceIdentity {
	set := g[a]
	if len(set) == 0 {
		return nil
	}
	out := make([]DeviceIdentity, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Degree returns the number of neighbors a lists.
func (g NetworkGraph) Degree(a DeviceIdentity) int {
	return len(g[a])
}

// Vertices returns every device that appears as a graph key, sorted.
func (g NetworkGraph) Vertices() []DeviceIdentity {
	out := make([]DeviceIdentity, 0, len(g))
	for v := range g {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasVertex reports whether a appears as a graph key.
func (g NetworkGraph) HasVertex(a DeviceIdentity) bool {
	_, ok := g[a]
	return ok
}

// Clone returns a deep copy of the graph.
func (g NetworkGraph) Clone() NetworkGraph {
	out := make(NetworkGraph, len(g))
	for v, set := range g {
		cp := make(map[DeviceIdentity]struct{}, len(set))
		for n := range set {
			cp[n] = struct{}{}
		}
		out[v] = cp
	}
	return out
}

// Merge union-merges other into g. The operation is monotonic: edges are only
// ever added, never removed, which makes it commutative and idempotent across
// repeated gossip exchanges. Returns whether g changed.
func (g NetworkGraph) Merge(other NetworkGraph) bool {
	changed := false
	for v, set := range other {
		if g[v] == nil {
			g[v] = make(map[DeviceIdentity]struct{}, len(set))
			changed = true
		}
		for n := range set {
			if _, ok := g[v][n]; !ok {
				g[v][n] = struct{}{}
				changed = true
			}
		}
	}
	return changed
}

// Equal reports whether two graphs contain exactly the same vertices and edges.
func (g NetworkGraph) Equal(other NetworkGraph) bool {
	if len(g) != len(other) {
		return false
	}
	for v, set := range g {
		oset, ok := other[v]
		if !ok || len(set) != len(oset) {
			return false
		}
		for n := range set {
			if _, ok := oset[n]; !ok {
				return false
			}
		}
	}
	return true
}
