// Package gossip spreads the network graph between connected peers with a
// periodic anti-entropy broadcast. The payload union-merge is monotonic, so
// frames may arrive duplicated or reordered without harm.
package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/xiaonanln/gomesh/meshstate"
)

// FrameType tags every payload exchanged between connected peers, so one
// transport stream can carry gossip and routed traffic side by side.
type FrameType string

const (
	// FrameTopologyGossip carries a TopologyPayload.
	FrameTopologyGossip FrameType = "TOPOLOGY_GOSSIP"

	// FrameRoutedMessage carries a flood-routed message envelope.
	FrameRoutedMessage FrameType = "ROUTED_MESSAGE"
)

// Frame is the tagged wire envelope for peer payloads.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeFrame wraps payload in a tagged frame and marshals it.
func EncodeFrame(t FrameType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	data, err := json.Marshal(Frame{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", t, err)
	}
	return data, nil
}

// DecodeFrame unmarshals a tagged frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame without type")
	}
	return f, nil
}

// TopologyPayload is the gossiped adjacency map, device name to the sorted
// names of its neighbors.
type TopologyPayload struct {
	Data map[string][]string `json:"data"`
}

// payloadFromGraph flattens a graph snapshot into its wire form.
func payloadFromGraph(g meshstate.NetworkGraph) TopologyPayload {
	data := make(map[string][]string, len(g))
	for _, v := range g.Vertices() {
		row := make([]string, 0, g.Degree(v))
		for _, n := range g.Neighbors(v) {
			row = append(row, string(n))
		}
		data[string(v)] = row
	}
	return TopologyPayload{Data: data}
}

// graphFromPayload rebuilds a graph from its wire form.
func graphFromPayload(p TopologyPayload) meshstate.NetworkGraph {
	g := meshstate.NewNetworkGraph()
	for v, row := range p.Data {
		set := make(map[meshstate.DeviceIdentity]struct{}, len(row))
		for _, n := range row {
			set[meshstate.DeviceIdentity(n)] = struct{}{}
		}
		g[meshstate.DeviceIdentity(v)] = set
	}
	return g
}
