package gossip

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
)

// broadcastRecorder implements just enough of the transport to capture
// gossip broadcasts.
type broadcastRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *broadcastRecorder) Broadcast(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), payload...)
	b.payloads = append(b.payloads, cp)
	return nil
}

func (b *broadcastRecorder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

func (b *broadcastRecorder) last() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.payloads) == 0 {
		return nil
	}
	return b.payloads[len(b.payloads)-1]
}

func (b *broadcastRecorder) SetCallbacks(transport.Callbacks) {}
func (b *broadcastRecorder) RequestConnection(context.Context, meshstate.DeviceIdentity, meshstate.EndpointHandle) error {
	return nil
}
func (b *broadcastRecorder) AcceptConnection(meshstate.EndpointHandle) error       { return nil }
func (b *broadcastRecorder) RejectConnection(meshstate.EndpointHandle) error       { return nil }
func (b *broadcastRecorder) DisconnectFromEndpoint(meshstate.EndpointHandle) error { return nil }
func (b *broadcastRecorder) StartDiscovery() error                                 { return nil }
func (b *broadcastRecorder) StopDiscovery() error                                  { return nil }
func (b *broadcastRecorder) StartAdvertising() error                               { return nil }
func (b *broadcastRecorder) StopAll() error                                        { return nil }
func (b *broadcastRecorder) SendTo(meshstate.EndpointHandle, []byte) error         { return nil }

func newGossipFixture(t *testing.T, self meshstate.DeviceIdentity) (*Manager, *meshstate.Store, *broadcastRecorder) {
	t.Helper()
	store := meshstate.NewStore(self)
	tr := &broadcastRecorder{}
	return NewManager(config.DefaultMeshConfig(), store, tr), store, tr
}

func TestBroadcastSkipsEmptyGraph(t *testing.T) {
	m, _, tr := newGossipFixture(t, "a")
	require.NoError(t, m.BroadcastNow())
	assert.Zero(t, tr.count())
}

func TestBroadcastEncodesAdjacency(t *testing.T) {
	m, store, tr := newGossipFixture(t, "a")
	store.UpsertDevice("ep-b", "b", meshstate.PhaseConnected)
	store.UpsertDevice("ep-c", "c", meshstate.PhaseConnected)
	store.SyncLocalAdjacency()

	require.NoError(t, m.BroadcastNow())
	require.Equal(t, 1, tr.count())

	frame, err := DecodeFrame(tr.last())
	require.NoError(t, err)
	assert.Equal(t, FrameTopologyGossip, frame.Type)

	var payload TopologyPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, map[string][]string{"a": {"b", "c"}}, payload.Data)
}

func TestHandleFrameMergesAndForwards(t *testing.T) {
	m, store, tr := newGossipFixture(t, "a")

	data, err := EncodeFrame(FrameTopologyGossip, TopologyPayload{
		Data: map[string][]string{"x": {"y"}, "y": {"x"}},
	})
	require.NoError(t, err)
	frame, err := DecodeFrame(data)
	require.NoError(t, err)

	require.NoError(t, m.HandleFrame(frame))
	assert.Equal(t, 1, tr.count(), "new information must be forwarded")
	assert.True(t, store.Graph().HasEdge("x", "y"))
	assert.True(t, store.Graph().HasEdge("y", "x"))

	// The same frame again teaches nothing and must not echo.
	require.NoError(t, m.HandleFrame(frame))
	assert.Equal(t, 1, tr.count())
}

func TestHandleFrameRejectsOtherTypes(t *testing.T) {
	m, _, tr := newGossipFixture(t, "a")
	err := m.HandleFrame(Frame{Type: FrameRoutedMessage, Payload: []byte(`{}`)})
	assert.Error(t, err)
	assert.Zero(t, tr.count())
}

func TestTwoNodesConverge(t *testing.T) {
	ma, sa, ta := newGossipFixture(t, "a")
	mb, sb, tb := newGossipFixture(t, "b")

	sa.UpsertDevice("ep-b", "b", meshstate.PhaseConnected)
	sa.SyncLocalAdjacency()
	sb.UpsertDevice("ep-a", "a", meshstate.PhaseConnected)
	sb.UpsertDevice("ep-c", "c", meshstate.PhaseConnected)
	sb.SyncLocalAdjacency()

	// Relay broadcasts back and forth until neither side learns anything.
	require.NoError(t, ma.BroadcastNow())
	require.NoError(t, mb.BroadcastNow())
	for i := 0; i < 10; i++ {
		an, bn := ta.count(), tb.count()
		for _, p := range ta.payloads[:an] {
			frame, err := DecodeFrame(p)
			require.NoError(t, err)
			require.NoError(t, mb.HandleFrame(frame))
		}
		for _, p := range tb.payloads[:bn] {
			frame, err := DecodeFrame(p)
			require.NoError(t, err)
			require.NoError(t, ma.HandleFrame(frame))
		}
		if ta.count() == an && tb.count() == bn {
			break
		}
	}

	assert.True(t, sa.Graph().Equal(sb.Graph()))
	assert.True(t, sa.Graph().HasEdge("b", "c"))
}

func TestDecodeFrameRejectsUntagged(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"payload":{}}`))
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`not json`))
	assert.Error(t, err)
}
